package apisec

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Engine.Start when the proxy is already serving.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrNotFound is returned when a held item or signature id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrRootKeyGeneration is returned when the root keypair cannot be
	// generated, typically because the random source failed.
	ErrRootKeyGeneration = errors.New("root key generation failed")

	// ErrInvalidPattern is wrapped by every PatternCompileError.
	ErrInvalidPattern = errors.New("invalid signature pattern")

	// ErrDuplicateSignature is returned when a signature id is already registered.
	ErrDuplicateSignature = errors.New("duplicate signature id")

	// ErrBuiltinSignature is returned when deleting a built-in signature.
	ErrBuiltinSignature = errors.New("built-in signatures cannot be deleted")

	// ErrActionPhase is returned when a resolution action does not apply to
	// the phase of the held item (e.g. ModifyResponse on a held request).
	ErrActionPhase = errors.New("action does not match held phase")

	// ErrInvalidAction is returned when a resolution action is malformed.
	ErrInvalidAction = errors.New("invalid action")
)

// ConfigurationError reports an invalid start-time setting.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CertificateError reports a failure loading, generating or using the root CA.
type CertificateError struct {
	Op  string
	Err error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate %s: %v", e.Op, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// ConnectionError reports a failure scoped to one client connection.
type ConnectionError struct {
	Client string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Client, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TLSHandshakeError reports a failed client-side TLS handshake inside a
// CONNECT tunnel.
type TLSHandshakeError struct {
	Host string
	Err  error
}

func (e *TLSHandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with client for %s: %v", e.Host, e.Err)
}

func (e *TLSHandshakeError) Unwrap() error { return e.Err }

// UpstreamTimeoutError reports that the origin did not connect or answer in time.
type UpstreamTimeoutError struct {
	Host string
	Err  error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %s timed out: %v", e.Host, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }

// PatternCompileError is returned when a signature pattern does not compile.
type PatternCompileError struct {
	SignatureID string
	Pattern     string
	Err         error
}

func (e *PatternCompileError) Error() string {
	return fmt.Sprintf("signature %s: invalid pattern %q: %v", e.SignatureID, e.Pattern, e.Err)
}

// Is reports ErrInvalidPattern so callers can match on the sentinel.
func (e *PatternCompileError) Is(target error) bool { return target == ErrInvalidPattern }

func (e *PatternCompileError) Unwrap() error { return e.Err }

// ScanError reports a failure evaluating one signature against one transaction.
type ScanError struct {
	SignatureID   string
	TransactionID uint64
	Err           error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan transaction %d with %s: %v", e.TransactionID, e.SignatureID, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }
