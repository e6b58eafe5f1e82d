package apisec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CAOptions configures a CertAuthority.
type CAOptions struct {
	// Organization is written into generated root and leaf subjects.
	Organization string

	// RootValidity is the lifetime of a freshly generated root.
	RootValidity time.Duration

	// LeafValidity is the requested lifetime of a host certificate. The
	// effective lifetime never exceeds the remaining root validity.
	LeafValidity time.Duration

	// CacheSize bounds the number of cached host certificates.
	CacheSize int

	// CacheTTL evicts cached host certificates after this long.
	CacheTTL time.Duration

	// Rand is the randomness source. Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Metrics records cache hits and misses (optional).
	Metrics *Metrics
}

// DefaultCAOptions returns the options used when none are supplied.
func DefaultCAOptions() CAOptions {
	return CAOptions{
		Organization: "APISec Analyst",
		RootValidity: 10 * 365 * 24 * time.Hour,
		LeafValidity: 90 * 24 * time.Hour,
		CacheSize:    1024,
		CacheTTL:     12 * time.Hour,
	}
}

func (o *CAOptions) applyDefaults() {
	d := DefaultCAOptions()
	if o.Organization == "" {
		o.Organization = d.Organization
	}
	if o.RootValidity <= 0 {
		o.RootValidity = d.RootValidity
	}
	if o.LeafValidity <= 0 {
		o.LeafValidity = d.LeafValidity
	}
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
}

type rootMaterial struct {
	cert       *x509.Certificate
	key        crypto.Signer
	certPEM    []byte
	generation uint64
}

type cachedLeaf struct {
	cert       *tls.Certificate
	notAfter   time.Time
	generation uint64
}

// CertAuthority owns the root keypair and issues per-host leaf certificates
// for MITM interception.
type CertAuthority struct {
	opts CAOptions

	mu   sync.RWMutex
	root *rootMaterial

	// certPath and keyPath are set when the root is persisted on disk.
	certPath string
	keyPath  string

	cache *expirable.LRU[string, cachedLeaf]
	group singleflight.Group
}

// GenerateRoot creates a new self-signed root keypair and returns the
// PEM-encoded certificate and PKCS#8 private key. It fails with
// ErrRootKeyGeneration when random cannot supply entropy.
func GenerateRoot(org string, validity time.Duration, random io.Reader) (certPEM, keyPEM []byte, err error) {
	if random == nil {
		random = rand.Reader
	}

	probe := make([]byte, 32)
	if _, err := io.ReadFull(random, probe); err != nil {
		return nil, nil, fmt.Errorf("%w: read entropy: %v", ErrRootKeyGeneration, err)
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), random)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRootKeyGeneration, err)
	}

	serialNumber, err := rand.Int(random, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: serial: %v", ErrRootKeyGeneration, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(random, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal root key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// NewCertAuthorityFromPEM creates a CertAuthority from a PEM-encoded root
// certificate and key.
func NewCertAuthorityFromPEM(certPEM, keyPEM []byte, opts CAOptions) (*CertAuthority, error) {
	opts.applyDefaults()

	root, err := parseRoot(certPEM, keyPEM)
	if err != nil {
		return nil, &CertificateError{Op: "load root", Err: err}
	}
	root.generation = 1

	return &CertAuthority{
		opts:  opts,
		root:  root,
		cache: expirable.NewLRU[string, cachedLeaf](opts.CacheSize, nil, opts.CacheTTL),
	}, nil
}

// LoadOrCreateCertAuthority loads the root from certPath/keyPath. When
// neither file exists a new root is generated and persisted; the key file is
// written with mode 0600. A half-present pair is a CertificateError.
func LoadOrCreateCertAuthority(certPath, keyPath string, opts CAOptions) (*CertAuthority, error) {
	opts.applyDefaults()

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	var certPEM, keyPEM []byte
	switch {
	case certExists && keyExists:
		var err error
		if certPEM, err = os.ReadFile(certPath); err != nil {
			return nil, &CertificateError{Op: "read root certificate", Err: err}
		}
		if keyPEM, err = os.ReadFile(keyPath); err != nil {
			return nil, &CertificateError{Op: "read root key", Err: err}
		}
	case !certExists && !keyExists:
		var err error
		certPEM, keyPEM, err = GenerateRoot(opts.Organization, opts.RootValidity, opts.Rand)
		if err != nil {
			return nil, &CertificateError{Op: "generate root", Err: err}
		}
		if err := writeRoot(certPath, keyPath, certPEM, keyPEM); err != nil {
			return nil, &CertificateError{Op: "persist root", Err: err}
		}
	default:
		return nil, &CertificateError{
			Op:  "load root",
			Err: fmt.Errorf("incomplete root material: cert present=%t key present=%t", certExists, keyExists),
		}
	}

	ca, err := NewCertAuthorityFromPEM(certPEM, keyPEM, opts)
	if err != nil {
		return nil, err
	}
	ca.certPath = certPath
	ca.keyPath = keyPath
	return ca, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (ca *CertAuthority) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, errors.New("no SNI provided")
	}
	return ca.IssueLeaf(hello.ServerName)
}

// IssueLeaf returns a leaf certificate for host signed by the root. Cached,
// unexpired leaves are returned as-is; concurrent calls for the same host
// share a single signing operation.
func (ca *CertAuthority) IssueLeaf(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return nil, &CertificateError{Op: "issue leaf", Err: errors.New("empty hostname")}
	}

	root := ca.currentRoot()
	if leaf, ok := ca.cachedLeaf(host, root.generation); ok {
		if ca.opts.Metrics != nil {
			ca.opts.Metrics.RecordCertCacheHit()
		}
		return leaf, nil
	}

	v, err, _ := ca.group.Do(host, func() (any, error) {
		// Another caller may have finished while we waited on the group.
		root := ca.currentRoot()
		if leaf, ok := ca.cachedLeaf(host, root.generation); ok {
			return leaf, nil
		}
		if ca.opts.Metrics != nil {
			ca.opts.Metrics.RecordCertCacheMiss()
		}

		leaf, notAfter, err := ca.signLeaf(root, host)
		if err != nil {
			return nil, err
		}
		ca.cache.Add(host, cachedLeaf{cert: leaf, notAfter: notAfter, generation: root.generation})
		if ca.opts.Metrics != nil {
			ca.opts.Metrics.SetCertCacheSize(ca.cache.Len())
		}
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (ca *CertAuthority) cachedLeaf(host string, generation uint64) (*tls.Certificate, bool) {
	entry, ok := ca.cache.Get(host)
	if !ok || entry.generation != generation || !time.Now().Before(entry.notAfter) {
		return nil, false
	}
	return entry.cert, true
}

func (ca *CertAuthority) signLeaf(root *rootMaterial, host string) (*tls.Certificate, time.Time, error) {
	now := time.Now()
	if !now.Before(root.cert.NotAfter) {
		return nil, time.Time{}, &CertificateError{Op: "issue leaf", Err: errors.New("root certificate expired")}
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), ca.opts.Rand)
	if err != nil {
		return nil, time.Time{}, &CertificateError{Op: "generate leaf key", Err: err}
	}

	serialNumber, err := rand.Int(ca.opts.Rand, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, time.Time{}, &CertificateError{Op: "generate serial", Err: err}
	}

	notBefore := now.Add(-time.Hour)
	if notBefore.Before(root.cert.NotBefore) {
		notBefore = root.cert.NotBefore
	}
	notAfter := now.Add(ca.opts.LeafValidity)
	if notAfter.After(root.cert.NotAfter) {
		notAfter = root.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{ca.opts.Organization},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(ca.opts.Rand, template, root.cert, &privKey.PublicKey, root.key)
	if err != nil {
		return nil, time.Time{}, &CertificateError{Op: "sign leaf", Err: err}
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, time.Time{}, &CertificateError{Op: "parse leaf", Err: err}
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, root.cert.Raw},
		PrivateKey:  privKey,
		Leaf:        leaf,
	}, notAfter, nil
}

// ExportRootPEM returns the PEM-encoded root certificate. The private key is
// never exported.
func (ca *CertAuthority) ExportRootPEM() []byte {
	root := ca.currentRoot()
	out := make([]byte, len(root.certPEM))
	copy(out, root.certPEM)
	return out
}

// RootCertificate returns the parsed root certificate.
func (ca *CertAuthority) RootCertificate() *x509.Certificate {
	return ca.currentRoot().cert
}

// Regenerate replaces the root keypair. When the root was loaded from disk
// the new material overwrites the files. Every cached leaf is invalidated
// because it was signed by the previous root.
func (ca *CertAuthority) Regenerate() error {
	certPEM, keyPEM, err := GenerateRoot(ca.opts.Organization, ca.opts.RootValidity, ca.opts.Rand)
	if err != nil {
		return &CertificateError{Op: "regenerate root", Err: err}
	}

	root, err := parseRoot(certPEM, keyPEM)
	if err != nil {
		return &CertificateError{Op: "regenerate root", Err: err}
	}

	if ca.certPath != "" {
		if err := writeRoot(ca.certPath, ca.keyPath, certPEM, keyPEM); err != nil {
			return &CertificateError{Op: "persist root", Err: err}
		}
	}

	ca.mu.Lock()
	root.generation = ca.root.generation + 1
	ca.root = root
	ca.mu.Unlock()

	ca.cache.Purge()
	if ca.opts.Metrics != nil {
		ca.opts.Metrics.SetCertCacheSize(0)
	}
	return nil
}

// CacheSize returns the number of cached host certificates.
func (ca *CertAuthority) CacheSize() int {
	return ca.cache.Len()
}

func (ca *CertAuthority) currentRoot() *rootMaterial {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.root
}

func parseRoot(certPEM, keyPEM []byte) (*rootMaterial, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("failed to decode root certificate PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to decode root key PEM")
	}

	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &rootMaterial{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
	}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported root key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse root key: %w", err)
	}
	return key, nil
}

func writeRoot(certPath, keyPath string, certPEM, keyPEM []byte) error {
	for _, p := range []string{certPath, keyPath} {
		if dir := filepath.Dir(p); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write root certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write root key: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
