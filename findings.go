package apisec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Severity ranks a Signature.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
	SeverityInfo   Severity = "Info"
)

// ParseSeverity accepts a severity name in any case. Critical is folded into
// High.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return SeverityHigh, nil
	case "medium":
		return SeverityMedium, nil
	case "low":
		return SeverityLow, nil
	case "info", "informational", "":
		return SeverityInfo, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Scope restricts which part of a message a Signature is evaluated against.
type Scope string

const (
	ScopeAny     Scope = "any"
	ScopeHeaders Scope = "headers"
	ScopeBody    Scope = "body"
)

// Field identifies the side of a transaction a Finding was made on.
type Field string

const (
	FieldRequest  Field = "request"
	FieldResponse Field = "response"
)

// Part identifies the segment of a field a Finding was made in.
type Part string

const (
	PartHeaders Part = "headers"
	PartBody    Part = "body"
)

// Signature is a named detection rule.
type Signature struct {
	ID          string   `json:"id" yaml:"id" db:"id"`
	Name        string   `json:"name" yaml:"name" db:"name"`
	Description string   `json:"description,omitempty" yaml:"description" db:"description"`
	Pattern     string   `json:"pattern" yaml:"regex" db:"pattern"`
	Severity    Severity `json:"severity" yaml:"severity" db:"severity"`
	Category    string   `json:"category,omitempty" yaml:"category" db:"category"`
	Scope       Scope    `json:"scope,omitempty" yaml:"scope" db:"scope"`
	Enabled     bool     `json:"enabled" yaml:"enabled" db:"enabled"`
	Builtin     bool     `json:"builtin" yaml:"-" db:"-"`
}

// Finding is a recorded match of a Signature against a Transaction. Start
// and End are byte offsets into the matched Part of the Field, with bodies
// measured after content decoding.
type Finding struct {
	TransactionID uint64    `json:"transaction_id"`
	SignatureID   string    `json:"signature_id"`
	SignatureName string    `json:"signature_name"`
	Severity      Severity  `json:"severity"`
	Category      string    `json:"category,omitempty"`
	Field         Field     `json:"field"`
	Part          Part      `json:"part"`
	Start         int       `json:"start"`
	End           int       `json:"end"`
	Match         string    `json:"match"`
	Time          time.Time `json:"time"`
}

// SignatureStore persists custom signatures. The engine writes through to it
// after validation succeeds.
type SignatureStore interface {
	SaveSignature(ctx context.Context, sig Signature) error
	DeleteSignature(ctx context.Context, id string) error
	SetSignatureEnabled(ctx context.Context, id string, enabled bool) error
}

// verifyFunc confirms a regex match, filtering false positives such as card
// numbers that fail the Luhn check.
type verifyFunc func(match []byte) bool

type compiledSignature struct {
	Signature
	re     *regexp.Regexp
	verify verifyFunc
}

// signatureSet is immutable once published.
type signatureSet struct {
	list []*compiledSignature
	byID map[string]*compiledSignature
}

func (s *signatureSet) with(sig *compiledSignature) *signatureSet {
	next := &signatureSet{
		list: make([]*compiledSignature, 0, len(s.list)+1),
		byID: make(map[string]*compiledSignature, len(s.byID)+1),
	}
	for _, cs := range s.list {
		next.list = append(next.list, cs)
		next.byID[cs.ID] = cs
	}
	next.list = append(next.list, sig)
	next.byID[sig.ID] = sig
	return next
}

func (s *signatureSet) filter(keep func(*compiledSignature) bool) *signatureSet {
	next := &signatureSet{byID: make(map[string]*compiledSignature, len(s.byID))}
	for _, cs := range s.list {
		if keep(cs) {
			next.list = append(next.list, cs)
			next.byID[cs.ID] = cs
		}
	}
	return next
}

// FindingEngineOptions configures a FindingEngine.
type FindingEngineOptions struct {
	// Store receives custom signature changes (optional).
	Store SignatureStore

	// DecodeLimit caps the decoded body size scanned (default DefaultDecodeLimit).
	DecodeLimit int64

	Logger  *slog.Logger
	Metrics *Metrics
}

// FindingEngine evaluates signatures against transactions. The signature set
// is replaced copy-on-write, so scans never wait for analysts editing rules.
type FindingEngine struct {
	set atomic.Pointer[signatureSet]

	// mu serialises writers.
	mu sync.Mutex

	store       SignatureStore
	decodeLimit int64
	logger      *slog.Logger
	metrics     *Metrics
}

// NewFindingEngine creates an engine with no signatures.
func NewFindingEngine(opts FindingEngineOptions) *FindingEngine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DecodeLimit <= 0 {
		opts.DecodeLimit = DefaultDecodeLimit
	}
	e := &FindingEngine{
		store:       opts.Store,
		decodeLimit: opts.DecodeLimit,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	e.set.Store(&signatureSet{byID: map[string]*compiledSignature{}})
	return e
}

func compileSignature(sig Signature) (*compiledSignature, error) {
	sig.ID = strings.TrimSpace(sig.ID)
	if sig.ID == "" {
		return nil, &PatternCompileError{Pattern: sig.Pattern, Err: fmt.Errorf("signature id is required")}
	}
	if sig.Pattern == "" {
		return nil, &PatternCompileError{SignatureID: sig.ID, Err: fmt.Errorf("empty pattern")}
	}
	re, err := regexp.Compile(sig.Pattern)
	if err != nil {
		return nil, &PatternCompileError{SignatureID: sig.ID, Pattern: sig.Pattern, Err: err}
	}
	if sig.Name == "" {
		sig.Name = sig.ID
	}
	if sig.Severity == "" {
		sig.Severity = SeverityInfo
	}
	if sig.Scope == "" {
		sig.Scope = ScopeAny
	}
	switch sig.Scope {
	case ScopeAny, ScopeHeaders, ScopeBody:
	default:
		return nil, fmt.Errorf("signature %s: unknown scope %q", sig.ID, sig.Scope)
	}
	return &compiledSignature{Signature: sig, re: re}, nil
}

// Add validates and registers a custom signature, enabled. The pattern must
// compile and the id must be unused; on failure nothing is registered or
// persisted.
func (e *FindingEngine) Add(ctx context.Context, sig Signature) error {
	sig.Builtin = false
	sig.Enabled = true
	cs, err := compileSignature(sig)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.set.Load()
	if _, exists := cur.byID[cs.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSignature, cs.ID)
	}
	if e.store != nil {
		if err := e.store.SaveSignature(ctx, cs.Signature); err != nil {
			return fmt.Errorf("persist signature %s: %w", cs.ID, err)
		}
	}
	e.publish(cur.with(cs))
	e.logger.Info("signature added", "id", cs.ID, "severity", cs.Severity)
	return nil
}

func (e *FindingEngine) addBuiltin(sig Signature, verify verifyFunc) error {
	sig.Builtin = true
	cs, err := compileSignature(sig)
	if err != nil {
		return err
	}
	cs.verify = verify

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.set.Load()
	if _, exists := cur.byID[cs.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSignature, cs.ID)
	}
	e.publish(cur.with(cs))
	return nil
}

// Replace swaps every custom signature for sigs in one step. Built-in
// signatures are kept. Either all of sigs are installed or none are.
func (e *FindingEngine) Replace(sigs []Signature) error {
	compiled := make([]*compiledSignature, 0, len(sigs))
	seen := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		sig.Builtin = false
		cs, err := compileSignature(sig)
		if err != nil {
			return err
		}
		if seen[cs.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateSignature, cs.ID)
		}
		seen[cs.ID] = true
		compiled = append(compiled, cs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.set.Load().filter(func(cs *compiledSignature) bool { return cs.Builtin })
	for _, cs := range compiled {
		if _, exists := next.byID[cs.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateSignature, cs.ID)
		}
		next.list = append(next.list, cs)
		next.byID[cs.ID] = cs
	}
	e.publish(next)
	return nil
}

// Delete removes a custom signature.
func (e *FindingEngine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.set.Load()
	cs, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("signature %s: %w", id, ErrNotFound)
	}
	if cs.Builtin {
		return fmt.Errorf("signature %s: %w", id, ErrBuiltinSignature)
	}
	if e.store != nil {
		if err := e.store.DeleteSignature(ctx, id); err != nil {
			return fmt.Errorf("delete signature %s: %w", id, err)
		}
	}
	e.publish(cur.filter(func(c *compiledSignature) bool { return c.ID != id }))
	e.logger.Info("signature deleted", "id", id)
	return nil
}

// SetEnabled toggles a signature. Built-in signatures may be disabled but
// not deleted.
func (e *FindingEngine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.set.Load()
	cs, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("signature %s: %w", id, ErrNotFound)
	}
	if cs.Enabled == enabled {
		return nil
	}
	if e.store != nil && !cs.Builtin {
		if err := e.store.SetSignatureEnabled(ctx, id, enabled); err != nil {
			return fmt.Errorf("update signature %s: %w", id, err)
		}
	}

	updated := *cs
	updated.Enabled = enabled
	next := cur.filter(func(*compiledSignature) bool { return true })
	for i, c := range next.list {
		if c.ID == id {
			next.list[i] = &updated
		}
	}
	next.byID[id] = &updated
	e.publish(next)
	return nil
}

// Get returns the signature with the given id.
func (e *FindingEngine) Get(id string) (Signature, bool) {
	cs, ok := e.set.Load().byID[id]
	if !ok {
		return Signature{}, false
	}
	return cs.Signature, true
}

// List returns every registered signature in registration order.
func (e *FindingEngine) List() []Signature {
	set := e.set.Load()
	out := make([]Signature, len(set.list))
	for i, cs := range set.list {
		out[i] = cs.Signature
	}
	return out
}

// Len returns the number of registered signatures.
func (e *FindingEngine) Len() int {
	return len(e.set.Load().list)
}

func (e *FindingEngine) publish(next *signatureSet) {
	e.set.Store(next)
	if e.metrics != nil {
		e.metrics.SetSignatureCount(len(next.list))
	}
}

// Scan evaluates every enabled signature against tx. Request and response are
// scanned separately, and within each the header segment is searched before
// the body. Only the first match per signature per field is recorded. A
// signature that fails is logged and skipped.
func (e *FindingEngine) Scan(tx *Transaction) []Finding {
	set := e.set.Load()
	if len(set.list) == 0 || tx == nil {
		return nil
	}

	fields := []struct {
		field   Field
		headers []byte
		body    []byte
	}{
		{FieldRequest, requestHeaderSegment(tx), e.decodedBody(tx, tx.RequestHeader, tx.RequestBody)},
	}
	if tx.Status != 0 || tx.ResponseHeader != nil {
		fields = append(fields, struct {
			field   Field
			headers []byte
			body    []byte
		}{FieldResponse, responseHeaderSegment(tx), e.decodedBody(tx, tx.ResponseHeader, tx.ResponseBody)})
	}

	now := time.Now()
	var findings []Finding
	for _, cs := range set.list {
		if !cs.Enabled {
			continue
		}
		for _, f := range fields {
			part, loc, err := e.evaluate(cs, f.headers, f.body)
			if err != nil {
				scanErr := &ScanError{SignatureID: cs.ID, TransactionID: tx.ID, Err: err}
				e.logger.Warn("signature evaluation failed", "error", scanErr)
				if e.metrics != nil {
					e.metrics.RecordScanError(cs.ID)
				}
				break
			}
			if loc == nil {
				continue
			}
			segment := f.headers
			if part == PartBody {
				segment = f.body
			}
			findings = append(findings, Finding{
				TransactionID: tx.ID,
				SignatureID:   cs.ID,
				SignatureName: cs.Name,
				Severity:      cs.Severity,
				Category:      cs.Category,
				Field:         f.field,
				Part:          part,
				Start:         loc[0],
				End:           loc[1],
				Match:         string(segment[loc[0]:loc[1]]),
				Time:          now,
			})
			if e.metrics != nil {
				e.metrics.RecordFinding(cs.Severity)
			}
		}
	}
	return findings
}

// maxVerifyAttempts bounds how many rejected candidates are skipped before a
// signature gives up on a segment.
const maxVerifyAttempts = 64

func (e *FindingEngine) evaluate(cs *compiledSignature, headers, body []byte) (part Part, loc []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			part, loc, err = "", nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if cs.Scope != ScopeBody {
		if loc := findFirst(cs, headers); loc != nil {
			return PartHeaders, loc, nil
		}
	}
	if cs.Scope != ScopeHeaders && len(body) > 0 {
		if loc := findFirst(cs, body); loc != nil {
			return PartBody, loc, nil
		}
	}
	return "", nil, nil
}

func findFirst(cs *compiledSignature, data []byte) []int {
	if cs.verify == nil {
		return cs.re.FindIndex(data)
	}
	for _, loc := range cs.re.FindAllIndex(data, maxVerifyAttempts) {
		if cs.verify(data[loc[0]:loc[1]]) {
			return loc
		}
	}
	return nil
}

func (e *FindingEngine) decodedBody(tx *Transaction, h http.Header, body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	decoded, err := DecodeBody(h, body, e.decodeLimit)
	if err != nil {
		e.logger.Debug("scanning partially decoded body", "tx", tx.ID, "error", err)
	}
	return decoded
}

func requestHeaderSegment(tx *Transaction) []byte {
	var buf bytes.Buffer
	proto := tx.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&buf, "%s %s %s\r\n", tx.Method, tx.URL, proto)
	writeSortedHeader(&buf, tx.RequestHeader)
	return buf.Bytes()
}

func responseHeaderSegment(tx *Transaction) []byte {
	var buf bytes.Buffer
	proto := tx.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&buf, "%s %d %s\r\n", proto, tx.Status, http.StatusText(tx.Status))
	writeSortedHeader(&buf, tx.ResponseHeader)
	return buf.Bytes()
}

func writeSortedHeader(buf *bytes.Buffer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
}
