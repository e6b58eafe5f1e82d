package apisec

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SignatureLoader loads custom signatures from a source.
type SignatureLoader interface {
	Load(ctx context.Context) ([]Signature, error)
}

// SignatureLoaderFunc is a function adapter for SignatureLoader.
type SignatureLoaderFunc func(ctx context.Context) ([]Signature, error)

// Load calls the underlying function.
func (f SignatureLoaderFunc) Load(ctx context.Context) ([]Signature, error) {
	return f(ctx)
}

// SignaturePack is a shareable collection of signatures in YAML form.
type SignaturePack struct {
	Name    string          `yaml:"name"`
	Author  string          `yaml:"author"`
	Version string          `yaml:"version"`
	Rules   []signatureRule `yaml:"rules"`
}

type signatureRule struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Severity    string `yaml:"severity"`
	Regex       string `yaml:"regex"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Scope       string `yaml:"scope"`
	Enabled     *bool  `yaml:"enabled"`
}

// PackLoader loads signature packs from a YAML file or from every .yaml/.yml
// file in a directory.
type PackLoader struct {
	Path string
}

// NewPackLoader creates a PackLoader for path.
func NewPackLoader(path string) *PackLoader {
	return &PackLoader{Path: path}
}

// Load implements SignatureLoader.
func (l *PackLoader) Load(ctx context.Context) ([]Signature, error) {
	info, err := os.Stat(l.Path)
	if err != nil {
		return nil, fmt.Errorf("stat signature packs: %w", err)
	}

	files := []string{l.Path}
	if info.IsDir() {
		files = files[:0]
		err := filepath.WalkDir(l.Path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			ext := strings.ToLower(filepath.Ext(p))
			if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan signature packs: %w", err)
		}
		sort.Strings(files)
	}

	var all []Signature
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open signature pack: %w", err)
		}
		sigs, err := ParseSignaturePack(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		all = append(all, sigs...)
	}
	return all, nil
}

// ParseSignaturePack decodes one YAML signature pack.
func ParseSignaturePack(r io.Reader) ([]Signature, error) {
	var pack SignaturePack
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pack); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode signature pack: %w", err)
	}

	sigs := make([]Signature, 0, len(pack.Rules))
	for i, rule := range pack.Rules {
		if rule.ID == "" || rule.Regex == "" {
			return nil, fmt.Errorf("pack %q rule %d: id and regex are required", pack.Name, i+1)
		}
		sev, err := ParseSeverity(rule.Severity)
		if err != nil {
			return nil, fmt.Errorf("pack %q rule %s: %w", pack.Name, rule.ID, err)
		}
		category := rule.Category
		if category == "" {
			category = pack.Name
		}
		enabled := true
		if rule.Enabled != nil {
			enabled = *rule.Enabled
		}
		sigs = append(sigs, Signature{
			ID:          rule.ID,
			Name:        rule.Name,
			Description: rule.Description,
			Pattern:     rule.Regex,
			Severity:    sev,
			Category:    category,
			Scope:       Scope(strings.ToLower(rule.Scope)),
			Enabled:     enabled,
		})
	}
	return sigs, nil
}

// CSVLoader loads signatures from a CSV file.
// Expected CSV format: id,pattern,severity,name,category,scope,enabled
// Only id and pattern are required.
type CSVLoader struct {
	// Path to the CSV file
	Path string

	// HasHeader indicates if the first row is a header (skipped)
	HasHeader bool

	// DefaultSeverity is used when the severity column is empty
	DefaultSeverity Severity

	// DefaultCategory is used when the category column is empty
	DefaultCategory string
}

// NewCSVLoader creates a new CSV loader for the given file path.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{
		Path:            path,
		HasHeader:       true,
		DefaultSeverity: SeverityMedium,
		DefaultCategory: "custom",
	}
}

// Load implements SignatureLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]Signature, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader loads signatures from an io.Reader.
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]Signature, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var sigs []Signature
	lineNum := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}

		lineNum++
		if lineNum == 1 && l.HasHeader {
			continue
		}
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}

		sig, err := l.parseRecord(record, lineNum)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}

	return sigs, nil
}

func (l *CSVLoader) parseRecord(record []string, lineNum int) (Signature, error) {
	if len(record) < 2 {
		return Signature{}, fmt.Errorf("line %d: expected at least 2 fields (id, pattern)", lineNum)
	}

	field := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	sig := Signature{
		ID:       field(0),
		Pattern:  field(1),
		Severity: l.DefaultSeverity,
		Name:     field(3),
		Category: l.DefaultCategory,
		Scope:    Scope(strings.ToLower(field(5))),
		Enabled:  true,
	}
	if sig.ID == "" || sig.Pattern == "" {
		return Signature{}, fmt.Errorf("line %d: id and pattern cannot be empty", lineNum)
	}
	if s := field(2); s != "" {
		sev, err := ParseSeverity(s)
		if err != nil {
			return Signature{}, fmt.Errorf("line %d: %w", lineNum, err)
		}
		sig.Severity = sev
	}
	if c := field(4); c != "" {
		sig.Category = c
	}
	if s := field(6); s != "" {
		enabled, err := strconv.ParseBool(s)
		if err != nil {
			return Signature{}, fmt.Errorf("line %d: invalid enabled value %q", lineNum, s)
		}
		sig.Enabled = enabled
	}
	return sig, nil
}

// URLLoader fetches a signature pack over HTTP. The response must be a YAML
// pack.
type URLLoader struct {
	URL string

	// Client for HTTP requests (uses a 30s timeout client if nil)
	Client *http.Client
}

// NewURLLoader creates a loader that fetches a signature pack from endpoint.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint}
}

// Load implements SignatureLoader.
func (l *URLLoader) Load(ctx context.Context) ([]Signature, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signature pack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return ParseSignaturePack(io.LimitReader(resp.Body, 8<<20))
}

// StaticLoader returns a fixed set of signatures.
type StaticLoader struct {
	Signatures []Signature
}

// NewStaticLoader creates a loader with a fixed set of signatures.
func NewStaticLoader(sigs ...Signature) *StaticLoader {
	return &StaticLoader{Signatures: sigs}
}

// Load implements SignatureLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]Signature, error) {
	return l.Signatures, nil
}

// MultiLoader combines multiple loaders into one.
type MultiLoader struct {
	Loaders []SignatureLoader
}

// NewMultiLoader creates a loader that combines signatures from multiple sources.
func NewMultiLoader(loaders ...SignatureLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements SignatureLoader by loading from all configured loaders.
func (m *MultiLoader) Load(ctx context.Context) ([]Signature, error) {
	var all []Signature
	for i, loader := range m.Loaders {
		sigs, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, sigs...)
	}
	return all, nil
}

// SignatureReloader replaces the custom signatures of a FindingEngine with
// the output of a loader. A failed load leaves the current set untouched.
type SignatureReloader struct {
	engine *FindingEngine
	loader SignatureLoader
	mu     sync.Mutex

	// OnReload is called after a successful reload with the custom signature count.
	OnReload func(count int)

	// OnError is called when a reload fails.
	OnError func(err error)
}

// NewSignatureReloader creates a reloader for engine.
func NewSignatureReloader(engine *FindingEngine, loader SignatureLoader) *SignatureReloader {
	return &SignatureReloader{engine: engine, loader: loader}
}

// Load loads signatures and swaps them into the engine.
func (r *SignatureReloader) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sigs, err := r.loader.Load(ctx)
	if err == nil {
		err = r.engine.Replace(sigs)
	}
	if err != nil {
		if r.OnError != nil {
			r.OnError(err)
		}
		return err
	}

	if r.OnReload != nil {
		r.OnReload(len(sigs))
	}
	return nil
}

// StartAutoReload reloads at the given interval until the returned cancel
// function is called or ctx is done.
func (r *SignatureReloader) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.Load(ctx)
			}
		}
	}()

	return cancel
}
