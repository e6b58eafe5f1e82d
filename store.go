package apisec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const signatureSchema = `
CREATE TABLE IF NOT EXISTS custom_signatures (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	pattern     TEXT NOT NULL,
	severity    TEXT NOT NULL DEFAULT 'Info',
	category    TEXT NOT NULL DEFAULT '',
	scope       TEXT NOT NULL DEFAULT 'any',
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);`

// SQLStore persists custom signatures in SQLite. It implements both
// SignatureStore and SignatureLoader so the engine can write through to it
// and reload from it.
type SQLStore struct {
	DB *sqlx.DB
}

type signatureRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Pattern     string `db:"pattern"`
	Severity    string `db:"severity"`
	Category    string `db:"category"`
	Scope       string `db:"scope"`
	Enabled     bool   `db:"enabled"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// OpenSQLStore opens (creating if needed) the SQLite database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open signature store: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, signatureSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLStore{DB: db}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.DB.Close()
}

// Load implements SignatureLoader.
func (s *SQLStore) Load(ctx context.Context) ([]Signature, error) {
	var rows []signatureRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, name, description, pattern, severity, category, scope, enabled, created_at, updated_at
		FROM custom_signatures
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load signatures: %w", err)
	}

	sigs := make([]Signature, 0, len(rows))
	for _, row := range rows {
		sigs = append(sigs, Signature{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			Pattern:     row.Pattern,
			Severity:    Severity(row.Severity),
			Category:    row.Category,
			Scope:       Scope(row.Scope),
			Enabled:     row.Enabled,
		})
	}
	return sigs, nil
}

// SaveSignature implements SignatureStore.
func (s *SQLStore) SaveSignature(ctx context.Context, sig Signature) error {
	now := time.Now().Unix()
	row := signatureRow{
		ID:          sig.ID,
		Name:        sig.Name,
		Description: sig.Description,
		Pattern:     sig.Pattern,
		Severity:    string(sig.Severity),
		Category:    sig.Category,
		Scope:       string(sig.Scope),
		Enabled:     sig.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.DB.NamedExecContext(ctx, `
		INSERT INTO custom_signatures (id, name, description, pattern, severity, category, scope, enabled, created_at, updated_at)
		VALUES (:id, :name, :description, :pattern, :severity, :category, :scope, :enabled, :created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert signature %s: %w", sig.ID, err)
	}
	return nil
}

// DeleteSignature implements SignatureStore.
func (s *SQLStore) DeleteSignature(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM custom_signatures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete signature %s: %w", id, err)
	}
	return expectRow(res, id)
}

// SetSignatureEnabled implements SignatureStore.
func (s *SQLStore) SetSignatureEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE custom_signatures SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update signature %s: %w", id, err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("signature %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err is or wraps ErrNotFound or sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
