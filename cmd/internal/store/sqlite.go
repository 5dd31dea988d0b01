package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

const defaultSQLiteTable = "documents"

// SQLite is a document-store Backend: one row per (namespace, name), body kept as JSON text.
type SQLite struct {
	db    *sql.DB
	table string
}

// SQLiteOption configures SQLite.
type SQLiteOption func(*SQLite) error

// WithSQLiteTable overrides the table name (default "documents").
func WithSQLiteTable(table string) SQLiteOption {
	return func(s *SQLite) error {
		table = trimmedOrDefault(table, "")
		if table == "" || !isValidIdent(table) {
			return fmt.Errorf("store: invalid sqlite table %q", table)
		}
		s.table = table
		return nil
	}
}

// NewSQLite opens (or creates) a SQLite database at path and ensures the schema.
// Use ":memory:" for an ephemeral database.
func NewSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	s := &SQLite{table: defaultSQLiteTable}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, name)
	);
	CREATE INDEX IF NOT EXISTS idx_` + s.table + `_namespace ON ` + s.table + `(namespace);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads the document body for key.
func (s *SQLite) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM "+s.table+" WHERE namespace = ? AND name = ?",
		key.Namespace, key.Name,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get", key, err)
	}
	return []byte(body), nil
}

// Put upserts the document body for key.
func (s *SQLite) Put(ctx context.Context, key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (namespace, name, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key.Namespace, key.Name, string(value), time.Now().UnixMilli(),
	)
	if err != nil {
		return transient("put", key, err)
	}
	return nil
}

// Delete removes the document for key.
func (s *SQLite) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table+" WHERE namespace = ? AND name = ?", key.Namespace, key.Name); err != nil {
		return transient("delete", key, err)
	}
	return nil
}

// List returns document names stored under namespace.
func (s *SQLite) List(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM "+s.table+" WHERE namespace = ? ORDER BY name",
		namespace,
	)
	if err != nil {
		return nil, transient("list", Key{Namespace: namespace}, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, transient("list", Key{Namespace: namespace}, err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list", Key{Namespace: namespace}, err)
	}
	return out, nil
}

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidIdent(s string) bool {
	return identRE.MatchString(s)
}
