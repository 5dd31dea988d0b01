package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a wide-table Backend: rows keyed by (namespace, name) with a JSONB item.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this backend (default: "wamux").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = trimmedOrDefault(schema, "")
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithTable sets the table used by this backend (default: "auth_state").
func WithTable(table string) PostgresOption {
	return func(s *Postgres) error {
		table = trimmedOrDefault(table, "")
		if table == "" || !isValidIdent(table) {
			return errors.New("store: invalid table identifier")
		}
		s.table = table
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Backend.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:   pool,
		schema: "wamux",
		table:  "auth_state",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

// EnsureSchema creates the schema and table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return err
	}
	tbl := s.ident()
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+tbl+` (
			namespace  TEXT NOT NULL,
			name       TEXT NOT NULL,
			item       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, name)
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS `+pgx.Identifier{s.table + "_namespace_idx"}.Sanitize()+
		` ON `+tbl+` (namespace)`)
	return err
}

// Get loads the item for key.
func (s *Postgres) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var item string
	err := s.pool.QueryRow(ctx,
		`SELECT item::text FROM `+s.ident()+` WHERE namespace = $1 AND name = $2`,
		key.Namespace, key.Name,
	).Scan(&item)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get", key, err)
	}
	return []byte(item), nil
}

// Put upserts the item for key.
func (s *Postgres) Put(ctx context.Context, key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (namespace, name, item, updated_at)
		 VALUES ($1, $2, $3::jsonb, now())
		 ON CONFLICT (namespace, name) DO UPDATE
		    SET item = EXCLUDED.item,
		        updated_at = now()`,
		key.Namespace, key.Name, string(value),
	)
	if err != nil {
		return transient("put", key, err)
	}
	return nil
}

// Delete removes the row for key.
func (s *Postgres) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.ident()+` WHERE namespace = $1 AND name = $2`, key.Namespace, key.Name); err != nil {
		return transient("delete", key, err)
	}
	return nil
}

// List returns names stored under namespace.
func (s *Postgres) List(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM `+s.ident()+` WHERE namespace = $1 ORDER BY name`,
		namespace,
	)
	if err != nil {
		return nil, transient("list", Key{Namespace: namespace}, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, transient("list", Key{Namespace: namespace}, err)
	}
	return names, nil
}

func (s *Postgres) ident() string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}
