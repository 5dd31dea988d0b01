package lock

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a lock Backend on a session_locks table.
// Expiry is evaluated against the database clock (now()), so processes never compare
// their own clocks.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema (default: "wamux").
func WithSchema(schema string) PostgresOption {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("lock: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("lock: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed lock Backend.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{pool: pool, schema: "wamux"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("lock: nil pool")
	}
	return p, nil
}

// EnsureSchema creates the schema and lock table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+p.ident()+` (
			lock_key   TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Acquire implements Backend with a single upsert that only overwrites expired or
// self-owned rows.
func (p *Postgres) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tbl := p.ident()
	var got string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO `+tbl+` AS l (lock_key, owner, expires_at)
		 VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		 ON CONFLICT (lock_key) DO UPDATE
		    SET owner = EXCLUDED.owner,
		        expires_at = EXCLUDED.expires_at
		  WHERE l.expires_at <= now() OR l.owner = EXCLUDED.owner
		 RETURNING owner`,
		key, owner, ttl.Milliseconds(),
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transient("acquire", key, err)
	}
	return got == owner, nil
}

// Extend implements Backend.
func (p *Postgres) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE `+p.ident()+`
		    SET expires_at = now() + $3 * interval '1 millisecond'
		  WHERE lock_key = $1 AND owner = $2`,
		key, owner, ttl.Milliseconds(),
	)
	if err != nil {
		return false, transient("extend", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements Backend.
func (p *Postgres) Release(ctx context.Context, key, owner string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM `+p.ident()+` WHERE lock_key = $1 AND owner = $2`,
		key, owner,
	); err != nil {
		return transient("release", key, err)
	}
	return nil
}

// Holder implements Backend.
func (p *Postgres) Holder(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := p.pool.QueryRow(ctx,
		`SELECT owner FROM `+p.ident()+` WHERE lock_key = $1 AND expires_at > now()`,
		key,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, transient("holder", key, err)
	}
	return owner, true, nil
}

func (p *Postgres) ident() string {
	return pgx.Identifier{p.schema, "session_locks"}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
