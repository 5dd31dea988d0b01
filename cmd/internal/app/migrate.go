package app

import (
	"context"
	"fmt"
)

// schemaOwner is implemented by table-backed stores that can create their own schema.
type schemaOwner interface {
	EnsureSchema(ctx context.Context) error
}

func migrateBackends(ctx context.Context, auth, locks any, log Logger) error {
	n := 0
	for _, b := range []any{auth, locks} {
		so, ok := b.(schemaOwner)
		if !ok {
			continue
		}
		if err := so.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		n++
	}
	log.Info("db.migrate.done", "tables", n)
	return nil
}

// Migrate creates the tables of the configured Postgres backends and exits.
func Migrate(ctx context.Context, cfg Config, log Logger) error {
	if !cfg.usesPostgres() {
		log.Info("db.migrate.skip", "reason", "no postgres backend configured")
		return nil
	}
	cfg.DBAutoMigrate = true
	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	b.Close()
	return nil
}
