package app

import (
	"context"
	"errors"
	"fmt"

	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/qrstore"
	"wamux/cmd/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

// backends holds the storage chosen by config. The app owns the pool and the NATS
// connection; backend Close methods do not close them.
type backends struct {
	auth  store.Backend
	locks lock.Backend
	qr    qrstore.Store

	// qrMemory is set when qr is process-local and needs sweeping.
	qrMemory *qrstore.Memory

	pool *pgxpool.Pool
	nats *natsConn
}

func openBackends(ctx context.Context, cfg Config, log Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		b.pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		log.Info("db.enabled", "schema", cfg.DBSchema)
	}
	if cfg.usesNATS() {
		b.nats, err = connectNATS(cfg.NATSURL, log)
		if err != nil {
			return nil, err
		}
	}

	if b.auth, err = b.openAuth(ctx, cfg); err != nil {
		return nil, err
	}
	if b.locks, err = b.openLocks(ctx, cfg); err != nil {
		return nil, err
	}
	if b.qr, err = b.openQR(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.DBAutoMigrate {
		if err := migrateBackends(ctx, b.auth, b.locks, log); err != nil {
			return nil, err
		}
	}

	log.Info("backends.ready",
		"auth", cfg.AuthBackend,
		"lock", cfg.LockBackend,
		"qr", cfg.QRBackend,
	)
	return b, nil
}

func (b *backends) openAuth(ctx context.Context, cfg Config) (store.Backend, error) {
	switch cfg.AuthBackend {
	case BackendSQLite:
		st, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendPostgres:
		st, err := store.NewPostgres(b.pool, store.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendNATS:
		kv, err := b.nats.keyValue(ctx, cfg.NATSAuthBucket, "wamux auth state and session records", 0)
		if err != nil {
			return nil, err
		}
		st, err := store.NewNATS(kv)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}

func (b *backends) openLocks(ctx context.Context, cfg Config) (lock.Backend, error) {
	switch cfg.LockBackend {
	case BackendPostgres:
		l, err := lock.NewPostgres(b.pool, lock.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		return l, nil
	case BackendNATS:
		// Bucket TTL is the lease TTL: an unrenewed key disappears on its own.
		kv, err := b.nats.keyValue(ctx, cfg.NATSLockBucket, "wamux session locks", cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		l, err := lock.NewNATS(kv)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return lock.NewMemory(), nil
	}
}

func (b *backends) openQR(ctx context.Context, cfg Config) (qrstore.Store, error) {
	switch cfg.QRBackend {
	case BackendNATS:
		kv, err := b.nats.keyValue(ctx, cfg.NATSQRBucket, "wamux pairing challenges", cfg.QRTTL)
		if err != nil {
			return nil, err
		}
		q, err := qrstore.NewNATS(kv)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		b.qrMemory = qrstore.NewMemory(cfg.QRTTL)
		return b.qrMemory, nil
	}
}

// ping reports the health of the shared backends.
func (b *backends) ping(ctx context.Context) error {
	var errs []error
	if b.pool != nil {
		if err := PingDB(ctx, b.pool, pingTimeout); err != nil {
			errs = append(errs, fmt.Errorf("db: %w", err))
		}
	}
	if b.nats != nil && !b.nats.ready() {
		errs = append(errs, errors.New("nats: not connected"))
	}
	return errors.Join(errs...)
}

func (b *backends) Close() {
	if b == nil {
		return
	}
	if b.auth != nil {
		_ = b.auth.Close()
	}
	b.nats.Close()
	if b.pool != nil {
		b.pool.Close()
	}
}
