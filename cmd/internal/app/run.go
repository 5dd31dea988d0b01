package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the entrypoint of the serve command. It returns an error instead of
// calling os.Exit to keep defers effective.
func Serve(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}

// RunMigrate is the entrypoint of the migrate command.
func RunMigrate(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return Migrate(ctx, cfg, log)
}
