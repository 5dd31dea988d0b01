package app

import (
	"context"
	"net/http"
	"time"

	"wamux/cmd/internal/api"
	"wamux/cmd/internal/metrics"

	prom "github.com/prometheus/client_golang/prometheus"
)

const pingTimeout = 2 * time.Second

// pinger reports backend health for /readyz.
type pinger interface {
	ping(ctx context.Context) error
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	ready pinger,
	reg *prom.Registry,
	sessions *api.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && cfg.DatabaseURL == "" {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if ready != nil {
			if err := ready.ping(r.Context()); err != nil {
				http.Error(w, "backends not ready", http.StatusServiceUnavailable)
				log.Info("readyz.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if reg != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(reg))
	}

	if sessions != nil {
		sessions.Register(mux)
	}
}
