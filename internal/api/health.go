package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/log"
)

// health answers liveness probes.
func health(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}

// readiness answers readiness probes by pinging the database. A nil pool
// reports ready, so the server stays probe-friendly in store-less tests.
func readiness(pool *pgxpool.Pool, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				logger.Warn("readiness probe failed", "error", err)
				writeError(w, http.StatusServiceUnavailable,
					"not_ready", "database unreachable", logger)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}
