package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/logger"
)

type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

func New(
	transactionController RouteRegistrar,
	accountController RouteRegistrar,
	auditController RouteRegistrar,
	authMiddleware func(http.Handler) http.Handler,
	health HealthCheck,
) *http.ServeMux {
	mux := http.NewServeMux()
	registerSwaggerRoutes(mux)
	registerHealthRoute(mux, health)

	for _, controller := range []RouteRegistrar{transactionController, accountController, auditController} {
		if controller != nil {
			controller.RegisterRoutes(mux, authMiddleware)
		}
	}

	return mux
}

func registerHealthRoute(mux *http.ServeMux, health HealthCheck) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}

		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				logger.Error("health check failed", err, nil)
				status = http.StatusServiceUnavailable
				body["status"] = "unavailable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}
