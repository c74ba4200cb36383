/**
 * @description
 * This file sets up the HTTP router for the disbursement-service. It maps the
 * G2P Connect style disburse and status endpoints to their handlers and adds
 * health and Prometheus endpoints.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 * - github.com/prometheus/client_golang/prometheus/promhttp: /metrics handler.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the optional parts of the router.
type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	MetricsHandler http.Handler
}

// NewRouter creates the chi router for the disbursement-service.
func NewRouter(h *DisbursementHandlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/disburse/sync", func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(BearerAuthMiddleware(opts.JWTSecret))
		}
		r.Post("/disburse", h.DisburseHandler)
		r.Post("/txn/status", h.StatusHandler)
	})

	return r
}
