package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/metrics"
)

// RouterConfig wires the admin HTTP surface.
type RouterConfig struct {
	Handler *Handler
	Limiter Limiter // nil disables rate limiting
	Logger  *zap.Logger
	// Health reports dependency health for /health. Optional.
	Health func(ctx context.Context) error
	// RequestTimeout bounds each request. Manual scheduler runs are subject
	// to it as well.
	RequestTimeout time.Duration
}

// NewRouter builds the chi router with middleware, /v1 routes, /health and
// /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	h := cfg.Handler

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, TenantOrIPKeyFunc))

		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/run", h.RunScheduler)
			r.Get("/report", h.GetLastReport)
			r.Get("/breakers", h.ListBreakers)
			r.Post("/breakers/{name}/reset", h.ResetBreaker)
		})

		r.Get("/tenants", h.ListTenants)
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Patch("/", h.UpdateTenant)
			r.Post("/reminders", h.CreateReminder)
			r.Get("/reminders", h.ListReminders)
			r.Get("/reminders/{id}", h.GetReminder)
			r.Post("/reminders/{id}/cancel", h.CancelReminder)
			r.Get("/reminders/{id}/attempts", h.ListAttempts)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				cfg.Logger.Warn("health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("UNAVAILABLE"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
