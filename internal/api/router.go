package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/metrics"
	"github.com/ocgsync/syncd/internal/redis"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type RouterConfig struct {
	// Limiter throttles the webhook route per client IP; nil disables it.
	Limiter *redis.RateLimiter
	// Limit is the limiter's budget, reported in X-RateLimit-Limit.
	Limit int
	// Health is checked by GET /health; nil always reports healthy.
	Health HealthChecker
	// Notifications serves POST /notifications; nil leaves the route unmounted.
	Notifications *NotificationsHandler
}

// NewRouter wires the webhook, enqueue, health and metrics routes.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Limit, logger, IPKeyFunc))
		r.Post("/zoom", h.ZoomWebhook)
	})

	if cfg.Notifications != nil {
		r.Post("/notifications", cfg.Notifications.Enqueue)
	}

	r.Get("/health", healthHandler(cfg.Health, logger))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func healthHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Health(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeProblem(w, http.StatusServiceUnavailable, "unhealthy", "Service Unavailable", "database unreachable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
