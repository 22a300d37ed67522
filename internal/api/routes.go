package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	CORSOrigins    []string
	RateLimitRPM   int
	RequestTimeout time.Duration
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

func (h *Handler) Routes(m *Middleware, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(middleware.Heartbeat("/ping"))

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(m.CORS(cfg.CORSOrigins))
		r.Use(m.RateLimit(cfg.RateLimitRPM))
		if cfg.RequestTimeout > 0 {
			r.Use(m.Timeout(cfg.RequestTimeout))
		}

		r.Route("/kv", func(r chi.Router) {
			r.Get("/", h.ListEntries)
			r.Delete("/", h.ClearEntries)
			r.Post("/remove", h.RemoveEntries)

			r.Get("/{key}", h.GetEntry)
			r.Put("/{key}", h.PutEntry)
			r.Delete("/{key}", h.DeleteEntry)
		})
	})

	return r
}
