package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey guards /v1. Empty disables auth (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list; empty allows "*".
	CorsAllowedOrigins string

	// SubmitRatePerMinute limits POST /v1/analyze and /v1/create per IP.
	SubmitRatePerMinute int
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/files/*", h.ServeFile)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		limit := SubmitRateLimit(cfg.SubmitRatePerMinute)

		r.With(limit).Post("/analyze", h.SubmitAnalyze)
		r.Get("/analyze/{id}", h.GetAnalyze)

		r.With(limit).Post("/create", h.SubmitCreate)
		r.Get("/create/{id}", h.GetCreate)
		r.Delete("/create/{id}", h.CancelCreate)

		r.Get("/jobs", h.ListJobs)
		r.Get("/presets", h.ListPresets)
		r.Get("/transitions", h.ListTransitions)

		r.Post("/uploads", h.Upload)
	})

	return r
}

func allowedOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
