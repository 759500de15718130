package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/metrics"
)

type RouterConfig struct {
	Service Scheduler
	Checks  []Check
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Gatherer backs /metrics. The endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer

	AllowedOrigins []string
	// BookingRPS <= 0 disables rate limiting of POST /appointments.
	BookingRPS   float64
	BookingBurst int

	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(cfg.Metrics))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Location"},
			MaxAge:         300,
		}))
	}

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	svc := cfg.Service
	r.Route("/practitioners/{id}", func(r chi.Router) {
		r.Get("/availability", availabilityHandler(svc))
		r.Get("/slots", daySlotsHandler(svc))
	})

	r.Route("/appointments", func(r chi.Router) {
		book := http.Handler(bookAppointmentHandler(svc))
		if cfg.BookingRPS > 0 {
			book = RateLimit(cfg.BookingRPS, cfg.BookingBurst)(book)
		}
		r.Method(http.MethodPost, "/", book)
		r.Get("/{id}", getAppointmentHandler(svc))
		r.Post("/{id}/transitions", transitionHandler(svc))
		r.Get("/code/{code}", getAppointmentByCodeHandler(svc))
		r.Post("/code/{code}/cancel", cancelByCodeHandler(svc))
	})

	return r
}
