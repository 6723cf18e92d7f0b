package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AY-49047/yumemi-test/internal/middleware"
	"github.com/AY-49047/yumemi-test/internal/observability"
)

// Routes builds the router with the middleware stack.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	// If deployed behind a trusted reverse proxy/load balancer, RealIP will use
	// X-Forwarded-For to determine the client IP.
	r.Use(chimw.RealIP)
	r.Use(observability.InjectLoggerMiddleware(h.logger))
	r.Use(observability.RequestLoggerMiddleware())
	r.Use(observability.RecoveryMiddleware(h.logger))
	r.Use(chimw.Compress(5))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if h.public != "" {
		r.Handle("/assets/*", middleware.AssetsWithCache(filepath.Join(h.public, "assets")))
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(h.timeout))
		r.Use(middleware.HTMX)
		r.Use(middleware.Locale(h.messages))
		r.Use(middleware.NoStore)

		r.Get("/", h.Home)
		r.Get("/chart", h.Chart)
		r.Get("/chart.svg", h.ChartSVG)
		r.Get("/about", h.About)

		r.Route("/api", func(r chi.Router) {
			r.Get("/prefectures", h.APIPrefectures)
			r.Get("/chart", h.APIChart)
		})
	})
	return r
}
