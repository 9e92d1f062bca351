package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
			}

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleCreateRun)
				r.Get("/{id}", s.handleGetRun)
				r.Delete("/{id}", s.handleDeleteRun)
				r.Post("/{id}/abort", s.handleAbortRun)
				r.Get("/{id}/reports", s.handleListRunReports)
			})

			r.Route("/builds", func(r chi.Router) {
				r.Post("/", s.handleCreateBuild)
				r.Get("/{id}", s.handleGetBuild)
			})

			r.Route("/report-maps", func(r chi.Router) {
				r.Post("/", s.handleCreateReportMap)
				r.Get("/{id}", s.handleGetReportMap)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
