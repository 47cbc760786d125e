/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     zap request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /healthz                          Liveness
  /metrics                          Prometheus scrape endpoint
  /api/organizations/{orgID}/*      Runs, previews, run history
  /api/contracts/{id}/*             Eligibility and catch-up
  /api/rates                        Rate calculator

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/drawdown/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures the parts of the router that vary by deployment.
type RouterOptions struct {
	// Metrics serves /metrics when non-nil.
	Metrics        http.Handler
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/organizations/{orgID}", func(r chi.Router) {
			r.Post("/drawdowns/run", h.RunDrawdowns)
			r.Get("/drawdowns/preview", h.PreviewDrawdowns)
			r.Get("/runs", h.ListRuns)
		})

		r.Route("/contracts/{id}", func(r chi.Router) {
			r.Get("/eligibility", h.GetEligibility)
			r.Post("/catchup/validate", h.ValidateCatchup)
			r.Post("/catchup", h.GenerateCatchup)
		})

		r.Post("/rates", h.CalculateRates)
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
