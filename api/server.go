/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests; actor headers allowed

ROUTE GROUPS:
  /api/orders/*    Order lifecycle, receiving and history
  /api/stock/*     Stock guard
  /api/costing/*   Costing calculator
  /healthz         Liveness

SECURITY NOTE:
  No authentication middleware. Actor headers are trusted; deploy behind a
  gateway that sets them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the middleware. Zero value is fine for tests.
type RouterOptions struct {
	AllowedOrigins []string
	RequestLogging bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Post("/validate", h.ValidateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/transitions", h.TransitionOrder)
			r.Post("/{id}/receipts", h.ReceiveOrder)
			r.Get("/{id}/receipts", h.ListReceipts)
			r.Get("/{id}/journal", h.ListJournal)
			r.Get("/{id}/audit", h.ListAudit)
		})

		r.Post("/stock/check", h.CheckStock)
		r.Post("/costing/weighted-average", h.WeightedAverage)
	})

	return r
}
