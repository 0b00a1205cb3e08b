package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/margin-engine/internal/metrics"
)

// NewRouter builds the engine's HTTP router. hub may be nil.
func NewRouter(svc *Service, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for a browser UI on another origin.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for account, pair and price updates. Registered
		// outside the timeout group so upgraded connections stay open.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Market data.
			r.Get("/pairs", svc.ListPairs)
			r.Get("/pairs/{base}/{quote}/price", svc.GetPrice)

			// Account queries.
			r.Get("/account", svc.GetAccount)
			r.Get("/account/fills", svc.ListFills)
			r.Post("/account/simulate", svc.Simulate)

			// Signed venue operations.
			r.Post("/account/trade", svc.ExecuteTrade)
			r.Post("/account/deposit", svc.Deposit)
			r.Post("/account/withdraw", svc.Withdraw)
		})
	})

	return r
}
