/**
 * @description
 * This file sets up the HTTP router for the slot service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, recovery, timeouts, CORS and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SlotRoutes creates and returns a new router for the slot service.
func SlotRoutes(h *SlotHandlers, jwksURL string, allowedOrigins []string) http.Handler {
	return newRouter(h, ClerkAuthMiddleware(jwksURL), OptionalClerkAuthMiddleware(jwksURL), allowedOrigins)
}

func newRouter(h *SlotHandlers, requireAuth, optionalAuth func(http.Handler) http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public endpoints: guests pay without an account and the provider calls back unauthenticated.
	r.Get("/services", h.ListServicesHandler)
	r.Get("/slots/trending", h.TrendingSlotsHandler)
	r.Post("/slots/{slotID}/join-as-guest", h.JoinAsGuestHandler)
	r.Post("/slots/guest/confirm-payment", h.ConfirmGuestPaymentHandler)
	r.Post("/payments/webhook", h.PaymentWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(optionalAuth)

		r.Get("/slots", h.ListSlotsHandler)
		r.Get("/slots/{slotID}", h.GetSlotHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/slots", h.CreateSlotHandler)
		r.Post("/slots/confirm-payment", h.ConfirmPaymentHandler)
		r.Put("/slots/{slotID}", h.UpdateSlotHandler)
		r.Delete("/slots/{slotID}", h.CancelSlotHandler)
	})

	return r
}
