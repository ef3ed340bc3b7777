package http

import (
	"github.com/edbertswd/court-reservations-and-payments/internal/idempotency"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/rateLimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(h *Handlers, logger observability.Logger, auth *Authenticator, rl *rateLimit.RateLimiter, ratePerMin int, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/payments/webhook", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(RateLimitMiddleware(rl, ratePerMin))
		r.Use(idemp.Middleware)

		r.Post("/v1/reservations", h.CreateReservation)
		r.Get("/v1/reservations/active", h.GetActiveReservation)
		r.Delete("/v1/reservations/{id}", h.CancelReservation)

		r.Post("/v1/bookings", h.CreateBooking)
		r.Get("/v1/bookings", h.ListBookings)
		r.Get("/v1/courts/{id}/bookings", h.ListCourtBookings)
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)

		r.Post("/v1/payments", h.CreatePayment)
		r.Post("/v1/payments/capture", h.CapturePayment)
		r.Get("/v1/payments/{id}", h.GetPayment)
		r.Post("/v1/payments/{id}/refund", h.RefundPayment)
	})

	return r
}
