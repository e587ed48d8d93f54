package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/fleetpay-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware подсистемы платежей.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/payments", h.CreatePayment)
			r.Get("/payments", h.ListPayments)
			r.Get("/payments/{id}", h.GetPayment)
			r.Put("/payments/{id}", h.UpdatePayment)
			r.Delete("/payments/{id}", h.DeletePayment)

			r.Post("/payments/{id}/allocations", h.AddAllocation)
			r.Post("/payments/{id}/allocations/bulk", h.BulkAllocate)

			r.Put("/allocations/{id}", h.UpdateAllocation)
			r.Delete("/allocations/{id}", h.RemoveAllocation)

			r.Get("/reservations/unallocated", h.GetUnallocatedReservations)
			r.Get("/reservations/{id}/payment-summary", h.GetReservationPaymentSummary)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
