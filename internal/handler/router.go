package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "partnerlink/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса partnerlink.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Post("/rooms", h.CreateRoom)
			r.Get("/rooms", h.GetRooms)
			r.Get("/rooms/{roomID}/messages", h.GetHistory)

			r.Post("/templates/{templateID}/claim", h.ClaimCoupon)
			r.Post("/coupons/use", h.UseCoupon)
			r.Post("/coupons/cancel", h.CancelCoupon)
		})
	})

	// Рукопожатие WebSocket: аутентификация выполняется самим шлюзом
	// до апгрейда, поэтому HTTP middleware здесь не участвует.
	if h.ws != nil {
		r.Get("/ws", h.ws)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
