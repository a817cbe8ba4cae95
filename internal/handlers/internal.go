package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orderfield/api/internal/services"
)

// InternalHandlers hosts service-to-service endpoints. Callers are other
// first-party systems (payment capture workers, ops tooling), authenticated
// by the HMAC middleware installed on the /internal group, so no actor gate
// runs here.
type InternalHandlers struct {
	orders services.OrderService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(orders services.OrderService) *InternalHandlers {
	return &InternalHandlers{orders: orders}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}/items/{itemID}:fulfil", h.fulfilItem)
}

func (h *InternalHandlers) fulfilItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	item, err := h.orders.MarkItemFulfilled(ctx, chi.URLParam(r, "orderID"), chi.URLParam(r, "itemID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, buildOrderItemPayload(item))
}
