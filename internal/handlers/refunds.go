package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/services"
)

// RefundHandlers exposes the refund endpoints nested under an order.
// Ownership scoping lives in the refund service; the handler only
// applies the policy row.
type RefundHandlers struct {
	gate    *services.Gate
	refunds services.RefundService
}

// NewRefundHandlers constructs a new RefundHandlers instance.
func NewRefundHandlers(gate *services.Gate, refunds services.RefundService) *RefundHandlers {
	return &RefundHandlers{
		gate:    gate,
		refunds: refunds,
	}
}

// Routes registers the refund endpoints on an /orders/{orderID} subtree.
func (h *RefundHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createRefund)
	r.Get("/", h.listRefunds)
}

type createRefundRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

func (h *RefundHandlers) createRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceRefunds, services.ActionCreate); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req createRefundRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	refund, err := h.refunds.Create(ctx, services.CreateRefundCommand{
		OrderID:  chi.URLParam(r, "orderID"),
		Amount:   req.Amount,
		Currency: req.Currency,
		Reason:   req.Reason,
		Actor:    actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusCreated, buildRefundPayload(refund))
}

func (h *RefundHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceRefunds, services.ActionList); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	page, err := parsePageRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.refunds.List(ctx, services.RefundListFilter{
		OrderID: chi.URLParam(r, "orderID"),
		Actor:   actor,
		Page:    page,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	data := make([]refundPayload, 0, len(result.Data))
	for _, refund := range result.Data {
		data = append(data, buildRefundPayload(refund))
	}
	writeJSON(ctx, w, http.StatusOK, listEnvelope[refundPayload]{
		Data:       data,
		Pagination: buildPagination(result.Pagination),
	})
}

type refundPayload struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	ActorID     string    `json:"actor_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason,omitempty"`
	Status      string    `json:"status"`
	ProviderRef *string   `json:"provider_ref,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func buildRefundPayload(refund services.Refund) refundPayload {
	return refundPayload{
		ID:          refund.ID,
		OrderID:     refund.OrderID,
		ActorID:     refund.ActorID,
		Amount:      refund.Amount,
		Currency:    refund.Currency,
		Reason:      refund.Reason,
		Status:      string(refund.Status),
		ProviderRef: refund.ProviderRef,
		RequestedAt: refund.RequestedAt,
		UpdatedAt:   refund.UpdatedAt,
	}
}
