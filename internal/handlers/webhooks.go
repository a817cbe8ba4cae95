package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/platform/requestctx"
	"github.com/orderfield/api/internal/services"
)

// WebhookHandlers receives carrier status callbacks. The /webhooks group is
// secured by the HMAC middleware, so requests arriving here carry no user
// identity and act with a synthetic actor ID.
type WebhookHandlers struct {
	shipments services.ShipmentService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(shipments services.ShipmentService) *WebhookHandlers {
	return &WebhookHandlers{shipments: shipments}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/carrier", h.carrierEvent)
}

type carrierEventRequest struct {
	OrderID        string `json:"order_id"`
	ShipmentID     string `json:"shipment_id"`
	TrackingNumber string `json:"tracking_number"`
	Event          string `json:"event"`
}

// carrierEventStatus maps the carrier's event vocabulary onto shipment
// statuses. Unknown events are acknowledged without a transition so carriers
// do not retry deliveries we will never act on.
func carrierEventStatus(event string) (services.ShipmentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "picked_up", "in_transit", "shipped":
		return domain.ShipmentStatusShipped, true
	case "delivered":
		return domain.ShipmentStatusDelivered, true
	default:
		return "", false
	}
}

func isTerminalTransitionError(err error) bool {
	return errors.Is(err, services.ErrShipmentImmutable) || errors.Is(err, services.ErrShipmentInvalidState)
}

func (h *WebhookHandlers) carrierEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req carrierEventRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.ShipmentID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id and shipment_id are required", http.StatusBadRequest))
		return
	}

	target, ok := carrierEventStatus(req.Event)
	if !ok {
		requestctx.Logger(ctx).Info("ignoring unknown carrier event",
			zap.String("event", req.Event),
			zap.String("shipment_id", req.ShipmentID))
		writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	shipment, err := h.shipments.TransitionStatus(ctx, services.ShipmentTransitionCommand{
		OrderID:    strings.TrimSpace(req.OrderID),
		ShipmentID: strings.TrimSpace(req.ShipmentID),
		Target:     target,
		ActorID:    "sys_carrier_webhook",
	})
	if err != nil {
		// Redelivery of an already-applied event lands in the immutable or
		// invalid-state branch. Acknowledge it so the carrier stops retrying.
		if isTerminalTransitionError(err) {
			writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "already_applied"})
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, buildShipmentPayload(shipment))
}
