package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/services"
)

// ShipmentHandlers exposes the shipment endpoints nested under an order.
type ShipmentHandlers struct {
	gate      *services.Gate
	orders    services.OrderService
	shipments services.ShipmentService
}

// NewShipmentHandlers constructs a new ShipmentHandlers instance.
func NewShipmentHandlers(gate *services.Gate, orders services.OrderService, shipments services.ShipmentService) *ShipmentHandlers {
	return &ShipmentHandlers{
		gate:      gate,
		orders:    orders,
		shipments: shipments,
	}
}

// Routes registers the shipment endpoints on an /orders/{orderID} subtree.
func (h *ShipmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createShipment)
	r.Get("/", h.listShipments)
	r.Get("/{shipmentID}", h.getShipment)
	r.Post("/{shipmentID}/items", h.addShipmentItem)
	r.Put("/{shipmentID}/items/{itemID}", h.updateShipmentItem)
	r.Post("/{shipmentID}:transition", h.transitionShipment)
}

type createShipmentRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
}

type shipmentItemRequest struct {
	OrderItemID string `json:"order_item_id"`
	Quantity    int    `json:"quantity"`
}

type updateShipmentItemRequest struct {
	Quantity int `json:"quantity"`
}

type transitionShipmentRequest struct {
	Status string `json:"status"`
}

func (h *ShipmentHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if _, err := h.scopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionCreate); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req createShipmentRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	shipment, err := h.shipments.CreateShipment(ctx, services.CreateShipmentCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		Status:         services.ShipmentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorID:        actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusCreated, buildShipmentPayload(shipment))
}

func (h *ShipmentHandlers) getShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if _, err := h.scopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionRead); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	shipment, err := h.shipments.GetShipment(ctx, chi.URLParam(r, "orderID"), chi.URLParam(r, "shipmentID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, buildShipmentPayload(shipment))
}

func (h *ShipmentHandlers) addShipmentItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if _, err := h.scopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionUpdate); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req shipmentItemRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	item, err := h.shipments.AddShipmentItem(ctx, services.AddShipmentItemCommand{
		OrderID:     chi.URLParam(r, "orderID"),
		ShipmentID:  chi.URLParam(r, "shipmentID"),
		OrderItemID: req.OrderItemID,
		Quantity:    req.Quantity,
		ActorID:     actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusCreated, buildShipmentItemPayload(item))
}

func (h *ShipmentHandlers) updateShipmentItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if _, err := h.scopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionUpdate); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req updateShipmentItemRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	item, err := h.shipments.UpdateShipmentItem(ctx, services.UpdateShipmentItemCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		ShipmentID:     chi.URLParam(r, "shipmentID"),
		ShipmentItemID: chi.URLParam(r, "itemID"),
		Quantity:       req.Quantity,
		ActorID:        actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, buildShipmentItemPayload(item))
}

func (h *ShipmentHandlers) transitionShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if _, err := h.scopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionTransition); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req transitionShipmentRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	shipment, err := h.shipments.TransitionStatus(ctx, services.ShipmentTransitionCommand{
		OrderID:    chi.URLParam(r, "orderID"),
		ShipmentID: chi.URLParam(r, "shipmentID"),
		Target:     services.ShipmentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorID:    actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, buildShipmentPayload(shipment))
}

func (h *ShipmentHandlers) listShipments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if _, err := h.scopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionList); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	query := r.URL.Query()
	filter := services.ShipmentListFilter{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  parseFilterValues(query["status"]),
		Carrier: strings.TrimSpace(query.Get("carrier")),
	}

	if raw := strings.TrimSpace(query.Get("shipped_from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "shipped_from must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		filter.ShippedFrom = &ts
	}
	if raw := strings.TrimSpace(query.Get("shipped_to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "shipped_to must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		filter.ShippedTo = &ts
	}

	page, err := parsePageRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", err.Error(), http.StatusBadRequest))
		return
	}
	filter.Page = page

	result, err := h.shipments.ListShipments(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	data := make([]shipmentPayload, 0, len(result.Data))
	for _, shipment := range result.Data {
		data = append(data, buildShipmentPayload(shipment))
	}
	writeJSON(ctx, w, http.StatusOK, listEnvelope[shipmentPayload]{
		Data:       data,
		Pagination: buildPagination(result.Pagination),
	})
}

// scopedOrder loads the order and applies the shipment policy row plus
// ownership scoping for the actor.
func (h *ShipmentHandlers) scopedOrder(ctx context.Context, actor services.Actor, orderID string, action services.Action) (services.Order, error) {
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		return services.Order{}, err
	}
	if err := h.gate.RequireOrderAccess(ctx, actor, order, services.ResourceShipments, action); err != nil {
		return services.Order{}, err
	}
	return order, nil
}

func parseFilterValues(values []string) []string {
	parsed := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parsed = append(parsed, trimmed)
			}
		}
	}
	return parsed
}

type listEnvelope[T any] struct {
	Data       []T               `json:"data"`
	Pagination paginationPayload `json:"pagination"`
}

type shipmentItemPayload struct {
	ID              string    `json:"id"`
	ShipmentID      string    `json:"shipment_id"`
	OrderItemID     string    `json:"order_item_id"`
	ShippedQuantity int       `json:"shipped_quantity"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func buildShipmentItemPayload(item services.ShipmentItem) shipmentItemPayload {
	return shipmentItemPayload{
		ID:              item.ID,
		ShipmentID:      item.ShipmentID,
		OrderItemID:     item.OrderItemID,
		ShippedQuantity: item.ShippedQuantity,
		CreatedAt:       item.CreatedAt,
		UpdatedAt:       item.UpdatedAt,
	}
}

type shipmentPayload struct {
	ID             string                `json:"id"`
	OrderID        string                `json:"order_id"`
	Carrier        string                `json:"carrier"`
	TrackingNumber string                `json:"tracking_number"`
	Status         string                `json:"status"`
	Items          []shipmentItemPayload `json:"items,omitempty"`
	ShippedAt      *time.Time            `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time            `json:"delivered_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func buildShipmentPayload(shipment services.Shipment) shipmentPayload {
	items := make([]shipmentItemPayload, 0, len(shipment.Items))
	for _, item := range shipment.Items {
		items = append(items, buildShipmentItemPayload(item))
	}
	return shipmentPayload{
		ID:             shipment.ID,
		OrderID:        shipment.OrderID,
		Carrier:        shipment.Carrier,
		TrackingNumber: shipment.TrackingNumber,
		Status:         string(shipment.Status),
		Items:          items,
		ShippedAt:      shipment.ShippedAt,
		DeliveredAt:    shipment.DeliveredAt,
		CreatedAt:      shipment.CreatedAt,
		UpdatedAt:      shipment.UpdatedAt,
	}
}
