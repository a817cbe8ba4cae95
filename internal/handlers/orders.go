package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orderfield/api/internal/platform/auth"
	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/platform/pagination"
	"github.com/orderfield/api/internal/services"
)

const maxBodySize = 64 * 1024

// OrderHandlers exposes the order aggregate endpoints and mounts the
// shipment and refund subtrees beneath /orders/{orderID}.
type OrderHandlers struct {
	authn     *auth.Authenticator
	gate      *services.Gate
	orders    services.OrderService
	shipments *ShipmentHandlers
	refunds   *RefundHandlers
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, gate *services.Gate, orders services.OrderService, shipments *ShipmentHandlers, refunds *RefundHandlers) *OrderHandlers {
	return &OrderHandlers{
		authn:     authn,
		gate:      gate,
		orders:    orders,
		shipments: shipments,
		refunds:   refunds,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Route("/{orderID}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Post("/items", h.addItem)
		r.Get("/items/{itemID}", h.getItem)
		r.Post("/items/{itemID}:cancel", h.cancelItem)
		if h.shipments != nil {
			r.Route("/shipments", h.shipments.Routes)
		}
		if h.refunds != nil {
			r.Route("/refunds", h.refunds.Routes)
		}
	})
}

type orderItemRequest struct {
	ProductRef string `json:"product_ref"`
	VariantRef string `json:"variant_ref"`
	SellerID   string `json:"seller_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	FinalPrice int64  `json:"final_price"`
}

type deliveryRequest struct {
	RecipientName  string         `json:"recipient_name"`
	RecipientPhone string         `json:"recipient_phone"`
	Address        addressPayload `json:"address"`
}

type paymentRequest struct {
	Provider string `json:"provider"`
	IntentID string `json:"intent_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type createOrderRequest struct {
	UserID     string             `json:"user_id"`
	CartRef    string             `json:"cart_ref"`
	Currency   string             `json:"currency"`
	Items      []orderItemRequest `json:"items"`
	Deliveries []deliveryRequest  `json:"deliveries"`
	Payments   []paymentRequest   `json:"payments"`
	Metadata   map[string]any     `json:"metadata"`
}

type cancelItemRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceOrders, services.ActionCreate); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req createOrderRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	// Non-admins always create orders for themselves.
	userID := actor.SubjectID
	if actor.IsAdmin() && strings.TrimSpace(req.UserID) != "" {
		userID = req.UserID
	}

	items := make([]services.OrderItemSnapshot, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemSnapshot{
			ProductRef: item.ProductRef,
			VariantRef: item.VariantRef,
			SellerID:   item.SellerID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			FinalPrice: item.FinalPrice,
		})
	}
	deliveries := make([]services.DeliverySnapshot, 0, len(req.Deliveries))
	for _, delivery := range req.Deliveries {
		deliveries = append(deliveries, services.DeliverySnapshot{
			RecipientName:  delivery.RecipientName,
			RecipientPhone: delivery.RecipientPhone,
			Address:        delivery.Address.toDomain(),
		})
	}
	payments := make([]services.PaymentSnapshot, 0, len(req.Payments))
	for _, payment := range req.Payments {
		payments = append(payments, services.PaymentSnapshot{
			Provider: payment.Provider,
			IntentID: payment.IntentID,
			Amount:   payment.Amount,
			Currency: payment.Currency,
		})
	}

	order, err := h.orders.CreateFromSnapshot(ctx, services.CreateOrderCommand{
		UserID:     userID,
		CartRef:    req.CartRef,
		Currency:   req.Currency,
		Items:      items,
		Deliveries: deliveries,
		Payments:   payments,
		Metadata:   req.Metadata,
		ActorID:    actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	order, err := h.loadScopedOrder(ctx, actor, chi.URLParam(r, "orderID"), services.ActionRead)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) getItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	item, err := h.orders.GetItem(ctx, order.ID, chi.URLParam(r, "itemID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if err := h.gate.RequireItemAccess(ctx, actor, order, item, services.ActionRead); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, buildOrderItemPayload(item))
}

func (h *OrderHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceOrders, services.ActionUpdate); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req orderItemRequest
	if !decodeJSON(ctx, w, r, &req) {
		return
	}

	item, err := h.orders.AddItem(ctx, services.AddOrderItemCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Item: services.OrderItemSnapshot{
			ProductRef: req.ProductRef,
			VariantRef: req.VariantRef,
			SellerID:   req.SellerID,
			Name:       req.Name,
			Quantity:   req.Quantity,
			UnitPrice:  req.UnitPrice,
			FinalPrice: req.FinalPrice,
		},
		ActorID: actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusCreated, buildOrderItemPayload(item))
}

func (h *OrderHandlers) cancelItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceOrders, services.ActionCancel); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req cancelItemRequest
	if r.ContentLength > 0 {
		if !decodeJSON(ctx, w, r, &req) {
			return
		}
	}

	item, err := h.orders.CancelItem(ctx, services.CancelOrderItemCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ItemID:  chi.URLParam(r, "itemID"),
		Reason:  req.Reason,
		ActorID: actor.SubjectID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, buildOrderItemPayload(item))
}

// loadScopedOrder fetches the order and enforces the ownership scope for
// the actor. Missing orders surface before permission checks so admins
// and owners see 404s, while foreign-but-existing orders yield 403.
func (h *OrderHandlers) loadScopedOrder(ctx context.Context, actor services.Actor, orderID string, action services.Action) (services.Order, error) {
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		return services.Order{}, err
	}
	if err := h.gate.RequireOrderAccess(ctx, actor, order, services.ResourceOrders, action); err != nil {
		return services.Order{}, err
	}
	return order, nil
}

// Shared handler plumbing ----------------------------------------------------

func actorFromRequest(r *http.Request) services.Actor {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return services.Actor{}
	}
	return services.ActorFromIdentity(identity)
}

func decodeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
		_ = body.Close()
	}()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is not valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already gone; nothing useful left to send.
		_ = err
	}
}

func parsePageRequest(r *http.Request) (services.PageRequest, error) {
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		return services.PageRequest{}, err
	}
	return services.PageRequest{Page: params.Page, Limit: params.Limit}, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

type paginationPayload struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
	Records int `json:"records"`
	Pages   int `json:"pages"`
}

func buildPagination(info services.PageInfo) paginationPayload {
	return paginationPayload{
		Current: info.Current,
		Limit:   info.Limit,
		Records: info.Records,
		Pages:   info.Pages,
	}
}

// Payload builders -----------------------------------------------------------

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func (p addressPayload) toDomain() services.Address {
	return services.Address{
		Recipient:  p.Recipient,
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
		Country:    p.Country,
		Phone:      p.Phone,
	}
}

func buildAddressPayload(address services.Address) addressPayload {
	return addressPayload{
		Recipient:  address.Recipient,
		Line1:      address.Line1,
		Line2:      address.Line2,
		City:       address.City,
		State:      address.State,
		PostalCode: address.PostalCode,
		Country:    address.Country,
		Phone:      address.Phone,
	}
}

type orderItemPayload struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	ProductRef string    `json:"product_ref"`
	VariantRef string    `json:"variant_ref,omitempty"`
	SellerID   string    `json:"seller_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Quantity   int       `json:"quantity"`
	UnitPrice  int64     `json:"unit_price"`
	FinalPrice int64     `json:"final_price"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func buildOrderItemPayload(item services.OrderItem) orderItemPayload {
	return orderItemPayload{
		ID:         item.ID,
		OrderID:    item.OrderID,
		ProductRef: item.ProductRef,
		VariantRef: item.VariantRef,
		SellerID:   item.SellerID,
		Name:       item.Name,
		Quantity:   item.Quantity,
		UnitPrice:  item.UnitPrice,
		FinalPrice: item.FinalPrice,
		Status:     string(item.Status),
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
	}
}

type deliveryPayload struct {
	ID             string         `json:"id"`
	ShipmentRef    *string        `json:"shipment_ref,omitempty"`
	RecipientName  string         `json:"recipient_name"`
	RecipientPhone string         `json:"recipient_phone,omitempty"`
	Address        addressPayload `json:"address"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
}

type paymentPayload struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	IntentID string `json:"intent_id,omitempty"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type orderPayload struct {
	ID          string             `json:"id"`
	OrderNumber string             `json:"order_number"`
	UserID      string             `json:"user_id"`
	CartRef     *string            `json:"cart_ref,omitempty"`
	Status      string             `json:"status"`
	Currency    string             `json:"currency"`
	TotalPrice  int64              `json:"total_price"`
	Items       []orderItemPayload `json:"items"`
	Deliveries  []deliveryPayload  `json:"deliveries,omitempty"`
	Payments    []paymentPayload   `json:"payments,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, buildOrderItemPayload(item))
	}

	deliveries := make([]deliveryPayload, 0, len(order.Deliveries))
	for _, delivery := range order.Deliveries {
		deliveries = append(deliveries, deliveryPayload{
			ID:             delivery.ID,
			ShipmentRef:    delivery.ShipmentRef,
			RecipientName:  delivery.RecipientName,
			RecipientPhone: delivery.RecipientPhone,
			Address:        buildAddressPayload(delivery.Address),
			Status:         string(delivery.Status),
			Attempts:       delivery.Attempts,
		})
	}

	payments := make([]paymentPayload, 0, len(order.Payments))
	for _, payment := range order.Payments {
		payments = append(payments, paymentPayload{
			ID:       payment.ID,
			Provider: payment.Provider,
			IntentID: payment.IntentID,
			Amount:   payment.Amount,
			Currency: payment.Currency,
		})
	}

	return orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		CartRef:     order.CartRef,
		Status:      string(order.Status),
		Currency:    order.Currency,
		TotalPrice:  order.TotalPrice,
		Items:       items,
		Deliveries:  deliveries,
		Payments:    payments,
		Metadata:    order.Metadata,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		CancelledAt: order.CancelledAt,
	}
}
