package domain

import (
	"time"
)

// PageRequest defines standard offset paging inputs for list operations.
// Page is 1-based; a Page beyond the last available page is a client
// error, not an empty result.
type PageRequest struct {
	Page  int
	Limit int
}

// PageInfo summarises the slice of a collection returned to the caller.
type PageInfo struct {
	Current int
	Limit   int
	Records int
	Pages   int
}

// Page packages list results with the pagination envelope.
type Page[T any] struct {
	Data       []T
	Pagination PageInfo
}

// RangeQuery represents a half-open [From, To) filter on a timestamp field.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates lifecycle states for order headers.
type OrderStatus string

const (
	// OrderStatusOpen indicates the order has unfulfilled lines.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusFulfilled indicates every line has been delivered in full.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusCancelled indicates the order was cancelled before fulfillment.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderItemStatus enumerates lifecycle states for individual order lines.
type OrderItemStatus string

const (
	// OrderItemStatusOrdered indicates the line awaits fulfillment.
	OrderItemStatusOrdered OrderItemStatus = "ordered"
	// OrderItemStatusFulfilled indicates every unit of the line has been shipped and delivered.
	OrderItemStatusFulfilled OrderItemStatus = "fulfilled"
	// OrderItemStatusCancelled indicates the line was cancelled before any shipment existed.
	OrderItemStatusCancelled OrderItemStatus = "cancelled"
)

// ShipmentStatus enumerates the strictly monotonic shipment lifecycle.
type ShipmentStatus string

const (
	// ShipmentStatusPending indicates the shipment is registered but not yet handed to the carrier.
	ShipmentStatusPending ShipmentStatus = "pending"
	// ShipmentStatusShipped indicates the carrier has accepted the shipment.
	ShipmentStatusShipped ShipmentStatus = "shipped"
	// ShipmentStatusDelivered indicates the carrier reports final delivery; shipment items freeze.
	ShipmentStatusDelivered ShipmentStatus = "delivered"
)

// RefundStatus enumerates refund lifecycle states.
type RefundStatus string

const (
	// RefundStatusRequested indicates the refund is recorded but money has not moved.
	RefundStatusRequested RefundStatus = "requested"
	// RefundStatusIssued indicates the PSP accepted the refund.
	RefundStatusIssued RefundStatus = "issued"
	// RefundStatusFailed indicates the PSP rejected the refund; the record still
	// occupies the order's single refund slot.
	RefundStatusFailed RefundStatus = "failed"
)

// DeliveryStatus enumerates delivery record states reported by operations.
type DeliveryStatus string

const (
	// DeliveryStatusPreparing indicates the delivery has not left the warehouse.
	DeliveryStatusPreparing DeliveryStatus = "preparing"
	// DeliveryStatusInTransit indicates the delivery is with the carrier.
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	// DeliveryStatusArrived indicates the delivery reached the recipient.
	DeliveryStatusArrived DeliveryStatus = "arrived"
)

// Order is the transactional root owning items, deliveries, and payments
// for one purchase. It is created atomically from a cart snapshot.
type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	CartRef     *string
	Status      OrderStatus
	Currency    string
	TotalPrice  int64
	Items       []OrderItem
	Deliveries  []Delivery
	Payments    []Payment
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

// OrderItem is a single order line referencing a product/variant and the
// seller responsible for fulfilling it. Quantity is immutable once any
// shipment item references the line.
type OrderItem struct {
	ID         string
	OrderID    string
	ProductRef string
	VariantRef string
	SellerID   string
	Name       string
	Quantity   int
	UnitPrice  int64
	FinalPrice int64
	Status     OrderItemStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payment records the settled amount for an order at creation time.
type Payment struct {
	ID        string
	OrderID   string
	Provider  string
	IntentID  string
	Amount    int64
	Currency  string
	CreatedAt time.Time
}

// Shipment is a physical fulfillment batch under one carrier/tracking
// number. TrackingNumber is unique within the scope of its order.
type Shipment struct {
	ID             string
	OrderID        string
	Carrier        string
	TrackingNumber string
	Status         ShipmentStatus
	Items          []ShipmentItem
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ShipmentItem records the cumulative quantity of one order line carried
// by one shipment. Once the parent shipment is delivered the record is
// frozen.
type ShipmentItem struct {
	ID              string
	ShipmentID      string
	OrderItemID     string
	ShippedQuantity int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Refund is a monetary reversal request tied to exactly one order. At
// most one refund record may ever exist per order.
type Refund struct {
	ID          string
	OrderID     string
	ActorID     string
	Amount      int64
	Currency    string
	Reason      string
	Status      RefundStatus
	ProviderRef *string
	RequestedAt time.Time
	UpdatedAt   time.Time
}

// Address is the immutable postal snapshot embedded into a delivery at
// order time. It is a copy, never a live reference into an address book.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Delivery carries recipient contact details and the address snapshot
// for an order, optionally pinned to a specific shipment.
type Delivery struct {
	ID             string
	OrderID        string
	ShipmentRef    *string
	RecipientName  string
	RecipientPhone string
	Address        Address
	Status         DeliveryStatus
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerEntry is the ground-truth quantity bookkeeping for one order
// line: how much was ordered, how much has been allocated to shipments,
// how much the carrier delivered, and how much was refunded.
type LedgerEntry struct {
	OrderItemID string
	Ordered     int
	Shipped     int
	Delivered   int
	Refunded    int
	UpdatedAt   time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for privileged
// mutations and authorization denials.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorRole string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Decision  string
	RequestID string
	CreatedAt time.Time
}

// NewPageInfo computes the envelope for a total record count.
func NewPageInfo(req PageRequest, records int) PageInfo {
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	pages := records / limit
	if records%limit != 0 {
		pages++
	}
	return PageInfo{
		Current: req.Page,
		Limit:   limit,
		Records: records,
		Pages:   pages,
	}
}
