package services

import (
	"context"
	"time"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	PageRequest        = domain.PageRequest
	PageInfo           = domain.PageInfo
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	OrderItemStatus    = domain.OrderItemStatus
	Payment            = domain.Payment
	Shipment           = domain.Shipment
	ShipmentItem       = domain.ShipmentItem
	ShipmentStatus     = domain.ShipmentStatus
	Refund             = domain.Refund
	RefundStatus       = domain.RefundStatus
	Delivery           = domain.Delivery
	DeliveryStatus     = domain.DeliveryStatus
	Address            = domain.Address
	LedgerEntry        = domain.LedgerEntry
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
)

// LedgerService is the quantity bookkeeper for order lines. Every shipped,
// delivered, and refunded unit flows through it so the shipped total can
// never pass the ordered total.
type LedgerService interface {
	Reserve(ctx context.Context, cmd LedgerReserveCommand) error
	Allocate(ctx context.Context, cmd LedgerAllocateCommand) (LedgerEntry, error)
	Release(ctx context.Context, cmd LedgerReleaseCommand) (LedgerEntry, error)
	RecordDelivery(ctx context.Context, orderItemID string, quantity int) (LedgerEntry, error)
	RecordRefund(ctx context.Context, orderItemID string, quantity int) (LedgerEntry, error)
	View(ctx context.Context, orderItemID string) (LedgerEntry, error)
}

// OrderService owns the order aggregate: creation from a cart snapshot,
// item reads, and the order item status machine.
type OrderService interface {
	CreateFromSnapshot(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetItem(ctx context.Context, orderID, itemID string) (OrderItem, error)
	AddItem(ctx context.Context, cmd AddOrderItemCommand) (OrderItem, error)
	CancelItem(ctx context.Context, cmd CancelOrderItemCommand) (OrderItem, error)
	MarkItemFulfilled(ctx context.Context, orderID, itemID string) (OrderItem, error)
}

// ShipmentService tracks physical fulfillment batches and their carrier
// lifecycle.
type ShipmentService interface {
	CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error)
	GetShipment(ctx context.Context, orderID, shipmentID string) (Shipment, error)
	AddShipmentItem(ctx context.Context, cmd AddShipmentItemCommand) (ShipmentItem, error)
	UpdateShipmentItem(ctx context.Context, cmd UpdateShipmentItemCommand) (ShipmentItem, error)
	TransitionStatus(ctx context.Context, cmd ShipmentTransitionCommand) (Shipment, error)
	ListShipments(ctx context.Context, filter ShipmentListFilter) (domain.Page[Shipment], error)
}

// RefundService records and issues monetary reversals, at most one per order.
type RefundService interface {
	Create(ctx context.Context, cmd CreateRefundCommand) (Refund, error)
	List(ctx context.Context, filter RefundListFilter) (domain.Page[Refund], error)
}

// AuditLogService records privileged mutations and authorization denials.
type AuditLogService interface {
	Record(ctx context.Context, cmd RecordAuditLogCommand) (AuditLogEntry, error)
	List(ctx context.Context, filter AuditLogListFilter) ([]AuditLogEntry, error)
}

// SystemService surfaces operational health information.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
	Ready(ctx context.Context) error
}

// ProductCatalog resolves product/variant references at order creation.
// Implemented outside this module; the order service only needs existence.
type ProductCatalog interface {
	VariantExists(ctx context.Context, productRef, variantRef string) (bool, error)
}

// Event describes a fulfillment lifecycle notification delivered to
// downstream consumers (notification senders, analytics).
type Event struct {
	Name       string         `json:"name"`
	OrderID    string         `json:"order_id,omitempty"`
	EntityRef  string         `json:"entity_ref,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventPublisher publishes fulfillment events for downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) (string, error)
}

// LedgerReserveCommand registers the ordered quantities for an order's lines.
type LedgerReserveCommand struct {
	Reservations []repositories.LedgerReservation
}

// LedgerAllocateCommand assigns units of an order line to a shipment item.
// Quantity is the cumulative quantity the shipment item should carry; the
// ledger recomputes the delta so retries do not double-count.
type LedgerAllocateCommand struct {
	OrderItemID    string
	ShipmentItemID string
	Quantity       int
}

// LedgerReleaseCommand removes the allocation a shipment item holds,
// returning its units to the order line's unshipped pool.
type LedgerReleaseCommand struct {
	OrderItemID    string
	ShipmentItemID string
}

// CreateOrderCommand carries the immutable cart snapshot an order is built from.
type CreateOrderCommand struct {
	UserID     string
	CartRef    string
	Currency   string
	Items      []OrderItemSnapshot
	Deliveries []DeliverySnapshot
	Payments   []PaymentSnapshot
	Metadata   map[string]any
	ActorID    string
}

// OrderItemSnapshot is one cart line captured at order time.
type OrderItemSnapshot struct {
	ProductRef string
	VariantRef string
	SellerID   string
	Name       string
	Quantity   int
	UnitPrice  int64
	FinalPrice int64
}

// DeliverySnapshot captures recipient and address details for an order.
type DeliverySnapshot struct {
	RecipientName  string
	RecipientPhone string
	Address        Address
}

// PaymentSnapshot captures the settled payment recorded with the order.
type PaymentSnapshot struct {
	Provider string
	IntentID string
	Amount   int64
	Currency string
}

// AddOrderItemCommand appends a line to an existing order.
type AddOrderItemCommand struct {
	OrderID string
	Item    OrderItemSnapshot
	ActorID string
}

// CancelOrderItemCommand cancels a line that no shipment references yet.
type CancelOrderItemCommand struct {
	OrderID string
	ItemID  string
	Reason  string
	ActorID string
}

// CreateShipmentCommand registers a fulfillment batch for an order.
type CreateShipmentCommand struct {
	OrderID        string
	Carrier        string
	TrackingNumber string
	Status         ShipmentStatus
	ActorID        string
}

// AddShipmentItemCommand attaches order line units to a shipment.
type AddShipmentItemCommand struct {
	OrderID     string
	ShipmentID  string
	OrderItemID string
	Quantity    int
	ActorID     string
}

// UpdateShipmentItemCommand replaces the cumulative quantity a shipment item carries.
type UpdateShipmentItemCommand struct {
	OrderID        string
	ShipmentID     string
	ShipmentItemID string
	Quantity       int
	ActorID        string
}

// ShipmentTransitionCommand advances a shipment along its lifecycle.
type ShipmentTransitionCommand struct {
	OrderID    string
	ShipmentID string
	Target     ShipmentStatus
	ActorID    string
}

// ShipmentListFilter narrows and pages the shipment listing for one order.
type ShipmentListFilter struct {
	OrderID     string
	Status      []string
	Carrier     string
	ShippedFrom *time.Time
	ShippedTo   *time.Time
	Page        PageRequest
}

// CreateRefundCommand records a refund request against an order.
type CreateRefundCommand struct {
	OrderID  string
	Amount   int64
	Currency string
	Reason   string
	Actor    Actor
}

// RefundListFilter scopes the refund listing for one order.
type RefundListFilter struct {
	OrderID string
	Actor   Actor
	Page    PageRequest
}

// RecordAuditLogCommand captures an auditable action.
type RecordAuditLogCommand struct {
	Actor     string
	ActorRole string
	Action    string
	TargetRef string
	Decision  string
	Metadata  map[string]any
	RequestID string
}

// AuditLogListFilter narrows audit log queries.
type AuditLogListFilter struct {
	Actor  string
	Action string
	From   *time.Time
	To     *time.Time
	Limit  int
}
