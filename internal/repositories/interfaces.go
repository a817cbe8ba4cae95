package repositories

import (
	"context"
	"time"

	domain "github.com/orderfield/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Shipments() ShipmentRepository
	Refunds() RefundRepository
	Ledger() LedgerRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers together with their owned
// items, deliveries, and payments. Insert is atomic across the whole
// aggregate.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)

	InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error)
	UpdateItem(ctx context.Context, item domain.OrderItem) error
	FindItem(ctx context.Context, orderID string, itemID string) (domain.OrderItem, error)
	ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
}

// ShipmentRepository stores shipments and shipment items for orders.
// Insert must reject a second shipment carrying the same tracking number
// for the same order with a conflict error, atomically under concurrency.
type ShipmentRepository interface {
	Insert(ctx context.Context, shipment domain.Shipment) error
	Update(ctx context.Context, shipment domain.Shipment) error
	FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error)
	List(ctx context.Context, filter ShipmentListFilter) ([]domain.Shipment, error)

	InsertItem(ctx context.Context, item domain.ShipmentItem) (domain.ShipmentItem, error)
	UpdateItem(ctx context.Context, item domain.ShipmentItem) error
	FindItem(ctx context.Context, shipmentItemID string) (domain.ShipmentItem, error)
	ListItems(ctx context.Context, shipmentID string) ([]domain.ShipmentItem, error)
}

// RefundRepository stores the zero-or-one refund record owned by an
// order. Create must fail with a conflict when a record already exists
// for the order, atomically under concurrency.
type RefundRepository interface {
	Create(ctx context.Context, refund domain.Refund) (domain.Refund, error)
	Update(ctx context.Context, refund domain.Refund) error
	FindByOrder(ctx context.Context, orderID string) (domain.Refund, error)
	List(ctx context.Context, filter RefundListFilter) ([]domain.Refund, error)
}

// LedgerRepository is the serialization point for quantity bookkeeping.
// Allocate re-reads the cumulative shipped quantity inside its own
// transactional boundary before deciding allow/deny, so concurrent
// allocations against the same order line cannot jointly exceed the
// ordered quantity.
type LedgerRepository interface {
	Reserve(ctx context.Context, reservations []LedgerReservation, now time.Time) error
	Allocate(ctx context.Context, req LedgerAllocateRequest) (domain.LedgerEntry, error)
	Release(ctx context.Context, req LedgerReleaseRequest) (domain.LedgerEntry, error)
	RecordDelivery(ctx context.Context, orderItemID string, quantity int, now time.Time) (domain.LedgerEntry, error)
	RecordRefund(ctx context.Context, orderItemID string, quantity int, now time.Time) (domain.LedgerEntry, error)
	Get(ctx context.Context, orderItemID string) (domain.LedgerEntry, error)
}

// LedgerReservation seeds the ledger with the ordered quantity for one line.
type LedgerReservation struct {
	OrderItemID string
	Quantity    int
}

// LedgerAllocateRequest records an absolute shipped quantity for one
// shipment item. The repository recomputes the delta against the
// previously stored allocation for the same shipment item, which makes
// retried updates idempotent.
type LedgerAllocateRequest struct {
	OrderItemID    string
	ShipmentItemID string
	Quantity       int
	Now            time.Time
}

// LedgerReleaseRequest removes the allocation held by one shipment item.
type LedgerReleaseRequest struct {
	OrderItemID    string
	ShipmentItemID string
	Now            time.Time
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) ([]domain.AuditLogEntry, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// ShipmentListFilter narrows shipment listings for one order. Carrier is
// matched case-insensitively against the stored value; ShippedAt is a
// half-open [From, To) range on the shipped_at timestamp.
type ShipmentListFilter struct {
	OrderID   string
	Status    []domain.ShipmentStatus
	Carrier   string
	ShippedAt domain.RangeQuery[time.Time]
}

// RefundListFilter narrows refund listings.
type RefundListFilter struct {
	OrderID string
	ActorID string
}

// AuditLogFilter narrows audit trail listings.
type AuditLogFilter struct {
	TargetRef string
	Actor     string
	Action    string
	DateRange domain.RangeQuery[time.Time]
	Limit     int
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
