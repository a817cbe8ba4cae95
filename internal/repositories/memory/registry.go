// Package memory provides an in-process repositories.Registry used by
// service tests and local development. All state lives in maps guarded
// by one mutex, which makes the ledger's read-check-write sequences
// atomic under concurrent callers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/platform/textutil"
	"github.com/orderfield/api/internal/repositories"
)

type repoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoError) Error() string       { return e.msg }
func (e *repoError) IsNotFound() bool    { return e.notFound }
func (e *repoError) IsConflict() bool    { return e.conflict }
func (e *repoError) IsUnavailable() bool { return e.unavailable }

func notFoundError(format string, args ...any) error {
	return &repoError{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflictError(format string, args ...any) error {
	return &repoError{msg: fmt.Sprintf(format, args...), conflict: true}
}

type ledgerState struct {
	entry       domain.LedgerEntry
	allocations map[string]int
}

// Registry is an in-memory implementation of repositories.Registry.
type Registry struct {
	mu sync.Mutex

	orders        map[string]domain.Order
	orderItems    map[string]domain.OrderItem
	shipments     map[string]domain.Shipment
	shipmentItems map[string]domain.ShipmentItem
	refunds       map[string]domain.Refund
	ledger        map[string]*ledgerState
	auditLogs     []domain.AuditLogEntry
	counters      map[string]int64
	counterCfg    map[string]repositories.CounterConfig

	seq int64
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{
		orders:        make(map[string]domain.Order),
		orderItems:    make(map[string]domain.OrderItem),
		shipments:     make(map[string]domain.Shipment),
		shipmentItems: make(map[string]domain.ShipmentItem),
		refunds:       make(map[string]domain.Refund),
		ledger:        make(map[string]*ledgerState),
		counters:      make(map[string]int64),
		counterCfg:    make(map[string]repositories.CounterConfig),
	}
}

func (r *Registry) Close(ctx context.Context) error { return nil }

func (r *Registry) Orders() repositories.OrderRepository { return (*orderRepository)(r) }

func (r *Registry) Shipments() repositories.ShipmentRepository { return (*shipmentRepository)(r) }

func (r *Registry) Refunds() repositories.RefundRepository { return (*refundRepository)(r) }

func (r *Registry) Ledger() repositories.LedgerRepository { return (*ledgerRepository)(r) }

func (r *Registry) AuditLogs() repositories.AuditLogRepository { return (*auditLogRepository)(r) }

func (r *Registry) Counters() repositories.CounterRepository { return (*counterRepository)(r) }

func (r *Registry) Health() repositories.HealthRepository { return (*healthRepository)(r) }

// RunInTx executes fn directly. Individual operations are already
// atomic under the registry mutex.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory registry: transaction function is nil")
	}
	return fn(ctx)
}

// Orders ---------------------------------------------------------------------

type orderRepository Registry

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return conflictError("order %s already exists", order.ID)
	}
	for _, item := range order.Items {
		if _, exists := r.orderItems[item.ID]; exists {
			return conflictError("order item %s already exists", item.ID)
		}
	}

	stored := order
	stored.Items = nil
	r.orders[order.ID] = stored
	for _, item := range order.Items {
		r.orderItems[item.ID] = item
	}
	return nil
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; !exists {
		return notFoundError("order %s not found", order.ID)
	}
	stored := order
	stored.Items = nil
	r.orders[order.ID] = stored
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[orderID]
	if !exists {
		return domain.Order{}, notFoundError("order %s not found", orderID)
	}
	order.Items = r.itemsOfLocked(orderID)
	return order, nil
}

func (r *orderRepository) InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[item.OrderID]; !exists {
		return domain.OrderItem{}, notFoundError("order %s not found", item.OrderID)
	}
	if _, exists := r.orderItems[item.ID]; exists {
		return domain.OrderItem{}, conflictError("order item %s already exists", item.ID)
	}
	r.orderItems[item.ID] = item
	return item, nil
}

func (r *orderRepository) UpdateItem(ctx context.Context, item domain.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.orderItems[item.ID]
	if !exists || existing.OrderID != item.OrderID {
		return notFoundError("order item %s not found in order %s", item.ID, item.OrderID)
	}
	r.orderItems[item.ID] = item
	return nil
}

func (r *orderRepository) FindItem(ctx context.Context, orderID string, itemID string) (domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.orderItems[itemID]
	if !exists || item.OrderID != orderID {
		return domain.OrderItem{}, notFoundError("order item %s not found in order %s", itemID, orderID)
	}
	return item, nil
}

func (r *orderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.itemsOfLocked(orderID), nil
}

func (r *orderRepository) itemsOfLocked(orderID string) []domain.OrderItem {
	items := make([]domain.OrderItem, 0)
	for _, item := range r.orderItems {
		if item.OrderID == orderID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Shipments ------------------------------------------------------------------

type shipmentRepository Registry

func (r *shipmentRepository) Insert(ctx context.Context, shipment domain.Shipment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shipments[shipment.ID]; exists {
		return conflictError("shipment %s already exists", shipment.ID)
	}
	for _, existing := range r.shipments {
		if existing.OrderID == shipment.OrderID && existing.TrackingNumber == shipment.TrackingNumber {
			return conflictError("tracking number %s already used for order %s", shipment.TrackingNumber, shipment.OrderID)
		}
	}
	stored := shipment
	stored.Items = nil
	r.shipments[shipment.ID] = stored
	return nil
}

func (r *shipmentRepository) Update(ctx context.Context, shipment domain.Shipment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shipments[shipment.ID]; !exists {
		return notFoundError("shipment %s not found", shipment.ID)
	}
	stored := shipment
	stored.Items = nil
	r.shipments[shipment.ID] = stored
	return nil
}

func (r *shipmentRepository) FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	shipment, exists := r.shipments[shipmentID]
	if !exists {
		return domain.Shipment{}, notFoundError("shipment %s not found", shipmentID)
	}
	return shipment, nil
}

func (r *shipmentRepository) List(ctx context.Context, filter repositories.ShipmentListFilter) ([]domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	carrier := textutil.Fold(strings.TrimSpace(filter.Carrier))
	shipments := make([]domain.Shipment, 0)
	for _, shipment := range r.shipments {
		if shipment.OrderID != filter.OrderID {
			continue
		}
		if carrier != "" && textutil.Fold(shipment.Carrier) != carrier {
			continue
		}
		if len(filter.Status) > 0 && !containsShipmentStatus(filter.Status, shipment.Status) {
			continue
		}
		if filter.ShippedAt.From != nil {
			if shipment.ShippedAt == nil || shipment.ShippedAt.Before(*filter.ShippedAt.From) {
				continue
			}
		}
		if filter.ShippedAt.To != nil {
			if shipment.ShippedAt == nil || !shipment.ShippedAt.Before(*filter.ShippedAt.To) {
				continue
			}
		}
		shipments = append(shipments, shipment)
	}
	sort.Slice(shipments, func(i, j int) bool {
		if shipments[i].CreatedAt.Equal(shipments[j].CreatedAt) {
			return shipments[i].ID > shipments[j].ID
		}
		return shipments[i].CreatedAt.After(shipments[j].CreatedAt)
	})
	return shipments, nil
}

func (r *shipmentRepository) InsertItem(ctx context.Context, item domain.ShipmentItem) (domain.ShipmentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shipments[item.ShipmentID]; !exists {
		return domain.ShipmentItem{}, notFoundError("shipment %s not found", item.ShipmentID)
	}
	if _, exists := r.shipmentItems[item.ID]; exists {
		return domain.ShipmentItem{}, conflictError("shipment item %s already exists", item.ID)
	}
	r.shipmentItems[item.ID] = item
	return item, nil
}

func (r *shipmentRepository) UpdateItem(ctx context.Context, item domain.ShipmentItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shipmentItems[item.ID]; !exists {
		return notFoundError("shipment item %s not found", item.ID)
	}
	r.shipmentItems[item.ID] = item
	return nil
}

func (r *shipmentRepository) FindItem(ctx context.Context, shipmentItemID string) (domain.ShipmentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.shipmentItems[shipmentItemID]
	if !exists {
		return domain.ShipmentItem{}, notFoundError("shipment item %s not found", shipmentItemID)
	}
	return item, nil
}

func (r *shipmentRepository) ListItems(ctx context.Context, shipmentID string) ([]domain.ShipmentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]domain.ShipmentItem, 0)
	for _, item := range r.shipmentItems {
		if item.ShipmentID == shipmentID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Refunds --------------------------------------------------------------------

type refundRepository Registry

func (r *refundRepository) Create(ctx context.Context, refund domain.Refund) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.refunds[refund.OrderID]; exists {
		return domain.Refund{}, conflictError("order %s already refunded", refund.OrderID)
	}
	r.refunds[refund.OrderID] = refund
	return refund, nil
}

func (r *refundRepository) Update(ctx context.Context, refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.refunds[refund.OrderID]; !exists {
		return notFoundError("no refund for order %s", refund.OrderID)
	}
	r.refunds[refund.OrderID] = refund
	return nil
}

func (r *refundRepository) FindByOrder(ctx context.Context, orderID string) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refund, exists := r.refunds[orderID]
	if !exists {
		return domain.Refund{}, notFoundError("no refund for order %s", orderID)
	}
	return refund, nil
}

func (r *refundRepository) List(ctx context.Context, filter repositories.RefundListFilter) ([]domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refunds := make([]domain.Refund, 0)
	for _, refund := range r.refunds {
		if filter.OrderID != "" && refund.OrderID != filter.OrderID {
			continue
		}
		if filter.ActorID != "" && refund.ActorID != filter.ActorID {
			continue
		}
		refunds = append(refunds, refund)
	}
	sort.Slice(refunds, func(i, j int) bool {
		return refunds[i].RequestedAt.After(refunds[j].RequestedAt)
	})
	return refunds, nil
}

// Ledger ---------------------------------------------------------------------

type ledgerRepository Registry

func (r *ledgerRepository) Reserve(ctx context.Context, reservations []repositories.LedgerReservation, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range reservations {
		if _, exists := r.ledger[res.OrderItemID]; exists {
			return repositories.NewLedgerError(repositories.LedgerErrorDuplicateReservation,
				fmt.Sprintf("order item %s already reserved", res.OrderItemID), nil)
		}
	}
	for _, res := range reservations {
		r.ledger[res.OrderItemID] = &ledgerState{
			entry: domain.LedgerEntry{
				OrderItemID: res.OrderItemID,
				Ordered:     res.Quantity,
				UpdatedAt:   now,
			},
			allocations: make(map[string]int),
		}
	}
	return nil
}

func (r *ledgerRepository) Allocate(ctx context.Context, req repositories.LedgerAllocateRequest) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.ledger[req.OrderItemID]
	if !exists {
		return domain.LedgerEntry{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
			fmt.Sprintf("no ledger entry for order item %s", req.OrderItemID), nil)
	}

	previous := state.allocations[req.ShipmentItemID]
	next := state.entry.Shipped - previous + req.Quantity
	if next > state.entry.Ordered {
		return domain.LedgerEntry{}, repositories.NewLedgerError(repositories.LedgerErrorQuantityExceeded,
			fmt.Sprintf("order item %s: shipped %d would exceed ordered %d", req.OrderItemID, next, state.entry.Ordered), nil)
	}

	state.allocations[req.ShipmentItemID] = req.Quantity
	state.entry.Shipped = next
	state.entry.UpdatedAt = req.Now
	return state.entry, nil
}

func (r *ledgerRepository) Release(ctx context.Context, req repositories.LedgerReleaseRequest) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.ledger[req.OrderItemID]
	if !exists {
		return domain.LedgerEntry{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
			fmt.Sprintf("no ledger entry for order item %s", req.OrderItemID), nil)
	}

	previous, held := state.allocations[req.ShipmentItemID]
	if !held {
		return domain.LedgerEntry{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
			fmt.Sprintf("shipment item %s holds no allocation for order item %s", req.ShipmentItemID, req.OrderItemID), nil)
	}

	delete(state.allocations, req.ShipmentItemID)
	state.entry.Shipped -= previous
	state.entry.UpdatedAt = req.Now
	return state.entry, nil
}

func (r *ledgerRepository) RecordDelivery(ctx context.Context, orderItemID string, quantity int, now time.Time) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.ledger[orderItemID]
	if !exists {
		return domain.LedgerEntry{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
			fmt.Sprintf("no ledger entry for order item %s", orderItemID), nil)
	}
	state.entry.Delivered += quantity
	state.entry.UpdatedAt = now
	return state.entry, nil
}

func (r *ledgerRepository) RecordRefund(ctx context.Context, orderItemID string, quantity int, now time.Time) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.ledger[orderItemID]
	if !exists {
		return domain.LedgerEntry{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
			fmt.Sprintf("no ledger entry for order item %s", orderItemID), nil)
	}
	state.entry.Refunded += quantity
	state.entry.UpdatedAt = now
	return state.entry, nil
}

func (r *ledgerRepository) Get(ctx context.Context, orderItemID string) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.ledger[orderItemID]
	if !exists {
		return domain.LedgerEntry{}, notFoundError("no ledger entry for order item %s", orderItemID)
	}
	return state.entry, nil
}

// Audit logs -----------------------------------------------------------------

type auditLogRepository Registry

func (r *auditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditLogs = append(r.auditLogs, entry)
	return nil
}

func (r *auditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) ([]domain.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]domain.AuditLogEntry, 0)
	for _, entry := range r.auditLogs {
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.TargetRef != "" && entry.TargetRef != filter.TargetRef {
			continue
		}
		if filter.DateRange.From != nil && entry.CreatedAt.Before(*filter.DateRange.From) {
			continue
		}
		if filter.DateRange.To != nil && !entry.CreatedAt.Before(*filter.DateRange.To) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// Counters -------------------------------------------------------------------

type counterRepository Registry

func (r *counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	increment := step
	if increment <= 0 {
		if cfg, ok := r.counterCfg[id]; ok && cfg.Step > 0 {
			increment = cfg.Step
		} else {
			increment = 1
		}
	}

	next := r.counters[id] + increment
	if cfg, ok := r.counterCfg[id]; ok && cfg.MaxValue != nil && next > *cfg.MaxValue {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted,
			fmt.Sprintf("counter %s exceeded max value %d", id, *cfg.MaxValue), nil)
	}
	r.counters[id] = next
	return next, nil
}

func (r *counterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	r.counterCfg[id] = cfg
	if cfg.InitialValue != nil {
		r.counters[id] = *cfg.InitialValue
	}
	return nil
}

// Health ---------------------------------------------------------------------

type healthRepository Registry

func (r *healthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	return domain.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{
			"memory": {Status: domain.HealthStatusOK, Detail: "ok", CheckedAt: time.Now().UTC()},
		},
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func containsShipmentStatus(statuses []domain.ShipmentStatus, target domain.ShipmentStatus) bool {
	for _, status := range statuses {
		if status == target {
			return true
		}
	}
	return false
}
