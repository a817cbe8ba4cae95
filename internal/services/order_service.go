package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/repositories"
)

const (
	orderEventCreated           = "order.created"
	orderEventItemAdded         = "order.item.added"
	orderEventItemStatusChanged = "order.item.status.changed"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "itm_"
	deliveryIDPrefix  = "dlv_"
	paymentIDPrefix   = "pay_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderItemNotFound indicates the order line could not be located.
	ErrOrderItemNotFound = errors.New("order: item not found")
	// ErrOrderInvalidState indicates an invalid item status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates concurrent modification or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnknownVariant indicates a snapshot line references an unknown
	// product/variant combination.
	ErrOrderUnknownVariant = errors.New("order: unknown product variant")
)

// A line may only be cancelled before any shipment item references it;
// fulfilled is terminal.
var orderItemTransitions = map[domain.OrderItemStatus][]domain.OrderItemStatus{
	domain.OrderItemStatusOrdered: {domain.OrderItemStatusFulfilled, domain.OrderItemStatusCancelled},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	Ledger      LedgerService
	Catalog     ProductCatalog
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	ledger     LedgerService
	catalog    ProductCatalog
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: ledger service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		counters:   deps.Counters,
		ledger:     deps.Ledger,
		catalog:    deps.Catalog,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateFromSnapshot(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: snapshot must contain at least one item", ErrOrderInvalidInput)
	}
	for i, snap := range cmd.Items {
		if strings.TrimSpace(snap.ProductRef) == "" {
			return Order{}, fmt.Errorf("%w: item %d product ref is required", ErrOrderInvalidInput, i)
		}
		if snap.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if snap.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
	}

	if s.catalog != nil {
		for _, snap := range cmd.Items {
			ok, err := s.catalog.VariantExists(ctx, snap.ProductRef, snap.VariantRef)
			if err != nil {
				return Order{}, fmt.Errorf("order: catalog lookup: %w", err)
			}
			if !ok {
				return Order{}, fmt.Errorf("%w: %s/%s", ErrOrderUnknownVariant, snap.ProductRef, snap.VariantRef)
			}
		}
	}

	now := s.now()
	orderID := orderIDPrefix + s.newID()

	order := Order{
		ID:        orderID,
		UserID:    userID,
		Status:    domain.OrderStatusOpen,
		Currency:  currency,
		Items:     buildOrderItems(orderID, cmd.Items, now),
		Metadata:  cloneMap(cmd.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ref := strings.TrimSpace(cmd.CartRef); ref != "" {
		order.CartRef = valuePtr(ref)
	}

	for _, item := range order.Items {
		order.TotalPrice += item.FinalPrice
	}

	order.Deliveries = buildDeliveries(orderID, cmd.Deliveries, now)
	order.Payments = buildPayments(s.newID, orderID, cmd.Payments, currency, now)

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	reservations := make([]repositories.LedgerReservation, 0, len(order.Items))
	for _, item := range order.Items {
		reservations = append(reservations, repositories.LedgerReservation{
			OrderItemID: item.ID,
			Quantity:    item.Quantity,
		})
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.ledger.Reserve(txCtx, LedgerReserveCommand{Reservations: reservations})
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       orderEventCreated,
		OrderID:    order.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload: map[string]any{
			"orderNumber": order.OrderNumber,
			"currency":    order.Currency,
			"totalPrice":  order.TotalPrice,
			"items":       len(order.Items),
		},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) GetItem(ctx context.Context, orderID, itemID string) (OrderItem, error) {
	orderID = strings.TrimSpace(orderID)
	itemID = strings.TrimSpace(itemID)
	if orderID == "" {
		return OrderItem{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: item id is required", ErrOrderInvalidInput)
	}

	item, err := s.orders.FindItem(ctx, orderID, itemID)
	if err != nil {
		return OrderItem{}, s.mapItemError(err)
	}
	return item, nil
}

func (s *orderService) AddItem(ctx context.Context, cmd AddOrderItemCommand) (OrderItem, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return OrderItem{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	snap := cmd.Item
	if strings.TrimSpace(snap.ProductRef) == "" {
		return OrderItem{}, fmt.Errorf("%w: product ref is required", ErrOrderInvalidInput)
	}
	if snap.Quantity <= 0 {
		return OrderItem{}, fmt.Errorf("%w: quantity must be positive", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderItem{}, s.mapRepositoryError(err)
	}
	if order.Status == domain.OrderStatusCancelled {
		return OrderItem{}, fmt.Errorf("%w: order is cancelled", ErrOrderInvalidState)
	}

	now := s.now()
	item := buildOrderItems(orderID, []OrderItemSnapshot{snap}, now)[0]

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		stored, err := s.orders.InsertItem(txCtx, item)
		if err != nil {
			return s.mapItemError(err)
		}
		item = stored
		return s.ledger.Reserve(txCtx, LedgerReserveCommand{
			Reservations: []repositories.LedgerReservation{{OrderItemID: item.ID, Quantity: item.Quantity}},
		})
	})
	if err != nil {
		return OrderItem{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       orderEventItemAdded,
		OrderID:    orderID,
		EntityRef:  item.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload: map[string]any{
			"productRef": item.ProductRef,
			"quantity":   item.Quantity,
		},
	})

	return item, nil
}

func (s *orderService) CancelItem(ctx context.Context, cmd CancelOrderItemCommand) (OrderItem, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if orderID == "" || itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order id and item id are required", ErrOrderInvalidInput)
	}

	item, err := s.orders.FindItem(ctx, orderID, itemID)
	if err != nil {
		return OrderItem{}, s.mapItemError(err)
	}

	entry, err := s.ledger.View(ctx, itemID)
	if err != nil && !errors.Is(err, ErrLedgerEntryNotFound) {
		return OrderItem{}, err
	}
	if entry.Shipped > 0 {
		return OrderItem{}, fmt.Errorf("%w: item has shipment allocations", ErrOrderInvalidState)
	}

	now := s.now()
	if err := s.transitionItem(&item, domain.OrderItemStatusCancelled, now); err != nil {
		return OrderItem{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.UpdateItem(txCtx, item); err != nil {
			return s.mapItemError(err)
		}
		return nil
	})
	if err != nil {
		return OrderItem{}, err
	}

	payload := map[string]any{"status": string(item.Status)}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		payload["reason"] = reason
	}
	s.publishEvent(ctx, Event{
		Name:       orderEventItemStatusChanged,
		OrderID:    orderID,
		EntityRef:  item.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload:    payload,
	})

	return item, nil
}

func (s *orderService) MarkItemFulfilled(ctx context.Context, orderID, itemID string) (OrderItem, error) {
	orderID = strings.TrimSpace(orderID)
	itemID = strings.TrimSpace(itemID)
	if orderID == "" || itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order id and item id are required", ErrOrderInvalidInput)
	}

	item, err := s.orders.FindItem(ctx, orderID, itemID)
	if err != nil {
		return OrderItem{}, s.mapItemError(err)
	}
	if item.Status == domain.OrderItemStatusFulfilled {
		return item, nil
	}

	now := s.now()
	if err := s.transitionItem(&item, domain.OrderItemStatusFulfilled, now); err != nil {
		return OrderItem{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.UpdateItem(txCtx, item); err != nil {
			return s.mapItemError(err)
		}
		return s.settleOrderStatus(txCtx, orderID, now)
	})
	if err != nil {
		return OrderItem{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       orderEventItemStatusChanged,
		OrderID:    orderID,
		EntityRef:  item.ID,
		OccurredAt: now,
		Payload:    map[string]any{"status": string(item.Status)},
	})

	return item, nil
}

// settleOrderStatus flips the order header to fulfilled once every
// non-cancelled line reached a terminal state.
func (s *orderService) settleOrderStatus(ctx context.Context, orderID string, now time.Time) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if order.Status != domain.OrderStatusOpen {
		return nil
	}

	items, err := s.orders.ListItems(ctx, orderID)
	if err != nil {
		return s.mapRepositoryError(err)
	}

	fulfilled := 0
	for _, item := range items {
		switch item.Status {
		case domain.OrderItemStatusOrdered:
			return nil
		case domain.OrderItemStatusFulfilled:
			fulfilled++
		}
	}
	if fulfilled == 0 {
		return nil
	}

	order.Status = domain.OrderStatusFulfilled
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) transitionItem(item *OrderItem, target domain.OrderItemStatus, now time.Time) error {
	allowed, ok := orderItemTransitions[item.Status]
	if !ok || !containsStatus(allowed, target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, item.Status, target)
	}
	item.Status = target
	item.UpdatedAt = now
	return nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) mapItemError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderItemNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("OF-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event Event) {
	if s.events == nil {
		return
	}
	if event.Payload != nil {
		event.Payload = maps.Clone(event.Payload)
	}
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"event": event.Name,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func buildOrderItems(orderID string, snaps []OrderItemSnapshot, now time.Time) []OrderItem {
	items := make([]OrderItem, 0, len(snaps))
	for _, snap := range snaps {
		final := snap.FinalPrice
		if final == 0 {
			final = snap.UnitPrice * int64(snap.Quantity)
		}
		items = append(items, OrderItem{
			ID:         orderItemIDPrefix + ulid.Make().String(),
			OrderID:    orderID,
			ProductRef: strings.TrimSpace(snap.ProductRef),
			VariantRef: strings.TrimSpace(snap.VariantRef),
			SellerID:   strings.TrimSpace(snap.SellerID),
			Name:       strings.TrimSpace(snap.Name),
			Quantity:   snap.Quantity,
			UnitPrice:  snap.UnitPrice,
			FinalPrice: final,
			Status:     domain.OrderItemStatusOrdered,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return items
}

func buildDeliveries(orderID string, snaps []DeliverySnapshot, now time.Time) []Delivery {
	deliveries := make([]Delivery, 0, len(snaps))
	for _, snap := range snaps {
		deliveries = append(deliveries, Delivery{
			ID:             deliveryIDPrefix + ulid.Make().String(),
			OrderID:        orderID,
			RecipientName:  strings.TrimSpace(snap.RecipientName),
			RecipientPhone: strings.TrimSpace(snap.RecipientPhone),
			Address:        snap.Address,
			Status:         domain.DeliveryStatusPreparing,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return deliveries
}

func buildPayments(newID func() string, orderID string, snaps []PaymentSnapshot, currency string, now time.Time) []Payment {
	payments := make([]Payment, 0, len(snaps))
	for _, snap := range snaps {
		cur := strings.ToUpper(strings.TrimSpace(snap.Currency))
		if cur == "" {
			cur = currency
		}
		payments = append(payments, Payment{
			ID:        paymentIDPrefix + newID(),
			OrderID:   orderID,
			Provider:  strings.TrimSpace(snap.Provider),
			IntentID:  strings.TrimSpace(snap.IntentID),
			Amount:    snap.Amount,
			Currency:  cur,
			CreatedAt: now,
		})
	}
	return payments
}

func containsStatus(values []domain.OrderItemStatus, target domain.OrderItemStatus) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
