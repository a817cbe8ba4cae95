package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/repositories"
)

const (
	shipmentEventCreated       = "shipment.created"
	shipmentEventItemAdded     = "shipment.item.added"
	shipmentEventItemUpdated   = "shipment.item.updated"
	shipmentEventStatusChanged = "shipment.status.changed"

	shipmentIDPrefix     = "shp_"
	shipmentItemIDPrefix = "shi_"
)

var (
	// ErrShipmentInvalidInput signals the caller provided invalid data.
	ErrShipmentInvalidInput = errors.New("shipment: invalid input")
	// ErrShipmentNotFound indicates the shipment could not be located
	// under the given order.
	ErrShipmentNotFound = errors.New("shipment: not found")
	// ErrShipmentItemNotFound indicates the shipment item could not be located.
	ErrShipmentItemNotFound = errors.New("shipment: item not found")
	// ErrDuplicateTracking indicates the order already holds a shipment
	// with the same tracking number.
	ErrDuplicateTracking = errors.New("shipment: duplicate tracking number")
	// ErrShipmentImmutable indicates a mutation was attempted against a
	// delivered shipment. Delivered shipments reject every mutation
	// regardless of who asks.
	ErrShipmentImmutable = errors.New("shipment: delivered shipments are immutable")
	// ErrShipmentInvalidState indicates an invalid status transition was attempted.
	ErrShipmentInvalidState = errors.New("shipment: invalid status transition")
	// ErrShipmentConflict indicates concurrent modification.
	ErrShipmentConflict = errors.New("shipment: conflict")
	// ErrInvalidQuery indicates malformed list filter or pagination input.
	ErrInvalidQuery = errors.New("query: invalid parameters")
)

// Status moves strictly forward; delivered is terminal.
var shipmentTransitions = map[domain.ShipmentStatus][]domain.ShipmentStatus{
	domain.ShipmentStatusPending: {domain.ShipmentStatusShipped},
	domain.ShipmentStatusShipped: {domain.ShipmentStatusDelivered},
}

// ShipmentServiceDeps bundles collaborators required to construct the shipment service.
type ShipmentServiceDeps struct {
	Shipments   repositories.ShipmentRepository
	Orders      repositories.OrderRepository
	Ledger      LedgerService
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type shipmentService struct {
	shipments  repositories.ShipmentRepository
	orders     repositories.OrderRepository
	ledger     LedgerService
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewShipmentService wires dependencies into a concrete ShipmentService implementation.
func NewShipmentService(deps ShipmentServiceDeps) (ShipmentService, error) {
	if deps.Shipments == nil {
		return nil, errors.New("shipment service: shipment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("shipment service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("shipment service: ledger service is required")
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

	return &shipmentService{
		shipments:  deps.Shipments,
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *shipmentService) CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	carrier := strings.TrimSpace(cmd.Carrier)
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if orderID == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}
	if carrier == "" {
		return Shipment{}, fmt.Errorf("%w: carrier is required", ErrShipmentInvalidInput)
	}
	if tracking == "" {
		return Shipment{}, fmt.Errorf("%w: tracking number is required", ErrShipmentInvalidInput)
	}

	status := cmd.Status
	if status == "" {
		status = domain.ShipmentStatusPending
	}
	if status != domain.ShipmentStatusPending && status != domain.ShipmentStatusShipped {
		return Shipment{}, fmt.Errorf("%w: shipments start as pending or shipped, got %q", ErrShipmentInvalidInput, status)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Shipment{}, s.mapOrderError(err)
	}
	if order.Status == domain.OrderStatusCancelled {
		return Shipment{}, fmt.Errorf("%w: order is cancelled", ErrShipmentInvalidInput)
	}

	now := s.now()
	shipment := Shipment{
		ID:             shipmentIDPrefix + s.newID(),
		OrderID:        orderID,
		Carrier:        carrier,
		TrackingNumber: tracking,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == domain.ShipmentStatusShipped {
		shipment.ShippedAt = valuePtr(now)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.shipments.Insert(txCtx, shipment); err != nil {
			return s.mapShipmentError(err)
		}
		return nil
	})
	if err != nil {
		return Shipment{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       shipmentEventCreated,
		OrderID:    orderID,
		EntityRef:  shipment.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload: map[string]any{
			"carrier":        shipment.Carrier,
			"trackingNumber": shipment.TrackingNumber,
			"status":         string(shipment.Status),
		},
	})

	return shipment, nil
}

func (s *shipmentService) GetShipment(ctx context.Context, orderID, shipmentID string) (Shipment, error) {
	shipment, err := s.loadShipment(ctx, orderID, shipmentID)
	if err != nil {
		return Shipment{}, err
	}

	items, err := s.shipments.ListItems(ctx, shipment.ID)
	if err != nil {
		return Shipment{}, s.mapShipmentError(err)
	}
	shipment.Items = items
	return shipment, nil
}

func (s *shipmentService) AddShipmentItem(ctx context.Context, cmd AddShipmentItemCommand) (ShipmentItem, error) {
	orderItemID := strings.TrimSpace(cmd.OrderItemID)
	if orderItemID == "" {
		return ShipmentItem{}, fmt.Errorf("%w: order item id is required", ErrShipmentInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return ShipmentItem{}, fmt.Errorf("%w: quantity must be positive", ErrShipmentInvalidInput)
	}

	shipment, err := s.loadShipment(ctx, cmd.OrderID, cmd.ShipmentID)
	if err != nil {
		return ShipmentItem{}, err
	}
	if shipment.Status == domain.ShipmentStatusDelivered {
		return ShipmentItem{}, ErrShipmentImmutable
	}

	orderItem, err := s.orders.FindItem(ctx, shipment.OrderID, orderItemID)
	if err != nil {
		return ShipmentItem{}, s.mapOrderItemError(err)
	}
	if orderItem.Status == domain.OrderItemStatusCancelled {
		return ShipmentItem{}, fmt.Errorf("%w: order item is cancelled", ErrShipmentInvalidInput)
	}

	now := s.now()
	item := ShipmentItem{
		ID:              shipmentItemIDPrefix + s.newID(),
		ShipmentID:      shipment.ID,
		OrderItemID:     orderItem.ID,
		ShippedQuantity: cmd.Quantity,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.ledger.Allocate(txCtx, LedgerAllocateCommand{
			OrderItemID:    item.OrderItemID,
			ShipmentItemID: item.ID,
			Quantity:       item.ShippedQuantity,
		}); err != nil {
			return err
		}
		stored, err := s.shipments.InsertItem(txCtx, item)
		if err != nil {
			return s.mapShipmentItemError(err)
		}
		item = stored
		return nil
	})
	if err != nil {
		return ShipmentItem{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       shipmentEventItemAdded,
		OrderID:    shipment.OrderID,
		EntityRef:  item.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload: map[string]any{
			"shipmentId":  shipment.ID,
			"orderItemId": item.OrderItemID,
			"quantity":    item.ShippedQuantity,
		},
	})

	return item, nil
}

func (s *shipmentService) UpdateShipmentItem(ctx context.Context, cmd UpdateShipmentItemCommand) (ShipmentItem, error) {
	itemID := strings.TrimSpace(cmd.ShipmentItemID)
	if itemID == "" {
		return ShipmentItem{}, fmt.Errorf("%w: shipment item id is required", ErrShipmentInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return ShipmentItem{}, fmt.Errorf("%w: quantity must be positive", ErrShipmentInvalidInput)
	}

	shipment, err := s.loadShipment(ctx, cmd.OrderID, cmd.ShipmentID)
	if err != nil {
		return ShipmentItem{}, err
	}
	if shipment.Status == domain.ShipmentStatusDelivered {
		return ShipmentItem{}, ErrShipmentImmutable
	}

	item, err := s.shipments.FindItem(ctx, itemID)
	if err != nil {
		return ShipmentItem{}, s.mapShipmentItemError(err)
	}
	if item.ShipmentID != shipment.ID {
		return ShipmentItem{}, fmt.Errorf("%w: %s", ErrShipmentItemNotFound, itemID)
	}

	now := s.now()
	item.ShippedQuantity = cmd.Quantity
	item.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.ledger.Allocate(txCtx, LedgerAllocateCommand{
			OrderItemID:    item.OrderItemID,
			ShipmentItemID: item.ID,
			Quantity:       item.ShippedQuantity,
		}); err != nil {
			return err
		}
		if err := s.shipments.UpdateItem(txCtx, item); err != nil {
			return s.mapShipmentItemError(err)
		}
		return nil
	})
	if err != nil {
		return ShipmentItem{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       shipmentEventItemUpdated,
		OrderID:    shipment.OrderID,
		EntityRef:  item.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload: map[string]any{
			"shipmentId": shipment.ID,
			"quantity":   item.ShippedQuantity,
		},
	})

	return item, nil
}

func (s *shipmentService) TransitionStatus(ctx context.Context, cmd ShipmentTransitionCommand) (Shipment, error) {
	target := cmd.Target
	if target != domain.ShipmentStatusShipped && target != domain.ShipmentStatusDelivered {
		return Shipment{}, fmt.Errorf("%w: unknown target status %q", ErrShipmentInvalidInput, target)
	}

	shipment, err := s.loadShipment(ctx, cmd.OrderID, cmd.ShipmentID)
	if err != nil {
		return Shipment{}, err
	}
	if shipment.Status == domain.ShipmentStatusDelivered {
		return Shipment{}, ErrShipmentImmutable
	}
	if !canTransitionShipment(shipment.Status, target) {
		return Shipment{}, fmt.Errorf("%w: %s -> %s", ErrShipmentInvalidState, shipment.Status, target)
	}

	items, err := s.shipments.ListItems(ctx, shipment.ID)
	if err != nil {
		return Shipment{}, s.mapShipmentError(err)
	}
	if len(items) == 0 {
		return Shipment{}, fmt.Errorf("%w: shipment has no items", ErrShipmentInvalidState)
	}

	now := s.now()
	previous := shipment.Status
	shipment.Status = target
	shipment.UpdatedAt = now
	switch target {
	case domain.ShipmentStatusShipped:
		shipment.ShippedAt = valuePtr(now)
	case domain.ShipmentStatusDelivered:
		shipment.DeliveredAt = valuePtr(now)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.shipments.Update(txCtx, shipment); err != nil {
			return s.mapShipmentError(err)
		}
		if target == domain.ShipmentStatusDelivered {
			return s.settleDelivery(txCtx, shipment, items, now)
		}
		return nil
	})
	if err != nil {
		return Shipment{}, err
	}

	s.publishEvent(ctx, Event{
		Name:       shipmentEventStatusChanged,
		OrderID:    shipment.OrderID,
		EntityRef:  shipment.ID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Payload: map[string]any{
			"from": string(previous),
			"to":   string(target),
		},
	})

	shipment.Items = items
	return shipment, nil
}

func (s *shipmentService) ListShipments(ctx context.Context, filter ShipmentListFilter) (domain.Page[Shipment], error) {
	orderID := strings.TrimSpace(filter.OrderID)
	if orderID == "" {
		return domain.Page[Shipment]{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}

	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return domain.Page[Shipment]{}, s.mapOrderError(err)
	}

	statuses := make([]domain.ShipmentStatus, 0, len(filter.Status))
	for _, raw := range filter.Status {
		status, err := parseShipmentStatus(raw)
		if err != nil {
			return domain.Page[Shipment]{}, err
		}
		statuses = append(statuses, status)
	}

	if filter.ShippedFrom != nil && filter.ShippedTo != nil && !filter.ShippedFrom.Before(*filter.ShippedTo) {
		return domain.Page[Shipment]{}, fmt.Errorf("%w: shipped_from must precede shipped_to", ErrInvalidQuery)
	}

	shipments, err := s.shipments.List(ctx, repositories.ShipmentListFilter{
		OrderID: orderID,
		Status:  statuses,
		Carrier: strings.TrimSpace(filter.Carrier),
		ShippedAt: domain.RangeQuery[time.Time]{
			From: filter.ShippedFrom,
			To:   filter.ShippedTo,
		},
	})
	if err != nil {
		return domain.Page[Shipment]{}, s.mapShipmentError(err)
	}

	return paginateSlice(shipments, filter.Page)
}

// settleDelivery stamps delivered quantities on the ledger and drives
// fully-delivered order lines to fulfilled.
func (s *shipmentService) settleDelivery(ctx context.Context, shipment Shipment, items []ShipmentItem, now time.Time) error {
	touched := make(map[string]struct{}, len(items))
	for _, item := range items {
		entry, err := s.ledger.RecordDelivery(ctx, item.OrderItemID, item.ShippedQuantity)
		if err != nil {
			return err
		}
		if entry.Delivered >= entry.Ordered {
			touched[item.OrderItemID] = struct{}{}
		}
	}

	for orderItemID := range touched {
		orderItem, err := s.orders.FindItem(ctx, shipment.OrderID, orderItemID)
		if err != nil {
			return s.mapOrderItemError(err)
		}
		if orderItem.Status != domain.OrderItemStatusOrdered {
			continue
		}
		orderItem.Status = domain.OrderItemStatusFulfilled
		orderItem.UpdatedAt = now
		if err := s.orders.UpdateItem(ctx, orderItem); err != nil {
			return s.mapOrderItemError(err)
		}
	}

	return s.settleOrderHeader(ctx, shipment.OrderID, now)
}

func (s *shipmentService) settleOrderHeader(ctx context.Context, orderID string, now time.Time) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return s.mapOrderError(err)
	}
	if order.Status != domain.OrderStatusOpen {
		return nil
	}

	items, err := s.orders.ListItems(ctx, orderID)
	if err != nil {
		return s.mapOrderError(err)
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
		return s.mapOrderError(err)
	}
	return nil
}

// loadShipment fetches a shipment and verifies it belongs to the order.
// A shipment that exists under a different order behaves as not found.
func (s *shipmentService) loadShipment(ctx context.Context, orderID, shipmentID string) (Shipment, error) {
	orderID = strings.TrimSpace(orderID)
	shipmentID = strings.TrimSpace(shipmentID)
	if orderID == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}
	if shipmentID == "" {
		return Shipment{}, fmt.Errorf("%w: shipment id is required", ErrShipmentInvalidInput)
	}

	shipment, err := s.shipments.FindByID(ctx, shipmentID)
	if err != nil {
		return Shipment{}, s.mapShipmentError(err)
	}
	if shipment.OrderID != orderID {
		return Shipment{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
	}
	return shipment, nil
}

func (s *shipmentService) mapShipmentError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrShipmentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrDuplicateTracking, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("shipment: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *shipmentService) mapShipmentItemError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrShipmentItemNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrShipmentConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("shipment: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *shipmentService) mapOrderError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return err
}

func (s *shipmentService) mapOrderItemError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderItemNotFound, err)
	}
	return err
}

func (s *shipmentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *shipmentService) now() time.Time {
	return s.clock()
}

func (s *shipmentService) publishEvent(ctx context.Context, event Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "shipment.event.publish.failed", map[string]any{
			"event": event.Name,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func canTransitionShipment(from, to domain.ShipmentStatus) bool {
	for _, allowed := range shipmentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func parseShipmentStatus(raw string) (domain.ShipmentStatus, error) {
	switch domain.ShipmentStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.ShipmentStatusPending:
		return domain.ShipmentStatusPending, nil
	case domain.ShipmentStatusShipped:
		return domain.ShipmentStatusShipped, nil
	case domain.ShipmentStatusDelivered:
		return domain.ShipmentStatusDelivered, nil
	default:
		return "", fmt.Errorf("%w: unknown shipment status %q", ErrInvalidQuery, raw)
	}
}
