package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/orderfield/api/internal/domain"
)

func TestShipmentServiceCreateShipment(t *testing.T) {
	env := newServiceEnv(t)
	order := env.createOrder(t, 2)

	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	if shipment.Status != domain.ShipmentStatusPending {
		t.Fatalf("expected pending, got %s", shipment.Status)
	}
	if shipment.ShippedAt != nil {
		t.Fatalf("pending shipment must not carry shippedAt")
	}

	loaded, err := env.shipments.GetShipment(context.Background(), order.ID, shipment.ID)
	if err != nil {
		t.Fatalf("GetShipment: %v", err)
	}
	if loaded.TrackingNumber != "TRK-001" {
		t.Fatalf("unexpected tracking number %s", loaded.TrackingNumber)
	}
}

func TestShipmentServiceDuplicateTracking(t *testing.T) {
	env := newServiceEnv(t)
	order := env.createOrder(t, 2)
	env.createShipment(t, order.ID, "yamato", "TRK-001")

	_, err := env.shipments.CreateShipment(context.Background(), CreateShipmentCommand{
		OrderID:        order.ID,
		Carrier:        "sagawa",
		TrackingNumber: "TRK-001",
	})
	if !errors.Is(err, ErrDuplicateTracking) {
		t.Fatalf("expected ErrDuplicateTracking, got %v", err)
	}

	// The same tracking number under a different order is fine.
	other := env.createOrder(t, 1)
	if _, err := env.shipments.CreateShipment(context.Background(), CreateShipmentCommand{
		OrderID:        other.ID,
		Carrier:        "yamato",
		TrackingNumber: "TRK-001",
	}); err != nil {
		t.Fatalf("CreateShipment for other order: %v", err)
	}
}

func TestShipmentServiceAllocationCannotExceedOrdered(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 3)
	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	item, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  shipment.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    2,
	})
	if err != nil {
		t.Fatalf("AddShipmentItem: %v", err)
	}

	// A second shipment may take the remaining unit but no more.
	second := env.createShipment(t, order.ID, "yamato", "TRK-002")
	if _, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  second.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    2,
	}); !errors.Is(err, ErrQuantityExceeded) {
		t.Fatalf("expected ErrQuantityExceeded, got %v", err)
	}
	if _, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  second.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    1,
	}); err != nil {
		t.Fatalf("AddShipmentItem remaining unit: %v", err)
	}

	// Updating the first item re-counts its cumulative quantity instead of adding.
	if _, err := env.shipments.UpdateShipmentItem(ctx, UpdateShipmentItemCommand{
		OrderID:        order.ID,
		ShipmentID:     shipment.ID,
		ShipmentItemID: item.ID,
		Quantity:       3,
	}); !errors.Is(err, ErrQuantityExceeded) {
		t.Fatalf("expected ErrQuantityExceeded on update, got %v", err)
	}
	if _, err := env.shipments.UpdateShipmentItem(ctx, UpdateShipmentItemCommand{
		OrderID:        order.ID,
		ShipmentID:     shipment.ID,
		ShipmentItemID: item.ID,
		Quantity:       1,
	}); err != nil {
		t.Fatalf("UpdateShipmentItem shrink: %v", err)
	}

	entry, err := env.ledger.View(ctx, order.Items[0].ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if entry.Shipped != 2 {
		t.Fatalf("expected shipped=2 after shrink, got %d", entry.Shipped)
	}
}

func TestShipmentServiceConcurrentAllocations(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 10)
	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	const attempts = 25

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
				OrderID:     order.ID,
				ShipmentID:  shipment.ID,
				OrderItemID: order.Items[0].ID,
				Quantity:    1,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrQuantityExceeded):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("expected exactly 10 allocations to land, got %d", succeeded)
	}

	entry, err := env.ledger.View(ctx, order.Items[0].ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if entry.Shipped != entry.Ordered {
		t.Fatalf("shipped %d must equal ordered %d after saturation", entry.Shipped, entry.Ordered)
	}
}

func TestShipmentServiceDeliveredShipmentIsImmutable(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)
	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	item, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  shipment.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    2,
	})
	if err != nil {
		t.Fatalf("AddShipmentItem: %v", err)
	}

	for _, target := range []ShipmentStatus{domain.ShipmentStatusShipped, domain.ShipmentStatusDelivered} {
		if _, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
			OrderID:    order.ID,
			ShipmentID: shipment.ID,
			Target:     target,
		}); err != nil {
			t.Fatalf("TransitionStatus to %s: %v", target, err)
		}
	}

	if _, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  shipment.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    1,
	}); !errors.Is(err, ErrShipmentImmutable) {
		t.Fatalf("expected ErrShipmentImmutable on add, got %v", err)
	}

	if _, err := env.shipments.UpdateShipmentItem(ctx, UpdateShipmentItemCommand{
		OrderID:        order.ID,
		ShipmentID:     shipment.ID,
		ShipmentItemID: item.ID,
		Quantity:       1,
	}); !errors.Is(err, ErrShipmentImmutable) {
		t.Fatalf("expected ErrShipmentImmutable on update, got %v", err)
	}

	if _, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
		OrderID:    order.ID,
		ShipmentID: shipment.ID,
		Target:     domain.ShipmentStatusDelivered,
	}); !errors.Is(err, ErrShipmentImmutable) {
		t.Fatalf("expected ErrShipmentImmutable on transition, got %v", err)
	}
}

func TestShipmentServiceDeliverySettlesOrder(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)
	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	if _, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  shipment.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    2,
	}); err != nil {
		t.Fatalf("AddShipmentItem: %v", err)
	}

	for _, target := range []ShipmentStatus{domain.ShipmentStatusShipped, domain.ShipmentStatusDelivered} {
		if _, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
			OrderID:    order.ID,
			ShipmentID: shipment.ID,
			Target:     target,
		}); err != nil {
			t.Fatalf("TransitionStatus to %s: %v", target, err)
		}
	}

	entry, err := env.ledger.View(ctx, order.Items[0].ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if entry.Delivered != 2 {
		t.Fatalf("expected delivered=2, got %d", entry.Delivered)
	}

	stored, err := env.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != domain.OrderStatusFulfilled {
		t.Fatalf("expected fulfilled order, got %s", stored.Status)
	}
	if stored.Items[0].Status != domain.OrderItemStatusFulfilled {
		t.Fatalf("expected fulfilled item, got %s", stored.Items[0].Status)
	}
}

func TestShipmentServiceTransitionRules(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)
	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	// An empty shipment cannot move.
	if _, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
		OrderID:    order.ID,
		ShipmentID: shipment.ID,
		Target:     domain.ShipmentStatusShipped,
	}); !errors.Is(err, ErrShipmentInvalidState) {
		t.Fatalf("expected ErrShipmentInvalidState for empty shipment, got %v", err)
	}

	if _, err := env.shipments.AddShipmentItem(ctx, AddShipmentItemCommand{
		OrderID:     order.ID,
		ShipmentID:  shipment.ID,
		OrderItemID: order.Items[0].ID,
		Quantity:    1,
	}); err != nil {
		t.Fatalf("AddShipmentItem: %v", err)
	}

	// Pending cannot jump straight to delivered.
	if _, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
		OrderID:    order.ID,
		ShipmentID: shipment.ID,
		Target:     domain.ShipmentStatusDelivered,
	}); !errors.Is(err, ErrShipmentInvalidState) {
		t.Fatalf("expected ErrShipmentInvalidState for pending->delivered, got %v", err)
	}

	// Pending is never a transition target.
	if _, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
		OrderID:    order.ID,
		ShipmentID: shipment.ID,
		Target:     domain.ShipmentStatusPending,
	}); !errors.Is(err, ErrShipmentInvalidInput) {
		t.Fatalf("expected ErrShipmentInvalidInput for pending target, got %v", err)
	}

	shipped, err := env.shipments.TransitionStatus(ctx, ShipmentTransitionCommand{
		OrderID:    order.ID,
		ShipmentID: shipment.ID,
		Target:     domain.ShipmentStatusShipped,
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if shipped.ShippedAt == nil {
		t.Fatalf("shipped shipment must carry shippedAt")
	}
}

func TestShipmentServiceWrongOrderBehavesAsNotFound(t *testing.T) {
	env := newServiceEnv(t)
	order := env.createOrder(t, 1)
	other := env.createOrder(t, 1)
	shipment := env.createShipment(t, order.ID, "yamato", "TRK-001")

	if _, err := env.shipments.GetShipment(context.Background(), other.ID, shipment.ID); !errors.Is(err, ErrShipmentNotFound) {
		t.Fatalf("expected ErrShipmentNotFound, got %v", err)
	}
}

func TestShipmentServiceListFiltersCarrierCaseInsensitive(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 5)
	env.createShipment(t, order.ID, "Yamato", "TRK-001")
	env.createShipment(t, order.ID, "sagawa", "TRK-002")
	env.createShipment(t, order.ID, "YAMATO", "TRK-003")

	page, err := env.shipments.ListShipments(ctx, ShipmentListFilter{
		OrderID: order.ID,
		Carrier: "yamato",
	})
	if err != nil {
		t.Fatalf("ListShipments: %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("expected 2 yamato shipments, got %d", len(page.Data))
	}
	for _, shipment := range page.Data {
		if shipment.Carrier != "Yamato" && shipment.Carrier != "YAMATO" {
			t.Fatalf("unexpected carrier %s", shipment.Carrier)
		}
	}
}

func TestShipmentServiceListFiltersShippedRange(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 5)

	base := env.clock()
	times := make([]time.Time, 0, 3)
	for i, tracking := range []string{"TRK-001", "TRK-002", "TRK-003"} {
		if i > 0 {
			env.advance(24 * time.Hour)
		}
		times = append(times, env.clock())
		if _, err := env.shipments.CreateShipment(ctx, CreateShipmentCommand{
			OrderID:        order.ID,
			Carrier:        "yamato",
			TrackingNumber: tracking,
			Status:         domain.ShipmentStatusShipped,
		}); err != nil {
			t.Fatalf("CreateShipment %s: %v", tracking, err)
		}
	}

	// [day1, day3) keeps the first two shipments; the upper bound is exclusive.
	from := base
	to := times[2]
	page, err := env.shipments.ListShipments(ctx, ShipmentListFilter{
		OrderID:     order.ID,
		ShippedFrom: &from,
		ShippedTo:   &to,
	})
	if err != nil {
		t.Fatalf("ListShipments: %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("expected 2 shipments in range, got %d", len(page.Data))
	}

	// An inverted range is a client error.
	if _, err := env.shipments.ListShipments(ctx, ShipmentListFilter{
		OrderID:     order.ID,
		ShippedFrom: &to,
		ShippedTo:   &from,
	}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestShipmentServiceListRejectsUnknownStatus(t *testing.T) {
	env := newServiceEnv(t)
	order := env.createOrder(t, 1)

	_, err := env.shipments.ListShipments(context.Background(), ShipmentListFilter{
		OrderID: order.ID,
		Status:  []string{"teleported"},
	})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestShipmentServiceListPagination(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 5)
	for i := 0; i < 5; i++ {
		env.advance(time.Minute)
		env.createShipment(t, order.ID, "yamato", fmt.Sprintf("TRK-%03d", i))
	}

	page, err := env.shipments.ListShipments(ctx, ShipmentListFilter{
		OrderID: order.ID,
		Page:    PageRequest{Page: 3, Limit: 2},
	})
	if err != nil {
		t.Fatalf("ListShipments: %v", err)
	}
	if page.Pagination.Pages != 3 || page.Pagination.Records != 5 {
		t.Fatalf("unexpected envelope %+v", page.Pagination)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected 1 shipment on last page, got %d", len(page.Data))
	}

	if _, err := env.shipments.ListShipments(ctx, ShipmentListFilter{
		OrderID: order.ID,
		Page:    PageRequest{Page: 4, Limit: 2},
	}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery past last page, got %v", err)
	}
}

func TestShipmentServiceListUnknownOrder(t *testing.T) {
	env := newServiceEnv(t)

	if _, err := env.shipments.ListShipments(context.Background(), ShipmentListFilter{OrderID: "ord_missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
