package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orderfield/api/internal/payments"
	"github.com/orderfield/api/internal/repositories/memory"
)

// serviceEnv wires the services under test against the in-memory registry
// so cross-service behaviour (ledger bookkeeping, order settlement) runs
// against real repository semantics.
type serviceEnv struct {
	registry  *memory.Registry
	ledger    LedgerService
	orders    OrderService
	shipments ShipmentService
	refunds   RefundService
	events    *eventRecorder

	mu  sync.Mutex
	now time.Time
	seq int
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	env := &serviceEnv{
		registry: memory.NewRegistry(),
		events:   &eventRecorder{},
		now:      time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC),
	}

	ledger, err := NewLedgerService(LedgerServiceDeps{
		Ledger: env.registry.Ledger(),
		Clock:  env.clock,
	})
	if err != nil {
		t.Fatalf("NewLedgerService: %v", err)
	}
	env.ledger = ledger

	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      env.registry.Orders(),
		Counters:    env.registry.Counters(),
		Ledger:      ledger,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
		Events:      env.events,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	env.orders = orders

	shipments, err := NewShipmentService(ShipmentServiceDeps{
		Shipments:   env.registry.Shipments(),
		Orders:      env.registry.Orders(),
		Ledger:      ledger,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
		Events:      env.events,
	})
	if err != nil {
		t.Fatalf("NewShipmentService: %v", err)
	}
	env.shipments = shipments

	refunds, err := NewRefundService(RefundServiceDeps{
		Refunds:     env.registry.Refunds(),
		Orders:      env.registry.Orders(),
		Ledger:      ledger,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
		Events:      env.events,
	})
	if err != nil {
		t.Fatalf("NewRefundService: %v", err)
	}
	env.refunds = refunds

	return env
}

func (e *serviceEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *serviceEnv) advance(d time.Duration) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
	return e.now
}

func (e *serviceEnv) nextID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("01TEST%010d", e.seq)
}

// createOrder seeds a two-unit order for buyer usr_buyer with one line
// sold by sel_tecton.
func (e *serviceEnv) createOrder(t *testing.T, quantity int) Order {
	t.Helper()
	order, err := e.orders.CreateFromSnapshot(context.Background(), CreateOrderCommand{
		UserID:   "usr_buyer",
		Currency: "JPY",
		Items: []OrderItemSnapshot{{
			ProductRef: "prd_lamp",
			VariantRef: "var_brass",
			SellerID:   "sel_tecton",
			Name:       "Desk lamp",
			Quantity:   quantity,
			UnitPrice:  4200,
		}},
		Payments: []PaymentSnapshot{{
			Provider: "stripe",
			IntentID: "pi_test_123",
			Amount:   4200 * int64(quantity),
			Currency: "JPY",
		}},
		ActorID: "usr_buyer",
	})
	if err != nil {
		t.Fatalf("CreateFromSnapshot: %v", err)
	}
	return order
}

func (e *serviceEnv) createShipment(t *testing.T, orderID, carrier, tracking string) Shipment {
	t.Helper()
	shipment, err := e.shipments.CreateShipment(context.Background(), CreateShipmentCommand{
		OrderID:        orderID,
		Carrier:        carrier,
		TrackingNumber: tracking,
		ActorID:        "usr_ops",
	})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	return shipment
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) PublishEvent(ctx context.Context, event Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return fmt.Sprintf("msg-%d", len(r.events)), nil
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, event := range r.events {
		names = append(names, event.Name)
	}
	return names
}

type stubRefundIssuer struct {
	result payments.RefundResult
	err    error
	calls  []payments.IssueRefundRequest
}

func (s *stubRefundIssuer) IssueRefund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IssueRefundRequest) (payments.RefundResult, error) {
	s.calls = append(s.calls, req)
	return s.result, s.err
}

func buyerActor() Actor {
	return Actor{SubjectID: "usr_buyer", Roles: []string{"buyer"}}
}

func sellerActor(sellerID string) Actor {
	return Actor{SubjectID: "usr_seller", Roles: []string{"seller"}, SellerID: sellerID}
}

func adminActor() Actor {
	return Actor{SubjectID: "usr_admin", Roles: []string{"admin"}}
}
