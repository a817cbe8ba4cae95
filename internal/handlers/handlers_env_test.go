package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orderfield/api/internal/platform/auth"
	"github.com/orderfield/api/internal/repositories/memory"
	"github.com/orderfield/api/internal/services"
)

// handlerEnv wires the full HTTP surface against real services backed by
// the in-memory registry, so tests exercise routing, auth scoping, the
// error taxonomy and response envelopes end to end.
type handlerEnv struct {
	registry  *memory.Registry
	ledger    services.LedgerService
	orders    services.OrderService
	shipments services.ShipmentService
	refunds   services.RefundService
	audit     services.AuditLogService
	router    http.Handler

	mu  sync.Mutex
	now time.Time
	seq int
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	env := &handlerEnv{
		registry: memory.NewRegistry(),
		now:      time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC),
	}

	ledger, err := services.NewLedgerService(services.LedgerServiceDeps{
		Ledger: env.registry.Ledger(),
		Clock:  env.clock,
	})
	if err != nil {
		t.Fatalf("NewLedgerService: %v", err)
	}
	env.ledger = ledger

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      env.registry.Orders(),
		Counters:    env.registry.Counters(),
		Ledger:      ledger,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	env.orders = orders

	shipments, err := services.NewShipmentService(services.ShipmentServiceDeps{
		Shipments:   env.registry.Shipments(),
		Orders:      env.registry.Orders(),
		Ledger:      ledger,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
	})
	if err != nil {
		t.Fatalf("NewShipmentService: %v", err)
	}
	env.shipments = shipments

	refunds, err := services.NewRefundService(services.RefundServiceDeps{
		Refunds:     env.registry.Refunds(),
		Orders:      env.registry.Orders(),
		Ledger:      ledger,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
	})
	if err != nil {
		t.Fatalf("NewRefundService: %v", err)
	}
	env.refunds = refunds

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  env.registry.AuditLogs(),
		Clock:       env.clock,
		IDGenerator: env.nextID,
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}
	env.audit = audit

	gate := services.NewGate(services.GateDeps{Audit: audit})

	shipmentHandlers := NewShipmentHandlers(gate, orders, shipments)
	refundHandlers := NewRefundHandlers(gate, refunds)
	orderHandlers := NewOrderHandlers(nil, gate, orders, shipmentHandlers, refundHandlers)
	adminHandlers := NewAdminHandlers(gate, audit, ledger)
	internalHandlers := NewInternalHandlers(orders)
	webhookHandlers := NewWebhookHandlers(shipments)

	env.router = NewRouter(
		WithHealthHandlers(NewHealthHandlers(nil)),
		WithOrderRoutes(orderHandlers.Routes),
		WithAdminRoutes(adminHandlers.Routes),
		WithInternalRoutes(internalHandlers.Routes),
		WithWebhookRoutes(webhookHandlers.Routes),
	)

	return env
}

func (e *handlerEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *handlerEnv) nextID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("01HTTP%010d", e.seq)
}

// do issues a request through the router with the given identity attached
// to the context, mimicking what the auth middleware does in production.
func (e *handlerEnv) do(t *testing.T, identity *auth.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

// assertError checks the status code and the canonical error envelope code.
func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d (body %s)", status, rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if got, _ := payload["error"].(string); got != code {
		t.Fatalf("expected error code %q, got %q", code, got)
	}
}

func buyerIdentity() *auth.Identity {
	return &auth.Identity{UID: "usr_buyer", Roles: []string{"buyer"}}
}

func sellerIdentity(sellerID string) *auth.Identity {
	return &auth.Identity{UID: "usr_seller", Roles: []string{"seller"}, SellerID: sellerID}
}

func adminIdentity() *auth.Identity {
	return &auth.Identity{UID: "usr_admin", Roles: []string{"admin"}}
}

// seedOrder creates an order for usr_buyer with a single line sold by
// sel_tecton, going through the service layer directly.
func (e *handlerEnv) seedOrder(t *testing.T, quantity int) services.Order {
	t.Helper()
	order, err := e.orders.CreateFromSnapshot(context.Background(), services.CreateOrderCommand{
		UserID:   "usr_buyer",
		Currency: "JPY",
		Items: []services.OrderItemSnapshot{{
			ProductRef: "prd_lamp",
			VariantRef: "var_brass",
			SellerID:   "sel_tecton",
			Name:       "Desk lamp",
			Quantity:   quantity,
			UnitPrice:  4200,
		}},
		Payments: []services.PaymentSnapshot{{
			Provider: "stripe",
			IntentID: "pi_test_123",
			Amount:   4200 * int64(quantity),
			Currency: "JPY",
		}},
		ActorID: "usr_buyer",
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func (e *handlerEnv) seedShipment(t *testing.T, orderID, carrier, tracking string) services.Shipment {
	t.Helper()
	shipment, err := e.shipments.CreateShipment(context.Background(), services.CreateShipmentCommand{
		OrderID:        orderID,
		Carrier:        carrier,
		TrackingNumber: tracking,
		ActorID:        "usr_ops",
	})
	if err != nil {
		t.Fatalf("seed shipment: %v", err)
	}
	return shipment
}

func orderPath(parts ...string) string {
	return "/api/v1/orders" + strings.Join(append([]string{""}, parts...), "/")
}
