package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/payments"
)

func newRefundServiceWithPSP(t *testing.T, env *serviceEnv, psp RefundIssuer) RefundService {
	t.Helper()
	svc, err := NewRefundService(RefundServiceDeps{
		Refunds:     env.registry.Refunds(),
		Orders:      env.registry.Orders(),
		Ledger:      env.ledger,
		PSP:         psp,
		UnitOfWork:  env.registry,
		Clock:       env.clock,
		IDGenerator: env.nextID,
		Events:      env.events,
	})
	if err != nil {
		t.Fatalf("NewRefundService: %v", err)
	}
	return svc
}

func TestRefundServiceCreateFullRefund(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)

	refund, err := env.refunds.Create(ctx, CreateRefundCommand{
		OrderID:  order.ID,
		Amount:   order.TotalPrice,
		Currency: "jpy",
		Reason:   "damaged on arrival",
		Actor:    buyerActor(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if refund.Status != domain.RefundStatusIssued {
		t.Fatalf("expected issued, got %s", refund.Status)
	}
	if refund.Currency != "JPY" {
		t.Fatalf("expected normalised currency JPY, got %s", refund.Currency)
	}

	// A full refund stamps the ledger with the refunded quantities.
	entry, err := env.ledger.View(ctx, order.Items[0].ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if entry.Refunded != 2 {
		t.Fatalf("expected refunded=2, got %d", entry.Refunded)
	}
}

func TestRefundServiceSecondRefundAlwaysConflicts(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)

	failing := &stubRefundIssuer{err: payments.ErrRefundRejected}
	svc := newRefundServiceWithPSP(t, env, failing)

	first, err := svc.Create(ctx, CreateRefundCommand{
		OrderID:  order.ID,
		Amount:   100,
		Currency: "JPY",
		Actor:    buyerActor(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != domain.RefundStatusFailed {
		t.Fatalf("expected failed record after PSP rejection, got %s", first.Status)
	}

	// Even a failed record occupies the order's single refund slot.
	for _, actor := range []Actor{buyerActor(), adminActor()} {
		_, err := svc.Create(ctx, CreateRefundCommand{
			OrderID:  order.ID,
			Amount:   100,
			Currency: "JPY",
			Actor:    actor,
		})
		if !errors.Is(err, ErrDuplicateRefund) {
			t.Fatalf("actor %s: expected ErrDuplicateRefund, got %v", actor.SubjectID, err)
		}
	}
}

func TestRefundServiceValidation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)

	cases := []struct {
		name string
		cmd  CreateRefundCommand
		want error
	}{
		{"zero amount", CreateRefundCommand{OrderID: order.ID, Amount: 0, Currency: "JPY", Actor: buyerActor()}, ErrRefundInvalidInput},
		{"missing currency", CreateRefundCommand{OrderID: order.ID, Amount: 100, Actor: buyerActor()}, ErrRefundInvalidInput},
		{"currency mismatch", CreateRefundCommand{OrderID: order.ID, Amount: 100, Currency: "USD", Actor: buyerActor()}, ErrRefundInvalidInput},
		{"amount above total", CreateRefundCommand{OrderID: order.ID, Amount: order.TotalPrice + 1, Currency: "JPY", Actor: buyerActor()}, ErrRefundInvalidInput},
		{"unknown order", CreateRefundCommand{OrderID: "ord_missing", Amount: 100, Currency: "JPY", Actor: buyerActor()}, ErrOrderNotFound},
	}

	for _, tc := range cases {
		if _, err := env.refunds.Create(ctx, tc.cmd); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestRefundServiceActorScoping(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)

	cases := []struct {
		name    string
		actor   Actor
		allowed bool
	}{
		{"anonymous", Actor{}, false},
		{"foreign buyer", Actor{SubjectID: "usr_other", Roles: []string{"buyer"}}, false},
		{"foreign seller", sellerActor("sel_other"), false},
		{"owning seller", sellerActor("sel_tecton"), true},
		{"order buyer", buyerActor(), true},
		{"admin", adminActor(), true},
	}

	for _, tc := range cases {
		_, err := env.refunds.List(ctx, RefundListFilter{OrderID: order.ID, Actor: tc.actor})
		if tc.allowed && err != nil {
			t.Fatalf("%s: expected access, got %v", tc.name, err)
		}
		if !tc.allowed && !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", tc.name, err)
		}
	}

	if _, err := env.refunds.Create(ctx, CreateRefundCommand{
		OrderID:  order.ID,
		Amount:   100,
		Currency: "JPY",
		Actor:    sellerActor("sel_other"),
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign seller create, got %v", err)
	}
}

func TestRefundServicePSPFlow(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 2)

	psp := &stubRefundIssuer{result: payments.RefundResult{
		Provider:    "stripe",
		ProviderRef: "re_test_456",
		Status:      payments.StatusRefunded,
	}}
	svc := newRefundServiceWithPSP(t, env, psp)

	refund, err := svc.Create(ctx, CreateRefundCommand{
		OrderID:  order.ID,
		Amount:   500,
		Currency: "JPY",
		Reason:   "<b>late</b> delivery",
		Actor:    buyerActor(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if refund.Status != domain.RefundStatusIssued {
		t.Fatalf("expected issued, got %s", refund.Status)
	}
	if refund.ProviderRef == nil || *refund.ProviderRef != "re_test_456" {
		t.Fatalf("expected provider ref re_test_456, got %v", refund.ProviderRef)
	}
	if strings.Contains(refund.Reason, "<") {
		t.Fatalf("reason must be sanitised, got %q", refund.Reason)
	}

	if len(psp.calls) != 1 {
		t.Fatalf("expected one PSP call, got %d", len(psp.calls))
	}
	call := psp.calls[0]
	if call.IntentID != "pi_test_123" {
		t.Fatalf("expected intent pi_test_123, got %s", call.IntentID)
	}
	if call.Amount == nil || *call.Amount != 500 {
		t.Fatalf("expected amount 500, got %v", call.Amount)
	}
	if call.IdempotencyKey != refund.ID {
		t.Fatalf("expected idempotency key %s, got %s", refund.ID, call.IdempotencyKey)
	}

	// A partial refund leaves the ledger untouched.
	entry, err := env.ledger.View(ctx, order.Items[0].ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if entry.Refunded != 0 {
		t.Fatalf("partial refund must not stamp the ledger, got refunded=%d", entry.Refunded)
	}
}

func TestRefundServiceListPagination(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, 1)

	if _, err := env.refunds.Create(ctx, CreateRefundCommand{
		OrderID:  order.ID,
		Amount:   100,
		Currency: "JPY",
		Actor:    buyerActor(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	page, err := env.refunds.List(ctx, RefundListFilter{OrderID: order.ID, Actor: adminActor()})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Pagination.Records != 1 || len(page.Data) != 1 {
		t.Fatalf("unexpected page %+v", page.Pagination)
	}

	if _, err := env.refunds.List(ctx, RefundListFilter{
		OrderID: order.ID,
		Actor:   adminActor(),
		Page:    PageRequest{Page: 2, Limit: 10},
	}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery past last page, got %v", err)
	}
}
