package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp  string
	result  RefundResult
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) IssueRefund(ctx context.Context, req IssueRefundRequest) (RefundResult, error) {
	f.lastOp = "refund"
	return f.result, f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func TestManagerIssueRefundUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{result: RefundResult{ProviderRef: "re_stripe"}}
	paypal := &fakeProvider{result: RefundResult{ProviderRef: "re_paypal"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.IssueRefund(ctx, PaymentContext{PreferredProvider: "paypal"}, IssueRefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("issue refund: %v", err)
	}

	if result.Provider != "paypal" {
		t.Fatalf("expected provider 'paypal', got %q", result.Provider)
	}
	if paypal.lastOp != "refund" {
		t.Fatalf("expected paypal provider to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{result: RefundResult{ProviderRef: "re_stripe"}}
	paypal := &fakeProvider{result: RefundResult{ProviderRef: "re_paypal"}}

	mgr, err := NewManager(
		map[string]Provider{
			"stripe": stripe,
			"paypal": paypal,
		},
		WithCurrencyRoutes(map[string]string{"JPY": "paypal"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.IssueRefund(ctx, PaymentContext{Currency: "jpy"}, IssueRefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("issue refund: %v", err)
	}
	if result.Provider != "paypal" {
		t.Fatalf("expected currency route to pick 'paypal', got %q", result.Provider)
	}
}

func TestManagerDefaultsToStripe(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{result: RefundResult{ProviderRef: "re_stripe"}}
	paypal := &fakeProvider{result: RefundResult{ProviderRef: "re_paypal"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.IssueRefund(ctx, PaymentContext{}, IssueRefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("issue refund: %v", err)
	}
	if result.Provider != "stripe" {
		t.Fatalf("expected default provider 'stripe', got %q", result.Provider)
	}
}

func TestManagerUnknownProvider(t *testing.T) {
	ctx := context.Background()

	mgr, err := NewManager(
		map[string]Provider{
			"paypal": &fakeProvider{},
			"adyen":  &fakeProvider{},
		},
		WithDefaultProvider("braintree"),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.IssueRefund(ctx, PaymentContext{PreferredProvider: "braintree"}, IssueRefundRequest{IntentID: "pi_1"}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerLookupPayment(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{payment: PaymentDetails{IntentID: "pi_1", Status: StatusSucceeded}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.LookupPayment(ctx, PaymentContext{}, LookupRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("lookup payment: %v", err)
	}
	if details.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %q", details.Status)
	}
	if stripe.lastOp != "lookup" {
		t.Fatalf("expected lookup call on provider")
	}
}
