package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the provider-neutral payment state stored with refunds.
type Status string

const (
	// StatusPending indicates the payment is awaiting PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrRefundRejected is returned when the PSP declines the refund attempt.
var ErrRefundRejected = errors.New("payments: refund rejected")

// IssueRefundRequest defines a PSP refund attempt against a captured payment.
// A nil Amount refunds the full captured amount.
type IssueRefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult is the normalised PSP outcome of a refund attempt.
type RefundResult struct {
	Provider    string
	ProviderRef string
	Status      Status
	Amount      int64
	Currency    string
	Raw         map[string]any
}

// LookupRequest asks a provider for payment details, used during
// reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP-specific payment fields for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider is the contract PSP refund adapters implement.
type Provider interface {
	IssueRefund(ctx context.Context, req IssueRefundRequest) (RefundResult, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes refund and lookup calls to a registered provider, chosen
// by explicit preference, currency routing, or the default.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional Manager behaviour.
type ManagerOption func(*Manager)

// WithDefaultProvider names the provider used when nothing else matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes maps ISO currency codes to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(provider)
		}
	}
}

// NewManager registers the given providers under lowercased keys. When a
// "stripe" provider is present it becomes the default.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}

	registered := make(map[string]Provider, len(providers))
	for name, provider := range providers {
		key := providerKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		registered[key] = provider
	}

	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext carries the hints used to select a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}

	candidates := []string{providerKey(ctx.PreferredProvider)}
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		candidates = append(candidates, providerKey(m.currencyRoutes[currency]))
	}
	candidates = append(candidates, providerKey(m.defaultProvider))

	for _, key := range candidates {
		if key == "" {
			continue
		}
		if provider, ok := m.providers[key]; ok {
			return key, provider, nil
		}
	}

	// A single registered provider handles everything.
	if len(m.providers) == 1 {
		for key, provider := range m.providers {
			return key, provider, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// IssueRefund forwards the refund to the resolved provider and stamps the
// result with the provider key.
func (m *Manager) IssueRefund(ctx context.Context, paymentCtx PaymentContext, req IssueRefundRequest) (RefundResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundResult{}, err
	}
	result, err := provider.IssueRefund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	result.Provider = key
	return result, nil
}

// LookupPayment forwards the lookup to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
