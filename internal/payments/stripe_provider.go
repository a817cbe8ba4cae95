package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/orderfield/api/internal/platform/textutil"
)

// StripeLogger receives structured events from Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// stripeAPI bundles the Stripe endpoints the provider touches, so tests
// can substitute fakes per endpoint.
type stripeAPI struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider. Clients overrides
// the real Stripe client; otherwise APIKey is required.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeAPI
}

// StripeProvider issues refunds and payment lookups against Stripe.
type StripeProvider struct {
	api     stripeAPI
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider builds a Stripe-backed Provider.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	api, err := stripeAPIFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func stripeAPIFromConfig(cfg StripeProviderConfig) (stripeAPI, error) {
	if cfg.Clients != nil {
		if cfg.Clients.intents == nil || cfg.Clients.refunds == nil {
			return stripeAPI{}, errors.New("stripe: incomplete client configuration")
		}
		return *cfg.Clients, nil
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return stripeAPI{}, errors.New("stripe: api key is required")
	}
	sc := client.New(apiKey, cfg.Backends)
	return stripeAPI{
		intents: sc.PaymentIntents,
		refunds: sc.Refunds,
	}, nil
}

// IssueRefund creates a refund against the given Payment Intent.
func (p *StripeProvider) IssueRefund(ctx context.Context, req IssueRefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.IntentID) == "" {
		return RefundResult{}, errors.New("stripe: payment intent id is required")
	}

	refund, err := p.api.refunds.New(p.refundParams(ctx, req))
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refundId":      refund.ID,
		"paymentIntent": req.IntentID,
		"status":        refund.Status,
	})

	return RefundResult{
		Provider:    "stripe",
		ProviderRef: refund.ID,
		Status:      refundStatus(refund.Status),
		Amount:      refund.Amount,
		Currency:    strings.ToUpper(string(refund.Currency)),
		Raw:         rawPayload(refund, "refund"),
	}, nil
}

func (p *StripeProvider) refundParams(ctx context.Context, req IssueRefundRequest) *stripe.RefundParams {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if metadata := textutil.NormalizeStringMap(req.Metadata); len(metadata) > 0 {
		params.Metadata = metadata
	}
	return params
}

// LookupPayment retrieves a Stripe Payment Intent and normalises it.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return paymentDetailsFromIntent(intent), nil
}

func refundStatus(status stripe.RefundStatus) Status {
	switch status {
	case stripe.RefundStatusSucceeded:
		return StatusRefunded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func paymentDetailsFromIntent(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	if intent.Status == stripe.PaymentIntentStatusCanceled {
		status = StatusFailed
	}

	captured := intent.Status == stripe.PaymentIntentStatusSucceeded
	var capturedAt, refundedAt *time.Time

	if charge := intent.LatestCharge; charge != nil {
		chargeTime := time.Unix(charge.Created, 0).UTC()
		if charge.Paid || charge.Captured {
			capturedAt = &chargeTime
			captured = true
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			refundedAt = &chargeTime
			if charge.Amount > 0 && charge.AmountRefunded >= charge.Amount {
				status = StatusRefunded
			}
		}
	}

	if intent.Status == stripe.PaymentIntentStatusSucceeded && status != StatusRefunded {
		status = StatusSucceeded
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		Captured:   captured,
		CapturedAt: capturedAt,
		RefundedAt: refundedAt,
		Raw:        rawPayload(intent, "payment_intent"),
	}
}

// rawPayload keeps the PSP response around as a generic map for audit
// records; on marshal failure the original value is stored under key.
func rawPayload(v any, key string) map[string]any {
	raw := map[string]any{}
	data, err := json.Marshal(v)
	if err != nil {
		raw[key] = v
		return raw
	}
	_ = json.Unmarshal(data, &raw)
	return raw
}

// refundReason passes through only the reasons Stripe accepts.
func refundReason(reason string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(reason)); normalized {
	case string(stripe.RefundReasonDuplicate),
		string(stripe.RefundReasonFraudulent),
		string(stripe.RefundReasonRequestedByCustomer):
		return normalized
	default:
		return ""
	}
}
