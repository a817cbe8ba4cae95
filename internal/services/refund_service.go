package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/payments"
	"github.com/orderfield/api/internal/repositories"
)

const (
	refundEventCreated = "refund.created"

	refundIDPrefix = "ref_"

	maxRefundReasonLength = 500
)

var (
	// ErrRefundInvalidInput signals the caller provided invalid data.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundNotFound indicates no refund record exists for the order.
	ErrRefundNotFound = errors.New("refund: not found")
	// ErrDuplicateRefund indicates the order already owns a refund record.
	// The second create always fails, whatever state the first record is in.
	ErrDuplicateRefund = errors.New("refund: order already refunded")
)

// RefundIssuer abstracts the PSP manager used to execute refunds.
type RefundIssuer interface {
	IssueRefund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IssueRefundRequest) (payments.RefundResult, error)
}

// RefundServiceDeps bundles collaborators required to construct the refund service.
type RefundServiceDeps struct {
	Refunds     repositories.RefundRepository
	Orders      repositories.OrderRepository
	Ledger      LedgerService
	PSP         RefundIssuer
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type refundService struct {
	refunds    repositories.RefundRepository
	orders     repositories.OrderRepository
	ledger     LedgerService
	psp        RefundIssuer
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     func(context.Context, string, map[string]any)
	sanitizer  *bluemonday.Policy
}

// NewRefundService wires dependencies into a concrete RefundService implementation.
func NewRefundService(deps RefundServiceDeps) (RefundService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("refund service: refund repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("refund service: order repository is required")
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

	return &refundService{
		refunds:    deps.Refunds,
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		psp:        deps.PSP,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		events:    deps.Events,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

func (s *refundService) Create(ctx context.Context, cmd CreateRefundCommand) (Refund, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Refund{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	if cmd.Amount <= 0 {
		return Refund{}, fmt.Errorf("%w: amount must be positive", ErrRefundInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Refund{}, fmt.Errorf("%w: currency is required", ErrRefundInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Refund{}, s.mapOrderError(err)
	}

	if !actorMayRefund(cmd.Actor, order) {
		return Refund{}, fmt.Errorf("%w: actor %s may not refund order %s", ErrForbidden, cmd.Actor.SubjectID, orderID)
	}
	if currency != order.Currency {
		return Refund{}, fmt.Errorf("%w: currency %s does not match order currency %s", ErrRefundInvalidInput, currency, order.Currency)
	}
	if cmd.Amount > order.TotalPrice {
		return Refund{}, fmt.Errorf("%w: amount %d exceeds order total %d", ErrRefundInvalidInput, cmd.Amount, order.TotalPrice)
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Reason))
	if len(reason) > maxRefundReasonLength {
		reason = reason[:maxRefundReasonLength]
	}

	now := s.now()
	refund := Refund{
		ID:          refundIDPrefix + s.newID(),
		OrderID:     orderID,
		ActorID:     cmd.Actor.SubjectID,
		Amount:      cmd.Amount,
		Currency:    currency,
		Reason:      reason,
		Status:      domain.RefundStatusRequested,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	// The record is created first so the one-refund-per-order guarantee
	// holds even when the PSP call below fails.
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		stored, err := s.refunds.Create(txCtx, refund)
		if err != nil {
			return s.mapRefundError(err)
		}
		refund = stored
		return nil
	})
	if err != nil {
		return Refund{}, err
	}

	refund = s.issue(ctx, refund, order)

	if err := s.refunds.Update(ctx, refund); err != nil {
		return Refund{}, s.mapRefundError(err)
	}

	if refund.Status == domain.RefundStatusIssued && refund.Amount == order.TotalPrice {
		s.stampLedger(ctx, order)
	}

	s.publishEvent(ctx, Event{
		Name:       refundEventCreated,
		OrderID:    orderID,
		EntityRef:  refund.ID,
		ActorID:    cmd.Actor.SubjectID,
		OccurredAt: now,
		Payload: map[string]any{
			"amount":   refund.Amount,
			"currency": refund.Currency,
			"status":   string(refund.Status),
		},
	})

	return refund, nil
}

func (s *refundService) List(ctx context.Context, filter RefundListFilter) (domain.Page[Refund], error) {
	orderID := strings.TrimSpace(filter.OrderID)
	if orderID == "" {
		return domain.Page[Refund]{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Page[Refund]{}, s.mapOrderError(err)
	}
	if !actorMayRefund(filter.Actor, order) {
		return domain.Page[Refund]{}, fmt.Errorf("%w: actor %s may not list refunds for order %s", ErrForbidden, filter.Actor.SubjectID, orderID)
	}

	refunds, err := s.refunds.List(ctx, repositories.RefundListFilter{OrderID: orderID})
	if err != nil {
		return domain.Page[Refund]{}, s.mapRefundError(err)
	}

	return paginateSlice(refunds, filter.Page)
}

// issue executes the refund against the PSP and moves the record to its
// terminal state. PSP failures produce a failed record, not an error.
func (s *refundService) issue(ctx context.Context, refund Refund, order Order) Refund {
	now := s.now()
	refund.UpdatedAt = now

	if s.psp == nil {
		refund.Status = domain.RefundStatusIssued
		return refund
	}

	intentID := paymentIntentFor(order)
	if intentID == "" {
		s.logger(ctx, "refund.issue.no_payment_intent", map[string]any{
			"refund": refund.ID,
			"order":  order.ID,
		})
		refund.Status = domain.RefundStatusFailed
		return refund
	}

	result, err := s.psp.IssueRefund(ctx, payments.PaymentContext{Currency: refund.Currency}, payments.IssueRefundRequest{
		IntentID:       intentID,
		Amount:         valuePtr(refund.Amount),
		Reason:         refund.Reason,
		IdempotencyKey: refund.ID,
		Metadata: map[string]string{
			"orderId":  order.ID,
			"refundId": refund.ID,
		},
	})
	if err != nil {
		s.logger(ctx, "refund.issue.failed", map[string]any{
			"refund": refund.ID,
			"order":  order.ID,
			"error":  err.Error(),
		})
		refund.Status = domain.RefundStatusFailed
		return refund
	}

	switch result.Status {
	case payments.StatusFailed:
		refund.Status = domain.RefundStatusFailed
	default:
		refund.Status = domain.RefundStatusIssued
	}
	refund.ProviderRef = optionalString(result.ProviderRef)
	return refund
}

// stampLedger records refunded quantities for a full-order refund.
// Partial refunds carry no per-line quantity breakdown, so the ledger is
// left untouched for those.
func (s *refundService) stampLedger(ctx context.Context, order Order) {
	if s.ledger == nil {
		return
	}
	for _, item := range order.Items {
		if item.Status == domain.OrderItemStatusCancelled {
			continue
		}
		if _, err := s.ledger.RecordRefund(ctx, item.ID, item.Quantity); err != nil {
			s.logger(ctx, "refund.ledger.stamp.failed", map[string]any{
				"order":     order.ID,
				"orderItem": item.ID,
				"error":     err.Error(),
			})
		}
	}
}

func (s *refundService) mapRefundError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrDuplicateRefund, err)
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrRefundNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("refund: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *refundService) mapOrderError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return err
}

func (s *refundService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *refundService) now() time.Time {
	return s.clock()
}

func (s *refundService) publishEvent(ctx context.Context, event Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "refund.event.publish.failed", map[string]any{
			"event": event.Name,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

// actorMayRefund allows admins, the order's buyer, and sellers owning at
// least one line of the order.
func actorMayRefund(actor Actor, order Order) bool {
	if !actor.IsAuthenticated() {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	if order.UserID == actor.SubjectID {
		return true
	}
	if actor.SellerID != "" {
		for _, item := range order.Items {
			if item.SellerID == actor.SellerID {
				return true
			}
		}
	}
	return false
}

func paymentIntentFor(order Order) string {
	for _, payment := range order.Payments {
		if id := strings.TrimSpace(payment.IntentID); id != "" {
			return id
		}
	}
	return ""
}
