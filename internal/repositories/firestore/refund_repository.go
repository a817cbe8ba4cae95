package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/orderfield/api/internal/domain"
	pfirestore "github.com/orderfield/api/internal/platform/firestore"
	"github.com/orderfield/api/internal/repositories"
)

const refundsCollection = "refunds"

// Refund documents are keyed by order ID. Document creation is the
// uniqueness check: a second create for the same order fails with
// AlreadyExists regardless of who races whom.
type refundDocument struct {
	RefundID    string    `firestore:"refundId"`
	OrderID     string    `firestore:"orderId"`
	ActorID     string    `firestore:"actorId"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	Reason      string    `firestore:"reason,omitempty"`
	Status      string    `firestore:"status"`
	ProviderRef *string   `firestore:"providerRef,omitempty"`
	RequestedAt time.Time `firestore:"requestedAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// RefundRepository implements repositories.RefundRepository backed by Firestore.
type RefundRepository struct {
	provider *pfirestore.Provider
	refunds  *pfirestore.BaseRepository[refundDocument]
}

var _ repositories.RefundRepository = (*RefundRepository)(nil)

// NewRefundRepository constructs a Firestore-backed refund repository.
func NewRefundRepository(provider *pfirestore.Provider) (*RefundRepository, error) {
	if provider == nil {
		return nil, errors.New("refund repository requires firestore provider")
	}
	return &RefundRepository{
		provider: provider,
		refunds:  pfirestore.NewBaseRepository[refundDocument](provider, refundsCollection, nil, nil),
	}, nil
}

// Create stores the refund record, failing with a conflict when the
// order already owns one.
func (r *RefundRepository) Create(ctx context.Context, refund domain.Refund) (domain.Refund, error) {
	if strings.TrimSpace(refund.OrderID) == "" {
		return domain.Refund{}, pfirestore.NewConflictError("refunds.create", errors.New("order id is required"))
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.refunds.DocumentRef(ctx, refund.OrderID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeRefund(refund))
	})
	if err != nil {
		return domain.Refund{}, err
	}
	return refund, nil
}

// Update rewrites the refund record for its order.
func (r *RefundRepository) Update(ctx context.Context, refund domain.Refund) error {
	if _, err := r.refunds.Get(ctx, refund.OrderID); err != nil {
		return err
	}
	_, err := r.refunds.Set(ctx, refund.OrderID, encodeRefund(refund))
	return err
}

// FindByOrder loads the refund owned by the order.
func (r *RefundRepository) FindByOrder(ctx context.Context, orderID string) (domain.Refund, error) {
	doc, err := r.refunds.Get(ctx, orderID)
	if err != nil {
		return domain.Refund{}, err
	}
	return decodeRefund(doc.Data), nil
}

// List returns refunds matching the filter, newest first.
func (r *RefundRepository) List(ctx context.Context, filter repositories.RefundListFilter) ([]domain.Refund, error) {
	docs, err := r.refunds.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.OrderID != "" {
			q = q.Where("orderId", "==", filter.OrderID)
		}
		if filter.ActorID != "" {
			q = q.Where("actorId", "==", filter.ActorID)
		}
		return q.OrderBy("requestedAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	refunds := make([]domain.Refund, 0, len(docs))
	for _, doc := range docs {
		refunds = append(refunds, decodeRefund(doc.Data))
	}
	return refunds, nil
}

func encodeRefund(refund domain.Refund) refundDocument {
	return refundDocument{
		RefundID:    refund.ID,
		OrderID:     refund.OrderID,
		ActorID:     refund.ActorID,
		Amount:      refund.Amount,
		Currency:    refund.Currency,
		Reason:      refund.Reason,
		Status:      string(refund.Status),
		ProviderRef: refund.ProviderRef,
		RequestedAt: refund.RequestedAt,
		UpdatedAt:   refund.UpdatedAt,
	}
}

func decodeRefund(doc refundDocument) domain.Refund {
	return domain.Refund{
		ID:          doc.RefundID,
		OrderID:     doc.OrderID,
		ActorID:     doc.ActorID,
		Amount:      doc.Amount,
		Currency:    doc.Currency,
		Reason:      doc.Reason,
		Status:      domain.RefundStatus(doc.Status),
		ProviderRef: doc.ProviderRef,
		RequestedAt: doc.RequestedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}
