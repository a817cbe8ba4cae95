package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderfield/api/internal/domain"
	pfirestore "github.com/orderfield/api/internal/platform/firestore"
	"github.com/orderfield/api/internal/repositories"
)

const ledgerCollection = "ledgerEntries"

// Ledger documents are keyed by order item ID. Allocations track the
// absolute quantity held by each shipment item, so retried updates
// recompute the same delta.
type ledgerDocument struct {
	Ordered     int            `firestore:"ordered"`
	Shipped     int            `firestore:"shipped"`
	Delivered   int            `firestore:"delivered"`
	Refunded    int            `firestore:"refunded"`
	Allocations map[string]int `firestore:"allocations,omitempty"`
	UpdatedAt   time.Time      `firestore:"updatedAt"`
}

// LedgerRepository implements repositories.LedgerRepository backed by
// Firestore transactions. Every quantity mutation re-reads the entry
// inside its transaction before deciding allow or deny.
type LedgerRepository struct {
	provider *pfirestore.Provider
	entries  *pfirestore.BaseRepository[ledgerDocument]
}

var _ repositories.LedgerRepository = (*LedgerRepository)(nil)

// NewLedgerRepository constructs a Firestore-backed ledger repository.
func NewLedgerRepository(provider *pfirestore.Provider) (*LedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("ledger repository requires firestore provider")
	}
	return &LedgerRepository{
		provider: provider,
		entries:  pfirestore.NewBaseRepository[ledgerDocument](provider, ledgerCollection, nil, nil),
	}, nil
}

// Reserve seeds one ledger entry per reservation. Seeding an already
// reserved order item is rejected.
func (r *LedgerRepository) Reserve(ctx context.Context, reservations []repositories.LedgerReservation, now time.Time) error {
	if len(reservations) == 0 {
		return repositories.NewLedgerError(repositories.LedgerErrorUnknown, "at least one reservation is required", nil)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, res := range reservations {
			ref, err := r.entries.DocumentRef(ctx, res.OrderItemID)
			if err != nil {
				return err
			}
			doc := ledgerDocument{
				Ordered:   res.Quantity,
				UpdatedAt: now,
			}
			if err := tx.Create(ref, doc); err != nil {
				if status.Code(err) == codes.AlreadyExists {
					return repositories.NewLedgerError(repositories.LedgerErrorDuplicateReservation,
						fmt.Sprintf("order item %s already reserved", res.OrderItemID), err)
				}
				return err
			}
		}
		return nil
	})
	return unwrapLedgerError(err)
}

// Allocate records the absolute quantity held by one shipment item,
// denying the write when the cumulative shipped total would exceed the
// ordered quantity.
func (r *LedgerRepository) Allocate(ctx context.Context, req repositories.LedgerAllocateRequest) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.read(ctx, tx, req.OrderItemID)
		if err != nil {
			return err
		}

		previous := doc.Allocations[req.ShipmentItemID]
		next := doc.Shipped - previous + req.Quantity
		if next > doc.Ordered {
			return repositories.NewLedgerError(repositories.LedgerErrorQuantityExceeded,
				fmt.Sprintf("order item %s: shipped %d would exceed ordered %d", req.OrderItemID, next, doc.Ordered), nil)
		}

		if doc.Allocations == nil {
			doc.Allocations = make(map[string]int, 1)
		}
		doc.Allocations[req.ShipmentItemID] = req.Quantity
		doc.Shipped = next
		doc.UpdatedAt = req.Now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		entry = decodeLedger(req.OrderItemID, doc)
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, unwrapLedgerError(err)
	}
	return entry, nil
}

// Release removes the allocation held by one shipment item.
func (r *LedgerRepository) Release(ctx context.Context, req repositories.LedgerReleaseRequest) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.read(ctx, tx, req.OrderItemID)
		if err != nil {
			return err
		}

		previous, held := doc.Allocations[req.ShipmentItemID]
		if !held {
			return repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
				fmt.Sprintf("shipment item %s holds no allocation for order item %s", req.ShipmentItemID, req.OrderItemID), nil)
		}

		delete(doc.Allocations, req.ShipmentItemID)
		doc.Shipped -= previous
		doc.UpdatedAt = req.Now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		entry = decodeLedger(req.OrderItemID, doc)
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, unwrapLedgerError(err)
	}
	return entry, nil
}

// RecordDelivery adds to the delivered tally of one order item.
func (r *LedgerRepository) RecordDelivery(ctx context.Context, orderItemID string, quantity int, now time.Time) (domain.LedgerEntry, error) {
	return r.addQuantity(ctx, orderItemID, quantity, now, func(doc *ledgerDocument, q int) {
		doc.Delivered += q
	})
}

// RecordRefund adds to the refunded tally of one order item.
func (r *LedgerRepository) RecordRefund(ctx context.Context, orderItemID string, quantity int, now time.Time) (domain.LedgerEntry, error) {
	return r.addQuantity(ctx, orderItemID, quantity, now, func(doc *ledgerDocument, q int) {
		doc.Refunded += q
	})
}

// Get loads one ledger entry.
func (r *LedgerRepository) Get(ctx context.Context, orderItemID string) (domain.LedgerEntry, error) {
	doc, err := r.entries.Get(ctx, orderItemID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return decodeLedger(orderItemID, doc.Data), nil
}

func (r *LedgerRepository) addQuantity(ctx context.Context, orderItemID string, quantity int, now time.Time, apply func(*ledgerDocument, int)) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.read(ctx, tx, orderItemID)
		if err != nil {
			return err
		}

		apply(&doc, quantity)
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		entry = decodeLedger(orderItemID, doc)
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, unwrapLedgerError(err)
	}
	return entry, nil
}

func (r *LedgerRepository) read(ctx context.Context, tx *firestore.Transaction, orderItemID string) (*firestore.DocumentRef, ledgerDocument, error) {
	if strings.TrimSpace(orderItemID) == "" {
		return nil, ledgerDocument{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound, "order item id is required", nil)
	}

	ref, err := r.entries.DocumentRef(ctx, orderItemID)
	if err != nil {
		return nil, ledgerDocument{}, err
	}

	snapshot, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ledgerDocument{}, repositories.NewLedgerError(repositories.LedgerErrorEntryNotFound,
				fmt.Sprintf("no ledger entry for order item %s", orderItemID), err)
		}
		return nil, ledgerDocument{}, err
	}

	var doc ledgerDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return nil, ledgerDocument{}, fmt.Errorf("firestore ledger decode %s: %w", orderItemID, err)
	}
	return ref, doc, nil
}

// unwrapLedgerError keeps typed ledger errors visible to callers after
// the transaction wrapper has annotated them.
func unwrapLedgerError(err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		return ledgerErr
	}
	return pfirestore.WrapError("ledger", err)
}

func decodeLedger(orderItemID string, doc ledgerDocument) domain.LedgerEntry {
	return domain.LedgerEntry{
		OrderItemID: orderItemID,
		Ordered:     doc.Ordered,
		Shipped:     doc.Shipped,
		Delivered:   doc.Delivered,
		Refunded:    doc.Refunded,
		UpdatedAt:   doc.UpdatedAt,
	}
}
