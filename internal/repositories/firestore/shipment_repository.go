package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/orderfield/api/internal/domain"
	pfirestore "github.com/orderfield/api/internal/platform/firestore"
	"github.com/orderfield/api/internal/platform/textutil"
	"github.com/orderfield/api/internal/repositories"
)

const (
	shipmentsCollection     = "shipments"
	shipmentItemsCollection = "shipmentItems"
)

type shipmentDocument struct {
	OrderID        string     `firestore:"orderId"`
	Carrier        string     `firestore:"carrier"`
	CarrierFold    string     `firestore:"carrierFold"`
	TrackingNumber string     `firestore:"trackingNumber"`
	Status         string     `firestore:"status"`
	ShippedAt      *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt    *time.Time `firestore:"deliveredAt,omitempty"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

type shipmentItemDocument struct {
	ShipmentID      string    `firestore:"shipmentId"`
	OrderItemID     string    `firestore:"orderItemId"`
	ShippedQuantity int       `firestore:"shippedQuantity"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

// ShipmentRepository implements repositories.ShipmentRepository backed by Firestore.
type ShipmentRepository struct {
	provider  *pfirestore.Provider
	shipments *pfirestore.BaseRepository[shipmentDocument]
	items     *pfirestore.BaseRepository[shipmentItemDocument]
}

var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)

// NewShipmentRepository constructs a Firestore-backed shipment repository.
func NewShipmentRepository(provider *pfirestore.Provider) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	return &ShipmentRepository{
		provider:  provider,
		shipments: pfirestore.NewBaseRepository[shipmentDocument](provider, shipmentsCollection, nil, nil),
		items:     pfirestore.NewBaseRepository[shipmentItemDocument](provider, shipmentItemsCollection, nil, nil),
	}, nil
}

// Insert persists a shipment, rejecting a second tracking number for the
// same order inside a transaction so concurrent inserts cannot both win.
func (r *ShipmentRepository) Insert(ctx context.Context, shipment domain.Shipment) error {
	if strings.TrimSpace(shipment.ID) == "" {
		return pfirestore.NewConflictError("shipments.insert", errors.New("shipment id is required"))
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		dup := client.Collection(shipmentsCollection).
			Where("orderId", "==", shipment.OrderID).
			Where("trackingNumber", "==", shipment.TrackingNumber).
			Limit(1)
		iter := tx.Documents(dup)
		defer iter.Stop()

		if _, err := iter.Next(); err == nil {
			return pfirestore.NewConflictError("shipments.insert",
				fmt.Errorf("tracking number %s already used for order %s", shipment.TrackingNumber, shipment.OrderID))
		} else if !errors.Is(err, iterator.Done) {
			return err
		}

		ref, err := r.shipments.DocumentRef(ctx, shipment.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeShipment(shipment))
	})
}

// Update rewrites the shipment header.
func (r *ShipmentRepository) Update(ctx context.Context, shipment domain.Shipment) error {
	if _, err := r.shipments.Get(ctx, shipment.ID); err != nil {
		return err
	}
	_, err := r.shipments.Set(ctx, shipment.ID, encodeShipment(shipment))
	return err
}

// FindByID loads the shipment header without its items.
func (r *ShipmentRepository) FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	doc, err := r.shipments.Get(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	return decodeShipment(doc.ID, doc.Data), nil
}

// List returns shipments matching the filter, newest first. Carrier
// matching is case-insensitive; the shipped_at range is half-open.
func (r *ShipmentRepository) List(ctx context.Context, filter repositories.ShipmentListFilter) ([]domain.Shipment, error) {
	docs, err := r.shipments.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("orderId", "==", filter.OrderID)
		if carrier := textutil.Fold(strings.TrimSpace(filter.Carrier)); carrier != "" {
			q = q.Where("carrierFold", "==", carrier)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, status := range filter.Status {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.ShippedAt.From != nil {
			q = q.Where("shippedAt", ">=", *filter.ShippedAt.From)
		}
		if filter.ShippedAt.To != nil {
			q = q.Where("shippedAt", "<", *filter.ShippedAt.To)
		}
		return q.OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	shipments := make([]domain.Shipment, 0, len(docs))
	for _, doc := range docs {
		shipments = append(shipments, decodeShipment(doc.ID, doc.Data))
	}
	return shipments, nil
}

// InsertItem stores a new shipment item.
func (r *ShipmentRepository) InsertItem(ctx context.Context, item domain.ShipmentItem) (domain.ShipmentItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		return domain.ShipmentItem{}, pfirestore.NewConflictError("shipmentItems.insert", errors.New("shipment item id is required"))
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.items.DocumentRef(ctx, item.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeShipmentItem(item))
	})
	if err != nil {
		return domain.ShipmentItem{}, err
	}
	return item, nil
}

// UpdateItem rewrites a shipment item.
func (r *ShipmentRepository) UpdateItem(ctx context.Context, item domain.ShipmentItem) error {
	if _, err := r.items.Get(ctx, item.ID); err != nil {
		return err
	}
	_, err := r.items.Set(ctx, item.ID, encodeShipmentItem(item))
	return err
}

// FindItem loads one shipment item.
func (r *ShipmentRepository) FindItem(ctx context.Context, shipmentItemID string) (domain.ShipmentItem, error) {
	doc, err := r.items.Get(ctx, shipmentItemID)
	if err != nil {
		return domain.ShipmentItem{}, err
	}
	return decodeShipmentItem(doc.ID, doc.Data), nil
}

// ListItems returns the items of one shipment, oldest first.
func (r *ShipmentRepository) ListItems(ctx context.Context, shipmentID string) ([]domain.ShipmentItem, error) {
	docs, err := r.items.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("shipmentId", "==", shipmentID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.ShipmentItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeShipmentItem(doc.ID, doc.Data))
	}
	return items, nil
}

func encodeShipment(shipment domain.Shipment) shipmentDocument {
	return shipmentDocument{
		OrderID:        shipment.OrderID,
		Carrier:        shipment.Carrier,
		CarrierFold:    textutil.Fold(shipment.Carrier),
		TrackingNumber: shipment.TrackingNumber,
		Status:         string(shipment.Status),
		ShippedAt:      shipment.ShippedAt,
		DeliveredAt:    shipment.DeliveredAt,
		CreatedAt:      shipment.CreatedAt,
		UpdatedAt:      shipment.UpdatedAt,
	}
}

func decodeShipment(id string, doc shipmentDocument) domain.Shipment {
	return domain.Shipment{
		ID:             id,
		OrderID:        doc.OrderID,
		Carrier:        doc.Carrier,
		TrackingNumber: doc.TrackingNumber,
		Status:         domain.ShipmentStatus(doc.Status),
		ShippedAt:      doc.ShippedAt,
		DeliveredAt:    doc.DeliveredAt,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

func encodeShipmentItem(item domain.ShipmentItem) shipmentItemDocument {
	return shipmentItemDocument{
		ShipmentID:      item.ShipmentID,
		OrderItemID:     item.OrderItemID,
		ShippedQuantity: item.ShippedQuantity,
		CreatedAt:       item.CreatedAt,
		UpdatedAt:       item.UpdatedAt,
	}
}

func decodeShipmentItem(id string, doc shipmentItemDocument) domain.ShipmentItem {
	return domain.ShipmentItem{
		ID:              id,
		ShipmentID:      doc.ShipmentID,
		OrderItemID:     doc.OrderItemID,
		ShippedQuantity: doc.ShippedQuantity,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}
