package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/orderfield/api/internal/domain"
	pfirestore "github.com/orderfield/api/internal/platform/firestore"
	"github.com/orderfield/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	orderItemsCollection = "orderItems"
)

type orderDocument struct {
	OrderNumber string             `firestore:"orderNumber"`
	UserID      string             `firestore:"userId"`
	CartRef     *string            `firestore:"cartRef,omitempty"`
	Status      string             `firestore:"status"`
	Currency    string             `firestore:"currency"`
	TotalPrice  int64              `firestore:"totalPrice"`
	Deliveries  []deliveryDocument `firestore:"deliveries,omitempty"`
	Payments    []paymentDocument  `firestore:"payments,omitempty"`
	Metadata    map[string]any     `firestore:"metadata,omitempty"`
	CreatedAt   time.Time          `firestore:"createdAt"`
	UpdatedAt   time.Time          `firestore:"updatedAt"`
	CancelledAt *time.Time         `firestore:"cancelledAt,omitempty"`
}

type deliveryDocument struct {
	ID             string     `firestore:"id"`
	ShipmentRef    *string    `firestore:"shipmentRef,omitempty"`
	RecipientName  string     `firestore:"recipientName"`
	RecipientPhone string     `firestore:"recipientPhone,omitempty"`
	Address        addressDoc `firestore:"address"`
	Status         string     `firestore:"status"`
	Attempts       int        `firestore:"attempts"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

type addressDoc struct {
	Recipient  string  `firestore:"recipient,omitempty"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	ID        string    `firestore:"id"`
	Provider  string    `firestore:"provider"`
	IntentID  string    `firestore:"intentId"`
	Amount    int64     `firestore:"amount"`
	Currency  string    `firestore:"currency"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderItemDocument struct {
	OrderID    string    `firestore:"orderId"`
	ProductRef string    `firestore:"productRef"`
	VariantRef string    `firestore:"variantRef,omitempty"`
	SellerID   string    `firestore:"sellerId,omitempty"`
	Name       string    `firestore:"name"`
	Quantity   int       `firestore:"quantity"`
	UnitPrice  int64     `firestore:"unitPrice"`
	FinalPrice int64     `firestore:"finalPrice"`
	Status     string    `firestore:"status"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	items    *pfirestore.BaseRepository[orderItemDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		items:    pfirestore.NewBaseRepository[orderItemDocument](provider, orderItemsCollection, nil, nil),
	}, nil
}

// Insert persists the order aggregate atomically, header and items together.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return pfirestore.NewConflictError("orders.insert", errors.New("order id is required"))
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, encodeOrder(order)); err != nil {
			return err
		}
		for _, item := range order.Items {
			itemRef, err := r.items.DocumentRef(ctx, item.ID)
			if err != nil {
				return err
			}
			if err := tx.Create(itemRef, encodeOrderItem(item)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update rewrites the order header. Items are managed individually.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if _, err := r.orders.Get(ctx, order.ID); err != nil {
		return err
	}
	_, err := r.orders.Set(ctx, order.ID, encodeOrder(order))
	return err
}

// FindByID loads the order header together with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	order := decodeOrder(doc.ID, doc.Data)
	items, err := r.ListItems(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

// InsertItem appends a new line to an existing order.
func (r *OrderRepository) InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		return domain.OrderItem{}, pfirestore.NewConflictError("orderItems.insert", errors.New("order item id is required"))
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.items.DocumentRef(ctx, item.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeOrderItem(item))
	})
	if err != nil {
		return domain.OrderItem{}, err
	}
	return item, nil
}

// UpdateItem rewrites an order line.
func (r *OrderRepository) UpdateItem(ctx context.Context, item domain.OrderItem) error {
	doc, err := r.items.Get(ctx, item.ID)
	if err != nil {
		return err
	}
	if doc.Data.OrderID != item.OrderID {
		return pfirestore.NewNotFoundError("orderItems.update", fmt.Errorf("item %s does not belong to order %s", item.ID, item.OrderID))
	}
	_, err = r.items.Set(ctx, item.ID, encodeOrderItem(item))
	return err
}

// FindItem loads one order line, scoped to its order.
func (r *OrderRepository) FindItem(ctx context.Context, orderID string, itemID string) (domain.OrderItem, error) {
	doc, err := r.items.Get(ctx, itemID)
	if err != nil {
		return domain.OrderItem{}, err
	}
	if doc.Data.OrderID != orderID {
		return domain.OrderItem{}, pfirestore.NewNotFoundError("orderItems.get", fmt.Errorf("item %s does not belong to order %s", itemID, orderID))
	}
	return decodeOrderItem(doc.ID, doc.Data), nil
}

// ListItems returns every line of the order, oldest first.
func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	docs, err := r.items.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.OrderItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeOrderItem(doc.ID, doc.Data))
	}
	return items, nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		CartRef:     order.CartRef,
		Status:      string(order.Status),
		Currency:    order.Currency,
		TotalPrice:  order.TotalPrice,
		Metadata:    order.Metadata,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		CancelledAt: order.CancelledAt,
	}
	for _, delivery := range order.Deliveries {
		doc.Deliveries = append(doc.Deliveries, deliveryDocument{
			ID:             delivery.ID,
			ShipmentRef:    delivery.ShipmentRef,
			RecipientName:  delivery.RecipientName,
			RecipientPhone: delivery.RecipientPhone,
			Address:        encodeAddress(delivery.Address),
			Status:         string(delivery.Status),
			Attempts:       delivery.Attempts,
			CreatedAt:      delivery.CreatedAt,
			UpdatedAt:      delivery.UpdatedAt,
		})
	}
	for _, payment := range order.Payments {
		doc.Payments = append(doc.Payments, paymentDocument{
			ID:        payment.ID,
			Provider:  payment.Provider,
			IntentID:  payment.IntentID,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			CreatedAt: payment.CreatedAt,
		})
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: doc.OrderNumber,
		UserID:      doc.UserID,
		CartRef:     doc.CartRef,
		Status:      domain.OrderStatus(doc.Status),
		Currency:    doc.Currency,
		TotalPrice:  doc.TotalPrice,
		Metadata:    doc.Metadata,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		CancelledAt: doc.CancelledAt,
	}
	for _, delivery := range doc.Deliveries {
		order.Deliveries = append(order.Deliveries, domain.Delivery{
			ID:             delivery.ID,
			OrderID:        id,
			ShipmentRef:    delivery.ShipmentRef,
			RecipientName:  delivery.RecipientName,
			RecipientPhone: delivery.RecipientPhone,
			Address:        decodeAddress(delivery.Address),
			Status:         domain.DeliveryStatus(delivery.Status),
			Attempts:       delivery.Attempts,
			CreatedAt:      delivery.CreatedAt,
			UpdatedAt:      delivery.UpdatedAt,
		})
	}
	for _, payment := range doc.Payments {
		order.Payments = append(order.Payments, domain.Payment{
			ID:        payment.ID,
			OrderID:   id,
			Provider:  payment.Provider,
			IntentID:  payment.IntentID,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			CreatedAt: payment.CreatedAt,
		})
	}
	return order
}

func encodeOrderItem(item domain.OrderItem) orderItemDocument {
	return orderItemDocument{
		OrderID:    item.OrderID,
		ProductRef: item.ProductRef,
		VariantRef: item.VariantRef,
		SellerID:   item.SellerID,
		Name:       item.Name,
		Quantity:   item.Quantity,
		UnitPrice:  item.UnitPrice,
		FinalPrice: item.FinalPrice,
		Status:     string(item.Status),
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
	}
}

func decodeOrderItem(id string, doc orderItemDocument) domain.OrderItem {
	return domain.OrderItem{
		ID:         id,
		OrderID:    doc.OrderID,
		ProductRef: doc.ProductRef,
		VariantRef: doc.VariantRef,
		SellerID:   doc.SellerID,
		Name:       doc.Name,
		Quantity:   doc.Quantity,
		UnitPrice:  doc.UnitPrice,
		FinalPrice: doc.FinalPrice,
		Status:     domain.OrderItemStatus(doc.Status),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func encodeAddress(addr domain.Address) addressDoc {
	return addressDoc{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func decodeAddress(doc addressDoc) domain.Address {
	return domain.Address{
		Recipient:  doc.Recipient,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
	}
}
