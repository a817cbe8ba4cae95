package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/orderfield/api/internal/services"
)

func TestCreateShipmentEndpoint(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)

	rec := env.do(t, sellerIdentity("sel_tecton"), http.MethodPost, orderPath(order.ID, "shipments"), map[string]any{
		"carrier":         "yamato",
		"tracking_number": "YT-100",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["status"] != "pending" {
		t.Fatalf("expected pending shipment, got %v", payload["status"])
	}
	if _, ok := payload["shipped_at"]; ok {
		t.Fatalf("pending shipment must not carry shipped_at, body %s", rec.Body.String())
	}

	// Buyers cannot create shipments.
	rec = env.do(t, buyerIdentity(), http.MethodPost, orderPath(order.ID, "shipments"), map[string]any{
		"carrier":         "yamato",
		"tracking_number": "YT-101",
	})
	assertError(t, rec, http.StatusForbidden, "forbidden")
}

func TestCreateShipmentDuplicateTracking(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)
	env.seedShipment(t, order.ID, "yamato", "YT-200")

	rec := env.do(t, adminIdentity(), http.MethodPost, orderPath(order.ID, "shipments"), map[string]any{
		"carrier":         "sagawa",
		"tracking_number": "YT-200",
	})
	assertError(t, rec, http.StatusConflict, "duplicate_tracking")
}

func TestAddShipmentItemQuantityExceeded(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)
	shipment := env.seedShipment(t, order.ID, "yamato", "YT-300")
	itemID := order.Items[0].ID

	rec := env.do(t, adminIdentity(), http.MethodPost, orderPath(order.ID, "shipments", shipment.ID, "items"), map[string]any{
		"order_item_id": itemID,
		"quantity":      2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %s)", rec.Code, rec.Body.String())
	}

	other := env.seedShipment(t, order.ID, "yamato", "YT-301")
	rec = env.do(t, adminIdentity(), http.MethodPost, orderPath(order.ID, "shipments", other.ID, "items"), map[string]any{
		"order_item_id": itemID,
		"quantity":      1,
	})
	assertError(t, rec, http.StatusConflict, "quantity_exceeded")
}

func TestShipmentTransitionEndpoint(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)
	shipment := env.seedShipment(t, order.ID, "yamato", "YT-400")

	rec := env.do(t, adminIdentity(), http.MethodPost, orderPath(order.ID, "shipments", shipment.ID, "items"), map[string]any{
		"order_item_id": order.Items[0].ID,
		"quantity":      2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add item: expected 201, got %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, sellerIdentity("sel_tecton"), http.MethodPost, orderPath(order.ID, "shipments", shipment.ID+":transition"), map[string]any{
		"status": "shipped",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["status"] != "shipped" {
		t.Fatalf("expected shipped, got %v", payload["status"])
	}
	if payload["shipped_at"] == nil {
		t.Fatal("expected shipped_at to be stamped")
	}

	rec = env.do(t, sellerIdentity("sel_tecton"), http.MethodPost, orderPath(order.ID, "shipments", shipment.ID+":transition"), map[string]any{
		"status": "delivered",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}

	// Delivered shipments reject every further mutation.
	rec = env.do(t, sellerIdentity("sel_tecton"), http.MethodPost, orderPath(order.ID, "shipments", shipment.ID+":transition"), map[string]any{
		"status": "shipped",
	})
	assertError(t, rec, http.StatusConflict, "shipment_immutable")
}

func TestListShipmentsEnvelope(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 5)
	for i := 0; i < 3; i++ {
		env.seedShipment(t, order.ID, "yamato", fmt.Sprintf("YT-50%d", i))
	}

	rec := env.do(t, buyerIdentity(), http.MethodGet, orderPath(order.ID, "shipments")+"?page=2&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)

	data, ok := payload["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("expected one row on the last page, got %v", payload["data"])
	}
	pagination, ok := payload["pagination"].(map[string]any)
	if !ok {
		t.Fatalf("missing pagination envelope, body %s", rec.Body.String())
	}
	if pagination["current"] != float64(2) || pagination["records"] != float64(3) || pagination["pages"] != float64(2) {
		t.Fatalf("unexpected pagination %v", pagination)
	}
}

func TestListShipmentsFilterValidation(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)
	env.seedShipment(t, order.ID, "yamato", "YT-600")

	rec := env.do(t, buyerIdentity(), http.MethodGet, orderPath(order.ID, "shipments")+"?status=teleported", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_query")

	rec = env.do(t, buyerIdentity(), http.MethodGet, orderPath(order.ID, "shipments")+"?shipped_from=not-a-date", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_query")

	rec = env.do(t, buyerIdentity(), http.MethodGet, orderPath(order.ID, "shipments")+"?page=9", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_query")
}

func TestListShipmentsCarrierFilter(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 5)
	env.seedShipment(t, order.ID, "Yamato", "YT-700")
	env.seedShipment(t, order.ID, "sagawa", "SG-700")

	rec := env.do(t, buyerIdentity(), http.MethodGet, orderPath(order.ID, "shipments")+"?carrier=YAMATO", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	data, ok := payload["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("expected one yamato shipment, got %v", payload["data"])
	}
}

func TestShipmentWrongOrderIsNotFound(t *testing.T) {
	env := newHandlerEnv(t)
	first := env.seedOrder(t, 2)
	shipment := env.seedShipment(t, first.ID, "yamato", "YT-800")

	second, err := env.orders.CreateFromSnapshot(context.Background(), services.CreateOrderCommand{
		UserID:   "usr_buyer",
		Currency: "JPY",
		Items: []services.OrderItemSnapshot{{
			ProductRef: "prd_vase",
			SellerID:   "sel_tecton",
			Quantity:   1,
			UnitPrice:  9800,
		}},
		ActorID: "usr_buyer",
	})
	if err != nil {
		t.Fatalf("seed second order: %v", err)
	}

	rec := env.do(t, adminIdentity(), http.MethodGet, orderPath(second.ID, "shipments", shipment.ID), nil)
	assertError(t, rec, http.StatusNotFound, "shipment_not_found")
}
