package handlers

import (
	"context"
	"net/http"
	"testing"
)

func TestInternalFulfilEndpoint(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 1)
	itemID := order.Items[0].ID

	rec := env.do(t, nil, http.MethodPost, "/api/v1/internal/orders/"+order.ID+"/items/"+itemID+":fulfil", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["status"] != "fulfilled" {
		t.Fatalf("expected fulfilled item, got %v", payload["status"])
	}

	// A single-line order settles once its only item is fulfilled.
	settled, err := env.orders.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if string(settled.Status) != "fulfilled" {
		t.Fatalf("expected fulfilled order, got %s", settled.Status)
	}

	rec = env.do(t, nil, http.MethodPost, "/api/v1/internal/orders/"+order.ID+"/items/itm_missing:fulfil", nil)
	assertError(t, rec, http.StatusNotFound, "order_item_not_found")
}

func TestCarrierWebhook(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)
	shipment := env.seedShipment(t, order.ID, "yamato", "YT-WH-1")

	rec := env.do(t, adminIdentity(), http.MethodPost, orderPath(order.ID, "shipments", shipment.ID, "items"), map[string]any{
		"order_item_id": order.Items[0].ID,
		"quantity":      2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add shipment item: expected 201, got %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, nil, http.MethodPost, "/api/v1/webhooks/carrier", map[string]any{
		"order_id":    order.ID,
		"shipment_id": shipment.ID,
		"event":       "picked_up",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("picked_up: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["status"] != "shipped" {
		t.Fatalf("expected shipped, got %v", payload["status"])
	}

	// Redelivery of the same event is acknowledged without error.
	rec = env.do(t, nil, http.MethodPost, "/api/v1/webhooks/carrier", map[string]any{
		"order_id":    order.ID,
		"shipment_id": shipment.ID,
		"event":       "picked_up",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["status"] != "already_applied" {
		t.Fatalf("expected already_applied ack, got %v", payload["status"])
	}

	rec = env.do(t, nil, http.MethodPost, "/api/v1/webhooks/carrier", map[string]any{
		"order_id":    order.ID,
		"shipment_id": shipment.ID,
		"event":       "delivered",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("delivered: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
}

func TestCarrierWebhookIgnoresUnknownEvents(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)
	shipment := env.seedShipment(t, order.ID, "yamato", "YT-WH-2")

	rec := env.do(t, nil, http.MethodPost, "/api/v1/webhooks/carrier", map[string]any{
		"order_id":    order.ID,
		"shipment_id": shipment.ID,
		"event":       "label_printed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d (body %s)", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["status"] != "ignored" {
		t.Fatalf("expected ignored ack, got %v", payload["status"])
	}

	rec = env.do(t, nil, http.MethodPost, "/api/v1/webhooks/carrier", map[string]any{
		"event": "delivered",
	})
	assertError(t, rec, http.StatusBadRequest, "invalid_request")
}
