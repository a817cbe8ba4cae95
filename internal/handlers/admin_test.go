package handlers

import (
	"net/http"
	"testing"
)

func TestAuditLogEndpoint(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 2)

	// Produce a denial worth auditing.
	rec := env.do(t, buyerIdentity(), http.MethodPost, orderPath(order.ID, "shipments"), map[string]any{
		"carrier":         "yamato",
		"tracking_number": "YT-900",
	})
	assertError(t, rec, http.StatusForbidden, "forbidden")

	// Buyers cannot read the audit trail.
	rec = env.do(t, buyerIdentity(), http.MethodGet, "/api/v1/admin/audit-logs", nil)
	assertError(t, rec, http.StatusForbidden, "forbidden")

	rec = env.do(t, adminIdentity(), http.MethodGet, "/api/v1/admin/audit-logs?actor=usr_buyer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin list: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	data, ok := payload["data"].([]any)
	if !ok || len(data) == 0 {
		t.Fatalf("expected at least one audit entry, got %v", payload["data"])
	}
	entry, ok := data[0].(map[string]any)
	if !ok || entry["actor"] != "usr_buyer" || entry["decision"] != "deny" {
		t.Fatalf("unexpected audit entry %v", data[0])
	}
}

func TestAuditLogFilterValidation(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, adminIdentity(), http.MethodGet, "/api/v1/admin/audit-logs?from=whenever", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_query")

	rec = env.do(t, adminIdentity(), http.MethodGet, "/api/v1/admin/audit-logs?limit=0", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_query")
}

func TestLedgerViewEndpoint(t *testing.T) {
	env := newHandlerEnv(t)
	order := env.seedOrder(t, 3)
	itemID := order.Items[0].ID

	rec := env.do(t, buyerIdentity(), http.MethodGet, orderPath(order.ID, "items", itemID, "ledger"), nil)
	// The ledger route lives under /admin, not /orders.
	assertError(t, rec, http.StatusNotFound, "route_not_found")

	rec = env.do(t, adminIdentity(), http.MethodGet, "/api/v1/admin/orders/"+order.ID+"/items/"+itemID+"/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin ledger view: expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["ordered"] != float64(3) || payload["shipped"] != float64(0) {
		t.Fatalf("unexpected ledger %v", payload)
	}

	rec = env.do(t, sellerIdentity("sel_tecton"), http.MethodGet, "/api/v1/admin/orders/"+order.ID+"/items/"+itemID+"/ledger", nil)
	assertError(t, rec, http.StatusForbidden, "forbidden")
}
