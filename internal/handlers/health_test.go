package handlers

import (
	"net/http"
	"testing"
)

func TestHealthEndpoints(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, nil, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", payload["status"])
	}

	rec = env.do(t, nil, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}
}

func TestRouterNotFoundEnvelope(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, nil, http.MethodGet, "/api/v1/nope", nil)
	assertError(t, rec, http.StatusNotFound, "route_not_found")

	rec = env.do(t, nil, http.MethodDelete, "/healthz", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
