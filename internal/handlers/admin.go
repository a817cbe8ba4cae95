package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/services"
)

// AdminHandlers exposes operator-only surfaces: the audit trail and the
// per-line quantity ledger. The /admin group is expected to sit behind
// the admin token middleware; the gate still checks the policy row.
type AdminHandlers struct {
	gate   *services.Gate
	audit  services.AuditLogService
	ledger services.LedgerService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(gate *services.Gate, audit services.AuditLogService, ledger services.LedgerService) *AdminHandlers {
	return &AdminHandlers{
		gate:   gate,
		audit:  audit,
		ledger: ledger,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit-logs", h.listAuditLogs)
	r.Get("/orders/{orderID}/items/{itemID}/ledger", h.viewLedger)
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorRole string         `json:"actor_role,omitempty"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Decision  string         `json:"decision"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceAuditLogs, services.ActionList); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	query := r.URL.Query()
	filter := services.AuditLogListFilter{
		Actor:  strings.TrimSpace(query.Get("actor")),
		Action: strings.TrimSpace(query.Get("action")),
	}
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "from must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		filter.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "to must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		filter.To = &ts
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		filter.Limit = value
	}

	entries, err := h.audit.List(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	data := make([]auditLogPayload, 0, len(entries))
	for _, entry := range entries {
		data = append(data, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorRole: entry.ActorRole,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Decision:  entry.Decision,
			Metadata:  entry.Metadata,
			RequestID: entry.RequestID,
			CreatedAt: entry.CreatedAt,
		})
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"data": data})
}

type ledgerPayload struct {
	OrderItemID string    `json:"order_item_id"`
	Ordered     int       `json:"ordered"`
	Shipped     int       `json:"shipped"`
	Delivered   int       `json:"delivered"`
	Refunded    int       `json:"refunded"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (h *AdminHandlers) viewLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFromRequest(r)

	if err := h.gate.Require(ctx, actor, services.ResourceOrders, services.ActionRead); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !actor.IsAdmin() {
		writeServiceError(ctx, w, services.ErrForbidden)
		return
	}

	entry, err := h.ledger.View(ctx, chi.URLParam(r, "itemID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, ledgerPayload{
		OrderItemID: entry.OrderItemID,
		Ordered:     entry.Ordered,
		Shipped:     entry.Shipped,
		Delivered:   entry.Delivered,
		Refunded:    entry.Refunded,
		UpdatedAt:   entry.UpdatedAt,
	})
}
