package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/platform/requestctx"
	"github.com/orderfield/api/internal/services"
)

// writeServiceError translates service sentinels into the canonical JSON
// error envelope. Unrecognised errors become opaque 500s; their detail
// goes to the request logger, not the client.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient permissions", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_item_not_found", "order item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_found", "shipment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_item_not_found", "shipment item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRefundNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_found", "refund not found", http.StatusNotFound))
	case errors.Is(err, services.ErrLedgerEntryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("ledger_entry_not_found", "ledger entry not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDuplicateTracking):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_tracking", "tracking number already used for this order", http.StatusConflict))
	case errors.Is(err, services.ErrDuplicateRefund):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_refund", "order already has a refund", http.StatusConflict))
	case errors.Is(err, services.ErrQuantityExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("quantity_exceeded", "shipped quantity would exceed ordered quantity", http.StatusConflict))
	case errors.Is(err, services.ErrShipmentImmutable):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_immutable", "delivered shipments cannot be modified", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState), errors.Is(err, services.ErrShipmentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict), errors.Is(err, services.ErrShipmentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrInvalidQuery):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderUnknownVariant):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrShipmentInvalidInput),
		errors.Is(err, services.ErrRefundInvalidInput),
		errors.Is(err, services.ErrLedgerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
