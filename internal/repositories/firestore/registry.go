package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/orderfield/api/internal/platform/firestore"
	"github.com/orderfield/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry interface.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	shipments *ShipmentRepository
	refunds   *RefundRepository
	ledger    *LedgerRepository
	auditLogs *AuditLogRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryDeps bundles constructor inputs for the Firestore registry.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry wires every Firestore repository over a shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if deps.Health == nil {
		return nil, errors.New("registry requires health repository")
	}

	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	shipments, err := NewShipmentRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	refunds, err := NewRefundRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedgerRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  deps.Provider,
		orders:    orders,
		shipments: shipments,
		refunds:   refunds,
		ledger:    ledger,
		auditLogs: auditLogs,
		counters:  counters,
		health:    deps.Health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Shipments() repositories.ShipmentRepository { return r.shipments }

func (r *Registry) Refunds() repositories.RefundRepository { return r.refunds }

func (r *Registry) Ledger() repositories.LedgerRepository { return r.ledger }

func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.auditLogs }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn as a unit. Each repository mutation already runs
// in its own Firestore transaction, and the ledger repository is the
// serialization point for quantity invariants, so fn is executed
// directly rather than inside one outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is nil")
	}
	return fn(ctx)
}
