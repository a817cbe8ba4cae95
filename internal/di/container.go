package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orderfield/api/internal/repositories"
	"github.com/orderfield/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled in NewContainer.
type Services struct {
	Ledger    services.LedgerService
	Orders    services.OrderService
	Shipments services.ShipmentService
	Refunds   services.RefundService
	Audit     services.AuditLogService
	System    services.SystemService
	Gate      *services.Gate
}

// ContainerDeps carries the infrastructure the container wires services onto.
// Registry is required; everything else degrades gracefully when absent so
// tests and local runs can wire the in-memory registry with no PSP or broker.
type ContainerDeps struct {
	Registry    repositories.Registry
	Events      services.EventPublisher
	PSP         services.RefundIssuer
	Catalog     services.ProductCatalog
	Logger      *zap.Logger
	Build       services.BuildInfo
	Clock       func() time.Time
	IDGenerator func() string
}

// Container wires repositories and services for runtime use.
type Container struct {
	Registry repositories.Registry
	Services Services
}

// NewContainer constructs the runtime dependency graph.
func NewContainer(deps ContainerDeps) (*Container, error) {
	reg := deps.Registry
	if reg == nil {
		return nil, errors.New("di: repositories registry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var svc Services

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  reg.AuditLogs(),
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
	})
	if err != nil {
		return nil, fmt.Errorf("di: build audit log service: %w", err)
	}
	svc.Audit = audit

	svc.Gate = services.NewGate(services.GateDeps{
		Audit:  audit,
		Logger: zapEventLogger(logger.Named("access")),
	})

	ledger, err := services.NewLedgerService(services.LedgerServiceDeps{
		Ledger: reg.Ledger(),
		Clock:  deps.Clock,
		Logger: zapEventLogger(logger.Named("ledger")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build ledger service: %w", err)
	}
	svc.Ledger = ledger

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Counters:    reg.Counters(),
		Ledger:      ledger,
		Catalog:     deps.Catalog,
		UnitOfWork:  reg,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Events:      deps.Events,
		Logger:      zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build order service: %w", err)
	}
	svc.Orders = orders

	shipments, err := services.NewShipmentService(services.ShipmentServiceDeps{
		Shipments:   reg.Shipments(),
		Orders:      reg.Orders(),
		Ledger:      ledger,
		UnitOfWork:  reg,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Events:      deps.Events,
		Logger:      zapEventLogger(logger.Named("shipments")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build shipment service: %w", err)
	}
	svc.Shipments = shipments

	refunds, err := services.NewRefundService(services.RefundServiceDeps{
		Refunds:     reg.Refunds(),
		Orders:      reg.Orders(),
		Ledger:      ledger,
		PSP:         deps.PSP,
		UnitOfWork:  reg,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Events:      deps.Events,
		Logger:      zapEventLogger(logger.Named("refunds")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build refund service: %w", err)
	}
	svc.Refunds = refunds

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            deps.Clock,
			Build:            deps.Build,
		})
		if err != nil {
			return nil, fmt.Errorf("di: build system service: %w", err)
		}
		svc.System = system
	}

	return &Container{
		Registry: reg,
		Services: svc,
	}, nil
}

// Close releases repository clients and any other held resources.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Registry == nil {
		return nil
	}
	return c.Registry.Close(ctx)
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
