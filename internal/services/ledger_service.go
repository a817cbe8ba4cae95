package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orderfield/api/internal/repositories"
)

var (
	// ErrLedgerInvalidInput signals the caller provided invalid quantities or ids.
	ErrLedgerInvalidInput = errors.New("ledger: invalid input")
	// ErrLedgerEntryNotFound indicates no ledger entry exists for the order item.
	ErrLedgerEntryNotFound = errors.New("ledger: entry not found")
	// ErrQuantityExceeded indicates an allocation would push the cumulative
	// shipped quantity past the ordered quantity.
	ErrQuantityExceeded = errors.New("ledger: ordered quantity exceeded")
)

// LedgerServiceDeps bundles collaborators required to construct the ledger service.
type LedgerServiceDeps struct {
	Ledger repositories.LedgerRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type ledgerService struct {
	ledger repositories.LedgerRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewLedgerService wires dependencies into a concrete LedgerService implementation.
func NewLedgerService(deps LedgerServiceDeps) (LedgerService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger service: ledger repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &ledgerService{
		ledger: deps.Ledger,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *ledgerService) Reserve(ctx context.Context, cmd LedgerReserveCommand) error {
	if len(cmd.Reservations) == 0 {
		return fmt.Errorf("%w: at least one reservation is required", ErrLedgerInvalidInput)
	}
	for _, res := range cmd.Reservations {
		if strings.TrimSpace(res.OrderItemID) == "" {
			return fmt.Errorf("%w: order item id is required", ErrLedgerInvalidInput)
		}
		if res.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
		}
	}

	if err := s.ledger.Reserve(ctx, cmd.Reservations, s.clock()); err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *ledgerService) Allocate(ctx context.Context, cmd LedgerAllocateCommand) (LedgerEntry, error) {
	if err := validateLedgerTarget(cmd.OrderItemID, cmd.ShipmentItemID); err != nil {
		return LedgerEntry{}, err
	}
	if cmd.Quantity <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
	}

	entry, err := s.ledger.Allocate(ctx, repositories.LedgerAllocateRequest{
		OrderItemID:    strings.TrimSpace(cmd.OrderItemID),
		ShipmentItemID: strings.TrimSpace(cmd.ShipmentItemID),
		Quantity:       cmd.Quantity,
		Now:            s.clock(),
	})
	if err != nil {
		return LedgerEntry{}, s.mapError(err)
	}

	s.logger(ctx, "ledger.allocated", map[string]any{
		"orderItem":    entry.OrderItemID,
		"shipmentItem": cmd.ShipmentItemID,
		"shipped":      entry.Shipped,
		"ordered":      entry.Ordered,
	})
	return entry, nil
}

func (s *ledgerService) Release(ctx context.Context, cmd LedgerReleaseCommand) (LedgerEntry, error) {
	if err := validateLedgerTarget(cmd.OrderItemID, cmd.ShipmentItemID); err != nil {
		return LedgerEntry{}, err
	}

	entry, err := s.ledger.Release(ctx, repositories.LedgerReleaseRequest{
		OrderItemID:    strings.TrimSpace(cmd.OrderItemID),
		ShipmentItemID: strings.TrimSpace(cmd.ShipmentItemID),
		Now:            s.clock(),
	})
	if err != nil {
		return LedgerEntry{}, s.mapError(err)
	}
	return entry, nil
}

func (s *ledgerService) RecordDelivery(ctx context.Context, orderItemID string, quantity int) (LedgerEntry, error) {
	orderItemID = strings.TrimSpace(orderItemID)
	if orderItemID == "" {
		return LedgerEntry{}, fmt.Errorf("%w: order item id is required", ErrLedgerInvalidInput)
	}
	if quantity <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
	}

	entry, err := s.ledger.RecordDelivery(ctx, orderItemID, quantity, s.clock())
	if err != nil {
		return LedgerEntry{}, s.mapError(err)
	}
	return entry, nil
}

func (s *ledgerService) RecordRefund(ctx context.Context, orderItemID string, quantity int) (LedgerEntry, error) {
	orderItemID = strings.TrimSpace(orderItemID)
	if orderItemID == "" {
		return LedgerEntry{}, fmt.Errorf("%w: order item id is required", ErrLedgerInvalidInput)
	}
	if quantity <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: quantity must be positive", ErrLedgerInvalidInput)
	}

	entry, err := s.ledger.RecordRefund(ctx, orderItemID, quantity, s.clock())
	if err != nil {
		return LedgerEntry{}, s.mapError(err)
	}
	return entry, nil
}

func (s *ledgerService) View(ctx context.Context, orderItemID string) (LedgerEntry, error) {
	orderItemID = strings.TrimSpace(orderItemID)
	if orderItemID == "" {
		return LedgerEntry{}, fmt.Errorf("%w: order item id is required", ErrLedgerInvalidInput)
	}

	entry, err := s.ledger.Get(ctx, orderItemID)
	if err != nil {
		return LedgerEntry{}, s.mapError(err)
	}
	return entry, nil
}

func (s *ledgerService) mapError(err error) error {
	if err == nil {
		return nil
	}

	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		switch ledgerErr.Code {
		case repositories.LedgerErrorQuantityExceeded:
			return fmt.Errorf("%w: %v", ErrQuantityExceeded, err)
		case repositories.LedgerErrorEntryNotFound:
			return fmt.Errorf("%w: %v", ErrLedgerEntryNotFound, err)
		case repositories.LedgerErrorDuplicateReservation:
			return fmt.Errorf("%w: %v", ErrLedgerInvalidInput, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		if repoErr.IsNotFound() {
			return fmt.Errorf("%w: %v", ErrLedgerEntryNotFound, err)
		}
	}

	return err
}

func validateLedgerTarget(orderItemID, shipmentItemID string) error {
	if strings.TrimSpace(orderItemID) == "" {
		return fmt.Errorf("%w: order item id is required", ErrLedgerInvalidInput)
	}
	if strings.TrimSpace(shipmentItemID) == "" {
		return fmt.Errorf("%w: shipment item id is required", ErrLedgerInvalidInput)
	}
	return nil
}
