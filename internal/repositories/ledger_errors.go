package repositories

import "fmt"

// LedgerErrorCode enumerates repository error causes for ledger operations.
type LedgerErrorCode string

const (
	// LedgerErrorUnknown represents an unspecified failure.
	LedgerErrorUnknown LedgerErrorCode = "ledger_unknown"
	// LedgerErrorQuantityExceeded indicates the requested allocation would push
	// the cumulative shipped quantity above the ordered quantity.
	LedgerErrorQuantityExceeded LedgerErrorCode = "ledger_quantity_exceeded"
	// LedgerErrorEntryNotFound indicates the order line has no ledger entry.
	LedgerErrorEntryNotFound LedgerErrorCode = "ledger_entry_not_found"
	// LedgerErrorDuplicateReservation indicates the order line was reserved twice.
	LedgerErrorDuplicateReservation LedgerErrorCode = "ledger_duplicate_reservation"
)

// LedgerError wraps ledger-specific failures with machine readable codes.
type LedgerError struct {
	Op      string
	Code    LedgerErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
