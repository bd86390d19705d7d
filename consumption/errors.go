/*
errors.go - Error kinds for the consumption engine

PURPOSE:
  All error types in one place. Callers match kinds with errors.Is against
  the sentinels and pull details with errors.As on the structured types.

ERROR KINDS:
  ErrNotFound          item, patient or cart entry missing
  ErrInsufficientStock requested quantity exceeds stock on hand
  ErrEmptyCart         settlement attempted with no pending entries
  ErrInvalidQuantity   non-positive quantity supplied
  ErrStorageFailure    a durable read or write failed

SIDE EFFECTS:
  Every kind except a CommitError guarantees nothing was mutated.
  A CommitError with Inconsistent set means stock was debited but the
  history, ledger or cart writes did not all land. It must be reconciled
  by an operator; retrying would debit stock twice.

SEE ALSO:
  - settlement.go: Produces InsufficientStockError and CommitError
  - api/handlers.go: Maps kinds to HTTP statuses
*/
package consumption

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrEmptyCart         = errors.New("empty cart")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrStorageFailure    = errors.New("storage failure")

	// ErrInvalidItem is returned by SetItem for malformed inventory records.
	ErrInvalidItem = errors.New("invalid inventory item")

	errNoRegistry = errors.New("no patient registry configured")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ItemNotFoundError struct {
	ItemID ItemID
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item %s not found", e.ItemID)
}

func (e *ItemNotFoundError) Unwrap() error { return ErrNotFound }

type PatientNotFoundError struct {
	PatientID PatientID
}

func (e *PatientNotFoundError) Error() string {
	return fmt.Sprintf("patient %s not found", e.PatientID)
}

func (e *PatientNotFoundError) Unwrap() error { return ErrNotFound }

// CartEntryNotFoundError is returned when removing an item that is not pending.
type CartEntryNotFoundError struct {
	PatientID PatientID
	ItemID    ItemID
}

func (e *CartEntryNotFoundError) Error() string {
	return fmt.Sprintf("item %s is not in the cart of patient %s", e.ItemID, e.PatientID)
}

func (e *CartEntryNotFoundError) Unwrap() error { return ErrNotFound }

type InsufficientStockError struct {
	ItemID    ItemID
	ItemName  string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	name := e.ItemName
	if name == "" {
		name = string(e.ItemID)
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d",
		name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type EmptyCartError struct {
	PatientID PatientID
}

func (e *EmptyCartError) Error() string {
	return fmt.Sprintf("cart of patient %s is empty", e.PatientID)
}

func (e *EmptyCartError) Unwrap() error { return ErrEmptyCart }

type InvalidQuantityError struct {
	Quantity int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d: must be at least 1", e.Quantity)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// StorageError wraps a substrate failure. It matches both ErrStorageFailure
// and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// =============================================================================
// COMMIT ERROR - Failure after validation passed
// =============================================================================

// CommitStage names one durable write of a settlement commit, in order.
type CommitStage string

const (
	StageStock   CommitStage = "stock"
	StageHistory CommitStage = "history"
	StageLedger  CommitStage = "ledger"
	StageCart    CommitStage = "cart"
)

// CommitError reports a storage failure during COMMITTING.
//
// Applied lists the stages that were durably written before Stage failed.
// When the commit ran inside a transaction it was rolled back and Applied
// is empty.
type CommitError struct {
	PatientID    PatientID
	SettlementID SettlementID
	Stage        CommitStage
	Applied      []CommitStage
	Err          error
}

func (e *CommitError) Error() string {
	applied := "none"
	if len(e.Applied) > 0 {
		parts := make([]string, len(e.Applied))
		for i, s := range e.Applied {
			parts[i] = string(s)
		}
		applied = strings.Join(parts, ",")
	}
	return fmt.Sprintf("settlement %s for patient %s failed at %s (applied: %s): %v",
		e.SettlementID, e.PatientID, e.Stage, applied, e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// Inconsistent reports whether some writes landed and others did not.
func (e *CommitError) Inconsistent() bool { return len(e.Applied) > 0 }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request itself.
// These errors never leave side effects.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidItem)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NeedsReconciliation returns true if err left stock debited without the
// matching history or ledger records.
func NeedsReconciliation(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce) && ce.Inconsistent()
}

// wrapStorage passes domain errors through and wraps everything else as a
// StorageError.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageFailure) || IsClientError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
