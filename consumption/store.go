/*
store.go - Collaborator interfaces for the consumption engine

PURPOSE:
  Defines the boundary between the engine and the durable substrate.
  The Service never reaches storage through globals: each collaborator
  is passed in explicitly (see NewService).

KEY INTERFACES:
  StockLedger:     Authoritative item quantities and prices
  CartStore:       One pending cart record per patient
  HistoryLog:      Append-only per-patient consumption records
  GlobalLedger:    Append-only cross-patient consumption records
  PatientRegistry: Patient records with sequential ids
  Transactor:      Runs the commit of a settlement in one transaction

WHOLE-COLLECTION WRITES:
  ReplaceItems writes the full stock collection as one substrate
  operation. A failed write must leave the previous collection visible,
  never a half-updated one.

APPEND-ONLY CONTRACT:
  HistoryLog and GlobalLedger have no Update or Delete. Each append of a
  batch is atomic: readers see all of its records or none.

IMPLEMENTATIONS:
  - consumption/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - service.go: Consumer of these interfaces
*/
package consumption

import "context"

// =============================================================================
// STOCK LEDGER
// =============================================================================

type StockLedger interface {
	// GetItem returns *ItemNotFoundError when the id is unknown.
	GetItem(ctx context.Context, id ItemID) (InventoryItem, error)

	// ListItems returns items in load order.
	ListItems(ctx context.Context) ([]InventoryItem, error)

	// Debit decrements one item by qty. Returns *InsufficientStockError
	// without mutating when QuantityOnHand < qty.
	Debit(ctx context.Context, id ItemID, qty int64) error

	// SetItem upserts by id.
	SetItem(ctx context.Context, item InventoryItem) error

	// RemoveItem returns *ItemNotFoundError when the id is unknown.
	RemoveItem(ctx context.Context, id ItemID) error

	// ReplaceItems stores items as the complete collection in one write.
	ReplaceItems(ctx context.Context, items []InventoryItem) error
}

// =============================================================================
// CART STORE
// =============================================================================

type CartStore interface {
	// LoadCart returns the patient's cart, creating an empty record on
	// first access.
	LoadCart(ctx context.Context, patientID PatientID) (Cart, error)

	// SaveCart replaces the patient's cart record.
	SaveCart(ctx context.Context, cart Cart) error
}

// =============================================================================
// HISTORY LOG / GLOBAL LEDGER - Append-only
// =============================================================================

type HistoryLog interface {
	AppendHistory(ctx context.Context, patientID PatientID, records []Record) error
	History(ctx context.Context, patientID PatientID) ([]Record, error)
}

type GlobalLedger interface {
	AppendLedger(ctx context.Context, records []Record) error
	Ledger(ctx context.Context, filter LedgerFilter) ([]Record, error)
}

// =============================================================================
// PATIENT REGISTRY
// =============================================================================

type PatientRegistry interface {
	// CreatePatient assigns the next sequential id (P0001, P0002, ...),
	// stores the patient and creates its empty cart.
	CreatePatient(ctx context.Context, p Patient) (Patient, error)

	// GetPatient returns *PatientNotFoundError when the id is unknown.
	GetPatient(ctx context.Context, id PatientID) (Patient, error)

	ListPatients(ctx context.Context) ([]Patient, error)
}

// =============================================================================
// SUBSTRATE - Everything a settlement commit writes
// =============================================================================

type Substrate interface {
	StockLedger
	CartStore
	HistoryLog
	GlobalLedger
}

// Transactor runs fn against a transactional view of the substrate.
// If fn returns an error every write made through the view is rolled back.
type Transactor interface {
	WithTx(ctx context.Context, fn func(Substrate) error) error
}
