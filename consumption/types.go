/*
Package consumption provides the hospital supply consumption engine.

PURPOSE:
  Tracks what each patient consumes from the ward stock. Items are first
  collected into a per-patient pending cart, then settled: the cart is
  validated against live stock, stock is debited, and an immutable record
  is appended to the patient's history and to the global ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - InventoryItem: A stocked supply or medication with three prices
  - Patient: The person supplies are consumed for
  - Cart / CartEntry: Items selected but not yet consumed
  - Record: An immutable consumption entry (history and ledger)
  - Settlement: The outcome of converting a cart into records

MONEY:
  Every price and total is an int64 amount of minor currency units
  (cents). There is no floating point anywhere in this package.
  Conversion from user input lives in the money package.

SEE ALSO:
  - store.go: Collaborator interfaces (stock, carts, history, ledger)
  - service.go: The operations exposed to the presentation layer
  - settlement.go: Validation and commit of a cart
*/
package consumption

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type PatientID string
type RecordID string
type SettlementID string

// =============================================================================
// UNIT TYPE - Unit of measure for a stocked item
// =============================================================================

type UnitType string

const (
	UnitPiece   UnitType = "unit"
	UnitBox     UnitType = "box"
	UnitAmpoule UnitType = "ampoule"
	UnitVial    UnitType = "vial"
	UnitTablet  UnitType = "tablet"
	UnitBag     UnitType = "bag"
	UnitML      UnitType = "ml"
	UnitPair    UnitType = "pair"
)

var knownUnits = map[UnitType]bool{
	UnitPiece: true, UnitBox: true, UnitAmpoule: true, UnitVial: true,
	UnitTablet: true, UnitBag: true, UnitML: true, UnitPair: true,
}

// Valid reports whether u is one of the known units of measure.
func (u UnitType) Valid() bool { return knownUnits[u] }

// =============================================================================
// INVENTORY ITEM
// =============================================================================

// InventoryItem is one stocked supply. QuantityOnHand never goes below zero.
type InventoryItem struct {
	ID             ItemID
	Name           string
	UnitType       UnitType
	Drawer         string // storage location tag, e.g. "A3"
	QuantityOnHand int64

	// Prices in minor currency units.
	CostPurchase int64 // what the hospital pays the supplier
	CostInternal int64 // internal accounting cost (restocking the cart)
	CostPatient  int64 // amount charged to the patient / insurer

	Description string
}

// =============================================================================
// PATIENT
// =============================================================================

type Patient struct {
	ID       PatientID
	Name     string
	Age      int
	Guardian string
	Location string
	Notes    string
}

// =============================================================================
// CART - Pending items for one patient
// =============================================================================

// CartEntry is one pending line. UnitPrice is the item's CostPatient at the
// moment the entry was first added and is never refreshed.
type CartEntry struct {
	ItemID    ItemID
	ItemName  string
	UnitType  UnitType
	Quantity  int64
	UnitPrice int64
}

// Total returns Quantity * UnitPrice.
func (e CartEntry) Total() int64 { return e.Quantity * e.UnitPrice }

// Cart holds at most one entry per item, in insertion order.
type Cart struct {
	PatientID PatientID
	Items     []CartEntry
}

// NewCart returns an empty cart for the patient.
func NewCart(patientID PatientID) Cart {
	return Cart{PatientID: patientID, Items: []CartEntry{}}
}

func (c Cart) IsEmpty() bool { return len(c.Items) == 0 }

// Total sums every entry in minor units.
func (c Cart) Total() int64 {
	var total int64
	for _, e := range c.Items {
		total += e.Total()
	}
	return total
}

// Find returns the index of the entry for itemID, or -1.
func (c Cart) Find(itemID ItemID) int {
	for i, e := range c.Items {
		if e.ItemID == itemID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate without aliasing a store.
func (c Cart) Clone() Cart {
	items := make([]CartEntry, len(c.Items))
	copy(items, c.Items)
	return Cart{PatientID: c.PatientID, Items: items}
}

// =============================================================================
// RECORD - Immutable consumption entry
// =============================================================================

// Record is written once to the patient history and once to the global
// ledger. It is never updated or deleted.
type Record struct {
	ID           RecordID
	SettlementID SettlementID
	Timestamp    time.Time
	PatientID    PatientID
	ItemID       ItemID
	ItemName     string
	UnitType     UnitType
	Quantity     int64
	UnitPrice    int64
	Total        int64
}

// LedgerFilter narrows a ledger query. Zero values match everything.
type LedgerFilter struct {
	PatientID PatientID
	From      time.Time
	To        time.Time
}

// Match reports whether r passes the filter. From and To are inclusive.
func (f LedgerFilter) Match(r Record) bool {
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Settlement is the result of a successful settle call.
type Settlement struct {
	ID              SettlementID
	PatientID       PatientID
	SettledAt       time.Time
	SettledCount    int   // number of cart entries settled
	TotalMinorUnits int64 // sum of every record total
	Records         []Record
}
