/*
service.go - Operations exposed to the presentation layer

PURPOSE:
  Service is the single entry point the HTTP layer calls. It owns the
  locking discipline; stores only guarantee that each individual call is
  atomic.

OPERATIONS:
  Stock:     ListStock, GetItem, SetItem, RemoveItem, AdjustStock, DebitStock
  Patients:  CreatePatient, GetPatient, ListPatients
  Cart:      GetCart, AddToCart, RemoveFromCart, ClearCart
  Settle:    Settle (settlement.go)
  Reports:   History, Ledger

LOCKING:
  stockMu   Global. Held by every stock mutation and by a settlement from
            validation through commit, so the quantities it validated are the
            quantities it overwrites.
  carts     Per patient. Held by every cart operation and by Settle.

  Lock order is always patient, then stock. Nothing takes a patient lock
  while holding stockMu.

  The locks are in-process. Two server processes sharing one database
  file are not serialized against each other.

SEE ALSO:
  - settlement.go: Settle
  - store.go: Collaborators
*/
package consumption

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service implements the consumption operations on top of its collaborators.
type Service struct {
	stock    StockLedger
	carts    CartStore
	history  HistoryLog
	ledger   GlobalLedger
	patients PatientRegistry
	tx       Transactor

	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	stockMu   sync.Mutex
	cartLocks *keyedMutex
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTransactor makes every settlement commit run inside one transaction.
// The transactional view replaces all four collaborators during commit, so
// tx must front the same substrate the collaborators were built on.
func WithTransactor(tx Transactor) Option {
	return func(s *Service) { s.tx = tx }
}

// WithPatients enables the patient registry. Without it, patient ids are
// not checked for existence.
func WithPatients(r PatientRegistry) Option {
	return func(s *Service) { s.patients = r }
}

// WithIDGenerator overrides uuid generation for settlement and record ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService wires the engine to its collaborators.
func NewService(stock StockLedger, carts CartStore, history HistoryLog, ledger GlobalLedger, opts ...Option) *Service {
	s := &Service{
		stock:     stock,
		carts:     carts,
		history:   history,
		ledger:    ledger,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
		cartLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// STOCK
// =============================================================================

// ListStock returns every item in load order, optionally restricted to one
// drawer (case-insensitive).
func (s *Service) ListStock(ctx context.Context, drawer string) ([]InventoryItem, error) {
	items, err := s.stock.ListItems(ctx)
	if err != nil {
		return nil, wrapStorage("list stock", err)
	}
	if drawer == "" {
		return items, nil
	}
	filtered := make([]InventoryItem, 0, len(items))
	for _, it := range items {
		if strings.EqualFold(it.Drawer, drawer) {
			filtered = append(filtered, it)
		}
	}
	return filtered, nil
}

func (s *Service) GetItem(ctx context.Context, id ItemID) (InventoryItem, error) {
	item, err := s.stock.GetItem(ctx, id)
	return item, wrapStorage("get item", err)
}

// SetItem creates or replaces an inventory item. It does not look at
// pending carts: entries keep the price they were added with.
func (s *Service) SetItem(ctx context.Context, item InventoryItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	if err := s.stock.SetItem(ctx, item); err != nil {
		return wrapStorage("set item", err)
	}
	s.logger.Info("inventory item saved",
		zap.String("item_id", string(item.ID)),
		zap.Int64("quantity", item.QuantityOnHand))
	return nil
}

func (s *Service) RemoveItem(ctx context.Context, id ItemID) error {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	if err := s.stock.RemoveItem(ctx, id); err != nil {
		return wrapStorage("remove item", err)
	}
	s.logger.Info("inventory item removed", zap.String("item_id", string(id)))
	return nil
}

// AdjustStock applies a signed correction to one item. The result is
// clamped at zero rather than rejected.
func (s *Service) AdjustStock(ctx context.Context, id ItemID, delta int64) (InventoryItem, error) {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	item, err := s.stock.GetItem(ctx, id)
	if err != nil {
		return InventoryItem{}, wrapStorage("get item", err)
	}
	item.QuantityOnHand += delta
	if item.QuantityOnHand < 0 {
		item.QuantityOnHand = 0
	}
	if err := s.stock.SetItem(ctx, item); err != nil {
		return InventoryItem{}, wrapStorage("adjust stock", err)
	}
	return item, nil
}

// DebitStock withdraws qty of one item outside any patient cart.
func (s *Service) DebitStock(ctx context.Context, id ItemID, qty int64) error {
	if qty < 1 {
		return &InvalidQuantityError{Quantity: qty}
	}
	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	return wrapStorage("debit stock", s.stock.Debit(ctx, id, qty))
}

func validateItem(item InventoryItem) error {
	switch {
	case strings.TrimSpace(string(item.ID)) == "":
		return invalidItem("id is required")
	case strings.TrimSpace(item.Name) == "":
		return invalidItem("name is required")
	case !item.UnitType.Valid():
		return invalidItem("unknown unit type " + string(item.UnitType))
	case item.QuantityOnHand < 0:
		return invalidItem("quantity cannot be negative")
	case item.CostPurchase < 0 || item.CostInternal < 0 || item.CostPatient < 0:
		return invalidItem("prices cannot be negative")
	}
	return nil
}

func invalidItem(reason string) error {
	return &itemError{reason: reason}
}

type itemError struct{ reason string }

func (e *itemError) Error() string { return "invalid inventory item: " + e.reason }
func (e *itemError) Unwrap() error { return ErrInvalidItem }

// =============================================================================
// PATIENTS
// =============================================================================

func (s *Service) CreatePatient(ctx context.Context, p Patient) (Patient, error) {
	if s.patients == nil {
		return Patient{}, &StorageError{Op: "create patient", Err: errNoRegistry}
	}
	created, err := s.patients.CreatePatient(ctx, p)
	if err != nil {
		return Patient{}, wrapStorage("create patient", err)
	}
	s.logger.Info("patient created", zap.String("patient_id", string(created.ID)))
	return created, nil
}

func (s *Service) GetPatient(ctx context.Context, id PatientID) (Patient, error) {
	if s.patients == nil {
		return Patient{}, &PatientNotFoundError{PatientID: id}
	}
	p, err := s.patients.GetPatient(ctx, id)
	return p, wrapStorage("get patient", err)
}

func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	if s.patients == nil {
		return []Patient{}, nil
	}
	ps, err := s.patients.ListPatients(ctx)
	return ps, wrapStorage("list patients", err)
}

func (s *Service) checkPatient(ctx context.Context, id PatientID) error {
	if s.patients == nil {
		return nil
	}
	_, err := s.patients.GetPatient(ctx, id)
	return wrapStorage("get patient", err)
}

// =============================================================================
// CART
// =============================================================================

func (s *Service) GetCart(ctx context.Context, patientID PatientID) (Cart, error) {
	unlock := s.cartLocks.Lock(patientID)
	defer unlock()

	if err := s.checkPatient(ctx, patientID); err != nil {
		return Cart{}, err
	}
	cart, err := s.carts.LoadCart(ctx, patientID)
	return cart, wrapStorage("load cart", err)
}

// AddToCart adds qty of an item to the patient's cart. The check is against
// stock on hand, not against quantities pending in other carts.
func (s *Service) AddToCart(ctx context.Context, patientID PatientID, itemID ItemID, qty int64) (Cart, error) {
	if qty < 1 {
		return Cart{}, &InvalidQuantityError{Quantity: qty}
	}
	unlock := s.cartLocks.Lock(patientID)
	defer unlock()

	if err := s.checkPatient(ctx, patientID); err != nil {
		return Cart{}, err
	}
	item, err := s.stock.GetItem(ctx, itemID)
	if err != nil {
		return Cart{}, wrapStorage("get item", err)
	}
	if item.QuantityOnHand < qty {
		return Cart{}, &InsufficientStockError{
			ItemID:    item.ID,
			ItemName:  item.Name,
			Available: item.QuantityOnHand,
			Requested: qty,
		}
	}

	cart, err := s.carts.LoadCart(ctx, patientID)
	if err != nil {
		return Cart{}, wrapStorage("load cart", err)
	}
	cart = cart.Clone()
	if i := cart.Find(itemID); i >= 0 {
		cart.Items[i].Quantity += qty
	} else {
		cart.Items = append(cart.Items, CartEntry{
			ItemID:    item.ID,
			ItemName:  item.Name,
			UnitType:  item.UnitType,
			Quantity:  qty,
			UnitPrice: item.CostPatient,
		})
	}
	if err := s.carts.SaveCart(ctx, cart); err != nil {
		return Cart{}, wrapStorage("save cart", err)
	}
	return cart, nil
}

// RemoveFromCart lowers an entry by qty and drops it once it reaches zero.
func (s *Service) RemoveFromCart(ctx context.Context, patientID PatientID, itemID ItemID, qty int64) (Cart, error) {
	if qty < 1 {
		return Cart{}, &InvalidQuantityError{Quantity: qty}
	}
	unlock := s.cartLocks.Lock(patientID)
	defer unlock()

	if err := s.checkPatient(ctx, patientID); err != nil {
		return Cart{}, err
	}
	cart, err := s.carts.LoadCart(ctx, patientID)
	if err != nil {
		return Cart{}, wrapStorage("load cart", err)
	}
	cart = cart.Clone()
	i := cart.Find(itemID)
	if i < 0 {
		return Cart{}, &CartEntryNotFoundError{PatientID: patientID, ItemID: itemID}
	}
	cart.Items[i].Quantity -= qty
	if cart.Items[i].Quantity <= 0 {
		cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
	}
	if err := s.carts.SaveCart(ctx, cart); err != nil {
		return Cart{}, wrapStorage("save cart", err)
	}
	return cart, nil
}

func (s *Service) ClearCart(ctx context.Context, patientID PatientID) error {
	unlock := s.cartLocks.Lock(patientID)
	defer unlock()

	if err := s.checkPatient(ctx, patientID); err != nil {
		return err
	}
	return wrapStorage("clear cart", s.carts.SaveCart(ctx, NewCart(patientID)))
}

// =============================================================================
// REPORTS
// =============================================================================

func (s *Service) History(ctx context.Context, patientID PatientID) ([]Record, error) {
	if err := s.checkPatient(ctx, patientID); err != nil {
		return nil, err
	}
	recs, err := s.history.History(ctx, patientID)
	return recs, wrapStorage("load history", err)
}

func (s *Service) Ledger(ctx context.Context, filter LedgerFilter) ([]Record, error) {
	recs, err := s.ledger.Ledger(ctx, filter)
	return recs, wrapStorage("load ledger", err)
}
