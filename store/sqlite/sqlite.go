/*
Package sqlite provides a SQLite-backed consumption substrate.

PURPOSE:
  Implements every collaborator the consumption engine needs
  (StockLedger, CartStore, HistoryLog, GlobalLedger, PatientRegistry)
  plus Transactor, so a whole settlement commit lands in one SQLite
  transaction.

KEY TABLES:
  items:     One row per inventory item. seq preserves load order.
  patients:  Sequential P0001-style ids.
  carts:     One row per patient; entries stored as a JSON document so
             a cart is always replaced as a whole record.
  history:   Append-only per-patient records.
  ledger:    Append-only global records.

APPEND-ONLY ENFORCEMENT:
  Triggers abort any UPDATE or DELETE on history and ledger.
  items.quantity carries CHECK (quantity >= 0).

CONCURRENCY:
  The pool is limited to one connection. Multi-statement writes run in
  their own transaction. The consumption.Service above this store owns
  the ordering locks.

WAL MODE:
  File databases are opened with WAL for crash recovery. ":memory:" is
  supported for tests.

USAGE:
  store, err := sqlite.New("./data/ward.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - consumption/store.go: Interface definitions
  - consumption/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/ward-supply/consumption"
)

// Store implements the consumption storage interfaces using SQLite.
type Store struct {
	conn
	db *sqlx.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{x: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			unit_type TEXT NOT NULL,
			drawer TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL CHECK (quantity >= 0),
			cost_purchase INTEGER NOT NULL DEFAULT 0,
			cost_internal INTEGER NOT NULL DEFAULT 0,
			cost_patient INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_drawer ON items(drawer)`,

		`CREATE TABLE IF NOT EXISTS patients (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			age INTEGER NOT NULL DEFAULT 0,
			guardian TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS carts (
			patient_id TEXT PRIMARY KEY,
			items_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			settlement_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			unit_type TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price INTEGER NOT NULL,
			total INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_patient ON history(patient_id, seq)`,

		`CREATE TABLE IF NOT EXISTS ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			settlement_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			unit_type TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price INTEGER NOT NULL,
			total INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_recorded_at ON ledger(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_patient ON ledger(patient_id, seq)`,
	}
	for _, table := range []string{"history", "ledger"} {
		schema = append(schema,
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_update BEFORE UPDATE ON %[1]s
				BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END`, table),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete BEFORE DELETE ON %[1]s
				BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END`, table),
		)
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (consumption.Transactor)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(consumption.Substrate) error) error {
	return s.inTx(ctx, func(c conn) error { return fn(c) })
}

func (s *Store) inTx(ctx context.Context, fn func(conn) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(conn{x: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Multi-statement writes get their own transaction when called outside WithTx.

func (s *Store) Debit(ctx context.Context, id consumption.ItemID, qty int64) error {
	return s.inTx(ctx, func(c conn) error { return c.Debit(ctx, id, qty) })
}

func (s *Store) ReplaceItems(ctx context.Context, items []consumption.InventoryItem) error {
	return s.inTx(ctx, func(c conn) error { return c.ReplaceItems(ctx, items) })
}

func (s *Store) LoadCart(ctx context.Context, patientID consumption.PatientID) (consumption.Cart, error) {
	var cart consumption.Cart
	err := s.inTx(ctx, func(c conn) error {
		var err error
		cart, err = c.LoadCart(ctx, patientID)
		return err
	})
	return cart, err
}

func (s *Store) AppendHistory(ctx context.Context, patientID consumption.PatientID, records []consumption.Record) error {
	return s.inTx(ctx, func(c conn) error { return c.AppendHistory(ctx, patientID, records) })
}

func (s *Store) AppendLedger(ctx context.Context, records []consumption.Record) error {
	return s.inTx(ctx, func(c conn) error { return c.AppendLedger(ctx, records) })
}

func (s *Store) CreatePatient(ctx context.Context, p consumption.Patient) (consumption.Patient, error) {
	var created consumption.Patient
	err := s.inTx(ctx, func(c conn) error {
		var err error
		created, err = c.CreatePatient(ctx, p)
		return err
	})
	return created, err
}

// =============================================================================
// CONN - Queries bound to either the pool or an open transaction
// =============================================================================

type conn struct {
	x sqlx.ExtContext
}

// =============================================================================
// STOCK LEDGER
// =============================================================================

type itemRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	UnitType     string `db:"unit_type"`
	Drawer       string `db:"drawer"`
	Quantity     int64  `db:"quantity"`
	CostPurchase int64  `db:"cost_purchase"`
	CostInternal int64  `db:"cost_internal"`
	CostPatient  int64  `db:"cost_patient"`
	Description  string `db:"description"`
	UpdatedAt    int64  `db:"updated_at"`
}

const itemColumns = `id, name, unit_type, drawer, quantity, cost_purchase, cost_internal,
	cost_patient, description, updated_at`

func toItemRow(it consumption.InventoryItem) itemRow {
	return itemRow{
		ID:           string(it.ID),
		Name:         it.Name,
		UnitType:     string(it.UnitType),
		Drawer:       it.Drawer,
		Quantity:     it.QuantityOnHand,
		CostPurchase: it.CostPurchase,
		CostInternal: it.CostInternal,
		CostPatient:  it.CostPatient,
		Description:  it.Description,
		UpdatedAt:    time.Now().UnixNano(),
	}
}

func (r itemRow) item() consumption.InventoryItem {
	return consumption.InventoryItem{
		ID:             consumption.ItemID(r.ID),
		Name:           r.Name,
		UnitType:       consumption.UnitType(r.UnitType),
		Drawer:         r.Drawer,
		QuantityOnHand: r.Quantity,
		CostPurchase:   r.CostPurchase,
		CostInternal:   r.CostInternal,
		CostPatient:    r.CostPatient,
		Description:    r.Description,
	}
}

func (c conn) GetItem(ctx context.Context, id consumption.ItemID) (consumption.InventoryItem, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, c.x, &row, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return consumption.InventoryItem{}, &consumption.ItemNotFoundError{ItemID: id}
	}
	if err != nil {
		return consumption.InventoryItem{}, fmt.Errorf("failed to get item: %w", err)
	}
	return row.item(), nil
}

func (c conn) ListItems(ctx context.Context) ([]consumption.InventoryItem, error) {
	var rows []itemRow
	if err := sqlx.SelectContext(ctx, c.x, &rows, "SELECT "+itemColumns+" FROM items ORDER BY seq"); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	items := make([]consumption.InventoryItem, len(rows))
	for i, r := range rows {
		items[i] = r.item()
	}
	return items, nil
}

// Debit is a guarded decrement; the WHERE clause makes check and write one
// statement.
func (c conn) Debit(ctx context.Context, id consumption.ItemID, qty int64) error {
	res, err := c.x.ExecContext(ctx,
		"UPDATE items SET quantity = quantity - ?, updated_at = ? WHERE id = ? AND quantity >= ?",
		qty, time.Now().UnixNano(), id, qty)
	if err != nil {
		return fmt.Errorf("failed to debit item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	item, err := c.GetItem(ctx, id)
	if err != nil {
		return err
	}
	return &consumption.InsufficientStockError{
		ItemID:    id,
		ItemName:  item.Name,
		Available: item.QuantityOnHand,
		Requested: qty,
	}
}

const upsertItem = `
	INSERT INTO items (` + itemColumns + `)
	VALUES (:id, :name, :unit_type, :drawer, :quantity, :cost_purchase, :cost_internal,
		:cost_patient, :description, :updated_at)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		unit_type = excluded.unit_type,
		drawer = excluded.drawer,
		quantity = excluded.quantity,
		cost_purchase = excluded.cost_purchase,
		cost_internal = excluded.cost_internal,
		cost_patient = excluded.cost_patient,
		description = excluded.description,
		updated_at = excluded.updated_at
`

func (c conn) SetItem(ctx context.Context, item consumption.InventoryItem) error {
	if _, err := sqlx.NamedExecContext(ctx, c.x, upsertItem, toItemRow(item)); err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (c conn) RemoveItem(ctx context.Context, id consumption.ItemID) error {
	res, err := c.x.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &consumption.ItemNotFoundError{ItemID: id}
	}
	return nil
}

// ReplaceItems upserts every item and drops rows not in items. Callers
// outside a transaction go through Store.ReplaceItems, which wraps this in one.
func (c conn) ReplaceItems(ctx context.Context, items []consumption.InventoryItem) error {
	ids := make([]string, len(items))
	for i, it := range items {
		if err := c.SetItem(ctx, it); err != nil {
			return err
		}
		ids[i] = string(it.ID)
	}

	if len(ids) == 0 {
		_, err := c.x.ExecContext(ctx, "DELETE FROM items")
		return err
	}
	query, args, err := sqlx.In("DELETE FROM items WHERE id NOT IN (?)", ids)
	if err != nil {
		return err
	}
	if _, err := c.x.ExecContext(ctx, c.x.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to replace items: %w", err)
	}
	return nil
}

// =============================================================================
// CART STORE
// =============================================================================

type cartEntryJSON struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	UnitType  string `json:"unit_type"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func (c conn) LoadCart(ctx context.Context, patientID consumption.PatientID) (consumption.Cart, error) {
	_, err := c.x.ExecContext(ctx,
		"INSERT OR IGNORE INTO carts (patient_id, items_json, updated_at) VALUES (?, '[]', ?)",
		patientID, time.Now().UnixNano())
	if err != nil {
		return consumption.Cart{}, fmt.Errorf("failed to create cart: %w", err)
	}

	var raw string
	if err := sqlx.GetContext(ctx, c.x, &raw, "SELECT items_json FROM carts WHERE patient_id = ?", patientID); err != nil {
		return consumption.Cart{}, fmt.Errorf("failed to load cart: %w", err)
	}
	var entries []cartEntryJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return consumption.Cart{}, fmt.Errorf("corrupt cart for patient %s: %w", patientID, err)
	}

	cart := consumption.NewCart(patientID)
	for _, e := range entries {
		cart.Items = append(cart.Items, consumption.CartEntry{
			ItemID:    consumption.ItemID(e.ItemID),
			ItemName:  e.ItemName,
			UnitType:  consumption.UnitType(e.UnitType),
			Quantity:  e.Quantity,
			UnitPrice: e.UnitPrice,
		})
	}
	return cart, nil
}

func (c conn) SaveCart(ctx context.Context, cart consumption.Cart) error {
	entries := make([]cartEntryJSON, len(cart.Items))
	for i, e := range cart.Items {
		if e.Quantity <= 0 {
			return fmt.Errorf("cart entry %s has non-positive quantity %d", e.ItemID, e.Quantity)
		}
		entries[i] = cartEntryJSON{
			ItemID:    string(e.ItemID),
			ItemName:  e.ItemName,
			UnitType:  string(e.UnitType),
			Quantity:  e.Quantity,
			UnitPrice: e.UnitPrice,
		}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	_, err = c.x.ExecContext(ctx, `
		INSERT INTO carts (patient_id, items_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			items_json = excluded.items_json,
			updated_at = excluded.updated_at
	`, cart.PatientID, string(raw), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	return nil
}

// =============================================================================
// HISTORY LOG / GLOBAL LEDGER
// =============================================================================

type recordRow struct {
	ID           string `db:"id"`
	SettlementID string `db:"settlement_id"`
	PatientID    string `db:"patient_id"`
	ItemID       string `db:"item_id"`
	ItemName     string `db:"item_name"`
	UnitType     string `db:"unit_type"`
	Quantity     int64  `db:"quantity"`
	UnitPrice    int64  `db:"unit_price"`
	Total        int64  `db:"total"`
	RecordedAt   int64  `db:"recorded_at"`
}

const recordColumns = `id, settlement_id, patient_id, item_id, item_name, unit_type,
	quantity, unit_price, total, recorded_at`

func toRecordRow(r consumption.Record) recordRow {
	return recordRow{
		ID:           string(r.ID),
		SettlementID: string(r.SettlementID),
		PatientID:    string(r.PatientID),
		ItemID:       string(r.ItemID),
		ItemName:     r.ItemName,
		UnitType:     string(r.UnitType),
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		Total:        r.Total,
		RecordedAt:   r.Timestamp.UnixNano(),
	}
}

func (r recordRow) record() consumption.Record {
	return consumption.Record{
		ID:           consumption.RecordID(r.ID),
		SettlementID: consumption.SettlementID(r.SettlementID),
		Timestamp:    time.Unix(0, r.RecordedAt).UTC(),
		PatientID:    consumption.PatientID(r.PatientID),
		ItemID:       consumption.ItemID(r.ItemID),
		ItemName:     r.ItemName,
		UnitType:     consumption.UnitType(r.UnitType),
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		Total:        r.Total,
	}
}

func (c conn) appendRecords(ctx context.Context, table string, records []consumption.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (:id, :settlement_id, :patient_id, :item_id,
		:item_name, :unit_type, :quantity, :unit_price, :total, :recorded_at)`, table, recordColumns)
	for _, r := range records {
		if _, err := sqlx.NamedExecContext(ctx, c.x, query, toRecordRow(r)); err != nil {
			return fmt.Errorf("failed to append %s record: %w", table, err)
		}
	}
	return nil
}

func (c conn) queryRecords(ctx context.Context, query string, args ...any) ([]consumption.Record, error) {
	var rows []recordRow
	if err := sqlx.SelectContext(ctx, c.x, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	records := make([]consumption.Record, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}
	return records, nil
}

func (c conn) AppendHistory(ctx context.Context, patientID consumption.PatientID, records []consumption.Record) error {
	for _, r := range records {
		if r.PatientID != patientID {
			return fmt.Errorf("record %s belongs to patient %s, not %s", r.ID, r.PatientID, patientID)
		}
	}
	return c.appendRecords(ctx, "history", records)
}

func (c conn) History(ctx context.Context, patientID consumption.PatientID) ([]consumption.Record, error) {
	return c.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM history WHERE patient_id = ? ORDER BY seq", patientID)
}

func (c conn) AppendLedger(ctx context.Context, records []consumption.Record) error {
	return c.appendRecords(ctx, "ledger", records)
}

func (c conn) Ledger(ctx context.Context, filter consumption.LedgerFilter) ([]consumption.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if !filter.From.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "recorded_at <= ?")
		args = append(args, filter.To.UnixNano())
	}

	query := "SELECT " + recordColumns + " FROM ledger"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return c.queryRecords(ctx, query+" ORDER BY seq", args...)
}

// =============================================================================
// PATIENT REGISTRY
// =============================================================================

type patientRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Age      int    `db:"age"`
	Guardian string `db:"guardian"`
	Location string `db:"location"`
	Notes    string `db:"notes"`
}

func (r patientRow) patient() consumption.Patient {
	return consumption.Patient{
		ID:       consumption.PatientID(r.ID),
		Name:     r.Name,
		Age:      r.Age,
		Guardian: r.Guardian,
		Location: r.Location,
		Notes:    r.Notes,
	}
}

func (c conn) CreatePatient(ctx context.Context, p consumption.Patient) (consumption.Patient, error) {
	var count int
	if err := sqlx.GetContext(ctx, c.x, &count, "SELECT COUNT(*) FROM patients"); err != nil {
		return consumption.Patient{}, fmt.Errorf("failed to count patients: %w", err)
	}
	p.ID = consumption.PatientID(fmt.Sprintf("P%04d", count+1))

	_, err := c.x.ExecContext(ctx, `
		INSERT INTO patients (id, name, age, guardian, location, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Age, p.Guardian, p.Location, p.Notes, time.Now().UnixNano())
	if err != nil {
		return consumption.Patient{}, fmt.Errorf("failed to create patient: %w", err)
	}
	if _, err := c.LoadCart(ctx, p.ID); err != nil {
		return consumption.Patient{}, err
	}
	return p, nil
}

func (c conn) GetPatient(ctx context.Context, id consumption.PatientID) (consumption.Patient, error) {
	var row patientRow
	err := sqlx.GetContext(ctx, c.x, &row,
		"SELECT id, name, age, guardian, location, notes FROM patients WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return consumption.Patient{}, &consumption.PatientNotFoundError{PatientID: id}
	}
	if err != nil {
		return consumption.Patient{}, fmt.Errorf("failed to get patient: %w", err)
	}
	return row.patient(), nil
}

func (c conn) ListPatients(ctx context.Context) ([]consumption.Patient, error) {
	var rows []patientRow
	if err := sqlx.SelectContext(ctx, c.x, &rows,
		"SELECT id, name, age, guardian, location, notes FROM patients ORDER BY seq"); err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	patients := make([]consumption.Patient, len(rows))
	for i, r := range rows {
		patients[i] = r.patient()
	}
	return patients, nil
}

var (
	_ consumption.Substrate       = (*Store)(nil)
	_ consumption.PatientRegistry = (*Store)(nil)
	_ consumption.Transactor      = (*Store)(nil)
	_ consumption.Substrate       = conn{}
)
