// Package store provides an in-memory consumption substrate.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/ward-supply/consumption"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements consumption.Substrate, consumption.PatientRegistry and
// consumption.Transactor. Every returned slice is a copy.
type Memory struct {
	mu       sync.RWMutex
	items    []consumption.InventoryItem // load order
	carts    map[consumption.PatientID]consumption.Cart
	history  map[consumption.PatientID][]consumption.Record
	ledger   []consumption.Record
	patients []consumption.Patient
}

func NewMemory() *Memory {
	return &Memory{
		carts:   make(map[consumption.PatientID]consumption.Cart),
		history: make(map[consumption.PatientID][]consumption.Record),
	}
}

// =============================================================================
// STOCK LEDGER
// =============================================================================

func (m *Memory) GetItem(_ context.Context, id consumption.ItemID) (consumption.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id)
}

func (m *Memory) getItemLocked(id consumption.ItemID) (consumption.InventoryItem, error) {
	if i := m.indexLocked(id); i >= 0 {
		return m.items[i], nil
	}
	return consumption.InventoryItem{}, &consumption.ItemNotFoundError{ItemID: id}
}

func (m *Memory) indexLocked(id consumption.ItemID) int {
	for i, it := range m.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) ListItems(_ context.Context) ([]consumption.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItemsLocked(), nil
}

func (m *Memory) listItemsLocked() []consumption.InventoryItem {
	result := make([]consumption.InventoryItem, len(m.items))
	copy(result, m.items)
	return result
}

func (m *Memory) Debit(_ context.Context, id consumption.ItemID, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(id, qty)
}

func (m *Memory) debitLocked(id consumption.ItemID, qty int64) error {
	i := m.indexLocked(id)
	if i < 0 {
		return &consumption.ItemNotFoundError{ItemID: id}
	}
	if m.items[i].QuantityOnHand < qty {
		return &consumption.InsufficientStockError{
			ItemID:    id,
			ItemName:  m.items[i].Name,
			Available: m.items[i].QuantityOnHand,
			Requested: qty,
		}
	}
	m.items[i].QuantityOnHand -= qty
	return nil
}

func (m *Memory) SetItem(_ context.Context, item consumption.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setItemLocked(item)
	return nil
}

func (m *Memory) setItemLocked(item consumption.InventoryItem) {
	if i := m.indexLocked(item.ID); i >= 0 {
		m.items[i] = item
		return
	}
	m.items = append(m.items, item)
}

func (m *Memory) RemoveItem(_ context.Context, id consumption.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeItemLocked(id)
}

func (m *Memory) removeItemLocked(id consumption.ItemID) error {
	i := m.indexLocked(id)
	if i < 0 {
		return &consumption.ItemNotFoundError{ItemID: id}
	}
	m.items = append(m.items[:i:i], m.items[i+1:]...)
	return nil
}

// ReplaceItems swaps in a copy of items as the whole collection.
func (m *Memory) ReplaceItems(_ context.Context, items []consumption.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceItemsLocked(items)
	return nil
}

func (m *Memory) replaceItemsLocked(items []consumption.InventoryItem) {
	next := make([]consumption.InventoryItem, len(items))
	copy(next, items)
	m.items = next
}

// =============================================================================
// CART STORE
// =============================================================================

// LoadCart creates the empty cart record on first access.
func (m *Memory) LoadCart(_ context.Context, patientID consumption.PatientID) (consumption.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCartLocked(patientID), nil
}

func (m *Memory) loadCartLocked(patientID consumption.PatientID) consumption.Cart {
	cart, ok := m.carts[patientID]
	if !ok {
		cart = consumption.NewCart(patientID)
		m.carts[patientID] = cart
	}
	return cart.Clone()
}

func (m *Memory) SaveCart(_ context.Context, cart consumption.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCartLocked(cart)
}

func (m *Memory) saveCartLocked(cart consumption.Cart) error {
	for _, e := range cart.Items {
		if e.Quantity <= 0 {
			return fmt.Errorf("cart entry %s has non-positive quantity %d", e.ItemID, e.Quantity)
		}
	}
	m.carts[cart.PatientID] = cart.Clone()
	return nil
}

// =============================================================================
// HISTORY LOG / GLOBAL LEDGER
// =============================================================================

func (m *Memory) AppendHistory(_ context.Context, patientID consumption.PatientID, records []consumption.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHistoryLocked(patientID, records)
	return nil
}

func (m *Memory) appendHistoryLocked(patientID consumption.PatientID, records []consumption.Record) {
	m.history[patientID] = append(m.history[patientID], records...)
}

func (m *Memory) History(_ context.Context, patientID consumption.PatientID) ([]consumption.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]consumption.Record, len(m.history[patientID]))
	copy(result, m.history[patientID])
	return result, nil
}

func (m *Memory) AppendLedger(_ context.Context, records []consumption.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLedgerLocked(records)
	return nil
}

func (m *Memory) appendLedgerLocked(records []consumption.Record) {
	m.ledger = append(m.ledger, records...)
}

func (m *Memory) Ledger(_ context.Context, filter consumption.LedgerFilter) ([]consumption.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []consumption.Record{}
	for _, r := range m.ledger {
		if filter.Match(r) {
			result = append(result, r)
		}
	}
	return result, nil
}

// =============================================================================
// PATIENT REGISTRY
// =============================================================================

func (m *Memory) CreatePatient(_ context.Context, p consumption.Patient) (consumption.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.ID = consumption.PatientID(fmt.Sprintf("P%04d", len(m.patients)+1))
	m.patients = append(m.patients, p)
	m.loadCartLocked(p.ID)
	return p, nil
}

func (m *Memory) GetPatient(_ context.Context, id consumption.PatientID) (consumption.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return consumption.Patient{}, &consumption.PatientNotFoundError{PatientID: id}
}

func (m *Memory) ListPatients(_ context.Context) ([]consumption.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]consumption.Patient, len(m.patients))
	copy(result, m.patients)
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(consumption.Substrate) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	items   []consumption.InventoryItem
	carts   map[consumption.PatientID]consumption.Cart
	history map[consumption.PatientID][]consumption.Record
	ledger  []consumption.Record
}

func (m *Memory) snapshot() memorySnapshot {
	carts := make(map[consumption.PatientID]consumption.Cart, len(m.carts))
	for k, v := range m.carts {
		carts[k] = v.Clone()
	}
	history := make(map[consumption.PatientID][]consumption.Record, len(m.history))
	for k, v := range m.history {
		history[k] = append([]consumption.Record{}, v...)
	}
	return memorySnapshot{
		items:   m.listItemsLocked(),
		carts:   carts,
		history: history,
		ledger:  append([]consumption.Record{}, m.ledger...),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.items = s.items
	m.carts = s.carts
	m.history = s.history
	m.ledger = s.ledger
}

// txView runs against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) GetItem(_ context.Context, id consumption.ItemID) (consumption.InventoryItem, error) {
	return tv.parent.getItemLocked(id)
}

func (tv *txView) ListItems(_ context.Context) ([]consumption.InventoryItem, error) {
	return tv.parent.listItemsLocked(), nil
}

func (tv *txView) Debit(_ context.Context, id consumption.ItemID, qty int64) error {
	return tv.parent.debitLocked(id, qty)
}

func (tv *txView) SetItem(_ context.Context, item consumption.InventoryItem) error {
	tv.parent.setItemLocked(item)
	return nil
}

func (tv *txView) RemoveItem(_ context.Context, id consumption.ItemID) error {
	return tv.parent.removeItemLocked(id)
}

func (tv *txView) ReplaceItems(_ context.Context, items []consumption.InventoryItem) error {
	tv.parent.replaceItemsLocked(items)
	return nil
}

func (tv *txView) LoadCart(_ context.Context, patientID consumption.PatientID) (consumption.Cart, error) {
	return tv.parent.loadCartLocked(patientID), nil
}

func (tv *txView) SaveCart(_ context.Context, cart consumption.Cart) error {
	return tv.parent.saveCartLocked(cart)
}

func (tv *txView) AppendHistory(_ context.Context, patientID consumption.PatientID, records []consumption.Record) error {
	tv.parent.appendHistoryLocked(patientID, records)
	return nil
}

func (tv *txView) History(_ context.Context, patientID consumption.PatientID) ([]consumption.Record, error) {
	return append([]consumption.Record{}, tv.parent.history[patientID]...), nil
}

func (tv *txView) AppendLedger(_ context.Context, records []consumption.Record) error {
	tv.parent.appendLedgerLocked(records)
	return nil
}

func (tv *txView) Ledger(_ context.Context, filter consumption.LedgerFilter) ([]consumption.Record, error) {
	result := []consumption.Record{}
	for _, r := range tv.parent.ledger {
		if filter.Match(r) {
			result = append(result, r)
		}
	}
	return result, nil
}

var (
	_ consumption.Substrate       = (*Memory)(nil)
	_ consumption.PatientRegistry = (*Memory)(nil)
	_ consumption.Transactor      = (*Memory)(nil)
	_ consumption.Substrate       = (*txView)(nil)
)
