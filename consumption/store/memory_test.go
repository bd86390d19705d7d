package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ward-supply/consumption"
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SetItem(ctx, consumption.InventoryItem{ID: "a", Name: "A", QuantityOnHand: 5}))
	require.NoError(t, m.SetItem(ctx, consumption.InventoryItem{ID: "b", Name: "B", QuantityOnHand: 1}))
	return m
}

func TestMemory_DebitGuardsAvailability(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.Debit(ctx, "a", 5))
	assert.ErrorIs(t, m.Debit(ctx, "a", 1), consumption.ErrInsufficientStock)
	assert.ErrorIs(t, m.Debit(ctx, "zz", 1), consumption.ErrNotFound)

	it, err := m.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), it.QuantityOnHand)
}

func TestMemory_ListReturnsCopy(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	items, err := m.ListItems(ctx)
	require.NoError(t, err)
	items[0].QuantityOnHand = 999

	it, err := m.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), it.QuantityOnHand)
}

func TestMemory_RemoveKeepsOrder(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	require.NoError(t, m.SetItem(ctx, consumption.InventoryItem{ID: "c", Name: "C"}))

	require.NoError(t, m.RemoveItem(ctx, "a"))
	assert.ErrorIs(t, m.RemoveItem(ctx, "a"), consumption.ErrNotFound)

	items, err := m.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, consumption.ItemID("b"), items[0].ID)
	assert.Equal(t, consumption.ItemID("c"), items[1].ID)
}

func TestMemory_SaveCartRejectsNonPositive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.SaveCart(ctx, consumption.Cart{PatientID: "P0001", Items: []consumption.CartEntry{{ItemID: "a", Quantity: 0}}})
	assert.Error(t, err)

	cart, err := m.LoadCart(ctx, "P0001")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
}

func TestMemory_CreatePatientCreatesCart(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p, err := m.CreatePatient(ctx, consumption.Patient{Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, consumption.PatientID("P0001"), p.ID)
	_, ok := m.carts[p.ID]
	assert.True(t, ok)

	_, err = m.GetPatient(ctx, "P0042")
	assert.ErrorIs(t, err, consumption.ErrNotFound)
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	// GIVEN: A seeded store
	// WHEN: A transaction writes every collection and then fails
	// THEN: Every collection is restored

	m := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(sub consumption.Substrate) error {
		require.NoError(t, sub.ReplaceItems(ctx, []consumption.InventoryItem{{ID: "a", QuantityOnHand: 1}}))
		rec := []consumption.Record{{ID: "r1", PatientID: "P0001"}}
		require.NoError(t, sub.AppendHistory(ctx, "P0001", rec))
		require.NoError(t, sub.AppendLedger(ctx, rec))
		require.NoError(t, sub.SaveCart(ctx, consumption.Cart{PatientID: "P0001", Items: []consumption.CartEntry{{ItemID: "a", Quantity: 1}}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	items, _ := m.ListItems(ctx)
	assert.Len(t, items, 2)
	history, _ := m.History(ctx, "P0001")
	assert.Empty(t, history)
	ledger, _ := m.Ledger(ctx, consumption.LedgerFilter{})
	assert.Empty(t, ledger)
	_, ok := m.carts["P0001"]
	assert.False(t, ok)
}

func TestMemory_WithTxCommits(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(sub consumption.Substrate) error {
		return sub.Debit(ctx, "b", 1)
	})
	require.NoError(t, err)

	it, err := m.GetItem(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), it.QuantityOnHand)
}
