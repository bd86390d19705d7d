package consumption

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("P0001")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, km.held(), "entries are dropped once released")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("P0001")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("P0002")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
	assert.Equal(t, 1, km.held())
}

func TestAttempt_IllegalTransitionPanics(t *testing.T) {
	a := &attempt{id: "s-1", state: StatePending}

	assert.Panics(t, func() { a.advance(StateSettled) })
	assert.NotPanics(t, func() { a.advance(StateValidating) })
	assert.NotPanics(t, func() { a.advance(StateRejected) })
	assert.Panics(t, func() { a.advance(StateCommitting) }, "rejected is terminal")
}

func TestAttempt_ValidateSumsDuplicateEntries(t *testing.T) {
	a := &attempt{
		state: StateValidating,
		cart: Cart{PatientID: "P0001", Items: []CartEntry{
			{ItemID: "gauze", ItemName: "Gauze", Quantity: 6},
			{ItemID: "gauze", ItemName: "Gauze", Quantity: 6},
		}},
	}
	items := []InventoryItem{{ID: "gauze", Name: "Gauze", QuantityOnHand: 10}}

	err := a.validate(items)

	var stockErr *InsufficientStockError
	assert.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(12), stockErr.Requested)
	assert.Nil(t, a.stock)
	assert.Equal(t, int64(10), items[0].QuantityOnHand, "input collection is never mutated")
}
