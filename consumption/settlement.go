/*
settlement.go - Converting a pending cart into stock debits and records

STATE MACHINE (one attempt, under the patient lock):

  PENDING ──► VALIDATING ──► COMMITTING ──► SETTLED
                  │
                  └──────► REJECTED

  PENDING     cart loaded and has at least one entry (an empty cart fails
              with EmptyCartError before any attempt exists)
  VALIDATING  the full stock collection is loaded once and every entry is
              checked before anything is mutated
  REJECTED    first insufficient or missing item aborts the whole cart;
              stock, history, ledger and cart are untouched
  COMMITTING  stock (one whole-collection write), history, ledger and cart
              clear are written in that order
  SETTLED     every write landed

ATOMICITY:
  With a Transactor the four commit writes share one transaction and a
  failure rolls all of them back. Without one, a failure after the stock
  write leaves stock debited and is returned as an inconsistent
  CommitError, logged for manual reconciliation. It is never retried.

TIMESTAMPS:
  One timestamp per settlement, shared by every record in the batch.

SEE ALSO:
  - service.go: Locking discipline
  - errors.go: CommitError
*/
package consumption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// STATES
// =============================================================================

type SettlementState string

const (
	StatePending    SettlementState = "pending"
	StateValidating SettlementState = "validating"
	StateCommitting SettlementState = "committing"
	StateSettled    SettlementState = "settled"
	StateRejected   SettlementState = "rejected"
)

var transitions = map[SettlementState][]SettlementState{
	StatePending:    {StateValidating},
	StateValidating: {StateCommitting, StateRejected},
	StateCommitting: {StateSettled},
}

// StageTxCommit is reported when every write succeeded but the enclosing
// transaction failed to commit.
const StageTxCommit CommitStage = "tx_commit"

// =============================================================================
// ATTEMPT
// =============================================================================

type attempt struct {
	id        SettlementID
	patientID PatientID
	state     SettlementState
	cart      Cart

	stock   []InventoryItem // full collection after debit
	records []Record
}

func (a *attempt) advance(to SettlementState) {
	for _, next := range transitions[a.state] {
		if next == to {
			a.state = to
			return
		}
	}
	panic(fmt.Sprintf("settlement %s: illegal transition %s -> %s", a.id, a.state, to))
}

// validate checks the whole cart against items and, only if every entry
// passes, debits the in-memory copy. Requirements are summed per item so a
// corrupted cart holding the same item twice still cannot overdraw it.
func (a *attempt) validate(items []InventoryItem) error {
	index := make(map[ItemID]int, len(items))
	for i, it := range items {
		index[it.ID] = i
	}

	required := make(map[ItemID]int64, len(a.cart.Items))
	for _, e := range a.cart.Items {
		i, ok := index[e.ItemID]
		if !ok {
			return &ItemNotFoundError{ItemID: e.ItemID}
		}
		required[e.ItemID] += e.Quantity
		if items[i].QuantityOnHand < required[e.ItemID] {
			return &InsufficientStockError{
				ItemID:    e.ItemID,
				ItemName:  e.ItemName,
				Available: items[i].QuantityOnHand,
				Requested: required[e.ItemID],
			}
		}
	}

	debited := make([]InventoryItem, len(items))
	copy(debited, items)
	for _, e := range a.cart.Items {
		debited[index[e.ItemID]].QuantityOnHand -= e.Quantity
	}
	a.stock = debited
	return nil
}

// buildRecords snapshots the cart's unit prices, never the current stock price.
func (a *attempt) buildRecords(at time.Time, newID func() string) {
	a.records = make([]Record, len(a.cart.Items))
	for i, e := range a.cart.Items {
		a.records[i] = Record{
			ID:           RecordID(newID()),
			SettlementID: a.id,
			Timestamp:    at,
			PatientID:    a.patientID,
			ItemID:       e.ItemID,
			ItemName:     e.ItemName,
			UnitType:     e.UnitType,
			Quantity:     e.Quantity,
			UnitPrice:    e.UnitPrice,
			Total:        e.Total(),
		}
	}
}

func (a *attempt) apply(ctx context.Context, stock StockLedger, history HistoryLog, ledger GlobalLedger, carts CartStore) error {
	steps := []struct {
		stage CommitStage
		run   func() error
	}{
		{StageStock, func() error { return stock.ReplaceItems(ctx, a.stock) }},
		{StageHistory, func() error { return history.AppendHistory(ctx, a.patientID, a.records) }},
		{StageLedger, func() error { return ledger.AppendLedger(ctx, a.records) }},
		{StageCart, func() error { return carts.SaveCart(ctx, NewCart(a.patientID)) }},
	}

	var applied []CommitStage
	for _, step := range steps {
		if err := step.run(); err != nil {
			return &CommitError{
				PatientID:    a.patientID,
				SettlementID: a.id,
				Stage:        step.stage,
				Applied:      applied,
				Err:          err,
			}
		}
		applied = append(applied, step.stage)
	}
	return nil
}

func (a *attempt) result(at time.Time) Settlement {
	return Settlement{
		ID:              a.id,
		PatientID:       a.patientID,
		SettledAt:       at,
		SettledCount:    len(a.records),
		TotalMinorUnits: a.cart.Total(),
		Records:         a.records,
	}
}

// =============================================================================
// SETTLE
// =============================================================================

// Settle confirms the patient's pending cart. On any error other than an
// inconsistent CommitError, nothing was changed and the call may be retried.
func (s *Service) Settle(ctx context.Context, patientID PatientID) (Settlement, error) {
	unlock := s.cartLocks.Lock(patientID)
	defer unlock()

	if err := s.checkPatient(ctx, patientID); err != nil {
		return Settlement{}, err
	}
	cart, err := s.carts.LoadCart(ctx, patientID)
	if err != nil {
		return Settlement{}, wrapStorage("load cart", err)
	}
	if cart.IsEmpty() {
		return Settlement{}, &EmptyCartError{PatientID: patientID}
	}

	a := &attempt{
		id:        SettlementID(s.newID()),
		patientID: patientID,
		state:     StatePending,
		cart:      cart.Clone(),
	}
	log := s.logger.With(
		zap.String("patient_id", string(patientID)),
		zap.String("settlement_id", string(a.id)),
	)

	s.stockMu.Lock()
	defer s.stockMu.Unlock()

	a.advance(StateValidating)
	log.Debug("validating settlement", zap.Int("entries", len(a.cart.Items)))

	items, err := s.stock.ListItems(ctx)
	if err != nil {
		a.advance(StateRejected)
		err = wrapStorage("list stock", err)
		log.Warn("settlement rejected", zap.Error(err))
		return Settlement{}, err
	}
	if err := a.validate(items); err != nil {
		a.advance(StateRejected)
		log.Info("settlement rejected", zap.Error(err))
		return Settlement{}, err
	}

	a.advance(StateCommitting)
	at := s.now()
	a.buildRecords(at, s.newID)

	if err := s.commit(ctx, a); err != nil {
		s.logCommitFailure(log, err)
		return Settlement{}, err
	}

	a.advance(StateSettled)
	res := a.result(at)
	log.Info("settlement completed",
		zap.Int("count", res.SettledCount),
		zap.Int64("total_minor_units", res.TotalMinorUnits))
	return res, nil
}

func (s *Service) commit(ctx context.Context, a *attempt) error {
	if s.tx == nil {
		return a.apply(ctx, s.stock, s.history, s.ledger, s.carts)
	}

	err := s.tx.WithTx(ctx, func(sub Substrate) error {
		return a.apply(ctx, sub, sub, sub, sub)
	})
	if err == nil {
		return nil
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		ce.Applied = nil
		return ce
	}
	return &CommitError{
		PatientID:    a.patientID,
		SettlementID: a.id,
		Stage:        StageTxCommit,
		Err:          err,
	}
}

func (s *Service) logCommitFailure(log *zap.Logger, err error) {
	var ce *CommitError
	if !errors.As(err, &ce) {
		log.Error("settlement commit failed", zap.Error(err))
		return
	}
	applied := make([]string, len(ce.Applied))
	for i, st := range ce.Applied {
		applied[i] = string(st)
	}
	if ce.Inconsistent() {
		log.Error("settlement commit incomplete",
			zap.String("stage", string(ce.Stage)),
			zap.Strings("applied_stages", applied),
			zap.Bool("reconcile", true),
			zap.Error(ce.Err))
		return
	}
	log.Error("settlement commit failed, nothing applied",
		zap.String("stage", string(ce.Stage)),
		zap.Error(ce.Err))
}
