package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

type memState struct {
	ledgers   map[uuid.UUID]storage.Ledger
	scheduled map[uuid.UUID]storage.ScheduledLedger
	txns      map[uuid.UUID]storage.Transaction
}

func newMemState() memState {
	return memState{
		ledgers:   map[uuid.UUID]storage.Ledger{},
		scheduled: map[uuid.UUID]storage.ScheduledLedger{},
		txns:      map[uuid.UUID]storage.Transaction{},
	}
}

func (s memState) clone() memState {
	out := newMemState()
	for k, v := range s.ledgers {
		out.ledgers[k] = v
	}
	for k, v := range s.scheduled {
		out.scheduled[k] = v
	}
	for k, v := range s.txns {
		out.txns[k] = v
	}
	return out
}

// memDB serializes transactions behind one mutex and commits a private copy
// of the state only when fn succeeds. hook runs before every statement with
// the committed state, so a test can play a concurrent writer that commits
// first and then fail the statement.
type memDB struct {
	mu       sync.Mutex
	state    memState
	attempts int
	calls    map[string]int
	hook     func(db *memDB, method string, n int) error
}

func newMemDB() *memDB {
	return &memDB{state: newMemState(), calls: map[string]int{}}
}

func (d *memDB) InTx(_ context.Context, fn func(storage.LedgerTx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	tx := &memTx{db: d, state: d.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	d.state = tx.state
	return nil
}

func (d *memDB) ledger(id uuid.UUID) storage.Ledger {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.ledgers[id]
}

func (d *memDB) openLedgers(accountID uuid.UUID) []storage.Ledger {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.Ledger
	for _, l := range d.state.ledgers {
		if l.AccountID == accountID && l.State == storage.StateOpen {
			out = append(out, l)
		}
	}
	return out
}

func (d *memDB) scheduledFor(accountID uuid.UUID) []storage.ScheduledLedger {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.ScheduledLedger
	for _, sl := range d.state.scheduled {
		if sl.AccountID == accountID {
			out = append(out, sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *memDB) transactionsFor(ledgerID uuid.UUID) []storage.Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.Transaction
	for _, t := range d.state.txns {
		if t.LedgerID == ledgerID {
			out = append(out, t)
		}
	}
	return out
}

func (d *memDB) putLedger(l storage.Ledger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.ledgers[l.ID] = l
}

func (d *memDB) putScheduled(sl storage.ScheduledLedger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.scheduled[sl.ID] = sl
}

type memTx struct {
	db    *memDB
	state memState
}

func (t *memTx) before(method string) error {
	t.db.calls[method]++
	if t.db.hook == nil {
		return nil
	}
	return t.db.hook(t.db, method, t.db.calls[method])
}

func (t *memTx) FindScheduledLedger(_ context.Context, accountID uuid.UUID, start, end time.Time) (*storage.ScheduledLedger, error) {
	if err := t.before("FindScheduledLedger"); err != nil {
		return nil, err
	}
	for _, sl := range t.state.scheduled {
		if sl.AccountID == accountID && sl.StartTime.Equal(start) && sl.EndTime.Equal(end) && sl.ClosedAt == nil {
			out := sl
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *memTx) LatestScheduledLedger(_ context.Context, ledgerID uuid.UUID) (*storage.ScheduledLedger, error) {
	if err := t.before("LatestScheduledLedger"); err != nil {
		return nil, err
	}
	var latest *storage.ScheduledLedger
	for _, sl := range t.state.scheduled {
		if sl.LedgerID != ledgerID {
			continue
		}
		if latest == nil || sl.EndTime.After(latest.EndTime) {
			out := sl
			latest = &out
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (t *memTx) InsertScheduledLedger(_ context.Context, sl *storage.ScheduledLedger) error {
	if err := t.before("InsertScheduledLedger"); err != nil {
		return err
	}
	for _, other := range t.state.scheduled {
		if other.ClosedAt == nil && other.AccountID == sl.AccountID && other.StartTime.Equal(sl.StartTime) && other.EndTime.Equal(sl.EndTime) {
			return fmt.Errorf("%w: duplicate open bucket", storage.ErrConflict)
		}
	}
	t.state.scheduled[sl.ID] = *sl
	return nil
}

func (t *memTx) CloseScheduledLedgers(_ context.Context, ledgerID uuid.UUID, at time.Time) (int64, error) {
	if err := t.before("CloseScheduledLedgers"); err != nil {
		return 0, err
	}
	var n int64
	for id, sl := range t.state.scheduled {
		if sl.LedgerID == ledgerID && sl.ClosedAt == nil {
			closed := at
			sl.ClosedAt = &closed
			t.state.scheduled[id] = sl
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindOpenLedger(_ context.Context, accountID uuid.UUID) (*storage.Ledger, error) {
	if err := t.before("FindOpenLedger"); err != nil {
		return nil, err
	}
	var found *storage.Ledger
	for _, l := range t.state.ledgers {
		if l.AccountID != accountID || l.State != storage.StateOpen {
			continue
		}
		if found == nil || l.CreatedAt.Before(found.CreatedAt) {
			out := l
			found = &out
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (t *memTx) GetLedgerForUpdate(_ context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	if err := t.before("GetLedgerForUpdate"); err != nil {
		return nil, err
	}
	l, ok := t.state.ledgers[ledgerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &l, nil
}

func (t *memTx) InsertLedger(_ context.Context, l *storage.Ledger) error {
	if err := t.before("InsertLedger"); err != nil {
		return err
	}
	if l.State == storage.StateOpen {
		for _, other := range t.state.ledgers {
			if other.AccountID == l.AccountID && other.State == storage.StateOpen {
				return fmt.Errorf("%w: second open ledger", storage.ErrConflict)
			}
		}
	}
	t.state.ledgers[l.ID] = *l
	return nil
}

func (t *memTx) AddToBalance(_ context.Context, ledgerID uuid.UUID, delta int64, at time.Time) (*storage.Ledger, error) {
	if err := t.before("AddToBalance"); err != nil {
		return nil, err
	}
	l, ok := t.state.ledgers[ledgerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	l.Balance += delta
	l.UpdatedAt = at
	t.state.ledgers[ledgerID] = l
	return &l, nil
}

func (t *memTx) UpdateLedger(_ context.Context, l *storage.Ledger) error {
	if err := t.before("UpdateLedger"); err != nil {
		return err
	}
	current, ok := t.state.ledgers[l.ID]
	if !ok {
		return storage.ErrNotFound
	}
	current.State = l.State
	current.AmountPaid = l.AmountPaid
	current.UpdatedAt = l.UpdatedAt
	current.SubmittedAt = l.SubmittedAt
	current.FinalizedAt = l.FinalizedAt
	current.RolledToLedgerID = l.RolledToLedgerID
	t.state.ledgers[l.ID] = current
	return nil
}

func (t *memTx) FindTransaction(_ context.Context, accountID uuid.UUID, key string) (*storage.Transaction, error) {
	if err := t.before("FindTransaction"); err != nil {
		return nil, err
	}
	for _, txn := range t.state.txns {
		if txn.AccountID == accountID && txn.IdempotencyKey == key {
			out := txn
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *memTx) InsertTransaction(_ context.Context, txn *storage.Transaction) error {
	if err := t.before("InsertTransaction"); err != nil {
		return err
	}
	for _, other := range t.state.txns {
		if other.AccountID == txn.AccountID && other.IdempotencyKey == txn.IdempotencyKey {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateTransaction, txn.IdempotencyKey)
		}
	}
	t.state.txns[txn.ID] = *txn
	return nil
}
