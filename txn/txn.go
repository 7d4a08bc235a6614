// Package txn implements the transaction manager: the
// Active/Prepared/Committed/Aborted state machine, WAL emission for
// each transition, and application of committed operations to the
// memtable.
package txn

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/memtable"
	"github.com/flashlogdb/flashlog/types"
	"github.com/flashlogdb/flashlog/wal"
)

// State is a transaction's position in the Active→Prepared→
// Committed|Aborted state machine.
type State int

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type transaction struct {
	id    uint64
	state State
	ops   []types.Operation
}

// Manager is the single-writer transaction manager: callers must
// serialize their own calls into it. The mutex held internally only
// protects the in-memory transaction table from torn reads, not call
// ordering.
type Manager struct {
	mu     sync.Mutex
	w      *wal.Writer
	apply  func([]types.Operation) error
	nextID uint64
	txns   map[uint64]*transaction
}

// NewManager constructs a transaction manager over an already-open WAL
// writer. apply is invoked with a committed transaction's operations,
// in order, to update the live memtable.
func NewManager(w *wal.Writer, apply func([]types.Operation) error) *Manager {
	return &Manager{w: w, apply: apply, txns: make(map[uint64]*transaction)}
}

// SeedNextID sets the counter Begin increments, so the next id Begin
// allocates is next+1. Recovery passes the highest id observed in the
// log, resuming the monotonic counter past every replayed id.
func (m *Manager) SeedNextID(next uint64) {
	atomic.StoreUint64(&m.nextID, next)
}

// Begin allocates the next transaction id, durably records TxBegin, and
// registers the transaction Active.
func (m *Manager) Begin() (uint64, error) {
	id := atomic.AddUint64(&m.nextID, 1)

	if err := m.w.AppendAndSync(wal.BeginRecord(id)); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.txns[id] = &transaction{id: id, state: StateActive}
	m.mu.Unlock()

	return id, nil
}

// Add appends op to transaction id's in-memory operation list. id must
// be Active; nothing reaches the WAL until Prepare.
func (m *Manager) Add(id uint64, op types.Operation) error {
	if err := validateOp(op); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txns[id]
	if !ok {
		return errs.NewTransactionNotFound(id)
	}
	if tx.state != StateActive {
		return wrongStateErr(tx)
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// validateOp enforces the key contract: a non-empty UTF-8 string of at
// most 65535 bytes (Clear carries no key and is always valid).
func validateOp(op types.Operation) error {
	if op.Code == types.OpClear {
		return nil
	}
	if len(op.Key) == 0 {
		return fmt.Errorf("%w: empty key", errs.ErrInvalidOperation)
	}
	if len(op.Key) > math.MaxUint16 {
		return fmt.Errorf("%w: key length %d exceeds %d bytes", errs.ErrInvalidOperation, len(op.Key), math.MaxUint16)
	}
	if !utf8.ValidString(op.Key) {
		return fmt.Errorf("%w: key is not valid UTF-8", errs.ErrInvalidOperation)
	}
	return nil
}

// Prepare serializes id's operation list into one TxPrepare record,
// durably appends it, and moves id from Active to Prepared.
func (m *Manager) Prepare(id uint64) error {
	m.mu.Lock()
	tx, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return errs.NewTransactionNotFound(id)
	}
	if tx.state != StateActive {
		err := wrongStateErr(tx)
		m.mu.Unlock()
		return err
	}
	ops := append([]types.Operation(nil), tx.ops...)
	m.mu.Unlock()

	payload := wal.EncodeOps(ops)
	if err := m.w.AppendAndSync(wal.PrepareRecord(id, payload)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.state = StatePrepared
	return nil
}

// Commit requires id to be Prepared, implicitly preparing it first if
// still Active. It durably writes TxCommit, applies the operations to
// the memtable, and moves id to Committed.
func (m *Manager) Commit(id uint64) error {
	m.mu.Lock()
	tx, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return errs.NewTransactionNotFound(id)
	}
	state := tx.state
	m.mu.Unlock()

	if state == StateActive {
		if err := m.Prepare(id); err != nil {
			return err
		}
	} else if state != StatePrepared {
		m.mu.Lock()
		err := wrongStateErr(tx)
		m.mu.Unlock()
		return err
	}

	if err := m.w.AppendAndSync(wal.CommitRecord(id)); err != nil {
		return err
	}

	m.mu.Lock()
	ops := append([]types.Operation(nil), tx.ops...)
	m.mu.Unlock()

	if err := m.apply(ops); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.state = StateCommitted
	return nil
}

// Abort requires id to be Active or Prepared. It durably writes TxAbort
// and moves id to Aborted without touching the memtable.
func (m *Manager) Abort(id uint64) error {
	m.mu.Lock()
	tx, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return errs.NewTransactionNotFound(id)
	}
	if tx.state != StateActive && tx.state != StatePrepared {
		err := wrongStateErr(tx)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.w.AppendAndSync(wal.AbortRecord(id)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.state = StateAborted
	return nil
}

// ExecuteBatch runs begin, add each op, prepare, commit as one atomic
// step: every op succeeds or the whole batch fails together.
func (m *Manager) ExecuteBatch(ops []types.Operation) error {
	id, err := m.Begin()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := m.Add(id, op); err != nil {
			_ = m.Abort(id)
			return err
		}
	}
	if err := m.Prepare(id); err != nil {
		_ = m.Abort(id)
		return err
	}
	return m.Commit(id)
}

// Insert is the auto-commit equivalent of ExecuteBatch([Insert(key,value)]).
func (m *Manager) Insert(key string, value []byte) error {
	return m.ExecuteBatch([]types.Operation{types.Insert(key, value)})
}

// Remove is the auto-commit equivalent of ExecuteBatch([Remove(key)]).
func (m *Manager) Remove(key string) error {
	return m.ExecuteBatch([]types.Operation{types.Remove(key)})
}

// State reports the current state of transaction id.
func (m *Manager) State(id uint64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[id]
	if !ok {
		return 0, false
	}
	return tx.state, true
}

func wrongStateErr(tx *transaction) error {
	switch tx.state {
	case StatePrepared:
		return errs.NewTransactionAlreadyPrepared(tx.id)
	case StateCommitted:
		return errs.NewTransactionAlreadyCommitted(tx.id)
	case StateAborted:
		return errs.NewTransactionAlreadyAborted(tx.id)
	default:
		return errs.NewTransactionWrongState(tx.id, "operation not valid from state "+tx.state.String())
	}
}

// ApplyOpsToMemtable is the canonical apply function wired into
// NewManager when the in-memory state is a *memtable.Memtable: it
// executes Insert/Remove/Clear in order, preserving within-transaction
// ordering.
func ApplyOpsToMemtable(mt *memtable.Memtable, ops []types.Operation) error {
	for _, op := range ops {
		switch op.Code {
		case types.OpInsert:
			if err := mt.Insert(op.Key, op.Value); err != nil {
				return err
			}
		case types.OpRemove:
			mt.Remove(op.Key)
		case types.OpClear:
			mt.Clear()
		}
	}
	return nil
}
