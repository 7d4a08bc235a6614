package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/memtable"
	"github.com/flashlogdb/flashlog/types"
	"github.com/flashlogdb/flashlog/wal"
)

func newTestManager(t *testing.T) (*Manager, *memtable.Memtable, *wal.Writer) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	mt := memtable.New(1 << 20)
	m := NewManager(w, func(ops []types.Operation) error {
		return ApplyOpsToMemtable(mt, ops)
	})
	return m, mt, w
}

func TestBeginAddPrepareCommit(t *testing.T) {
	m, mt, _ := newTestManager(t)

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Add(id, types.Insert("a", []byte("1"))))
	require.NoError(t, m.Prepare(id))
	require.NoError(t, m.Commit(id))

	v, found, isTombstone := mt.Get("a")
	require.True(t, found)
	assert.False(t, isTombstone)
	assert.Equal(t, "1", string(v))

	state, ok := m.State(id)
	require.True(t, ok)
	assert.Equal(t, StateCommitted, state)
}

func TestCommitImplicitlyPreparesFromActive(t *testing.T) {
	m, mt, _ := newTestManager(t)

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Add(id, types.Insert("a", []byte("1"))))
	require.NoError(t, m.Commit(id))

	_, found, _ := mt.Get("a")
	assert.True(t, found, "expected a visible after implicit-prepare commit")
}

func TestAbortLeavesNoMemtableChanges(t *testing.T) {
	m, mt, _ := newTestManager(t)

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Add(id, types.Insert("a", []byte("1"))))
	require.NoError(t, m.Abort(id))

	_, found, _ := mt.Get("a")
	assert.False(t, found, "aborted transaction's ops must not be visible")
}

func TestTerminalStatesRejectFurtherOps(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(id))

	err = m.Add(id, types.Insert("x", nil))
	assert.Truef(t, errors.Is(err, errs.ErrTransactionState) || errors.Is(err, errs.ErrAlreadyCommitted),
		"Add on a committed transaction should fail as wrong-state, got %v", err)

	err = m.Commit(id)
	assert.ErrorIsf(t, err, errs.ErrAlreadyCommitted, "double commit should fail with AlreadyCommitted, got %v", err)

	err = m.Abort(id)
	assert.ErrorIsf(t, err, errs.ErrAlreadyCommitted, "abort after commit should fail with AlreadyCommitted, got %v", err)
}

func TestUnknownTransactionIDFailsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Add(999, types.Insert("x", nil))
	assert.ErrorIs(t, err, errs.ErrTransactionNotFound)
}

func TestExecuteBatchAtomicity(t *testing.T) {
	m, mt, _ := newTestManager(t)

	ops := []types.Operation{types.Insert("x", []byte("1")), types.Insert("y", []byte("2"))}
	require.NoError(t, m.ExecuteBatch(ops))

	for _, k := range []string{"x", "y"} {
		_, found, _ := mt.Get(k)
		assert.Truef(t, found, "expected %q visible after ExecuteBatch", k)
	}
}

func TestAutoCommitInsertAndRemove(t *testing.T) {
	m, mt, _ := newTestManager(t)

	require.NoError(t, m.Insert("k", []byte("v")))
	_, found, _ := mt.Get("k")
	require.True(t, found, "expected k visible after auto-commit Insert")

	require.NoError(t, m.Remove("k"))
	_, found, isTombstone := mt.Get("k")
	require.True(t, found)
	assert.True(t, isTombstone, "expected k to be a tombstone after auto-commit Remove")
}

func TestWithinTransactionOrderingPreserved(t *testing.T) {
	m, mt, _ := newTestManager(t)

	ops := []types.Operation{
		types.Insert("k", []byte("1")),
		types.Insert("k", []byte("2")),
		types.Insert("k", []byte("3")),
	}
	require.NoError(t, m.ExecuteBatch(ops))

	v, _, _ := mt.Get("k")
	assert.Equal(t, "3", string(v), "expected the last op's value to win")
}

func TestAddRejectsInvalidKeys(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.Begin()
	require.NoError(t, err)

	err = m.Add(id, types.Insert("", []byte("v")))
	assert.ErrorIs(t, err, errs.ErrInvalidOperation, "empty key must be rejected")

	huge := make([]byte, 1<<16)
	for i := range huge {
		huge[i] = 'a'
	}
	err = m.Add(id, types.Insert(string(huge), []byte("v")))
	assert.ErrorIs(t, err, errs.ErrInvalidOperation, "a 64 KiB key exceeds the 65535-byte limit and must be rejected")

	err = m.Add(id, types.Insert(string([]byte{0xFF, 0xFE}), []byte("v")))
	assert.ErrorIs(t, err, errs.ErrInvalidOperation, "non-UTF-8 key must be rejected")
}

func TestNoTwoTransactionsShareAnID(t *testing.T) {
	m, _, _ := newTestManager(t)

	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		id, err := m.Begin()
		require.NoError(t, err)
		require.Falsef(t, seen[id], "transaction id %d reused", id)
		seen[id] = true
	}
}
