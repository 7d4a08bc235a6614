// Package engine wires the durability core (WAL, transaction manager,
// memtable, SSTable directory) into the single entry point clients
// open: Get/Range/Insert/Remove/ExecuteBatch plus the periodic-flush
// timer and crash recovery performed on open.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flashlogdb/flashlog/config"
	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/index"
	"github.com/flashlogdb/flashlog/logging"
	"github.com/flashlogdb/flashlog/memtable"
	"github.com/flashlogdb/flashlog/recovery"
	"github.com/flashlogdb/flashlog/sstable"
	"github.com/flashlogdb/flashlog/txn"
	"github.com/flashlogdb/flashlog/types"
	"github.com/flashlogdb/flashlog/wal"
)

// sstablesDirName is the fixed subdirectory immutable tables live
// under.
const sstablesDirName = "sstables"

// Engine is one open storage directory. A process should hold at most
// one Engine per directory; the WAL file is exclusively owned by one
// writer at a time.
type Engine struct {
	dir    string
	sstDir string
	log    *slog.Logger
	cfg    config.Options

	sessionID uuid.UUID

	mt  *memtable.Memtable
	w   *wal.Writer
	txm *txn.Manager

	mu       sync.RWMutex // guards sstables and the reader cache
	sstables []string     // paths, ascending by generation (oldest first)
	readers  map[string]*sstable.Reader

	flushMu sync.Mutex // serializes flush so two overflow retries don't race

	tickerDone chan struct{}
	closeOnce  sync.Once
}

// Open opens (creating if necessary) an engine rooted at dir: it runs
// recovery over any existing WAL, rebuilds the memtable, and starts the
// periodic-flush timer if cfg.CompactionIntervalSecs is nonzero.
func Open(dir string, cfg config.Options, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = logging.New(os.Stderr, slog.LevelInfo)
	}

	sstDir := filepath.Join(dir, sstablesDirName)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, errs.NewIOError("mkdir", sstDir, err)
	}

	existing, err := listSSTables(sstDir)
	if err != nil {
		return nil, err
	}

	mt := memtable.New(cfg.MaxMemtableBytes)

	result, err := recovery.Recover(dir, mt, existing)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:       dir,
		sstDir:    sstDir,
		log:       log,
		cfg:       cfg,
		sessionID: uuid.New(),
		mt:        mt,
		w:         w,
		sstables:  existing,
		readers:   make(map[string]*sstable.Reader),
	}

	e.txm = txn.NewManager(w, e.applyWithOverflow)
	e.txm.SeedNextID(result.NextTxID)

	e.log.Info("engine opened",
		"session_id", e.sessionID.String(),
		"dir", dir,
		"sstables", len(existing),
		"recovered_committed_tx", result.CommittedTxCount,
		"recovered_aborted_tx", result.AbortedTxCount,
		"recovered_rolled_forward_tx", result.RolledForwardTxCount,
		"recovered_auto_commit", result.AutoCommitApplied,
		"memtable_bytes", logging.Bytes(mt.SizeBytes()),
	)

	if cfg.CompactionIntervalSecs > 0 {
		e.tickerDone = make(chan struct{})
		go e.compactionLoop(time.Duration(cfg.CompactionIntervalSecs) * time.Second)
	}

	return e, nil
}

func listSSTables(sstDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(sstDir, "sst_*.sst"))
	if err != nil {
		return nil, errs.NewIOError("glob", sstDir, err)
	}
	sort.Strings(matches) // filenames sort lexicographically in generation order
	return matches, nil
}

// applyWithOverflow is the apply function handed to the transaction
// manager: it applies ops to the memtable, and if the memtable reports
// CapacityExceeded mid-batch it flushes first and retries once. The
// commit's WAL record is already durable at that point, so this never
// loses writes, it only defers when they become visible.
func (e *Engine) applyWithOverflow(ops []types.Operation) error {
	if err := txn.ApplyOpsToMemtable(e.mt, ops); err == nil {
		return nil
	} else if !errors.Is(err, errs.ErrCapacityExceeded) {
		return err
	}

	if err := e.flushLocked(); err != nil {
		return err
	}
	return txn.ApplyOpsToMemtable(e.mt, ops)
}

func (e *Engine) flushLocked() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if e.mt.Len() == 0 {
		return nil
	}

	path, err := e.mt.FlushToSSTable(e.sstDir, e.cfg.UseBloomFilter, e.cfg.BloomFPR)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sstables = append(e.sstables, path)
	e.mu.Unlock()

	e.log.Info("memtable flushed", "session_id", e.sessionID.String(), "path", path)
	return nil
}

// ForceFlush flushes the current memtable to a new SSTable even if it
// has not reached max_memtable_bytes, and writes a fresh checkpoint
// listing every live SSTable.
func (e *Engine) ForceFlush() error {
	if err := e.flushLocked(); err != nil {
		return err
	}
	return e.checkpoint()
}

func (e *Engine) checkpoint() error {
	e.mu.RLock()
	live := append([]string(nil), e.sstables...)
	e.mu.RUnlock()

	if err := e.w.Append(wal.CheckpointStartRecord(wal.Manifest{SSTables: live})); err != nil {
		return err
	}
	return e.w.AppendAndSync(wal.CheckpointEndRecord())
}

func (e *Engine) compactionLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.ForceFlush(); err != nil {
				e.log.Error("periodic flush failed", "session_id", e.sessionID.String(), "error", err)
			}
		case <-e.tickerDone:
			return
		}
	}
}

// Insert is the auto-commit write path: equivalent to
// ExecuteBatch([Insert(key,value)]).
func (e *Engine) Insert(key string, value []byte) error {
	return e.txm.Insert(key, value)
}

// Remove is the auto-commit delete path: equivalent to
// ExecuteBatch([Remove(key)]).
func (e *Engine) Remove(key string) error {
	return e.txm.Remove(key)
}

// ExecuteBatch applies ops as one atomic transaction.
func (e *Engine) ExecuteBatch(ops []types.Operation) error {
	return e.txm.ExecuteBatch(ops)
}

// BeginTransaction, AddToTransaction, Prepare, Commit, and Abort expose
// the explicit two-phase transaction lifecycle for callers that need
// more than one auto-commit or batch operation.
func (e *Engine) BeginTransaction() (uint64, error) { return e.txm.Begin() }

func (e *Engine) AddToTransaction(id uint64, op types.Operation) error {
	return e.txm.Add(id, op)
}

func (e *Engine) PrepareTransaction(id uint64) error { return e.txm.Prepare(id) }
func (e *Engine) CommitTransaction(id uint64) error  { return e.txm.Commit(id) }
func (e *Engine) AbortTransaction(id uint64) error   { return e.txm.Abort(id) }

// Get implements the LSM read path: memtable first, then SSTables
// newest-to-oldest, honoring tombstones and consulting each table's
// bloom filter before touching its index.
func (e *Engine) Get(key string) ([]byte, bool, error) {
	if v, found, isTombstone := e.mt.Get(key); found {
		if isTombstone {
			return nil, false, nil
		}
		return v, true, nil
	}

	e.mu.RLock()
	paths := append([]string(nil), e.sstables...)
	e.mu.RUnlock()

	for i := len(paths) - 1; i >= 0; i-- {
		r, err := e.readerFor(paths[i])
		if err != nil {
			return nil, false, err
		}
		entry, found, err := r.Get(key)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		if entry.IsTombstone {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	return nil, false, nil
}

// readerFor returns a cached *sstable.Reader for path, opening and
// caching it on first use.
func (e *Engine) readerFor(path string) (*sstable.Reader, error) {
	e.mu.RLock()
	r, ok := e.readers[path]
	e.mu.RUnlock()
	if ok {
		return r, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.readers[path]; ok {
		return r, nil
	}
	r, err := sstable.Open(path)
	if err != nil {
		return nil, err
	}
	e.readers[path] = r
	return r, nil
}

// candidate is one surviving entry during a Range merge, tagged by the
// generation rank of the source it came from (higher rank == newer; the
// memtable is always the newest source).
type candidate struct {
	value       []byte
	isTombstone bool
	rank        int
}

// Range merges the memtable and every SSTable in [lower, upper]:
// newest source wins on duplicate keys, and tombstones suppress older
// entries and are omitted from the result.
func (e *Engine) Range(lower, upper *index.Bound) ([]index.Record, error) {
	e.mu.RLock()
	paths := append([]string(nil), e.sstables...)
	e.mu.RUnlock()

	merged := make(map[string]candidate)

	topRank := len(paths) + 1
	for _, rec := range e.mt.Range(lower, upper) {
		v, _ := rec.Entry.Value()
		merged[rec.Key] = candidate{value: v, isTombstone: rec.Entry.IsTombstone(), rank: topRank}
	}

	for i, path := range paths {
		rank := i + 1 // oldest path gets rank 1, newest gets len(paths)
		r, err := e.readerFor(path)
		if err != nil {
			return nil, err
		}
		entries, err := r.All()
		if err != nil {
			return nil, err
		}
		for _, ent := range entries {
			if !withinBounds(ent.Key, lower, upper) {
				continue
			}
			existing, ok := merged[ent.Key]
			if ok && existing.rank > rank {
				continue
			}
			merged[ent.Key] = candidate{value: ent.Value, isTombstone: ent.IsTombstone, rank: rank}
		}
	}

	out := make([]index.Record, 0, len(merged))
	for key, c := range merged {
		if c.isTombstone {
			continue
		}
		out = append(out, index.Record{Key: key, Entry: index.NewEntry(c.value, nil)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func withinBounds(key string, lower, upper *index.Bound) bool {
	if lower != nil {
		if lower.Inclusive && key < lower.Key {
			return false
		}
		if !lower.Inclusive && key <= lower.Key {
			return false
		}
	}
	if upper != nil {
		if upper.Inclusive && key > upper.Key {
			return false
		}
		if !upper.Inclusive && key >= upper.Key {
			return false
		}
	}
	return true
}

// Close stops the periodic-flush timer, closes every cached SSTable
// reader, and closes the WAL writer. It does not force a final flush:
// whatever remains in the memtable is durable via the WAL and will be
// rebuilt by recovery on the next Open.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		if e.tickerDone != nil {
			close(e.tickerDone)
		}

		e.mu.Lock()
		for path, r := range e.readers {
			if err := r.Close(); err != nil {
				closeErr = fmt.Errorf("close reader %s: %w", path, err)
			}
		}
		e.mu.Unlock()

		if err := e.w.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
