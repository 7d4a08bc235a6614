// Package memtable implements the size-bounded write buffer sitting
// over the ordered index: inserts are accounted against a byte budget,
// and once the budget is exceeded the caller is asked to flush rather
// than the memtable silently growing without bound.
package memtable

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/index"
	"github.com/flashlogdb/flashlog/sstable"
)

// fixedOverheadPerEntry approximates the bookkeeping cost of one index
// slot (key/value headers, skip-list forward pointers) so size
// accounting isn't just raw key+value bytes.
const fixedOverheadPerEntry = 48

// Memtable is a single size-bounded write buffer. It is safe for
// concurrent use: reads (Get/Range/Len) may run in parallel with each
// other, but only one mutation (Insert/Remove/Clear/Flush) may run at a
// time, enforced by the underlying index.Index's RWMutex plus an
// additional mutation mutex guarding the byte counter. SizeBytes takes
// that mutation mutex too.
type Memtable struct {
	mu           sync.Mutex // guards size + serializes mutations
	idx          *index.Index
	maxSizeBytes uint64
	sizeBytes    uint64
	seq          uint64
}

func New(maxSizeBytes uint64) *Memtable {
	return &Memtable{idx: index.New(), maxSizeBytes: maxSizeBytes}
}

func entrySize(key string, value []byte) uint64 {
	return uint64(len(key)) + uint64(len(value)) + fixedOverheadPerEntry
}

// Insert accounts len(key)+len(value)+fixed_overhead against the
// memtable's byte budget. If the new total would exceed max_size_bytes,
// it returns errs.ErrCapacityExceeded without mutating any state; the
// caller should force a flush and retry.
func (m *Memtable) Insert(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newSize := int64(entrySize(key, value))
	oldSize := int64(0)
	if existing, ok := m.idx.Find(key); ok {
		oldSize = int64(entrySize(key, entryStoredValue(existing)))
	}
	delta := newSize - oldSize

	if delta > 0 && m.sizeBytes+uint64(delta) > m.maxSizeBytes {
		return errs.ErrCapacityExceeded
	}

	m.idx.Insert(key, index.NewEntry(value, nil))
	if delta >= 0 {
		m.sizeBytes += uint64(delta)
	} else {
		m.sizeBytes -= uint64(-delta)
	}
	return nil
}

// entryStoredValue returns the bytes previously accounted for entry:
// its live value if any, or nil for a tombstone (tombstones are still
// accounted with entrySize(key, nil) below).
func entryStoredValue(e index.Entry) []byte {
	v, _ := e.Value()
	return v
}

// Get returns key's value. found is false if the key is entirely absent
// from the memtable; a tombstone is reported via isTombstone.
func (m *Memtable) Get(key string) (value []byte, found bool, isTombstone bool) {
	entry, ok := m.idx.Find(key)
	if !ok {
		return nil, false, false
	}
	if entry.IsTombstone() {
		return nil, true, true
	}
	v, _ := entry.Value()
	return v, true, false
}

// Remove inserts a tombstone entry for key and returns the prior value,
// if any was live.
func (m *Memtable) Remove(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prior []byte
	var hadPrior bool
	oldSize := int64(0)
	if existing, ok := m.idx.Find(key); ok {
		oldSize = int64(entrySize(key, entryStoredValue(existing)))
		if v, has := existing.Value(); has {
			prior, hadPrior = v, true
		}
	}

	newSize := int64(entrySize(key, nil))
	delta := newSize - oldSize

	m.idx.Insert(key, index.Tombstone())
	if delta >= 0 {
		m.sizeBytes += uint64(delta)
	} else {
		m.sizeBytes -= uint64(-delta)
	}
	return prior, hadPrior
}

// Clear drops all entries and zeroes the byte counter.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idx.Clear()
	m.sizeBytes = 0
}

// Len returns the number of index entries (live and tombstone).
func (m *Memtable) Len() int { return m.idx.Len() }

// SizeBytes returns the current accounted byte size.
func (m *Memtable) SizeBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeBytes
}

// Range returns a snapshot in ascending key order within [lower, upper].
func (m *Memtable) Range(lower, upper *index.Bound) []index.Record {
	return m.idx.Range(lower, upper)
}

// All returns every entry in ascending key order.
func (m *Memtable) All() []index.Record {
	return m.idx.All()
}

// timeSource lets tests control generation filenames deterministically.
var timeSource = func() int64 { return time.Now().UnixNano() }

// FlushToSSTable writes every live entry (tombstones included) in key
// order to a new immutable SSTable under dir, fsyncs the containing
// directory, and, only once the rename has succeeded, clears this
// memtable back to empty. It returns the path of the written file.
//
// The file name encodes a monotonically increasing generation,
// sst_<nanos>_<seq>.sst, so lexicographic filename order is generation
// order.
func (m *Memtable) FlushToSSTable(dir string, useBloom bool, fpr float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.idx.All()
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	m.seq++
	name := fmt.Sprintf("sst_%020d_%06d.sst", timeSource(), m.seq)
	path := filepath.Join(dir, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.NewIOError("mkdir", dir, err)
	}

	w, err := sstable.NewWriter(path, uint(len(records)), useBloom, fpr)
	if err != nil {
		return "", err
	}

	for _, rec := range records {
		if rec.Entry.IsTombstone() {
			if err := w.WriteEntry(rec.Key, nil, true); err != nil {
				return "", err
			}
			continue
		}
		v, _ := rec.Entry.Value()
		if err := w.WriteEntry(rec.Key, v, false); err != nil {
			return "", err
		}
	}

	if err := w.Finalize(); err != nil {
		return "", err
	}

	m.idx.Clear()
	m.sizeBytes = 0

	return path, nil
}

