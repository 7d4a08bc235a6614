package index

import (
	"sync"
)

// StorageReference names the SSTable byte position a key's latest
// persisted record lives at, in lieu of the materialized value.
type StorageReference struct {
	FilePath    string
	Offset      int64
	IsTombstone bool
}

// Entry is one index slot: a key maps to an optional in-memory value
// and/or an optional StorageReference. At least one must be present; if
// both are absent the entry is itself a tombstone.
//
// Value returns a defensive copy so callers can never observe a
// mutation through an alias.
type Entry struct {
	value    []byte
	hasValue bool
	ref      *StorageReference
}

// NewEntry builds an Entry from an optional value and optional storage
// reference.
func NewEntry(value []byte, ref *StorageReference) Entry {
	e := Entry{ref: ref}
	if value != nil {
		e.value = append([]byte(nil), value...)
		e.hasValue = true
	}
	return e
}

// Tombstone builds an Entry representing a deletion.
func Tombstone() Entry {
	return Entry{}
}

// Value returns a copy of the in-memory value, if any.
func (e Entry) Value() ([]byte, bool) {
	if !e.hasValue {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// StorageRef returns the entry's storage reference, if any.
func (e Entry) StorageRef() (StorageReference, bool) {
	if e.ref == nil {
		return StorageReference{}, false
	}
	return *e.ref, true
}

// IsTombstone reports whether this entry marks a deletion: true iff the
// storage reference says so, or iff there is neither a value nor a
// storage reference.
func (e Entry) IsTombstone() bool {
	if e.ref != nil {
		return e.ref.IsTombstone
	}
	return !e.hasValue
}

// Bound describes one side of a Range query. A nil Bound means
// unbounded on that side.
type Bound struct {
	Key       string
	Inclusive bool
}

// Index is the ordered key -> Entry map backing the memtable. It is
// single-writer, multi-reader safe: callers may run any number of
// concurrent Find/Range calls alongside at most one Insert/Delete/Clear,
// enforced here with a sync.RWMutex.
type Index struct {
	mu   sync.RWMutex
	list *skipList[string, Entry]
}

func New() *Index {
	return &Index{list: newSkipList[string, Entry]()}
}

func (idx *Index) Insert(key string, entry Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.list.Put(key, entry)
}

func (idx *Index) Find(key string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.list.Get(key)
}

func (idx *Index) Delete(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.list.Delete(key)
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.list.Len()
}

func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.list.Clear()
}

// Record pairs a key with its Entry, returned from Range/All scans.
type Record struct {
	Key   string
	Entry Entry
}

// Range returns a snapshot, in ascending key order, of every entry whose
// key falls within [lower, upper] honoring each bound's inclusivity. A
// nil lower/upper means unbounded on that side.
func (idx *Index) Range(lower, upper *Bound) []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Record, 0)
	for rec := range idx.list.All() {
		if lower != nil {
			if lower.Inclusive && rec.Key < lower.Key {
				continue
			}
			if !lower.Inclusive && rec.Key <= lower.Key {
				continue
			}
		}
		if upper != nil {
			if upper.Inclusive && rec.Key > upper.Key {
				break
			}
			if !upper.Inclusive && rec.Key >= upper.Key {
				break
			}
		}
		out = append(out, Record{Key: rec.Key, Entry: rec.Value})
	}
	return out
}

// All returns every entry in ascending key order (Range with no bounds).
func (idx *Index) All() []Record {
	return idx.Range(nil, nil)
}
