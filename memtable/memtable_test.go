package memtable

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/index"
	"github.com/flashlogdb/flashlog/sstable"
)

func TestInsertGetRoundTrip(t *testing.T) {
	mt := New(1 << 20)
	if err := mt.Insert("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, found, isTombstone := mt.Get("k")
	if !found || isTombstone || string(v) != "v" {
		t.Fatalf("Get(k) = (%q, %v, %v), want (v, true, false)", v, found, isTombstone)
	}
}

func TestRemoveThenGetReturnsNotFoundValue(t *testing.T) {
	mt := New(1 << 20)
	if err := mt.Insert("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	prior, had := mt.Remove("k")
	if !had || string(prior) != "v" {
		t.Fatalf("Remove(k) = (%q, %v), want (v, true)", prior, had)
	}
	_, found, isTombstone := mt.Get("k")
	if !found || !isTombstone {
		t.Fatalf("Get(k) after remove: found=%v isTombstone=%v, want true,true", found, isTombstone)
	}
}

func TestRangeReportsRemovedKeyAsTombstone(t *testing.T) {
	mt := New(1 << 20)
	for _, k := range []string{"a", "b", "c"} {
		if err := mt.Insert(k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	mt.Remove("b")

	records := mt.Range(nil, nil)
	for _, r := range records {
		if r.Key == "b" && !r.Entry.IsTombstone() {
			t.Fatal("range should mark removed key b as a tombstone, not exclude it silently as live")
		}
	}

	live := 0
	for _, r := range records {
		if !r.Entry.IsTombstone() {
			live++
		}
	}
	if live != 2 {
		t.Fatalf("expected 2 live entries, got %d", live)
	}
}

func TestCapacityExceededDoesNotMutateState(t *testing.T) {
	mt := New(fixedOverheadPerEntry + uint64(len("k")) + uint64(len("v"))) // exactly one entry's worth
	if err := mt.Insert("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	sizeBefore := mt.SizeBytes()
	lenBefore := mt.Len()

	err := mt.Insert("k2", []byte("v2"))
	if !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if mt.SizeBytes() != sizeBefore || mt.Len() != lenBefore {
		t.Fatal("a rejected insert must not mutate memtable state")
	}
}

func TestExactMaxSizeBytesBoundaryIsAccepted(t *testing.T) {
	max := fixedOverheadPerEntry + uint64(len("key")) + uint64(len("value"))
	mt := New(max)
	if err := mt.Insert("key", []byte("value")); err != nil {
		t.Fatalf("insert at exact boundary should be accepted: %v", err)
	}
	if mt.SizeBytes() != max {
		t.Fatalf("SizeBytes() = %d, want %d", mt.SizeBytes(), max)
	}

	mt2 := New(max - 1)
	if err := mt2.Insert("key", []byte("value")); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("one byte over max should be rejected, got %v", err)
	}
}

func TestOverwriteAccountsNetSizeDelta(t *testing.T) {
	mt := New(1 << 20)
	if err := mt.Insert("k", []byte("a longer value than the next one")); err != nil {
		t.Fatal(err)
	}
	bigSize := mt.SizeBytes()

	if err := mt.Insert("k", []byte("short")); err != nil {
		t.Fatal(err)
	}
	if mt.SizeBytes() >= bigSize {
		t.Fatalf("overwriting with a shorter value should shrink SizeBytes: before=%d after=%d", bigSize, mt.SizeBytes())
	}
}

func TestClearZeroesState(t *testing.T) {
	mt := New(1 << 20)
	_ = mt.Insert("a", []byte("1"))
	_ = mt.Insert("b", []byte("2"))
	mt.Clear()
	if mt.Len() != 0 || mt.SizeBytes() != 0 {
		t.Fatalf("Clear() left Len()=%d SizeBytes()=%d, want 0,0", mt.Len(), mt.SizeBytes())
	}
}

func TestFlushToSSTableWritesAllLiveEntriesAndClearsMemtable(t *testing.T) {
	dir := t.TempDir()
	mt := New(1 << 20)
	_ = mt.Insert("b", []byte("2"))
	_ = mt.Insert("a", []byte("1"))
	mt.Remove("c") // tombstone with no prior live value

	path, err := mt.FlushToSSTable(dir, false, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if mt.Len() != 0 || mt.SizeBytes() != 0 {
		t.Fatal("memtable should be empty after a successful flush")
	}

	r, err := sstable.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	all, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries in the flushed table, got %d", len(all))
	}
	if all[0].Key != "a" || all[1].Key != "b" || all[2].Key != "c" {
		t.Fatalf("flushed entries not in sorted order: %+v", all)
	}
	if !all[2].IsTombstone {
		t.Fatal("expected c to be flushed as a tombstone")
	}
}

func TestFlushGenerationFilenamesSortInOrder(t *testing.T) {
	dir := t.TempDir()
	mt := New(1 << 20)

	var paths []string
	for i := 0; i < 3; i++ {
		_ = mt.Insert("k", []byte("v"))
		path, err := mt.FlushToSSTable(dir, false, 0.01)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, filepath.Base(path))
	}

	for i := 1; i < len(paths); i++ {
		if paths[i] <= paths[i-1] {
			t.Fatalf("generation filenames must sort lexicographically in order, got %v", paths)
		}
	}
}

func TestFlushToSSTableCreatesDirIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "sstables")
	mt := New(1 << 20)
	_ = mt.Insert("k", []byte("v"))

	path, err := mt.FlushToSSTable(dir, false, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected flushed file to exist: %v", err)
	}
}

func TestRangeBounds(t *testing.T) {
	mt := New(1 << 20)
	for _, k := range []string{"a", "b", "c", "d"} {
		_ = mt.Insert(k, []byte(k))
	}

	got := mt.Range(&index.Bound{Key: "b", Inclusive: true}, &index.Bound{Key: "d", Inclusive: false})
	if len(got) != 2 || got[0].Key != "b" || got[1].Key != "c" {
		t.Fatalf("Range(b,d) = %+v, want [b c]", got)
	}
}
