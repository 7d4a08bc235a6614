package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashlogdb/flashlog/types"
)

func TestWriterAppendAndSyncIsDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAndSync(InsertRecord("k1", []byte("v1"))); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAndSync(InsertRecord("k2", []byte("v2"))); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := IterFrom(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var got []string
	for {
		rec, _, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		key, _, err := DecodeKV(rec.Payload)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, key)
	}

	if len(got) != 2 || got[0] != "k1" || got[1] != "k2" {
		t.Fatalf("got %v, want [k1 k2]", got)
	}
}

func TestAppendWithoutSyncIsNotVisibleUntilSynced(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Append(InsertRecord("buffered", []byte("v"))); err != nil {
		t.Fatal(err)
	}

	// The buffered write is not guaranteed to have reached the file yet.
	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected 0 bytes on disk before Sync, got %d", info.Size())
	}

	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	info, err = os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Fatal("expected nonzero bytes on disk after Sync")
	}
}

func TestIterFromMissingFileYieldsImmediateEOF(t *testing.T) {
	dir := t.TempDir()

	r, err := IterFrom(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF for a missing WAL, got %v", err)
	}
}

func TestTruncateBeforeDropsEarlierRecords(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAndSync(InsertRecord("old", []byte("1"))); err != nil {
		t.Fatal(err)
	}
	keepFrom := w.Offset()
	if err := w.AppendAndSync(InsertRecord("new", []byte("2"))); err != nil {
		t.Fatal(err)
	}

	if err := w.TruncateBefore(keepFrom); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := IterFrom(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	rec, _, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	key, _, err := DecodeKV(rec.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if key != "new" {
		t.Fatalf("got %q, want %q", key, "new")
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after the one retained record, got %v", err)
	}
}

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	m := Manifest{SSTables: []string{"sst_1_1.sst", "sst_2_1.sst"}}
	got, err := DecodeManifest(EncodeManifest(m))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SSTables) != 2 || got.SSTables[0] != m.SSTables[0] || got.SSTables[1] != m.SSTables[1] {
		t.Fatalf("got %v, want %v", got.SSTables, m.SSTables)
	}
}

func TestOpsEncodeDecodeRoundTrip(t *testing.T) {
	ops := []types.Operation{
		types.Insert("a", []byte("1")),
		types.Remove("b"),
		types.Clear(),
	}
	got, err := DecodeOps(EncodeOps(ops))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ops) {
		t.Fatalf("got %d ops, want %d", len(got), len(ops))
	}
	for i := range ops {
		if got[i].Code != ops[i].Code || got[i].Key != ops[i].Key || string(got[i].Value) != string(ops[i].Value) {
			t.Fatalf("op %d mismatch: got %+v, want %+v", i, got[i], ops[i])
		}
	}
}
