package memtable

import (
	"sync"
	"testing"
)

func TestAsyncInsertGetRoundTrip(t *testing.T) {
	a := NewAsync(1<<20, 8)
	defer a.Shutdown()

	if err := a.Insert("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, found, isTombstone, err := a.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if !found || isTombstone || string(v) != "v" {
		t.Fatalf("Get(k) = (%q, %v, %v), want (v, true, false)", v, found, isTombstone)
	}
}

func TestAsyncSerializesConcurrentMutations(t *testing.T) {
	a := NewAsync(1<<20, 16)
	defer a.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = a.Insert("k", []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	n, err := a.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Len() = %d, want 1 (all writes targeted the same key)", n)
	}
}

func TestAsyncShutdownRejectsFurtherRequests(t *testing.T) {
	a := NewAsync(1<<20, 4)
	if err := a.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := a.Insert("k", []byte("v")); err == nil {
		t.Fatal("expected an error inserting after Shutdown")
	}
}

func TestAsyncForceCompactionFlushesAndClears(t *testing.T) {
	dir := t.TempDir()
	a := NewAsync(1<<20, 4)
	defer a.Shutdown()

	if err := a.Insert("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	path, err := a.ForceCompaction(dir, false, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if path == "" {
		t.Fatal("expected a non-empty flushed path")
	}

	n, err := a.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("Len() after ForceCompaction = %d, want 0", n)
	}
}
