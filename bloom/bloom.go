// Package bloom adapts github.com/bits-and-blooms/bloom/v3 to the
// narrow interface the SSTable codec needs: insert, membership test,
// merge, clear, and a serialization form embeddable as a table's bloom
// block.
package bloom

import (
	"fmt"
	"io"

	bloomlib "github.com/bits-and-blooms/bloom/v3"
)

// Filter wraps a bits-and-blooms BloomFilter.
type Filter struct {
	f *bloomlib.BloomFilter
}

// New sizes a filter for expectedEntries keys at the given target
// false-positive rate.
func New(expectedEntries uint, fpr float64) *Filter {
	if expectedEntries == 0 {
		expectedEntries = 1
	}
	return &Filter{f: bloomlib.NewWithEstimates(expectedEntries, fpr)}
}

// Insert adds key to the filter.
func (f *Filter) Insert(key []byte) {
	f.f.Add(key)
}

// MayContain reports whether key might be in the filter. A false
// negative is impossible; a false positive rate near the configured fpr
// is expected.
func (f *Filter) MayContain(key []byte) bool {
	return f.f.Test(key)
}

// Clear resets the filter to empty without changing its size.
func (f *Filter) Clear() {
	f.f.ClearAll()
}

// Merge folds other's bits into f. Both filters must have the same size
// and hash-function count.
func (f *Filter) Merge(other *Filter) error {
	if err := f.f.Merge(other.f); err != nil {
		return fmt.Errorf("bloom: merge: %w", err)
	}
	return nil
}

// K returns the number of hash functions the filter uses.
func (f *Filter) K() uint32 { return uint32(f.f.K()) }

// NumBits returns the size of the filter's bit array.
func (f *Filter) NumBits() uint32 { return uint32(f.f.Cap()) }

// WriteTo serializes the filter (its own self-describing k + bit array
// framing) to w, the form embedded verbatim as the SSTable's bloom
// block.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	return f.f.WriteTo(w)
}

// ReadFilter reconstructs a Filter previously written with WriteTo.
func ReadFilter(r io.Reader) (*Filter, error) {
	f := bloomlib.New(1, 1)
	if _, err := f.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("bloom: read: %w", err)
	}
	return &Filter{f: f}, nil
}
