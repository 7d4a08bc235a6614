package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/flashlogdb/flashlog/bloom"
	"github.com/flashlogdb/flashlog/crc"
	"github.com/flashlogdb/flashlog/errs"
)

// Entry is one decoded data-block record.
type Entry struct {
	Key         string
	Value       []byte
	IsTombstone bool
}

// Reader opens an immutable SSTable file for point lookups and full
// scans. Every read uses file.ReadAt at an explicit offset rather than
// Seek+Read, so concurrent Get calls from multiple goroutines never
// race over a shared file position.
type Reader struct {
	path   string
	file   *os.File
	header header
	index  []indexEntry // sorted ascending by key
	bloom  *bloom.Filter
}

// Open validates magic, version, and the trailing CRC32 before reading
// anything else; any mismatch, truncation, or bad magic surfaces as the
// single DataCorruption kind so callers cannot conflate it with a
// transient I/O error. A file that fails integrity is renamed with a
// .corrupt suffix so it does not keep tripping future opens.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.NewIOError("open", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.NewIOError("stat", path, err)
	}
	size := info.Size()
	if size < int64(headerSize+trailerSize) {
		f.Close()
		quarantine(path)
		return nil, errs.NewDataCorruption(path, "file too small to contain a header and trailer")
	}

	body := make([]byte, size-trailerSize)
	if _, err := f.ReadAt(body, 0); err != nil {
		f.Close()
		return nil, errs.NewIOError("read_body", path, err)
	}

	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], size-trailerSize); err != nil {
		f.Close()
		return nil, errs.NewIOError("read_trailer", path, err)
	}
	wantCRC := byteOrder.Uint32(trailer[:])
	gotCRC := crc.Checksum(body)
	if gotCRC != wantCRC {
		f.Close()
		quarantine(path)
		return nil, errs.NewDataCorruption(path, "crc32 mismatch")
	}

	if len(body) < headerSize {
		f.Close()
		quarantine(path)
		return nil, errs.NewDataCorruption(path, "truncated header")
	}

	magic := byteOrder.Uint32(body[0:4])
	if magic != Magic {
		f.Close()
		quarantine(path)
		return nil, errs.NewDataCorruption(path, "bad magic")
	}

	h := header{
		Version:     byteOrder.Uint16(body[4:6]),
		HasBloom:    byteOrder.Uint16(body[6:8])&flagHasBloom != 0,
		EntryCount:  byteOrder.Uint64(body[8:16]),
		DataOffset:  byteOrder.Uint64(body[16:24]),
		IndexOffset: byteOrder.Uint64(body[24:32]),
		BloomOffset: byteOrder.Uint64(body[32:40]),
	}
	if h.Version != Version {
		f.Close()
		quarantine(path)
		return nil, errs.NewDataCorruption(path, fmt.Sprintf("unsupported version %d", h.Version))
	}

	r := &Reader{path: path, file: f, header: h}

	if err := r.loadIndex(body); err != nil {
		f.Close()
		return nil, err
	}

	if h.HasBloom {
		if err := r.loadBloom(body); err != nil {
			f.Close()
			return nil, err
		}
	}

	return r, nil
}

func (r *Reader) loadIndex(body []byte) error {
	off := r.header.IndexOffset
	if off+4 > uint64(len(body)) {
		quarantine(r.path)
		return errs.NewDataCorruption(r.path, "truncated index block")
	}
	count := byteOrder.Uint32(body[off : off+4])
	off += 4

	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+2 > uint64(len(body)) {
			quarantine(r.path)
			return errs.NewDataCorruption(r.path, "truncated index entry header")
		}
		keyLen := uint64(byteOrder.Uint16(body[off : off+2]))
		off += 2

		if off+keyLen+8 > uint64(len(body)) {
			quarantine(r.path)
			return errs.NewDataCorruption(r.path, "truncated index entry")
		}
		key := string(body[off : off+keyLen])
		off += keyLen

		entryOffset := byteOrder.Uint64(body[off : off+8])
		off += 8

		entries = append(entries, indexEntry{key: key, offset: entryOffset})
	}

	r.index = entries
	return nil
}

func (r *Reader) loadBloom(body []byte) error {
	off := r.header.BloomOffset
	if off+4 > uint64(len(body)) {
		quarantine(r.path)
		return errs.NewDataCorruption(r.path, "truncated bloom block length")
	}
	n := uint64(byteOrder.Uint32(body[off : off+4]))
	off += 4
	if off+n > uint64(len(body)) {
		quarantine(r.path)
		return errs.NewDataCorruption(r.path, "truncated bloom block payload")
	}

	f, err := bloom.ReadFilter(bytes.NewReader(body[off : off+n]))
	if err != nil {
		quarantine(r.path)
		return errs.NewDataCorruption(r.path, fmt.Sprintf("bad bloom block: %v", err))
	}
	r.bloom = f
	return nil
}

func quarantine(path string) {
	_ = os.Rename(path, path+".corrupt")
}

// EntryCount returns the number of live+tombstone records in the table.
func (r *Reader) EntryCount() uint64 { return r.header.EntryCount }

// HasBloomFilter reports whether the table carries a bloom block.
func (r *Reader) HasBloomFilter() bool { return r.header.HasBloom }

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.file.Close() }

// Get looks up key, returning its entry. found is false if the key is
// absent from the table entirely; a tombstone hit returns found=true
// with Entry.IsTombstone set and no value.
func (r *Reader) Get(key string) (Entry, bool, error) {
	if r.bloom != nil && !r.bloom.MayContain([]byte(key)) {
		return Entry{}, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].key >= key })
	if i >= len(r.index) || r.index[i].key != key {
		return Entry{}, false, nil
	}

	e, err := r.readEntryAt(r.index[i].offset)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *Reader) readEntryAt(offset uint64) (Entry, error) {
	var lenBuf [2]byte
	if _, err := r.file.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return Entry{}, errs.NewIOError("read_entry_key_len", r.path, err)
	}
	keyLen := uint64(byteOrder.Uint16(lenBuf[:]))

	// key, then is_tombstone:1 + value_len:4.
	keyAndMeta := make([]byte, keyLen+5)
	if _, err := r.file.ReadAt(keyAndMeta, int64(offset)+2); err != nil {
		return Entry{}, errs.NewIOError("read_entry_key", r.path, err)
	}
	key := string(keyAndMeta[:keyLen])
	isTombstone := keyAndMeta[keyLen] != 0
	valLen := byteOrder.Uint32(keyAndMeta[keyLen+1:])

	var value []byte
	if !isTombstone && valLen > 0 {
		value = make([]byte, valLen)
		if _, err := r.file.ReadAt(value, int64(offset)+2+int64(keyLen)+5); err != nil {
			return Entry{}, errs.NewIOError("read_entry_value", r.path, err)
		}
	}

	return Entry{Key: key, Value: value, IsTombstone: isTombstone}, nil
}

// All decodes every entry in the table, in ascending key order, via the
// index (tombstones included).
func (r *Reader) All() ([]Entry, error) {
	out := make([]Entry, 0, len(r.index))
	for _, ie := range r.index {
		e, err := r.readEntryAt(ie.offset)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Generation extracts the SSTable's sort key for "newest file wins"
// ordering: the filename's embedded nanosecond timestamp and sequence
// number (sst_<nanos>_<seq>.sst).
func Generation(path string) string {
	return filepath.Base(path)
}
