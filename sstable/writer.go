package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/flashlogdb/flashlog/bloom"
	"github.com/flashlogdb/flashlog/crc"
	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/fsutil"
)

// indexEntry maps one written key to the absolute file offset its data
// entry begins at.
type indexEntry struct {
	key    string
	offset uint64
}

// Writer builds one immutable SSTable file. Keys must be written in
// strictly increasing order; Finalize publishes the file atomically via
// temp-file-then-rename.
type Writer struct {
	finalPath string
	tmpPath   string
	tmpFile   *os.File
	buf       *bufio.Writer

	useBloom bool
	bloom    *bloom.Filter

	entries   []indexEntry
	lastKey   string
	hasLast   bool
	written   uint64
	offset    uint64 // bytes written into the data-block region so far
	finalized bool
}

// NewWriter creates a new SSTable writer. expectedEntries and fpr size
// the bloom filter when useBloom is true; fpr is ignored otherwise.
func NewWriter(path string, expectedEntries uint, useBloom bool, fpr float64) (*Writer, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sst-*.tmp")
	if err != nil {
		return nil, errs.NewIOError("create_temp", dir, err)
	}

	w := &Writer{
		finalPath: path,
		tmpPath:   tmp.Name(),
		tmpFile:   tmp,
		buf:       bufio.NewWriter(tmp),
		useBloom:  useBloom,
	}
	if useBloom {
		w.bloom = bloom.New(expectedEntries, fpr)
	}

	// Reserve the header; it is patched in place during Finalize once
	// the real offsets are known.
	if _, err := w.buf.Write(make([]byte, headerSize)); err != nil {
		w.abort()
		return nil, errs.NewIOError("write_header_placeholder", path, err)
	}
	w.offset = headerSize

	return w, nil
}

// WriteEntry appends one data entry. key must sort strictly after every
// previously written key. value is ignored (and may be empty) when
// isTombstone is true.
func (w *Writer) WriteEntry(key string, value []byte, isTombstone bool) error {
	if w.finalized {
		return fmt.Errorf("%w: sstable writer already finalized", errs.ErrInvalidOperation)
	}
	if len(key) == 0 || len(key) > math.MaxUint16 {
		w.abort()
		return fmt.Errorf("%w: sstable key length %d out of range [1, %d]",
			errs.ErrInvalidOperation, len(key), math.MaxUint16)
	}
	if w.hasLast && key <= w.lastKey {
		w.abort()
		return fmt.Errorf("%w: sstable keys must be strictly increasing (got %q after %q)",
			errs.ErrInvalidOperation, key, w.lastKey)
	}

	entryOffset := w.offset
	keyBytes := []byte(key)

	var keyLen [2]byte
	byteOrder.PutUint16(keyLen[:], uint16(len(keyBytes)))
	n, err := w.buf.Write(keyLen[:])
	if err != nil {
		w.abort()
		return errs.NewIOError("write_entry_key_len", w.finalPath, err)
	}
	w.offset += uint64(n)

	n, err = w.buf.Write(keyBytes)
	if err != nil {
		w.abort()
		return errs.NewIOError("write_entry_key", w.finalPath, err)
	}
	w.offset += uint64(n)

	var meta [5]byte
	if isTombstone {
		meta[0] = 1
	}
	byteOrder.PutUint32(meta[1:5], uint32(len(value)))
	n, err = w.buf.Write(meta[:])
	if err != nil {
		w.abort()
		return errs.NewIOError("write_entry_meta", w.finalPath, err)
	}
	w.offset += uint64(n)

	if !isTombstone && len(value) > 0 {
		n, err = w.buf.Write(value)
		if err != nil {
			w.abort()
			return errs.NewIOError("write_entry_value", w.finalPath, err)
		}
		w.offset += uint64(n)
	}

	w.entries = append(w.entries, indexEntry{key: key, offset: entryOffset})
	w.lastKey = key
	w.hasLast = true
	w.written++

	if w.useBloom {
		w.bloom.Insert(keyBytes)
	}

	return nil
}

// Finalize writes the bloom block (if enabled), the index block, and the
// trailing CRC32, then atomically renames the temp file to its final
// path. The containing directory is fsynced afterward so the rename
// itself survives a crash.
func (w *Writer) Finalize() error {
	if w.finalized {
		return fmt.Errorf("%w: sstable writer already finalized", errs.ErrInvalidOperation)
	}
	w.finalized = true

	dataEnd := w.offset

	bloomOffset := uint64(0)
	if w.useBloom {
		bloomOffset = dataEnd
		if err := w.writeBloomBlock(); err != nil {
			w.abort()
			return err
		}
	}

	indexOffset := w.offset
	if err := w.writeIndexBlock(); err != nil {
		w.abort()
		return err
	}

	h := header{
		Version:     Version,
		HasBloom:    w.useBloom,
		EntryCount:  w.written,
		DataOffset:  headerSize,
		IndexOffset: indexOffset,
		BloomOffset: bloomOffset,
	}

	if err := w.buf.Flush(); err != nil {
		w.abort()
		return errs.NewIOError("flush", w.finalPath, err)
	}

	if err := w.patchHeaderAndCRC(h); err != nil {
		w.abort()
		return err
	}

	if err := w.tmpFile.Sync(); err != nil {
		w.abort()
		return errs.NewIOError("fsync", w.tmpPath, err)
	}
	if err := w.tmpFile.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return errs.NewIOError("close", w.tmpPath, err)
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return errs.NewIOError("rename", w.finalPath, err)
	}

	return fsutil.SyncDir(filepath.Dir(w.finalPath))
}

func (w *Writer) writeBloomBlock() error {
	var payload bytes.Buffer
	if _, err := w.bloom.WriteTo(&payload); err != nil {
		return fmt.Errorf("sstable: write bloom block: %w", err)
	}

	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(payload.Len()))

	n, err := w.buf.Write(lenBuf[:])
	if err != nil {
		return errs.NewIOError("write_bloom_len", w.finalPath, err)
	}
	w.offset += uint64(n)

	n, err = w.buf.Write(payload.Bytes())
	if err != nil {
		return errs.NewIOError("write_bloom_payload", w.finalPath, err)
	}
	w.offset += uint64(n)

	return nil
}

func (w *Writer) writeIndexBlock() error {
	var countBuf [4]byte
	byteOrder.PutUint32(countBuf[:], uint32(len(w.entries)))
	n, err := w.buf.Write(countBuf[:])
	if err != nil {
		return errs.NewIOError("write_index_count", w.finalPath, err)
	}
	w.offset += uint64(n)

	for _, e := range w.entries {
		keyBytes := []byte(e.key)
		var entryHdr [2]byte
		byteOrder.PutUint16(entryHdr[:], uint16(len(keyBytes)))

		n, err := w.buf.Write(entryHdr[:])
		if err != nil {
			return errs.NewIOError("write_index_entry_header", w.finalPath, err)
		}
		w.offset += uint64(n)

		n, err = w.buf.Write(keyBytes)
		if err != nil {
			return errs.NewIOError("write_index_entry_key", w.finalPath, err)
		}
		w.offset += uint64(n)

		var offBuf [8]byte
		byteOrder.PutUint64(offBuf[:], e.offset)
		n, err = w.buf.Write(offBuf[:])
		if err != nil {
			return errs.NewIOError("write_index_entry_offset", w.finalPath, err)
		}
		w.offset += uint64(n)
	}

	return nil
}

// patchHeaderAndCRC writes the real header at offset 0 (overwriting the
// placeholder from NewWriter), then hashes the whole file body and
// appends the trailing CRC32.
func (w *Writer) patchHeaderAndCRC(h header) error {
	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, byteOrder, Magic)
	binary.Write(&hdrBuf, byteOrder, h.Version)
	binary.Write(&hdrBuf, byteOrder, h.flags())
	binary.Write(&hdrBuf, byteOrder, h.EntryCount)
	binary.Write(&hdrBuf, byteOrder, h.DataOffset)
	binary.Write(&hdrBuf, byteOrder, h.IndexOffset)
	binary.Write(&hdrBuf, byteOrder, h.BloomOffset)

	if _, err := w.tmpFile.WriteAt(hdrBuf.Bytes(), 0); err != nil {
		return errs.NewIOError("patch_header", w.tmpPath, err)
	}

	size, err := w.tmpFile.Seek(0, io.SeekEnd)
	if err != nil {
		return errs.NewIOError("seek", w.tmpPath, err)
	}

	body := make([]byte, size)
	if _, err := w.tmpFile.ReadAt(body, 0); err != nil {
		return errs.NewIOError("read_for_crc", w.tmpPath, err)
	}
	sum := crc.Checksum(body)

	var sumBuf [4]byte
	byteOrder.PutUint32(sumBuf[:], sum)
	if _, err := w.tmpFile.WriteAt(sumBuf[:], size); err != nil {
		return errs.NewIOError("write_crc", w.tmpPath, err)
	}

	return nil
}

func (w *Writer) abort() {
	_ = w.tmpFile.Close()
	_ = os.Remove(w.tmpPath)
}
