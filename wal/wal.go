package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/fsutil"
	"github.com/flashlogdb/flashlog/types"
)

// FileName is the single WAL file name within an engine's base
// directory.
const FileName = "wal.log"

// Writer is the append-only log file: Append buffers a record in
// memory, Sync flushes the buffer and fsyncs the file, and
// AppendAndSync does both as the durable primitive every transaction
// commit and auto-commit write must go through.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	offset int64 // file offset the next Append will land at once flushed
}

// Open opens (creating if necessary) the WAL file at dir/wal.log for
// appending, positioned at the current end of file.
func Open(dir string) (*Writer, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.NewIOError("open", path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errs.NewIOError("seek", path, err)
	}

	return &Writer{path: path, file: f, buf: bufio.NewWriter(f), offset: size}, nil
}

// Append buffers record without forcing it to disk.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return rec.Encode(w.buf)
}

// Sync flushes any buffered records to the OS and fsyncs the file,
// making every previously Appended record durable.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.buf.Flush(); err != nil {
		return errs.NewIOError("flush", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.NewIOError("fsync", w.path, err)
	}
	off, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return errs.NewIOError("seek", w.path, err)
	}
	w.offset = off
	return nil
}

// AppendAndSync is the durable primitive: it MUST NOT return success
// until rec's bytes are on stable storage. Used on every transaction
// commit and every auto-commit write.
func (w *Writer) AppendAndSync(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := rec.Encode(w.buf); err != nil {
		return err
	}
	return w.syncLocked()
}

// Offset returns the current durable end of the log (the position the
// next Append will be written at, once flushed).
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Close flushes, fsyncs, and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

// TruncateBefore drops every record before keepFromOffset: the bytes
// from keepFromOffset onward are copied into a fresh file which then
// replaces the WAL atomically, matching the rename-to-publish idiom used
// for SSTables. Callers must call this only after a CheckpointEnd
// covering keepFromOffset is itself durable.
func (w *Writer) TruncateBefore(keepFromOffset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.syncLocked(); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".wal-*.tmp")
	if err != nil {
		return errs.NewIOError("create_temp", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := w.file.Seek(keepFromOffset, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.NewIOError("seek", w.path, err)
	}
	if _, err := io.Copy(tmp, w.file); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.NewIOError("copy", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.NewIOError("fsync", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.NewIOError("close", tmpPath, err)
	}

	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.NewIOError("close", w.path, err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return errs.NewIOError("rename", w.path, err)
	}
	if err := fsutil.SyncDir(dir); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errs.NewIOError("reopen", w.path, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return errs.NewIOError("seek", w.path, err)
	}

	w.file = f
	w.buf = bufio.NewWriter(f)
	w.offset = size
	return nil
}

// Reader iterates records in file order starting at a given offset,
// stopping cleanly at EOF or at the first CRC/length mismatch, which is
// treated as clean truncation: everything prior is valid, everything
// at/after is discarded.
type Reader struct {
	file   *os.File
	offset int64
}

// IterFrom opens dir/wal.log read-only and positions a Reader at offset.
func IterFrom(dir string, offset int64) (*Reader, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Reader{file: nil, offset: 0}, nil
		}
		return nil, errs.NewIOError("open", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, errs.NewIOError("seek", path, err)
	}
	return &Reader{file: f, offset: offset}, nil
}

// Next returns the next record and the offset immediately following it.
// It returns io.EOF at a clean end of stream (including a partial
// trailing frame) and an errs.ErrWAL error on a length or CRC mismatch;
// both are "stop here" for recovery purposes.
func (r *Reader) Next() (Record, int64, error) {
	if r.file == nil {
		return Record{}, r.offset, io.EOF
	}
	rec, err := Decode(r.file)
	if err != nil {
		return Record{}, r.offset, err
	}
	off, err := r.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return Record{}, r.offset, errs.NewIOError("seek", "", err)
	}
	r.offset = off
	return rec, off, nil
}

// Close releases the reader's file handle, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Manifest is the payload of a checkpoint: the set of SSTable paths live
// at the time the checkpoint was written.
type Manifest struct {
	SSTables []string
}

// EncodeManifest serializes m as count:4 followed by each path as
// len:4+bytes, the WalRecord payload for CheckpointStart.
func EncodeManifest(m Manifest) []byte {
	size := 4
	for _, p := range m.SSTables {
		size += 4 + len(p)
	}
	buf := make([]byte, size)
	off := 0
	byteOrder.PutUint32(buf[off:], uint32(len(m.SSTables)))
	off += 4
	for _, p := range m.SSTables {
		byteOrder.PutUint32(buf[off:], uint32(len(p)))
		off += 4
		copy(buf[off:], p)
		off += len(p)
	}
	return buf
}

// DecodeManifest parses the payload written by EncodeManifest.
func DecodeManifest(payload []byte) (Manifest, error) {
	if len(payload) < 4 {
		return Manifest{}, fmt.Errorf("%w: truncated manifest", errs.ErrWAL)
	}
	count := byteOrder.Uint32(payload[0:4])
	off := uint32(4)
	paths := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > uint32(len(payload)) {
			return Manifest{}, fmt.Errorf("%w: truncated manifest entry", errs.ErrWAL)
		}
		n := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		if off+n > uint32(len(payload)) {
			return Manifest{}, fmt.Errorf("%w: truncated manifest path", errs.ErrWAL)
		}
		paths = append(paths, string(payload[off:off+n]))
		off += n
	}
	return Manifest{SSTables: paths}, nil
}

// CheckpointStartRecord, CheckpointEndRecord, and the tx lifecycle
// records below are thin constructors over Record so callers (the
// transaction manager, recovery) never hand-assemble a types.RecordType
// + payload pair themselves.

func CheckpointStartRecord(m Manifest) Record {
	return Record{Type: types.RecordCheckpointStart, TxID: types.AutoCommitTxID, Payload: EncodeManifest(m)}
}

func CheckpointEndRecord() Record {
	return Record{Type: types.RecordCheckpointEnd, TxID: types.AutoCommitTxID}
}

func BeginRecord(txID uint64) Record {
	return Record{Type: types.RecordTxBegin, TxID: txID}
}

func PrepareRecord(txID uint64, payload []byte) Record {
	return Record{Type: types.RecordTxPrepare, TxID: txID, Payload: payload}
}

func CommitRecord(txID uint64) Record {
	return Record{Type: types.RecordTxCommit, TxID: txID}
}

func AbortRecord(txID uint64) Record {
	return Record{Type: types.RecordTxAbort, TxID: txID}
}

func InsertRecord(key string, value []byte) Record {
	return Record{Type: types.RecordInsert, TxID: types.AutoCommitTxID, Payload: encodeKV(key, value)}
}

func RemoveRecord(key string) Record {
	return Record{Type: types.RecordRemove, TxID: types.AutoCommitTxID, Payload: encodeKV(key, nil)}
}

func ClearRecord() Record {
	return Record{Type: types.RecordClear, TxID: types.AutoCommitTxID}
}

// encodeKV/DecodeKV serialize a single key+optional-value pair, the
// payload shape used both for auto-commit Insert/Remove records and for
// each operation packed into a TxPrepare record (see ops.go).
func encodeKV(key string, value []byte) []byte {
	buf := make([]byte, 4+len(key)+4+len(value))
	off := 0
	byteOrder.PutUint32(buf[off:], uint32(len(key)))
	off += 4
	copy(buf[off:], key)
	off += len(key)
	byteOrder.PutUint32(buf[off:], uint32(len(value)))
	off += 4
	copy(buf[off:], value)
	return buf
}

// DecodeKV parses the payload written by encodeKV.
func DecodeKV(payload []byte) (key string, value []byte, err error) {
	if len(payload) < 8 {
		return "", nil, fmt.Errorf("%w: truncated kv payload", errs.ErrWAL)
	}
	keyLen := byteOrder.Uint32(payload[0:4])
	off := uint32(4)
	if off+keyLen+4 > uint32(len(payload)) {
		return "", nil, fmt.Errorf("%w: truncated kv key", errs.ErrWAL)
	}
	key = string(payload[off : off+keyLen])
	off += keyLen
	valLen := byteOrder.Uint32(payload[off : off+4])
	off += 4
	if off+valLen > uint32(len(payload)) {
		return "", nil, fmt.Errorf("%w: truncated kv value", errs.ErrWAL)
	}
	if valLen > 0 {
		value = append([]byte(nil), payload[off:off+valLen]...)
	}
	return key, value, nil
}
