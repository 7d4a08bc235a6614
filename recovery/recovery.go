// Package recovery replays the write-ahead log after a restart: it
// resolves every transaction observed since the last checkpoint,
// reapplies auto-commit records, rebuilds the memtable, and writes a
// fresh checkpoint.
package recovery

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/memtable"
	"github.com/flashlogdb/flashlog/types"
	"github.com/flashlogdb/flashlog/wal"
)

// txState tracks what has been observed for one transaction id while
// scanning forward. prepareOff is the log offset just past the TxPrepare
// record, the position a rolled-forward transaction applies at.
type txState struct {
	sawBegin   bool
	sawPrepare bool
	sawCommit  bool
	sawAbort   bool
	prepareOff int64
	ops        []types.Operation
}

// Result summarizes one recovery pass, useful for logging and tests.
type Result struct {
	// NextTxID is the highest transaction id observed; seeding the
	// transaction manager's counter with it makes the next allocated id
	// one past everything replayed, so ids never collide.
	NextTxID uint64
	// CommittedTxCount counts transactions reapplied (including rolled
	// forward Prepared-but-unterminated ones).
	CommittedTxCount int
	// AbortedTxCount counts transactions dropped.
	AbortedTxCount int
	// RolledForwardTxCount counts Prepared-but-unterminated transactions
	// treated as committed. Prepare acknowledged durability to the
	// client, so a single-node engine completes these forward.
	RolledForwardTxCount int
	// AutoCommitApplied counts bare Insert/Remove/Clear records applied.
	AutoCommitApplied int
	// Truncated is true if trailing garbage was found and discarded.
	Truncated bool
	// EndOffset is the WAL offset recovery stopped at (the new durable
	// end of the log once truncated).
	EndOffset int64
}

// Recover scans dir's WAL from the most recent CheckpointEnd (or file
// start if none), resolves every transaction, reapplies operations to
// mt, truncates trailing garbage, and writes a fresh checkpoint pair
// listing liveSSTables. Calling Recover twice in a row is a no-op the
// second time: the second pass starts at the checkpoint the first pass
// just wrote and finds nothing to replay beyond it.
func Recover(dir string, mt *memtable.Memtable, liveSSTables []string) (Result, error) {
	startOffset, err := lastCheckpointEndOffset(dir)
	if err != nil {
		return Result{}, err
	}

	r, err := wal.IterFrom(dir, startOffset)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	txns := make(map[uint64]*txState)
	// applyUnit batches operations that must apply together, tagged with
	// the log offset of the record that resolved them (TxCommit for a
	// committed transaction, the record itself for an auto-commit write,
	// TxPrepare for a roll-forward). Applying in offset order keeps every
	// unit's writes correctly interleaved with writes to the same keys
	// around it, and makes replay a pure function of the log bytes.
	type applyUnit struct {
		off   int64
		label string
		ops   []types.Operation
	}
	var queue []applyUnit
	var maxTxID uint64
	endOffset := startOffset
	truncated := false

	for {
		rec, off, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			truncated = true
			break
		}
		endOffset = off

		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}

		switch rec.Type {
		case types.RecordTxBegin:
			txns[rec.TxID] = &txState{sawBegin: true}
		case types.RecordTxPrepare:
			ops, decErr := wal.DecodeOps(rec.Payload)
			if decErr != nil {
				return Result{}, errs.NewRecoveryFailed("decode tx_prepare payload", decErr)
			}
			st := txns[rec.TxID]
			if st == nil {
				st = &txState{}
				txns[rec.TxID] = st
			}
			st.sawPrepare = true
			st.prepareOff = off
			st.ops = ops
		case types.RecordTxCommit:
			st := txns[rec.TxID]
			if st == nil {
				st = &txState{}
				txns[rec.TxID] = st
			}
			st.sawCommit = true
			queue = append(queue, applyUnit{off: off, label: fmt.Sprintf("committed tx %d", rec.TxID), ops: st.ops})
		case types.RecordTxAbort:
			st := txns[rec.TxID]
			if st == nil {
				st = &txState{}
				txns[rec.TxID] = st
			}
			st.sawAbort = true
		case types.RecordInsert:
			key, value, decErr := wal.DecodeKV(rec.Payload)
			if decErr != nil {
				return Result{}, errs.NewRecoveryFailed("decode insert payload", decErr)
			}
			queue = append(queue, applyUnit{off: off, label: "auto-commit", ops: []types.Operation{{Code: types.OpInsert, Key: key, Value: value}}})
		case types.RecordRemove:
			key, _, decErr := wal.DecodeKV(rec.Payload)
			if decErr != nil {
				return Result{}, errs.NewRecoveryFailed("decode remove payload", decErr)
			}
			queue = append(queue, applyUnit{off: off, label: "auto-commit", ops: []types.Operation{{Code: types.OpRemove, Key: key}}})
		case types.RecordClear:
			queue = append(queue, applyUnit{off: off, label: "auto-commit", ops: []types.Operation{{Code: types.OpClear}}})
		case types.RecordCheckpointStart, types.RecordCheckpointEnd:
			// Only relevant as the scan starting point; a checkpoint
			// found mid-scan (shouldn't happen past startOffset in a
			// single-writer log) is otherwise ignored.
		}
	}

	// A partial frame at the tail decodes as a clean EOF rather than a
	// CRC error, so compare the last parsed boundary against the actual
	// file size: any bytes beyond it are garbage from a torn write.
	if !truncated {
		if info, statErr := os.Stat(filepath.Join(dir, wal.FileName)); statErr == nil && info.Size() > endOffset {
			truncated = true
		}
	}

	result := Result{EndOffset: endOffset, Truncated: truncated}
	if maxTxID > 0 {
		result.NextTxID = maxTxID
	}

	// Prepared-but-unterminated transactions are resolved only once the
	// whole log has been scanned (their fate isn't known until we reach
	// EOF without finding a commit or abort). Each one applies at its
	// TxPrepare offset: the prepare is the record that made it durable,
	// so later log entries touching the same keys still win.
	for id, st := range txns {
		switch {
		case st.sawCommit:
			result.CommittedTxCount++
		case st.sawAbort:
			result.AbortedTxCount++
		case st.sawPrepare:
			queue = append(queue, applyUnit{off: st.prepareOff, label: fmt.Sprintf("rolled-forward tx %d", id), ops: st.ops})
			result.CommittedTxCount++
			result.RolledForwardTxCount++
		default:
			// begin-only: discard, client never prepared.
		}
	}

	sort.Slice(queue, func(i, j int) bool { return queue[i].off < queue[j].off })

	for _, unit := range queue {
		if err := applyOps(mt, unit.ops); err != nil {
			return Result{}, errs.NewRecoveryFailed("reapply "+unit.label, err)
		}
		if unit.label == "auto-commit" {
			result.AutoCommitApplied++
		}
	}

	if truncated {
		if err := truncateWALTo(dir, endOffset); err != nil {
			return Result{}, err
		}
	}

	if err := writeCheckpoint(dir, liveSSTables); err != nil {
		return Result{}, err
	}

	return result, nil
}

// truncateWALTo drops any bytes in dir/wal.log beyond validOffset: the
// first record that failed to decode, and everything after it, is
// garbage left by a partial write at crash time.
func truncateWALTo(dir string, validOffset int64) error {
	path := filepath.Join(dir, wal.FileName)
	if err := os.Truncate(path, validOffset); err != nil {
		return errs.NewIOError("truncate", path, err)
	}
	return nil
}

func applyOps(mt *memtable.Memtable, ops []types.Operation) error {
	for _, op := range ops {
		switch op.Code {
		case types.OpInsert:
			if err := mt.Insert(op.Key, op.Value); err != nil {
				return err
			}
		case types.OpRemove:
			mt.Remove(op.Key)
		case types.OpClear:
			mt.Clear()
		}
	}
	return nil
}

// lastCheckpointEndOffset scans the whole WAL once to find the file
// offset immediately after the most recent CheckpointEnd record, or 0 if
// none exists.
func lastCheckpointEndOffset(dir string) (int64, error) {
	r, err := wal.IterFrom(dir, 0)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var lastEnd int64
	for {
		rec, off, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if rec.Type == types.RecordCheckpointEnd {
			lastEnd = off
		}
	}
	return lastEnd, nil
}

// writeCheckpoint appends a fresh CheckpointStart/manifest/CheckpointEnd
// pair naming the SSTables live at recovery time.
func writeCheckpoint(dir string, liveSSTables []string) error {
	w, err := wal.Open(dir)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Append(wal.CheckpointStartRecord(wal.Manifest{SSTables: liveSSTables})); err != nil {
		return err
	}
	if err := w.AppendAndSync(wal.CheckpointEndRecord()); err != nil {
		return err
	}

	return nil
}
