package wal

import (
	"fmt"

	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/types"
)

// EncodeOps serializes a transaction's operation list into the payload
// of a single TxPrepare record: count:4, then per operation code:1,
// key_len:4, key, value_len:4, value (key/value empty for Clear, value
// empty for Remove).
func EncodeOps(ops []types.Operation) []byte {
	size := 4
	for _, op := range ops {
		size += 1 + 4 + len(op.Key) + 4 + len(op.Value)
	}

	buf := make([]byte, size)
	off := 0
	byteOrder.PutUint32(buf[off:], uint32(len(ops)))
	off += 4

	for _, op := range ops {
		buf[off] = byte(op.Code)
		off++
		byteOrder.PutUint32(buf[off:], uint32(len(op.Key)))
		off += 4
		copy(buf[off:], op.Key)
		off += len(op.Key)
		byteOrder.PutUint32(buf[off:], uint32(len(op.Value)))
		off += 4
		copy(buf[off:], op.Value)
		off += len(op.Value)
	}

	return buf
}

// DecodeOps parses the payload written by EncodeOps.
func DecodeOps(payload []byte) ([]types.Operation, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: truncated ops payload", errs.ErrWAL)
	}
	count := byteOrder.Uint32(payload[0:4])
	off := uint32(4)

	ops := make([]types.Operation, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+1+4 > uint32(len(payload)) {
			return nil, fmt.Errorf("%w: truncated op header", errs.ErrWAL)
		}
		code := types.OpCode(payload[off])
		off++
		keyLen := byteOrder.Uint32(payload[off : off+4])
		off += 4
		if off+keyLen+4 > uint32(len(payload)) {
			return nil, fmt.Errorf("%w: truncated op key", errs.ErrWAL)
		}
		key := string(payload[off : off+keyLen])
		off += keyLen
		valLen := byteOrder.Uint32(payload[off : off+4])
		off += 4
		if off+valLen > uint32(len(payload)) {
			return nil, fmt.Errorf("%w: truncated op value", errs.ErrWAL)
		}
		var value []byte
		if valLen > 0 {
			value = append([]byte(nil), payload[off:off+valLen]...)
		}
		off += valLen

		ops = append(ops, types.Operation{Code: code, Key: key, Value: value})
	}

	return ops, nil
}
