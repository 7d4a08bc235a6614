// Package wal implements the write-ahead log: append-only record
// framing with a trailing CRC32 over type+tx_id+payload_len+payload, sync-on-commit
// durability, forward iteration for recovery, and checkpoint markers.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flashlogdb/flashlog/crc"
	"github.com/flashlogdb/flashlog/errs"
	"github.com/flashlogdb/flashlog/types"
)

var byteOrder = binary.LittleEndian

// frameFixedSize is the byte length of everything inside the outer
// [len:4] prefix: type(1) + tx_id(8) + payload_len(4) + crc32(4).
const frameFixedSize = 1 + 8 + 4 + 4

// maxFrameLen bounds a record's declared length. A prefix larger than
// this cannot come from a record this engine wrote (keys are capped at
// 64 KiB and operation batches are in-memory lists); it is garbage from
// a torn write, and rejecting it up front avoids allocating a buffer
// sized by corrupt bytes.
const maxFrameLen = 1 << 28

// Record is one write-ahead log entry.
type Record struct {
	Type    types.RecordType
	TxID    uint64
	Payload []byte
}

// Encode writes the framed record to w: [len:4][type:1][tx_id:8]
// [payload_len:4][payload][crc32:4], crc covering type+tx_id+payload_len
// +payload.
func (r Record) Encode(w io.Writer) error {
	var body bytes.Buffer
	body.Grow(frameFixedSize + len(r.Payload))

	cw := crc.NewWriter(&body)
	if err := binary.Write(cw, byteOrder, uint8(r.Type)); err != nil {
		return fmt.Errorf("%w: encode type: %v", errs.ErrWAL, err)
	}
	if err := binary.Write(cw, byteOrder, r.TxID); err != nil {
		return fmt.Errorf("%w: encode tx_id: %v", errs.ErrWAL, err)
	}
	if err := binary.Write(cw, byteOrder, uint32(len(r.Payload))); err != nil {
		return fmt.Errorf("%w: encode payload_len: %v", errs.ErrWAL, err)
	}
	if len(r.Payload) > 0 {
		if _, err := cw.Write(r.Payload); err != nil {
			return fmt.Errorf("%w: encode payload: %v", errs.ErrWAL, err)
		}
	}

	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(body.Len()+4))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.NewIOError("write_record_len", "", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return errs.NewIOError("write_record_body", "", err)
	}

	var sumBuf [4]byte
	byteOrder.PutUint32(sumBuf[:], cw.Sum32())
	if _, err := w.Write(sumBuf[:]); err != nil {
		return errs.NewIOError("write_record_crc", "", err)
	}

	return nil
}

// Size returns the total on-disk byte length Encode will produce for r.
func (r Record) Size() int {
	return 4 + frameFixedSize + len(r.Payload)
}

// Decode reads one framed record from r. It returns io.EOF (or
// io.ErrUnexpectedEOF normalized to io.EOF) on a clean end of stream,
// and errs.ErrWAL on a length or CRC mismatch. Both signal "stop
// iterating here" to callers doing recovery.
func Decode(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, cleanEOF(err)
	}
	totalLen := byteOrder.Uint32(lenBuf[:])
	if totalLen < frameFixedSize {
		return Record{}, fmt.Errorf("%w: record length %d shorter than fixed frame", errs.ErrWAL, totalLen)
	}
	if totalLen > maxFrameLen {
		return Record{}, fmt.Errorf("%w: record length %d exceeds maximum frame size", errs.ErrWAL, totalLen)
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, cleanEOF(err)
	}

	payloadLen := totalLen - frameFixedSize
	rawType := body[0]
	txID := byteOrder.Uint64(body[1:9])
	declaredPayloadLen := byteOrder.Uint32(body[9:13])
	if declaredPayloadLen != payloadLen {
		return Record{}, fmt.Errorf("%w: payload_len mismatch (frame says %d, declared %d)",
			errs.ErrWAL, payloadLen, declaredPayloadLen)
	}

	payload := body[13 : 13+payloadLen]
	wantCRC := byteOrder.Uint32(body[13+payloadLen:])
	gotCRC := crc.Checksum(body[:13+payloadLen])
	if gotCRC != wantCRC {
		return Record{}, fmt.Errorf("%w: crc32 mismatch", errs.ErrWAL)
	}

	rec := Record{
		Type:    types.RecordType(rawType),
		TxID:    txID,
		Payload: append([]byte(nil), payload...),
	}
	return rec, nil
}

func cleanEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}
