// Package sstable implements the immutable, sorted, checksum-protected
// on-disk table format: magic 0x4C534D54 ("LSMT"), version 1,
// little-endian throughout, a fixed header naming the data/index/bloom
// block offsets, and a trailing CRC32 (IEEE) over every byte that
// precedes it.
package sstable

import "encoding/binary"

const (
	Magic   uint32 = 0x4C534D54 // "LSMT"
	Version uint16 = 1

	flagHasBloom uint16 = 1 << 0

	// headerSize is the fixed byte length of the fields preceding the
	// data blocks: magic(4) + version(2) + flags(2) + entry_count(8) +
	// data_offset(8) + index_offset(8) + bloom_offset(8).
	headerSize = 4 + 2 + 2 + 8 + 8 + 8 + 8

	trailerSize = 4 // crc32
)

var byteOrder = binary.LittleEndian

type header struct {
	Version     uint16
	HasBloom    bool
	EntryCount  uint64
	DataOffset  uint64
	IndexOffset uint64
	BloomOffset uint64
}

func (h header) flags() uint16 {
	if h.HasBloom {
		return flagHasBloom
	}
	return 0
}
