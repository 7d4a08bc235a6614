package crc

import (
	"bytes"
	"hash/crc32"
	"testing"
)

func TestChecksumMatchesStdlib(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	if got, want := Checksum(data), crc32.ChecksumIEEE(data); got != want {
		t.Fatalf("Checksum() = %d, want %d", got, want)
	}
}

func TestWriterSumMatchesChecksumOfWritten(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	chunks := [][]byte{[]byte("hello "), []byte("world"), {0, 1, 2, 3}}
	var all []byte
	for _, c := range chunks {
		all = append(all, c...)
		if _, err := w.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if got, want := w.Sum32(), Checksum(all); got != want {
		t.Fatalf("Sum32() = %d, want %d", got, want)
	}
	if !bytes.Equal(buf.Bytes(), all) {
		t.Fatalf("writer did not forward bytes to destination")
	}
}

func TestChecksumEmpty(t *testing.T) {
	if got, want := Checksum(nil), uint32(0); got != want {
		t.Fatalf("Checksum(nil) = %d, want %d", got, want)
	}
}
