// Package logging sets up the engine's structured logger on log/slog,
// plus the small formatting helpers durability-path log lines share.
package logging

import (
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// New builds a structured logger writing JSON lines to w at the given
// level. Callers typically pass os.Stderr in production and an
// io.Discard/bytes.Buffer in tests.
func New(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Bytes renders a byte count the way operator-facing log lines should:
// "12 kB" rather than a bare integer, using the humanize library the way
// a deployed engine's flush/checkpoint log lines would.
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}
