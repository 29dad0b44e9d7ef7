// Package logging builds the single zerolog.Logger every component in the
// core receives by reference at construction, the same way the teacher
// repo threads one *store.DB / crypto.CryptoProvider through its
// constructors instead of reaching for process-global state.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger at the given level, writing one JSON object per event
// to w (cmd/mintcored passes its stdout; tests can pass an in-memory buffer).
func New(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// NewConsole builds the same logger with a colorized, human-readable
// console writer on os.Stdout instead of JSON output.
func NewConsole(level string) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}
