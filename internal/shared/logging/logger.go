package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a slog.Logger configured for structured, JSON-oriented output.
func New(subsystem string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, nil)
	return slog.New(handler).With("subsystem", subsystem)
}

// NewWithSink returns a logger writing JSON lines to sink, typically a
// rotating file writer, optionally mirrored to stderr.
func NewWithSink(subsystem string, sink io.Writer, mirrorStderr bool) *slog.Logger {
	out := sink
	if mirrorStderr {
		out = io.MultiWriter(sink, os.Stderr)
	}
	handler := slog.NewJSONHandler(out, nil)
	return slog.New(handler).With("subsystem", subsystem)
}
