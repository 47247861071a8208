package logging

import (
	"io"
	"log/slog"
)

// New creates the daemon's process logger: JSON records at the given
// level, tagged with the service name so the log stream stays
// attributable once the supervisor aggregates addon output.
func New(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", "hypervolt-charger")
}
