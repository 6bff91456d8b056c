package cmdutil

import (
	"fmt"
	"io"
	"log/slog"
)

func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unable to parse log level: %w", err)
	}

	return level, nil
}

// NewLogger builds the process-wide JSON logger used by the server and worker
// entrypoints. Child components derive their own loggers with With("component", ...).
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(w, &opts))
}
