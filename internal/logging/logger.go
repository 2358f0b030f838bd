package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options selects the logger's level, encoding and optional file sink.
type Options struct {
	Level  string
	Format string // json or text
	File   string
}

// New builds the process logger. When a file is configured every record is
// written both to stdout and to the file. The returned closer releases the
// file and is never nil.
func New(appName string, opts Options) (*slog.Logger, io.Closer, error) {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	handler := newHandler(os.Stdout, opts.Format, handlerOpts)
	closer := io.Closer(nopCloser{})

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		// The file always gets JSON so it stays machine readable.
		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(f, handlerOpts))
		closer = f
	}

	return slog.New(handler).With("app", appName), closer, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
