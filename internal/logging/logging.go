package logging

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Setup creates a configured *slog.Logger, sets it as the default, and returns it.
// level accepts "debug", "info", "warn" or "error" and defaults to info. format is
// "json" or "text" (default).
func Setup(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ErrAttr renders err for structured logging, including the context values
// attached with goerr.
func ErrAttr(err error) slog.Attr {
	var ge *goerr.Error
	if errors.As(err, &ge) {
		attrs := []any{slog.String("message", err.Error())}
		if values := ge.Values(); len(values) > 0 {
			attrs = append(attrs, slog.Any("values", values))
		}
		return slog.Group("error", attrs...)
	}
	return slog.String("error", err.Error())
}
