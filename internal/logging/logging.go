// Package logging provides the narrow structured-logging capability
// consumed by the router core. The core never depends on a global
// logger or a specific backend — it takes a *slog.Logger and logs at
// one of five levels (verbose, debug, info, warn, error).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelVerbose sits one tier below slog.LevelDebug. It is used for the
// "drop and log verbose" paths spec'd for malformed packets and other
// high-volume, low-value diagnostics that would otherwise drown out
// debug logging.
const LevelVerbose slog.Level = slog.LevelDebug - 4

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: verbose, debug, info, warn, error.
// Supported formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceLevelName,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// replaceLevelName renders LevelVerbose as "VERBOSE" instead of slog's
// default "DEBUG-4".
func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelVerbose {
		a.Value = slog.StringValue("VERBOSE")
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "verbose", "trace":
		return LevelVerbose
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Verbose logs at LevelVerbose. slog.Logger has no Verbose method of its
// own, so the core calls this helper instead of Log(ctx, LevelVerbose, ...)
// directly.
func Verbose(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelVerbose, msg, args...)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging across the router core.
// Never include payload bytes under any key.
const (
	KeyComponent  = "component"
	KeyProtocol   = "protocol"
	KeySrcAddr    = "src_addr"
	KeySrcPort    = "src_port"
	KeyDstAddr    = "dst_addr"
	KeyDstPort    = "dst_port"
	KeyState      = "state"
	KeyReason     = "reason"
	KeyBytesSent  = "bytes_sent"
	KeyBytesRecv  = "bytes_received"
	KeyDuration   = "duration"
	KeySocksReply = "socks_reply_code"
	KeyError      = "error"
)
