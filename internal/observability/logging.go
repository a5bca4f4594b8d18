// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global structured logger instance used throughout the application.
var Logger *slog.Logger

type contextKey string

// Context keys lifted into every log record.
const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
	TraceIDKey   contextKey = "trace_id"
	SessionIDKey contextKey = "session_id"
)

var contextKeys = []contextKey{RequestIDKey, UserIDKey, TraceIDKey, SessionIDKey}

// ctxHandler is a slog.Handler that adds context values to the log record.
type ctxHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing it to the underlying handler.
func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

func init() {
	Logger = NewLogger(os.Stdout, os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// NewLogger builds a context-aware logger: JSON in production, text otherwise.
func NewLogger(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(&ctxHandler{handler})
}

// SetupLogger replaces the global logger once configuration is loaded.
func SetupLogger(env, level string) {
	Logger = NewLogger(os.Stdout, env, level)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithUserID returns a context whose log records carry the user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSessionID returns a context whose log records carry the call session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithRequestID returns a context whose log records carry the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ExtractUserID returns the user ID from the context if set.
func ExtractUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// StreamLogger provides structured logging for document store and subscription operations.
type StreamLogger struct {
	collection string
}

// NewStreamLogger creates a new StreamLogger for the given collection.
func NewStreamLogger(collection string) *StreamLogger {
	return &StreamLogger{collection: collection}
}

// LogWrite logs a store write.
func (l *StreamLogger) LogWrite(ctx context.Context, operation, docID string) {
	Logger.DebugContext(ctx, "store write",
		slog.String("collection", l.collection),
		slog.String("operation", operation),
		slog.String("doc_id", docID),
	)
}

// LogSubscribe logs the start or end of a subscription.
func (l *StreamLogger) LogSubscribe(ctx context.Context, event string, filters string) {
	Logger.DebugContext(ctx, "subscription "+event,
		slog.String("collection", l.collection),
		slog.String("filters", filters),
	)
}

// LogError logs a store or subscription error.
func (l *StreamLogger) LogError(ctx context.Context, err error, operation string) {
	Logger.ErrorContext(ctx, "store error",
		slog.String("collection", l.collection),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// LogSkippedRecord logs a record a listener dropped so the rest of the snapshot survives.
func (l *StreamLogger) LogSkippedRecord(ctx context.Context, docID string, err error) {
	Logger.WarnContext(ctx, "skipping record",
		slog.String("collection", l.collection),
		slog.String("doc_id", docID),
		slog.String("error", err.Error()),
	)
}

// CallLogger provides structured logging for call signaling.
type CallLogger struct {
	role string
}

// NewCallLogger creates a CallLogger for the given party role.
func NewCallLogger(role string) *CallLogger {
	return &CallLogger{role: role}
}

// LogTransition logs a status change written or observed for a session.
func (l *CallLogger) LogTransition(ctx context.Context, sessionID string, from, to string) {
	Logger.InfoContext(ctx, "call transition",
		slog.String("role", l.role),
		slog.String("call_session", sessionID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogError logs a failed call operation.
func (l *CallLogger) LogError(ctx context.Context, sessionID string, err error, operation string) {
	Logger.ErrorContext(ctx, "call error",
		slog.String("role", l.role),
		slog.String("call_session", sessionID),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}
