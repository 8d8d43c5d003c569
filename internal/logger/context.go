package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds processing-scoped logging context. It travels with the
// context.Context of a running process so that every log line carries the
// upload and entry it belongs to.
type LogContext struct {
	UploadID  string
	EntryID   string
	Mainfile  string
	Parser    string
	Process   string    // the running process name, e.g. process_upload
	RequestID string    // API request id when triggered over HTTP
	ClientIP  string    // client IP when triggered over HTTP
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for the given upload.
func NewLogContext(uploadID string) *LogContext {
	return &LogContext{
		UploadID:  uploadID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithEntry returns a copy scoped to one entry.
func (lc *LogContext) WithEntry(entryID, mainfile string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.EntryID = entryID
		clone.Mainfile = mainfile
	}
	return clone
}

// WithProcess returns a copy with the process name set.
func (lc *LogContext) WithProcess(process string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Process = process
	}
	return clone
}

// WithParser returns a copy with the parser name set.
func (lc *LogContext) WithParser(parser string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Parser = parser
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
