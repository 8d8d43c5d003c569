package process

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nomad-lab/nomad-core/pkg/archive"
)

// logCapture is a slog.Handler that records everything an entry's parse
// and normalize steps log, for storage in the archive's processing_logs.
type logCapture struct {
	mu      sync.Mutex
	records []archive.LogRecord
	attrs   []slog.Attr
}

func newLogCapture() *logCapture {
	return &logCapture{}
}

// Logger returns a logger writing into the capture.
func (c *logCapture) Logger() *slog.Logger {
	return slog.New(c)
}

// Enabled implements slog.Handler. Everything is captured; filtering
// happens when the records are written out.
func (c *logCapture) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (c *logCapture) Handle(ctx context.Context, r slog.Record) error {
	record := archive.LogRecord{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if r.NumAttrs() > 0 || len(c.attrs) > 0 {
		record.Fields = make(map[string]any, r.NumAttrs()+len(c.attrs))
		for _, attr := range c.attrs {
			record.Fields[attr.Key] = attr.Value.Any()
		}
		r.Attrs(func(attr slog.Attr) bool {
			record.Fields[attr.Key] = attr.Value.Any()
			return true
		})
	}
	if record.Time.IsZero() {
		record.Time = time.Now()
	}

	c.mu.Lock()
	c.records = append(c.records, record)
	c.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler. The derived handler shares the record
// buffer.
func (c *logCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sharedCapture{parent: c, attrs: append(append([]slog.Attr{}, c.attrs...), attrs...)}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (c *logCapture) WithGroup(name string) slog.Handler {
	return c
}

// Records returns the captured log records. When more than maxRecords were
// captured, debug records are dropped.
func (c *logCapture) Records(maxRecords int) []archive.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.records) <= maxRecords {
		return append([]archive.LogRecord{}, c.records...)
	}
	kept := make([]archive.LogRecord, 0, maxRecords)
	for _, r := range c.records {
		if r.Level == slog.LevelDebug.String() {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// Errors returns the messages of all error-level records.
func (c *logCapture) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []string
	for _, r := range c.records {
		if r.Level == slog.LevelError.String() {
			errs = append(errs, r.Message)
		}
	}
	return errs
}

// sharedCapture forwards records to its parent capture with extra attrs.
type sharedCapture struct {
	parent *logCapture
	attrs  []slog.Attr
}

func (s *sharedCapture) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (s *sharedCapture) Handle(ctx context.Context, r slog.Record) error {
	clone := r.Clone()
	for _, attr := range s.attrs {
		clone.AddAttrs(attr)
	}
	return s.parent.Handle(ctx, clone)
}

func (s *sharedCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sharedCapture{parent: s.parent, attrs: append(append([]slog.Attr{}, s.attrs...), attrs...)}
}

func (s *sharedCapture) WithGroup(name string) slog.Handler { return s }
