// Package tracing records in-process span trees. A root span is started per
// request and children attach to whatever span the context carries; the
// finished tree is written to slog.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanKey struct{}

// Span is one timed step of a trace. A nil *Span is valid and records
// nothing, so code can trace unconditionally.
type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration

	mu       sync.Mutex
	attrs    []slog.Attr
	children []*Span
}

// StartSpan starts a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Start: time.Now()}
	return context.WithValue(ctx, spanKey{}, s), s
}

// StartChildSpan starts a span under the one in ctx. Without a parent there
// is no trace to join and the returned span is nil.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return ctx, nil
	}
	child := &Span{Name: name, TraceID: parent.TraceID, Start: time.Now()}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return context.WithValue(ctx, spanKey{}, child), child
}

// SpanFromContext returns the span stored in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// End fixes the duration of s. Only the first call counts.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Duration == 0 {
		s.Duration = time.Since(s.Start)
	}
}

// SetAttr attaches an attribute to s.
func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// Children returns the direct children of s in start order.
func (s *Span) Children() []*Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Log writes s and its descendants to logger at level, one record per span.
func (s *Span) Log(ctx context.Context, logger *slog.Logger, level slog.Level) {
	if s == nil || !logger.Enabled(ctx, level) {
		return
	}
	s.log(ctx, logger, level, 0)
}

func (s *Span) log(ctx context.Context, logger *slog.Logger, level slog.Level, depth int) {
	s.mu.Lock()
	attrs := append([]slog.Attr{
		slog.String("trace_id", s.TraceID),
		slog.String("span", s.Name),
		slog.Int("depth", depth),
		slog.Duration("duration", s.Duration),
	}, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	logger.LogAttrs(ctx, level, "span", attrs...)
	for _, c := range children {
		c.log(ctx, logger, level, depth+1)
	}
}
