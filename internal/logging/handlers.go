package logging

import (
	"context"
	"log/slog"
)

// tee writes every record to each sink that accepts its level.
type tee []slog.Handler

// TeeHandler joins sinks. Nil sinks are dropped; a single sink is returned as is.
func TeeHandler(handlers ...slog.Handler) slog.Handler {
	var sinks tee
	for _, h := range handlers {
		if h != nil {
			sinks = append(sinks, h)
		}
	}
	switch len(sinks) {
	case 0:
		return NoopHandler{}
	case 1:
		return sinks[0]
	}
	return sinks
}

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		// Handlers may retain the record, so each sink gets its own copy.
		if err := h.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t tee) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t tee) each(fn func(slog.Handler) slog.Handler) tee {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = fn(h)
	}
	return out
}

// floor drops records below min before they reach inner. The wrapped handler
// is built at the most verbose level any component needs.
type floor struct {
	inner slog.Handler
	min   slog.Level
}

func withFloor(inner slog.Handler, min slog.Level) slog.Handler {
	if inner == nil {
		return NoopHandler{}
	}
	if f, ok := inner.(floor); ok {
		inner = f.inner
	}
	return floor{inner: inner, min: min}
}

func (f floor) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.min && f.inner.Enabled(ctx, level)
}

func (f floor) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < f.min {
		return nil
	}
	return f.inner.Handle(ctx, record)
}

func (f floor) WithAttrs(attrs []slog.Attr) slog.Handler {
	return floor{inner: f.inner.WithAttrs(attrs), min: f.min}
}

func (f floor) WithGroup(name string) slog.Handler {
	return floor{inner: f.inner.WithGroup(name), min: f.min}
}

// WithLevelOverride returns a logger whose minimum level is level. An
// existing override on logger is replaced, not stacked.
func WithLevelOverride(logger *slog.Logger, level slog.Level) *slog.Logger {
	if logger == nil {
		return slog.New(NoopHandler{})
	}
	return slog.New(withFloor(logger.Handler(), level))
}
