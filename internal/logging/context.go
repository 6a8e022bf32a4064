package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	threadIDKey
	stepSlugKey
	branchKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithThreadID returns a context with the thread ID set.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// WithStepSlug returns a context with the current step slug set.
func WithStepSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, stepSlugKey, slug)
}

// WithBranch returns a context with the parallel branch slug set.
func WithBranch(ctx context.Context, branch string) context.Context {
	return context.WithValue(ctx, branchKey, branch)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ThreadID extracts the thread ID from the context, or "" if absent.
func ThreadID(ctx context.Context) string {
	v, _ := ctx.Value(threadIDKey).(string)
	return v
}

// StepSlug extracts the current step slug from the context, or "" if absent.
func StepSlug(ctx context.Context) string {
	v, _ := ctx.Value(stepSlugKey).(string)
	return v
}

// Branch extracts the parallel branch slug from the context, or "" if absent.
func Branch(ctx context.Context) string {
	v, _ := ctx.Value(branchKey).(string)
	return v
}

// correlators lists the context fields a correlated log line carries, in
// emission order. LogWith and CorrelationHandler.Handle share this table so
// the two enrichment paths cannot drift apart.
var correlators = []struct {
	attr string
	from func(context.Context) string
}{
	{"run_id", RunID},
	{"thread_id", ThreadID},
	{"step_slug", StepSlug},
	{"branch", Branch},
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, c := range correlators {
		if v := c.from(ctx); v != "" {
			logger = logger.With(slog.String(c.attr, v))
		}
	}
	return logger
}

// CorrelationHandler injects the context's correlation IDs into every record
// passing through it, so call sites can log with InfoContext and friends
// without threading attributes by hand. Wrap the output handler:
// slog.New(NewCorrelationHandler(inner)).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, c := range correlators {
		if v := c.from(ctx); v != "" {
			r.AddAttrs(slog.String(c.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
