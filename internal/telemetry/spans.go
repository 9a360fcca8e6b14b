package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "devloop/orchestrator"

	// SpanCycle is the span covering one rebuild-and-restart cycle.
	SpanCycle = "orchestrator.cycle"
	// SpanStartup is the span covering the initial build and first launch.
	SpanStartup = "orchestrator.startup"
	// SpanRebuild is the child span covering one session rebuild.
	SpanRebuild = "compiler.rebuild"

	maxErrorMessageBytes = 512
)

// CycleRequest describes one traced cycle.
type CycleRequest struct {
	Name     string
	Sequence int
	// Coalesced counts change events folded into this cycle.
	Coalesced int
}

// Tracked wraps one span and records its duration on End.
type Tracked struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

// StartCycle starts a cycle span and returns a context carrying it.
func StartCycle(ctx context.Context, req CycleRequest) (context.Context, *Tracked) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = SpanCycle
	}
	return start(ctx, name,
		attribute.Int("cycle.sequence", req.Sequence),
		attribute.Int("cycle.coalesced", req.Coalesced),
	)
}

// StartRebuild starts a rebuild span for one session.
func StartRebuild(ctx context.Context, session, entry string) (context.Context, *Tracked) {
	if ctx == nil {
		ctx = context.Background()
	}
	return start(ctx, SpanRebuild,
		attribute.String("session", normalizeOrUnknown(session)),
		attribute.String("entry", normalizeOrUnknown(entry)),
	)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Tracked) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return spanCtx, &Tracked{span: span, startedAt: time.Now()}
}

// AddEvent records a named event with attributes on the span.
func (t *Tracked) AddEvent(name string, attrs ...attribute.KeyValue) {
	if t == nil || t.span == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes adds attributes to the span.
func (t *Tracked) SetAttributes(attrs ...attribute.KeyValue) {
	if t == nil || t.span == nil {
		return
	}
	t.span.SetAttributes(attrs...)
}

// End finalizes the span with its duration and outcome. Later calls are ignored.
func (t *Tracked) End(err error) {
	if t == nil || t.span == nil {
		return
	}
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.mu.Unlock()

	durationMS := time.Since(t.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	t.span.SetAttributes(attribute.Int64("duration_ms", durationMS))

	if err != nil {
		message := truncate(err.Error())
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, message)
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	t.span.End()
}

// truncate bounds error text; compiler diagnostics can be very long.
func truncate(input string) string {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) > maxErrorMessageBytes {
		return trimmed[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return trimmed
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
