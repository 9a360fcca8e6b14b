package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName identifies devloop spans at the collector.
const ServiceName = "devloop"

// flushInterval is short because a dev session is interactive and often
// ends with Ctrl-C shortly after the last cycle.
const flushInterval = time.Second

// Setup selects where cycle traces go.
type Setup struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT; when both are empty tracing is off.
	Endpoint string
	Version  string
	Command  string
	Project  string
	// Console receives a one-line summary per span when the collector
	// exporter cannot be built. Defaults to stderr.
	Console io.Writer
}

var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	// Certificates and headers come from the standard OTEL_EXPORTER_OTLP_* variables.
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Init installs the global tracer provider for one devloop command and
// returns a shutdown func that flushes pending spans. Shutdown is never nil.
func Init(ctx context.Context, setup Setup) (func(), error) {
	endpoint := strings.TrimSpace(setup.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if endpoint == "" {
		return func() {}, nil
	}

	console := setup.Console
	if console == nil {
		console = os.Stderr
	}
	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(console, "warning: traces for %s go to the console: %v\n", endpoint, err)
		exporter = cycleConsole{out: console}
	}

	version := strings.TrimSpace(setup.Version)
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("devloop.command", setup.Command),
		attribute.String("devloop.project", setup.Project),
	))
	if err != nil {
		return func() {}, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(flushInterval)),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*flushInterval)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

var consoleKeys = []attribute.Key{"session", "cycle.sequence", "cycle.coalesced"}

// cycleConsole prints spans as "trace <name> <attrs> <duration> <status>".
type cycleConsole struct {
	out io.Writer
}

func (c cycleConsole) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		var line strings.Builder
		line.WriteString("trace ")
		line.WriteString(span.Name())
		attrs := map[attribute.Key]attribute.Value{}
		for _, attr := range span.Attributes() {
			attrs[attr.Key] = attr.Value
		}
		for _, key := range consoleKeys {
			if value, ok := attrs[key]; ok {
				fmt.Fprintf(&line, " %s=%s", key, value.Emit())
			}
		}
		fmt.Fprintf(&line, " %s %s", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		if desc := span.Status().Description; desc != "" {
			fmt.Fprintf(&line, ": %s", firstLine(desc))
		}
		line.WriteByte('\n')
		if _, err := io.WriteString(c.out, line.String()); err != nil {
			return err
		}
	}
	return nil
}

func (cycleConsole) Shutdown(context.Context) error { return nil }

func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}
