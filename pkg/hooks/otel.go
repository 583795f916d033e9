package hooks

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/duration"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
)

// Compile-time interface check.
var _ broadcast.Hook = (*OTelHook)(nil)

// OTelHook exports scan telemetry to an OpenTelemetry collector.
// Each scan gets a root span opened at scan_start and closed at its
// terminal event; findings and progress arrive as span events.
type OTelHook struct {
	opts           OTelOptions
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	mu     sync.Mutex
	scans  map[string]trace.Span
	closed bool
}

// OTelOptions configures the OpenTelemetry hook behavior.
type OTelOptions struct {
	// Endpoint is the OTLP endpoint (e.g., "localhost:4317").
	Endpoint string

	// ServiceName is the service name for traces (default: "security-dashboard").
	ServiceName string

	// Insecure uses insecure connection (no TLS).
	Insecure bool

	// Headers contains additional headers for the OTLP exporter.
	Headers map[string]string

	// ShutdownTimeout is the timeout for graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration

	// ConnectionTimeout is the timeout for establishing connection (default: 10s).
	ConnectionTimeout time.Duration
}

// NewOTelHook creates a hook exporting to the configured endpoint.
// The exporter connects immediately but handles collector outages
// gracefully without blocking ingestion.
func NewOTelHook(opts OTelOptions) (*OTelHook, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "security-dashboard"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = duration.OTelShutdown
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = duration.OTelConnect
	}

	grpcOpts := []grpc.DialOption{}
	if opts.Insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithDialOption(grpcOpts...),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		attribute.String("service.component", "dashboard"),
	)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	return &OTelHook{
		opts:           opts,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer("security-dashboard/stream"),
		scans:          make(map[string]trace.Span),
	}, nil
}

// OnEvent maps stream events onto the scan's trace.
func (h *OTelHook) OnEvent(ctx context.Context, env broadcast.Envelope) error {
	evt := env.Event
	if evt == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	switch evt.Type {
	case events.TypeScanStart:
		h.handleStart(ctx, evt)
	case events.TypeScanComplete:
		h.handleEnd(evt, codes.Ok, "")
	case events.TypeScanError:
		h.handleEnd(evt, codes.Error, evt.Str("error"))
	case events.TypeFindingValidated:
		h.addSpanEvent(evt, "finding_validated",
			attribute.String("title", evt.Str("title")),
			attribute.String("severity", evt.Str("severity")),
			attribute.String("cwe", evt.Str("cwe")),
			attribute.String("endpoint", evt.Str("endpoint")),
		)
	case events.TypePhaseStart:
		h.addSpanEvent(evt, "phase_started",
			attribute.String("phase", evt.Str("phase")))
	case events.TypeProgressUpdate, events.TypeScanProgress:
		if env.Stats != nil {
			h.addSpanEvent(evt, "progress_update",
				attribute.String("phase", env.Stats.CurrentPhase),
				attribute.Float64("percentage", env.Stats.ProgressPct),
				attribute.Int("requests_sent", env.Stats.Stats.RequestsSent),
				attribute.Int("findings_validated", env.Stats.Stats.FindingsValidated),
			)
		}
	}
	return nil
}

func (h *OTelHook) handleStart(ctx context.Context, evt *events.Event) {
	if prev, ok := h.scans[evt.ScanID]; ok {
		prev.End()
	}

	_, span := h.tracer.Start(ctx, "dashboard.scan",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("scan_id", evt.ScanID),
			attribute.String("tenant_id", evt.TenantID),
			attribute.String("target", evt.Str("target")),
		),
	)
	h.scans[evt.ScanID] = span
}

func (h *OTelHook) handleEnd(evt *events.Event, code codes.Code, desc string) {
	span, ok := h.scans[evt.ScanID]
	if !ok {
		return
	}
	span.SetStatus(code, desc)
	span.End()
	delete(h.scans, evt.ScanID)
}

func (h *OTelHook) addSpanEvent(evt *events.Event, name string, attrs ...attribute.KeyValue) {
	span, ok := h.scans[evt.ScanID]
	if !ok {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EventTypes limits the hook to the lifecycle, finding, and progress
// events it traces.
func (h *OTelHook) EventTypes() []events.Type {
	return []events.Type{
		events.TypeScanStart,
		events.TypeScanComplete,
		events.TypeScanError,
		events.TypeFindingValidated,
		events.TypePhaseStart,
		events.TypeProgressUpdate,
		events.TypeScanProgress,
	}
}

// Close ends any open scan spans and flushes the exporter.
func (h *OTelHook) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, span := range h.scans {
		span.End()
		delete(h.scans, id)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()
	return h.tracerProvider.Shutdown(ctx)
}
