// Package telemetry reconstructs the teacher's pkg/telemetry contract from
// its call sites in pkg/gateway (capabilitites.go, dynamic_mcps.go,
// run.go): an otel meter/tracer pair, package-level instruments, and
// small Record*/Start* helper functions wrapping span+counter bookkeeping
// for connect attempts, restarts, cache hits, reload durations, and tool
// calls — generalized here from the teacher's catalog-server domain to
// this gateway's fleet/cache/router domain.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nullrunner/mcpmux"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	ToolCallCounter  metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ConnectCounter   metric.Int64Counter
	RestartCounter   metric.Int64Counter
	CacheHitCounter  metric.Int64Counter
	CacheMissCounter metric.Int64Counter
	ReloadDuration   metric.Float64Histogram
)

// Init creates the package's instruments against the globally configured
// otel MeterProvider. Safe to call once during gateway startup, the same
// place the teacher calls telemetry.Init() from pkg/gateway/run.go.
func Init() {
	// Instrument creation only fails on duplicate/invalid names; errors
	// are discarded since a no-op instrument still satisfies every call
	// site below.
	ToolCallCounter, _ = meter.Int64Counter("mcpmux.tool.calls",
		metric.WithDescription("Number of tool_invoke calls dispatched"))
	ToolCallDuration, _ = meter.Float64Histogram("mcpmux.tool.call.duration_ms",
		metric.WithDescription("Tool call latency in milliseconds"))
	ConnectCounter, _ = meter.Int64Counter("mcpmux.outbound.connects",
		metric.WithDescription("Outbound client connect attempts"))
	RestartCounter, _ = meter.Int64Counter("mcpmux.outbound.restarts",
		metric.WithDescription("Outbound client restarts"))
	CacheHitCounter, _ = meter.Int64Counter("mcpmux.capcache.hits")
	CacheMissCounter, _ = meter.Int64Counter("mcpmux.capcache.misses")
	ReloadDuration, _ = meter.Float64Histogram("mcpmux.config.reload.duration_ms",
		metric.WithDescription("Config reload pipeline duration in milliseconds"))
}

// RecordGatewayStart marks a successful gateway startup under the given
// transport mode ("stdio", "sse", "streaming").
func RecordGatewayStart(ctx context.Context, transportMode string) {
	_, span := tracer.Start(ctx, "gateway.start", trace.WithAttributes(
		attribute.String("mcpmux.transport", transportMode),
	))
	span.End()
}

// RecordToolList records a tools/list fan-out result for one server.
func RecordToolList(ctx context.Context, serverName string, count int) {
	recordListEvent(ctx, "tools", serverName, count)
}

// RecordPromptList records a prompts/list fan-out result for one server.
func RecordPromptList(ctx context.Context, serverName string, count int) {
	recordListEvent(ctx, "prompts", serverName, count)
}

// RecordResourceList records a resources/list fan-out result for one server.
func RecordResourceList(ctx context.Context, serverName string, count int) {
	recordListEvent(ctx, "resources", serverName, count)
}

// RecordResourceTemplateList records a resource-templates/list fan-out
// result for one server.
func RecordResourceTemplateList(ctx context.Context, serverName string, count int) {
	recordListEvent(ctx, "resourceTemplates", serverName, count)
}

func recordListEvent(ctx context.Context, kind, serverName string, count int) {
	_, span := tracer.Start(ctx, "capability."+kind+".list", trace.WithAttributes(
		attribute.String("mcp.server.name", serverName),
		attribute.Int("mcp.capability.count", count),
	))
	span.End()
}

// StartToolCallSpan starts a span for one tool_invoke dispatch; callers
// must End() the returned span.
func StartToolCallSpan(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("mcp.tool.name", toolName))
	return tracer.Start(ctx, "tool.call", trace.WithAttributes(attrs...))
}

// RecordToolError marks span as errored and reports the failure, mirroring
// the teacher's withToolTelemetry error path.
func RecordToolError(ctx context.Context, span trace.Span, serverName, serverType, toolName string) {
	span.SetStatus(codes.Error, "tool call failed")
	if ToolCallCounter != nil {
		ToolCallCounter.Add(ctx, 0, metric.WithAttributes(
			attribute.String("mcp.server.name", serverName),
			attribute.String("mcp.server.type", serverType),
			attribute.String("mcp.tool.name", toolName),
			attribute.Bool("mcp.tool.error", true),
		))
	}
}

// RecordDuration is a small helper so callers can time a block with
// `defer telemetry.RecordDuration(ReloadDuration, time.Now())`.
func RecordDuration(hist metric.Float64Histogram, start time.Time) {
	if hist == nil {
		return
	}
	hist.Record(context.Background(), float64(time.Since(start).Milliseconds()))
}
