package telemetry

import (
	"context"
	"testing"
)

func TestInitPopulatesInstruments(t *testing.T) {
	Init()
	if ToolCallCounter == nil || ToolCallDuration == nil || ConnectCounter == nil ||
		RestartCounter == nil || CacheHitCounter == nil || CacheMissCounter == nil || ReloadDuration == nil {
		t.Fatal("expected Init to populate all package instruments")
	}
}

func TestStartToolCallSpanAndRecordError(t *testing.T) {
	Init()
	ctx, span := StartToolCallSpan(context.Background(), "fetch__get")
	if span == nil {
		t.Fatal("expected a non-nil span")
	}
	RecordToolError(ctx, span, "fetch", "stdio", "fetch__get")
	span.End()
}

func TestRecordListHelpersDoNotPanic(t *testing.T) {
	Init()
	ctx := context.Background()
	RecordGatewayStart(ctx, "stdio")
	RecordToolList(ctx, "fetch", 3)
	RecordPromptList(ctx, "fetch", 1)
	RecordResourceList(ctx, "fetch", 0)
	RecordResourceTemplateList(ctx, "fetch", 0)
}
