package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/plugins"
)

const tracerName = "github.com/danmuck/udactl/plugins"

// TracingHook opens one server span per plugin dispatch.
type TracingHook struct {
	tracer trace.Tracer
}

var _ plugins.DispatchHook = (*TracingHook)(nil)

// NewTracingHook uses tp, or the global provider when tp is nil.
func NewTracingHook(tp trace.TracerProvider) *TracingHook {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingHook{tracer: tp.Tracer(tracerName)}
}

func (h *TracingHook) OnDispatchStart(ctx context.Context, info plugins.DispatchInfo) (context.Context, plugins.HookToken) {
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "uda"),
		attribute.String("uda.plugin", info.Plugin),
		attribute.String("uda.method", info.Method),
		attribute.String("uda.plugin.source", info.Source),
		attribute.Bool("uda.method.standard", info.Standard),
	}
	if info.Remote != "" {
		attrs = append(attrs, attribute.String("net.peer.addr", info.Remote))
	}
	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("uda/%s.%s", info.Plugin, info.Method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

func (h *TracingHook) OnDispatchEnd(_ context.Context, token plugins.HookToken, _ plugins.DispatchInfo, out *plugins.Output, err error) {
	span, ok := token.(trace.Span)
	if !ok {
		return
	}
	defer span.End()
	if out != nil && span.IsRecording() {
		span.SetAttributes(
			attribute.Int("uda.tail.records", out.Tail.Len()),
			attribute.Bool("uda.payload", out.Payload != nil),
		)
		if out.Payload != nil {
			span.SetAttributes(attribute.String("uda.payload.type", out.Payload.TypeName()))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("uda.error.kind", fault.Label(err)))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
