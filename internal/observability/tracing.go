package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/danmuck/objrpc"

// TracingConfig configures the dispatch tracing hook. Nil providers fall
// back to the otel globals.
type TracingConfig struct {
	TracerProvider trace.TracerProvider
	// Propagator extracts the caller's span from the request context.
	Propagator       propagation.TextMapPropagator
	RecordExceptions bool
	Attributes       []attribute.KeyValue
}

func DefaultTracingConfig() TracingConfig {
	return TracingConfig{RecordExceptions: true}
}

type tracingHook struct {
	cfg    TracingConfig
	tracer trace.Tracer
}

type spanToken struct {
	span  trace.Span
	start time.Time
}

// NewTracingHook returns a dispatch hook that opens one server span per
// dispatch.
func NewTracingHook(cfg TracingConfig) dispatch.Hook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	return &tracingHook{cfg: cfg, tracer: cfg.TracerProvider.Tracer(instrumentationName)}
}

func (h *tracingHook) OnDispatchStart(ctx context.Context, info dispatch.Info) (context.Context, dispatch.HookToken) {
	if len(info.Context) > 0 {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.Context))
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "objrpc"),
		attribute.String("rpc.service", info.Identity),
		attribute.String("rpc.method", info.Operation),
		attribute.String("rpc.objrpc.adapter", info.Adapter),
		attribute.String("rpc.objrpc.mode", info.Mode.String()),
		attribute.Bool("rpc.objrpc.collocated", info.Collocated),
	}
	if info.Facet != "" {
		attrs = append(attrs, attribute.String("rpc.objrpc.facet", info.Facet))
	}
	attrs = append(attrs, h.cfg.Attributes...)
	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("objrpc/%s", info.Operation),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, start: time.Now()}
}

func (h *tracingHook) OnDispatchEnd(_ context.Context, token dispatch.HookToken, _ dispatch.Info, result dispatch.Result) {
	st, ok := token.(*spanToken)
	if !ok || st.span == nil {
		return
	}
	defer st.span.End()
	if !st.span.IsRecording() {
		return
	}
	st.span.SetAttributes(
		attribute.String("rpc.objrpc.status", result.Status.String()),
		attribute.Int("rpc.objrpc.input_bytes", result.InBytes),
		attribute.Int("rpc.objrpc.output_bytes", result.OutBytes),
	)
	if result.Err == nil && result.Status == dispatch.StatusOK {
		st.span.SetStatus(codes.Ok, "")
		return
	}
	msg := result.Status.String()
	if result.Err != nil {
		msg = result.Err.Error()
		if h.cfg.RecordExceptions {
			st.span.RecordError(result.Err)
		}
		st.span.SetAttributes(attribute.String("rpc.objrpc.error_type", fault.TypeName(result.Err)))
	}
	st.span.SetStatus(codes.Error, msg)
}

// InjectContext writes the span in ctx into a copy of reqCtx for the
// callee's tracing hook to pick up.
func InjectContext(ctx context.Context, propagator propagation.TextMapPropagator, reqCtx map[string]string) map[string]string {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	out := make(map[string]string, len(reqCtx)+2)
	for k, v := range reqCtx {
		out[k] = v
	}
	propagator.Inject(ctx, propagation.MapCarrier(out))
	return out
}
