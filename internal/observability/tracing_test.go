package observability

import (
	"context"
	"testing"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, tp
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingHookContinuesCallerSpan(t *testing.T) {
	testlog.Start(t)
	rec, tp := newRecorder(t)
	prop := propagation.TraceContext{}

	callerCtx, caller := tp.Tracer("client").Start(context.Background(), "call")
	reqCtx := InjectContext(callerCtx, prop, map[string]string{"user": "kept"})
	caller.End()
	if reqCtx["user"] != "kept" || reqCtx["traceparent"] == "" {
		t.Fatalf("request context = %v", reqCtx)
	}

	hook := NewTracingHook(TracingConfig{TracerProvider: tp, Propagator: prop, RecordExceptions: true})
	info := dispatch.Info{Adapter: "Hello", Identity: "hello", Operation: "sayHello", Context: reqCtx}
	ctx, token := hook.OnDispatchStart(context.Background(), info)
	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("dispatch context carries no span")
	}
	hook.OnDispatchEnd(ctx, token, info, dispatch.Result{Status: dispatch.StatusOK, InBytes: 7})

	var server sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "objrpc/sayHello" {
			server = s
		}
	}
	if server == nil {
		t.Fatalf("no dispatch span among %d ended spans", len(rec.Ended()))
	}
	if server.Parent().TraceID() != caller.SpanContext().TraceID() {
		t.Fatal("dispatch span is not in the caller's trace")
	}
	if server.SpanKind() != trace.SpanKindServer || server.Status().Code != codes.Ok {
		t.Fatalf("kind=%v status=%v", server.SpanKind(), server.Status())
	}
	if v, ok := attr(server.Attributes(), "rpc.objrpc.adapter"); !ok || v.AsString() != "Hello" {
		t.Fatalf("adapter attribute = %v", v)
	}
}

func TestTracingHookMarksFailedDispatch(t *testing.T) {
	testlog.Start(t)
	rec, tp := newRecorder(t)
	hook := NewTracingHook(TracingConfig{TracerProvider: tp, RecordExceptions: true})
	info := dispatch.Info{Adapter: "Hello", Identity: "hello", Operation: "missing"}
	ctx, token := hook.OnDispatchStart(context.Background(), info)
	hook.OnDispatchEnd(ctx, token, info, dispatch.Result{Status: dispatch.StatusOperationNotExist})

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if st := ended[0].Status(); st.Code != codes.Error || st.Description != "operation not exist" {
		t.Fatalf("status = %+v", st)
	}
}
