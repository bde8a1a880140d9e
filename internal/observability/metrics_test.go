package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/protocol/frame"
	"github.com/danmuck/objrpc/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()
	RecordHTTPRequest("public", "GET", "/health", 200, 12*time.Millisecond)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("public", "GET", "/health", "200")); got < 1 {
		t.Fatalf("http requests = %v", got)
	}
}

func TestDispatchMetricsHookCountsByStatus(t *testing.T) {
	testlog.Start(t)
	var hook dispatch.Hook = DispatchMetrics{}
	info := dispatch.Info{Adapter: "MetricsTest", Identity: "echo", Operation: "echo"}
	before := testutil.ToFloat64(dispatches.WithLabelValues("MetricsTest", "echo", "ok", "false"))

	ctx, token := hook.OnDispatchStart(context.Background(), info)
	hook.OnDispatchEnd(ctx, token, info, dispatch.Result{Status: dispatch.StatusOK, Duration: time.Millisecond, InBytes: 10, OutBytes: 4})
	hook.OnDispatchEnd(ctx, token, info, dispatch.Result{Status: dispatch.StatusUnknownException, Err: errors.New("boom")})

	if got := testutil.ToFloat64(dispatches.WithLabelValues("MetricsTest", "echo", "ok", "false")); got != before+1 {
		t.Fatalf("ok dispatches = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(dispatches.WithLabelValues("MetricsTest", "echo", "unknown exception", "false")); got != 1 {
		t.Fatalf("failed dispatches = %v", got)
	}
	if got := testutil.ToFloat64(dispatchBytes.WithLabelValues("MetricsTest", "in")); got != 10 {
		t.Fatalf("in bytes = %v", got)
	}
}

func TestRecordMessage(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(messageBytes.WithLabelValues("sent", frame.MessageRequest.String()))
	RecordMessage("sent", frame.MessageRequest, 42)
	if got := testutil.ToFloat64(messageBytes.WithLabelValues("sent", frame.MessageRequest.String())); got != before+42 {
		t.Fatalf("message bytes = %v, want %v", got, before+42)
	}
}
