package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objrpc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"group", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "objrpc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"group", "method", "route", "status"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objrpc",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by adapter, operation and reply status.",
		},
		[]string{"adapter", "operation", "status", "collocated"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "objrpc",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"adapter", "operation", "status"},
	)
	dispatchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objrpc",
			Subsystem: "dispatch",
			Name:      "bytes_total",
			Help:      "Parameter and result bytes handled by dispatch.",
		},
		[]string{"adapter", "direction"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objrpc",
			Subsystem: "conn",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and type.",
		},
		[]string{"direction", "type"},
	)
	messageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "objrpc",
			Subsystem: "conn",
			Name:      "message_bytes_total",
			Help:      "Uncompressed message payload bytes by direction and type.",
		},
		[]string{"direction", "type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, dispatches, dispatchDuration, dispatchBytes, messages, messageBytes)
	})
}

func RecordHTTPRequest(group, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(group, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(group, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(info dispatch.Info, result dispatch.Result) {
	RegisterMetrics()
	status := result.Status.String()
	dispatches.WithLabelValues(info.Adapter, info.Operation, status, strconv.FormatBool(info.Collocated)).Inc()
	dispatchDuration.WithLabelValues(info.Adapter, info.Operation, status).Observe(result.Duration.Seconds())
	dispatchBytes.WithLabelValues(info.Adapter, "in").Add(float64(result.InBytes))
	dispatchBytes.WithLabelValues(info.Adapter, "out").Add(float64(result.OutBytes))
}

// RecordMessage has the shape of a connection message observer.
func RecordMessage(direction string, t frame.MessageType, size int) {
	RegisterMetrics()
	messages.WithLabelValues(direction, t.String()).Inc()
	messageBytes.WithLabelValues(direction, t.String()).Add(float64(size))
}

// DispatchMetrics is a dispatch hook that records every dispatch.
type DispatchMetrics struct{}

func (DispatchMetrics) OnDispatchStart(ctx context.Context, _ dispatch.Info) (context.Context, dispatch.HookToken) {
	return ctx, nil
}

func (DispatchMetrics) OnDispatchEnd(_ context.Context, _ dispatch.HookToken, info dispatch.Info, result dispatch.Result) {
	RecordDispatch(info, result)
}
