package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/udactl/internal/fault"
	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/heaplog"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udactl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "udactl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udactl",
			Subsystem: "marshal",
			Name:      "messages_total",
			Help:      "Messages encoded or decoded, by outcome.",
		},
		[]string{"direction", "message", "result"},
	)
	messageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udactl",
			Subsystem: "marshal",
			Name:      "bytes_total",
			Help:      "Bytes moved across the record stream.",
		},
		[]string{"direction", "message"},
	)
	decodeEntries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "udactl",
			Subsystem: "marshal",
			Name:      "decode_heaplog_entries",
			Help:      "Heap log entries recorded per successful decode.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 64, 256, 1024},
		},
		[]string{"message"},
	)
	heaplogLive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "udactl",
			Subsystem: "heaplog",
			Name:      "live_entries",
			Help:      "Heap log entries recorded and not yet released.",
		},
		func() float64 { return float64(heaplog.Live()) },
	)
	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udactl",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Plugin dispatches, by outcome.",
		},
		[]string{"plugin", "method", "result"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "udactl",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Plugin dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"plugin", "method"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "udactl",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open protocol connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, messages, messageBytes, decodeEntries,
			heaplogLive, dispatchRequests, dispatchDuration, connections)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// ConnectionOpened and ConnectionClosed track the server's open connections.
func ConnectionOpened() {
	RegisterMetrics()
	connections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connections.Dec()
}

// MarshalMetrics is a protocol.Observer feeding the marshal collectors.
type MarshalMetrics struct{}

var _ protocol.Observer = MarshalMetrics{}

func (MarshalMetrics) MessageEncoded(t protocol.MessageType, bytes int, err error) {
	RegisterMetrics()
	messages.WithLabelValues("encode", t.String(), fault.Label(err)).Inc()
	messageBytes.WithLabelValues("encode", t.String()).Add(float64(bytes))
}

func (MarshalMetrics) MessageDecoded(t protocol.MessageType, bytes int, entries int, err error) {
	RegisterMetrics()
	messages.WithLabelValues("decode", t.String(), fault.Label(err)).Inc()
	messageBytes.WithLabelValues("decode", t.String()).Add(float64(bytes))
	if err == nil {
		decodeEntries.WithLabelValues(t.String()).Observe(float64(entries))
	}
}

// MetricsHook is a plugins.DispatchHook feeding the dispatch collectors.
type MetricsHook struct{}

var _ plugins.DispatchHook = MetricsHook{}

func (MetricsHook) OnDispatchStart(ctx context.Context, _ plugins.DispatchInfo) (context.Context, plugins.HookToken) {
	return ctx, time.Now()
}

func (MetricsHook) OnDispatchEnd(_ context.Context, token plugins.HookToken, info plugins.DispatchInfo, _ *plugins.Output, err error) {
	RegisterMetrics()
	dispatchRequests.WithLabelValues(info.Plugin, info.Method, fault.Label(err)).Inc()
	if start, ok := token.(time.Time); ok {
		dispatchDuration.WithLabelValues(info.Plugin, info.Method).Observe(time.Since(start).Seconds())
	}
}
