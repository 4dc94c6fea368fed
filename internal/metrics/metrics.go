// Package metrics は Prometheus メトリクスを提供します。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "paper_relay"

// Metrics は各コンポーネントが更新するメトリクスをまとめたものです。
// nil のまま渡された場合、各メソッドは何もしません。
type Metrics struct {
	// Worker
	MessagesReceived  prometheus.Counter
	MessagesSaturated prometheus.Counter
	ChunksProcessed   *prometheus.CounterVec
	ChunkDuration     prometheus.Histogram
	TaskQueueDepth    prometheus.Gauge
	AckErrors         prometheus.Counter
	SessionRestarts   prometheus.Counter

	// Dispatcher
	ChunksPublished prometheus.Counter
	DispatchFailed  prometheus.Counter

	// Merge
	Merges *prometheus.CounterVec
}

// New は reg にメトリクスを登録して返します。reg が nil の場合はデフォルトレジストリを使います。
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_received_total",
			Help:      "Total number of queue messages received by the protocol loop",
		}),
		MessagesSaturated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_saturated_total",
			Help:      "Messages negatively acknowledged with requeue because the task queue was full",
		}),
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_chunks_processed_total",
			Help:      "Chunks processed by result",
		}, []string{"result"}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_chunk_duration_seconds",
			Help:      "Time spent in the processor per chunk",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		TaskQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_task_queue_depth",
			Help:      "Number of tasks waiting in the in-memory task queue",
		}),
		AckErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_ack_errors_total",
			Help:      "Acknowledgements that failed at the broker",
		}),
		SessionRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_session_restarts_total",
			Help:      "Times the protocol loop re-opened its broker session",
		}),
		ChunksPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_chunks_published_total",
			Help:      "Chunk messages published to the work queue",
		}),
		DispatchFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatches aborted after exhausting publish retries",
		}),
		Merges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_results_total",
			Help:      "Merge attempts by outcome",
		}, []string{"outcome"}),
	}
}

// Handler は /metrics 用のハンドラーを返します。
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) ObserveReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

func (m *Metrics) ObserveSaturated() {
	if m == nil {
		return
	}
	m.MessagesSaturated.Inc()
}

// ObserveChunk は処理結果と所要時間を記録します。
func (m *Metrics) ObserveChunk(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ChunksProcessed.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.ChunkDuration.Observe(seconds)
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.TaskQueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveAckError() {
	if m == nil {
		return
	}
	m.AckErrors.Inc()
}

func (m *Metrics) ObserveSessionRestart() {
	if m == nil {
		return
	}
	m.SessionRestarts.Inc()
}

func (m *Metrics) ObservePublished() {
	if m == nil {
		return
	}
	m.ChunksPublished.Inc()
}

func (m *Metrics) ObserveDispatchFailed() {
	if m == nil {
		return
	}
	m.DispatchFailed.Inc()
}

// ObserveMerge は outcome（cached / merged / pending / error）ごとに数えます。
func (m *Metrics) ObserveMerge(outcome string) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(outcome).Inc()
}
