package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture server
type Metrics struct {
	// Ingress metrics
	ChunksReceived   prometheus.Counter
	ChunkBytes       prometheus.Counter
	DatagramsParsed  prometheus.Counter
	DatagramErrors   prometheus.Counter
	StreamsActive    prometheus.Gauge
	CapturesStarted  prometheus.Counter
	CapturesFinished prometheus.Counter

	// Detection metrics
	ConversationsDetected  prometheus.Counter
	ConversationsCompleted prometheus.Counter
	ConversationsFailed    prometheus.Counter
	ConversationsDeleted   prometheus.Counter
	SegmentDuration        prometheus.Histogram
	DetectDuration         prometheus.Histogram

	// Task dispatcher metrics
	TasksQueued prometheus.Gauge
	TasksFailed prometheus.Counter

	// Transcription metrics
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ingress metrics
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_chunks_received_total",
			Help: "Total number of audio chunks received across all ingress paths",
		}),
		ChunkBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_chunk_bytes_total",
			Help: "Total audio bytes received",
		}),
		DatagramsParsed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_udp_datagrams_parsed_total",
			Help: "Total number of UDP datagrams successfully parsed",
		}),
		DatagramErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_udp_datagram_errors_total",
			Help: "Total number of UDP datagram parsing errors",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "auricle_streaming_sessions_active",
			Help: "Current number of active streaming capture sessions",
		}),
		CapturesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_captures_started_total",
			Help: "Total number of capture sessions started",
		}),
		CapturesFinished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_captures_finished_total",
			Help: "Total number of capture sessions finalized",
		}),

		// Detection metrics
		ConversationsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_conversations_detected_total",
			Help: "Total number of conversations detected in captured audio",
		}),
		ConversationsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_conversations_completed_total",
			Help: "Total number of conversations fully processed",
		}),
		ConversationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_conversations_failed_total",
			Help: "Total number of conversations that failed processing",
		}),
		ConversationsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_conversations_deleted_total",
			Help: "Total number of conversations deleted",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "auricle_segment_duration_seconds",
			Help:    "Duration of extracted conversation segments",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		DetectDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "auricle_detect_duration_seconds",
			Help:    "Time spent running detection on a chunk",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		// Task dispatcher metrics
		TasksQueued: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "auricle_tasks_queued",
			Help: "Current number of tasks waiting in the dispatcher queue",
		}),
		TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_tasks_failed_total",
			Help: "Total number of background tasks that returned an error",
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auricle_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "auricle_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "auricle_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auricle_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordChunkReceived records an ingested audio chunk
func (m *Metrics) RecordChunkReceived(sizeBytes int) {
	m.ChunksReceived.Inc()
	m.ChunkBytes.Add(float64(sizeBytes))
}

// RecordDatagramParsed increments the parsed datagram counter
func (m *Metrics) RecordDatagramParsed() {
	m.DatagramsParsed.Inc()
}

// RecordDatagramError increments the datagram error counter
func (m *Metrics) RecordDatagramError() {
	m.DatagramErrors.Inc()
}

// SetActiveStreams sets the current number of streaming sessions
func (m *Metrics) SetActiveStreams(count int) {
	m.StreamsActive.Set(float64(count))
}

// RecordCaptureStarted increments the captures started counter
func (m *Metrics) RecordCaptureStarted() {
	m.CapturesStarted.Inc()
}

// RecordCaptureFinished increments the captures finished counter
func (m *Metrics) RecordCaptureFinished() {
	m.CapturesFinished.Inc()
}

// RecordConversationDetected increments the conversations detected counter
func (m *Metrics) RecordConversationDetected() {
	m.ConversationsDetected.Inc()
}

// RecordConversationCompleted records a processed conversation and its
// segment duration
func (m *Metrics) RecordConversationCompleted(segmentSeconds float64) {
	m.ConversationsCompleted.Inc()
	m.SegmentDuration.Observe(segmentSeconds)
}

// RecordConversationFailed increments the failed conversations counter
func (m *Metrics) RecordConversationFailed() {
	m.ConversationsFailed.Inc()
}

// RecordConversationDeleted increments the deleted conversations counter
func (m *Metrics) RecordConversationDeleted() {
	m.ConversationsDeleted.Inc()
}

// RecordDetect records the time spent on one detection pass
func (m *Metrics) RecordDetect(durationSeconds float64) {
	m.DetectDuration.Observe(durationSeconds)
}

// SetTasksQueued sets the current dispatcher queue depth
func (m *Metrics) SetTasksQueued(size int) {
	m.TasksQueued.Set(float64(size))
}

// RecordTaskFailed increments the failed tasks counter
func (m *Metrics) RecordTaskFailed() {
	m.TasksFailed.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure() {
	m.TranscriptionFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
