// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// VoiceConnectionsActive tracks open voice sockets.
	VoiceConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_connections_active",
			Help: "Number of active voice WebSocket connections",
		},
	)

	// AudioChunksTotal counts accepted microphone chunks.
	AudioChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_audio_chunks_total",
			Help: "Total audio chunks ingested",
		},
	)

	// AudioBytesTotal counts accepted microphone bytes.
	AudioBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_audio_bytes_total",
			Help: "Total audio bytes ingested",
		},
	)

	// GenerationRoundsTotal counts generation rounds by outcome.
	GenerationRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_rounds_total",
			Help: "Total generation rounds",
		},
		[]string{"status"},
	)

	// GenerationRoundDuration tracks how long a round takes end to end.
	GenerationRoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_round_duration_seconds",
			Help:    "Generation round duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"engine", "status"},
	)

	// EngineEventsTotal counts engine events by kind.
	EngineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_total",
			Help: "Total dialogue engine events",
		},
		[]string{"type"},
	)

	// StageTransitionsTotal counts stage changes.
	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_transitions_total",
			Help: "Total onboarding stage transitions",
		},
		[]string{"from", "to"},
	)

	// SessionsTotal tracks total sessions created.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "Total sessions created",
		},
	)

	// MessagesTotal tracks total persisted turn messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"speaker"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRound records metrics for a generation round.
func RecordRound(engine, status string, duration float64) {
	GenerationRoundsTotal.WithLabelValues(status).Inc()
	GenerationRoundDuration.WithLabelValues(engine, status).Observe(duration)
}

// RecordChunk records an ingested audio chunk.
func RecordChunk(size int) {
	AudioChunksTotal.Inc()
	AudioBytesTotal.Add(float64(size))
}

// IncrementVoiceConnections increments the active voice connection count.
func IncrementVoiceConnections() {
	VoiceConnectionsActive.Inc()
}

// DecrementVoiceConnections decrements the active voice connection count.
func DecrementVoiceConnections() {
	VoiceConnectionsActive.Dec()
}
