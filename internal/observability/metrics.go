// Package observability holds the Prometheus collectors shared by the
// sync engine's subsystems.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "chirpsync_connection_state", Help: "1 for the current connection state, 0 otherwise"},
		[]string{"state"},
	)
	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chirpsync_reconnect_attempts_total", Help: "Scheduled reconnect attempts"},
	)
	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chirpsync_frames_total", Help: "Frames by direction, transport and event type"},
		[]string{"direction", "transport", "event_type"},
	)
	UnparseableFrames = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chirpsync_unparseable_frames_total", Help: "Inbound frames dropped as malformed"},
	)
	MessageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chirpsync_messages_total", Help: "Outgoing message outcomes"},
		[]string{"outcome"},
	)
	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chirpsync_uploads_total", Help: "Upload outcomes"},
		[]string{"outcome"},
	)
	ActiveUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chirpsync_active_uploads", Help: "Transfers currently in flight"},
	)
	FallbackRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chirpsync_fallback_requests_total", Help: "Fallback REST write outcomes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectionState, ReconnectAttempts, Frames, UnparseableFrames,
		MessageOutcomes, Uploads, ActiveUploads, FallbackRequests,
	)
}
