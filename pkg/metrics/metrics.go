// Package metrics defines the Prometheus collectors shared by the API,
// dispatcher, workers, and the webhook delivery pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide collector registry.
type Metrics struct {
	// BotTransitions counts state transitions.
	// Labels: new_state, sub_state
	BotTransitions *prometheus.CounterVec

	// BotsLaunched counts launcher invocations by outcome.
	// Labels: launcher (process|container), outcome (ok|error)
	BotsLaunched *prometheus.CounterVec

	// DispatcherTickDuration measures one full dispatcher tick in seconds.
	DispatcherTickDuration prometheus.Histogram

	// HeartbeatSweeps counts bots reaped by the janitor.
	HeartbeatSweeps prometheus.Counter

	// FramesDropped counts video frames dropped under backpressure.
	// Labels: bot_id
	FramesDropped *prometheus.CounterVec

	// TranscriptionOverflows counts audio frames dropped by full ASR queues.
	// Labels: provider
	TranscriptionOverflows *prometheus.CounterVec

	// WebhookDeliveries counts delivery attempts by result.
	// Labels: trigger, result (success|retry|failure)
	WebhookDeliveries *prometheus.CounterVec

	// WebhookDeliveryDuration measures POST latency in seconds.
	WebhookDeliveryDuration prometheus.Histogram

	// UploadBytes counts bytes uploaded to object storage.
	// Labels: backend
	UploadBytes *prometheus.CounterVec

	// CreditsDebited counts centicredits debited.
	CreditsDebited prometheus.Counter
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BotTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attend_bot_transitions_total",
			Help: "Bot state transitions by new state and sub-state.",
		}, []string{"new_state", "sub_state"}),
		BotsLaunched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attend_bots_launched_total",
			Help: "Launcher invocations by launcher kind and outcome.",
		}, []string{"launcher", "outcome"}),
		DispatcherTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "attend_dispatcher_tick_seconds",
			Help:    "Duration of one dispatcher tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}),
		HeartbeatSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "attend_heartbeat_sweeps_total",
			Help: "Bots transitioned to fatal_error by the heartbeat janitor.",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attend_frames_dropped_total",
			Help: "Video frames dropped under encoder backpressure.",
		}, []string{"bot_id"}),
		TranscriptionOverflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attend_transcription_overflows_total",
			Help: "Audio frames dropped because an ASR session queue was full.",
		}, []string{"provider"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attend_webhook_deliveries_total",
			Help: "Webhook delivery attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		WebhookDeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "attend_webhook_delivery_seconds",
			Help:    "Webhook POST latency.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		UploadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attend_upload_bytes_total",
			Help: "Bytes uploaded to object storage by backend.",
		}, []string{"backend"}),
		CreditsDebited: factory.NewCounter(prometheus.CounterOpts{
			Name: "attend_centicredits_debited_total",
			Help: "Centicredits debited for bot runtime.",
		}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
