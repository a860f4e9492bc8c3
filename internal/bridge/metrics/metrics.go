package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge instrumentation. All vectors are labelled by
// registry so dashboards can break down per external registry.
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	TransitionDenied   *prometheus.CounterVec
	ExportBatchesTotal *prometheus.CounterVec
	ExportItemsTotal   *prometheus.CounterVec
	ImportItemsTotal   *prometheus.CounterVec
	LockSkipsTotal     *prometheus.CounterVec
	WebhookTotal       *prometheus.CounterVec
	PollCyclesTotal    *prometheus.CounterVec
	ReconcileStale     *prometheus.GaugeVec
	RegistryCallSec    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "bridge",
			Name:      "transitions_total",
			Help:      "Applied state transitions.",
		}, []string{"registry", "from", "to"}),
		TransitionDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "bridge",
			Name:      "transitions_denied_total",
			Help:      "Transitions rejected by the state machine.",
		}, []string{"registry", "from", "to"}),
		ExportBatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "export",
			Name:      "batches_total",
			Help:      "Export batches processed, by terminal result.",
		}, []string{"registry", "result"}),
		ExportItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "export",
			Name:      "items_total",
			Help:      "Export items by outcome.",
		}, []string{"registry", "outcome"}),
		ImportItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "import",
			Name:      "items_total",
			Help:      "Import items by outcome.",
		}, []string{"registry", "outcome"}),
		LockSkipsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "export",
			Name:      "lock_skips_total",
			Help:      "Credits skipped because another registry holds the bridge lock.",
		}, []string{"registry", "holder"}),
		WebhookTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "sync",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by verification and handling result.",
		}, []string{"registry", "result"}),
		PollCyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbonbridge",
			Subsystem: "sync",
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"registry", "result"}),
		ReconcileStale: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carbonbridge",
			Subsystem: "sync",
			Name:      "reconcile_stale_submitted",
			Help:      "Submitted mappings older than the staleness threshold.",
		}, []string{"registry"}),
		RegistryCallSec: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carbonbridge",
			Subsystem: "registry",
			Name:      "call_duration_seconds",
			Help:      "External registry call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"registry", "operation"}),
	}
}
