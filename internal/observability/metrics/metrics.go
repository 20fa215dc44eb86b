package metrics

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics exposes counters/histograms for the sync engine.
type SyncMetrics struct {
	ticksTotal    *prometheus.CounterVec
	remoteTotal   *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	failuresTotal *prometheus.CounterVec
	publishTotal  *prometheus.CounterVec
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "sync",
			Name:      "ticks_total",
			Help:      "Completed sync ticks",
		}, []string{"entity_type", "outcome"}),
		remoteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "sync",
			Name:      "remote_calls_total",
			Help:      "Calls made to the hosted store",
		}, []string{"entity_type", "op", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "sync",
			Name:      "remote_call_seconds",
			Help:      "Latency of calls to the hosted store",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type", "op"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Pending and in-flight changes",
		}, []string{"entity_type"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "sync",
			Name:      "change_failures_total",
			Help:      "Changes that failed terminally",
		}, []string{"entity_type", "kind"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "sync",
			Name:      "snapshots_published_total",
			Help:      "Snapshots handed to subscribers",
		}, []string{"entity_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ticksTotal, m.remoteTotal, m.remoteLatency, m.queueDepth, m.failuresTotal, m.publishTotal)
	return m
}

func (m *SyncMetrics) ObserveTick(entityType, outcome string) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(entityType, outcome).Inc()
}

func (m *SyncMetrics) ObserveRemoteCall(entityType, op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.remoteTotal.WithLabelValues(entityType, op, outcome).Inc()
	m.remoteLatency.WithLabelValues(entityType, op).Observe(seconds)
}

func (m *SyncMetrics) SetQueueDepth(entityType string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(entityType).Set(float64(depth))
}

func (m *SyncMetrics) ObserveFailure(entityType, kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(entityType, kind).Inc()
}

func (m *SyncMetrics) ObservePublish(entityType string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(entityType).Inc()
}
