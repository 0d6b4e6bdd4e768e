package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for holds, confirmations and
// booking workflows.
type SchedulingMetrics struct {
	holds          *prometheus.CounterVec
	confirms       *prometheus.CounterVec
	releases       *prometheus.CounterVec
	expirations    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	paymentLatency *prometheus.HistogramVec
	reconciliation prometheus.Counter
	slotCache      *prometheus.CounterVec
	outbox         *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "scheduling",
			Name:      "holds_total",
			Help:      "Slot hold attempts by outcome",
		}, []string{"outcome"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "scheduling",
			Name:      "confirms_total",
			Help:      "Reservation confirm attempts by outcome",
		}, []string{"outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "scheduling",
			Name:      "releases_total",
			Help:      "Reservation releases by resulting state",
		}, []string{"outcome"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "scheduling",
			Name:      "hold_expirations_total",
			Help:      "Holds moved to expired, by the path that noticed",
		}, []string{"path"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "workflow_transitions_total",
			Help:      "Booking workflow state transitions",
		}, []string{"from", "to"}),
		paymentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "payment_latency_seconds",
			Help:      "Latency of payment gateway charges",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "reconciliation_required_total",
			Help:      "Charges that succeeded without a confirmed reservation",
		}),
		slotCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "slots",
			Name:      "cache_requests_total",
			Help:      "Slot expansion cache lookups by result",
		}, []string{"result"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "events",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox deliveries by event type and status",
		}, []string{"event_type", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.holds, m.confirms, m.releases, m.expirations, m.transitions,
		m.paymentLatency, m.reconciliation, m.slotCache, m.outbox)
	return m
}

func (m *SchedulingMetrics) ObserveHold(outcome string) {
	if m == nil {
		return
	}
	m.holds.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveConfirm(outcome string) {
	if m == nil {
		return
	}
	m.confirms.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveRelease(outcome string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveExpired(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expirations.WithLabelValues(path).Add(float64(n))
}

func (m *SchedulingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *SchedulingMetrics) ObservePaymentLatency(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.paymentLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveReconciliation() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}

func (m *SchedulingMetrics) ObserveSlotCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.slotCache.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveOutboxDelivery(eventType, status string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(eventType, status).Inc()
}
