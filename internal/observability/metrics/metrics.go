// Package metrics exposes Prometheus instrumentation for the scheduling
// core. All observe methods are nil-safe so wiring stays optional in tests
// and one-shot commands.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SMSMetrics counts dispatcher attempts and inbound webhooks.
type SMSMetrics struct {
	sendAttempts *prometheus.CounterVec
	sendLatency  *prometheus.HistogramVec
	inboundTotal *prometheus.CounterVec
}

func NewSMSMetrics(reg prometheus.Registerer) *SMSMetrics {
	m := &SMSMetrics{
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "sms",
			Name:      "send_attempts_total",
			Help:      "Outbound SMS attempts by provider and outcome",
		}, []string{"provider", "outcome", "failed_over"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radsched",
			Subsystem: "sms",
			Name:      "send_latency_seconds",
			Help:      "Latency of provider send calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "sms",
			Name:      "inbound_webhook_total",
			Help:      "Inbound SMS webhooks by provider and disposition",
		}, []string{"provider", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sendAttempts, m.sendLatency, m.inboundTotal)
	return m
}

// ObserveSendAttempt records one dispatcher attempt. outcome is "success"
// or the standard error code.
func (m *SMSMetrics) ObserveSendAttempt(provider, outcome string, failedOver bool) {
	if m == nil {
		return
	}
	label := "false"
	if failedOver {
		label = "true"
	}
	m.sendAttempts.WithLabelValues(provider, outcome, label).Inc()
}

func (m *SMSMetrics) ObserveSendLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(provider).Observe(seconds)
}

func (m *SMSMetrics) ObserveInbound(provider, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(provider, status).Inc()
}

// SessionMetrics counts state machine activity.
type SessionMetrics struct {
	transitions  *prometheus.CounterVec
	expirations  prometheus.Counter
	slotTimeouts *prometheus.CounterVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions",
		}, []string{"from_state", "to_state", "event"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "session",
			Name:      "expirations_total",
			Help:      "Sessions moved to EXPIRED by the sweep",
		}),
		slotTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "session",
			Name:      "slot_timeouts_total",
			Help:      "Slot request timeouts by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.expirations, m.slotTimeouts)
	return m
}

func (m *SessionMetrics) ObserveTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, event).Inc()
}

func (m *SessionMetrics) ObserveExpiration() {
	if m == nil {
		return
	}
	m.expirations.Inc()
}

// ObserveSlotTimeout records a timeout sweep action: "retried" or
// "cancelled".
func (m *SessionMetrics) ObserveSlotTimeout(outcome string) {
	if m == nil {
		return
	}
	m.slotTimeouts.WithLabelValues(outcome).Inc()
}

// IntakeMetrics counts queue consumption.
type IntakeMetrics struct {
	jobsTotal  *prometheus.CounterVec
	jobLatency *prometheus.HistogramVec
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	m := &IntakeMetrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "intake",
			Name:      "jobs_total",
			Help:      "Intake jobs by kind and outcome",
		}, []string{"kind", "status"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radsched",
			Subsystem: "intake",
			Name:      "job_latency_seconds",
			Help:      "Intake job processing latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.jobsTotal, m.jobLatency)
	return m
}

func (m *IntakeMetrics) ObserveJob(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(kind, status).Inc()
	m.jobLatency.WithLabelValues(kind).Observe(seconds)
}

// AnalyzerMetrics counts order analysis runs.
type AnalyzerMetrics struct {
	runs    *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func NewAnalyzerMetrics(reg prometheus.Registerer) *AnalyzerMetrics {
	m := &AnalyzerMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "analyzer",
			Name:      "runs_total",
			Help:      "Order analysis runs by engine and outcome",
		}, []string{"engine", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radsched",
			Subsystem: "analyzer",
			Name:      "latency_seconds",
			Help:      "Order analysis latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runs, m.latency)
	return m
}

func (m *AnalyzerMetrics) ObserveRun(engine, status string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(engine, status).Inc()
	m.latency.WithLabelValues(engine).Observe(seconds)
}
