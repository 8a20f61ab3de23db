// Package monitoring exposes engine metrics via prometheus.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. All methods are
// nil-safe so components can run without a registry wired.
type Metrics struct {
	anomaliesSeen        prometheus.Counter
	incidentsCreated     *prometheus.CounterVec
	incidentsResolved    prometheus.Counter
	containmentFailures  prometheus.Counter
	deadlineWarnings     prometheus.Counter
	deadlineViolations   prometheus.Counter
	keyRotations         prometheus.Counter
	auditEntries         prometheus.Counter
	openIncidents        prometheus.Gauge
	notificationsPending prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		anomaliesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "anomalies_total",
			Help:      "Security anomalies handled",
		}),
		incidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "incidents_created_total",
			Help:      "Incidents created, by overall risk",
		}, []string{"risk"}),
		incidentsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "incidents_resolved_total",
			Help:      "Incidents marked resolved",
		}),
		containmentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "containment_failures_total",
			Help:      "Containment actions that failed",
		}),
		deadlineWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "deadline_warnings_total",
			Help:      "Regulator-deadline approaching alerts emitted",
		}),
		deadlineViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "deadline_violations_total",
			Help:      "Regulator-deadline violated alerts emitted",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "key_rotations_total",
			Help:      "Vault key rotations performed",
		}),
		auditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mamori",
			Name:      "audit_entries_total",
			Help:      "Audit entries appended",
		}),
		openIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mamori",
			Name:      "open_incidents",
			Help:      "Incidents not yet resolved",
		}),
		notificationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mamori",
			Name:      "regulator_notifications_pending",
			Help:      "Required regulator notifications not yet sent",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.anomaliesSeen,
			m.incidentsCreated,
			m.incidentsResolved,
			m.containmentFailures,
			m.deadlineWarnings,
			m.deadlineViolations,
			m.keyRotations,
			m.auditEntries,
			m.openIncidents,
			m.notificationsPending,
		)
	}

	return m
}

// AnomalySeen counts a handled anomaly
func (m *Metrics) AnomalySeen() {
	if m != nil {
		m.anomaliesSeen.Inc()
	}
}

// IncidentCreated counts a created incident by risk level
func (m *Metrics) IncidentCreated(risk string) {
	if m != nil {
		m.incidentsCreated.WithLabelValues(risk).Inc()
		m.openIncidents.Inc()
	}
}

// IncidentResolved counts a resolution
func (m *Metrics) IncidentResolved() {
	if m != nil {
		m.incidentsResolved.Inc()
		m.openIncidents.Dec()
	}
}

// ContainmentFailure counts a failed containment action
func (m *Metrics) ContainmentFailure() {
	if m != nil {
		m.containmentFailures.Inc()
	}
}

// DeadlineWarning counts an approaching-deadline alert
func (m *Metrics) DeadlineWarning() {
	if m != nil {
		m.deadlineWarnings.Inc()
	}
}

// DeadlineViolation counts a violated-deadline alert
func (m *Metrics) DeadlineViolation() {
	if m != nil {
		m.deadlineViolations.Inc()
	}
}

// KeyRotation counts a vault rotation
func (m *Metrics) KeyRotation() {
	if m != nil {
		m.keyRotations.Inc()
	}
}

// AuditEntryAppended counts an audit append
func (m *Metrics) AuditEntryAppended() {
	if m != nil {
		m.auditEntries.Inc()
	}
}

// NotificationPending adjusts the pending regulator-notification gauge
func (m *Metrics) NotificationPending(delta float64) {
	if m != nil {
		m.notificationsPending.Add(delta)
	}
}
