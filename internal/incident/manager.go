// Package incident implements the security incident lifecycle: anomaly
// triage, risk-driven incident creation, automatic containment, and the
// statutory notification bookkeeping hanging off every incident.
package incident

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamori/internal/audit"
	apperrors "github.com/shizukutanaka/mamori/internal/errors"
	"github.com/shizukutanaka/mamori/internal/logging"
	"github.com/shizukutanaka/mamori/internal/monitoring"
	"github.com/shizukutanaka/mamori/internal/notify"
	"github.com/shizukutanaka/mamori/internal/risk"
)

// ManagerConfig controls incident creation and notification rules
type ManagerConfig struct {
	// NotificationWindow is the detection-to-deadline statutory window.
	NotificationWindow time.Duration

	// HighRiskSubjectThreshold forces incident creation above this
	// affected-subject count.
	HighRiskSubjectThreshold uint64
}

// DefaultManagerConfig returns the statutory defaults (72h window,
// 100-subject threshold).
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NotificationWindow:       72 * time.Hour,
		HighRiskSubjectThreshold: 100,
	}
}

// Statistics tracks manager counters
type Statistics struct {
	AnomaliesHandled      atomic.Uint64
	IncidentsCreated      atomic.Uint64
	IncidentsContained    atomic.Uint64
	IncidentsResolved     atomic.Uint64
	NotificationsRecorded atomic.Uint64
}

// Stats is a point-in-time copy of Statistics
type Stats struct {
	AnomaliesHandled      uint64 `json:"anomalies_handled"`
	IncidentsCreated      uint64 `json:"incidents_created"`
	IncidentsContained    uint64 `json:"incidents_contained"`
	IncidentsResolved     uint64 `json:"incidents_resolved"`
	NotificationsRecorded uint64 `json:"notifications_recorded"`
}

// Manager drives the incident lifecycle state machine
type Manager struct {
	logger     *zap.Logger
	config     ManagerConfig
	repo       Repository
	recorder   *audit.Recorder
	notifier   notify.Notifier
	subjects   notify.SubjectQueue
	dispatcher *Dispatcher
	metrics    *monitoring.Metrics

	// locks guards mutation of existing incidents; creation needs no
	// lock because IDs are freshly minted.
	locks sync.Map // incident ID → *sync.Mutex

	stats Statistics
}

// NewManager creates an incident lifecycle manager
func NewManager(
	logger *zap.Logger,
	config ManagerConfig,
	repo Repository,
	recorder *audit.Recorder,
	notifier notify.Notifier,
	subjects notify.SubjectQueue,
	dispatcher *Dispatcher,
	metrics *monitoring.Metrics,
) *Manager {
	if config.NotificationWindow <= 0 {
		config.NotificationWindow = 72 * time.Hour
	}
	if config.HighRiskSubjectThreshold == 0 {
		config.HighRiskSubjectThreshold = 100
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(logger, metrics, nil)
	}

	return &Manager{
		logger:     logger,
		config:     config,
		repo:       repo,
		recorder:   recorder,
		notifier:   notifier,
		subjects:   subjects,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// HandleAnomaly triages a raw anomaly. Qualifying anomalies become
// incidents with containment and notification side effects; the rest
// are audit-logged with their assessment and discarded.
func (m *Manager) HandleAnomaly(ctx context.Context, anomaly *risk.Anomaly) (*Incident, error) {
	if anomaly == nil {
		return nil, fmt.Errorf("nil anomaly")
	}

	m.stats.AnomaliesHandled.Add(1)
	m.metrics.AnomalySeen()

	assessment := risk.Assess(anomaly)

	if !m.shouldCreateIncident(anomaly, assessment) {
		// Keep the triage decision traceable even when nothing is created.
		m.appendAudit(ctx, &audit.Entry{
			Actor:     "engine",
			Action:    "anomaly_triaged",
			EntityRef: fmt.Sprintf("anomaly:%s", anomaly.ID),
			Details: map[string]interface{}{
				"kind":         string(anomaly.Kind),
				"overall_risk": assessment.OverallRisk.String(),
				"impact":       assessment.PotentialImpact.String(),
				"likelihood":   assessment.Likelihood.String(),
				"sensitivity":  assessment.DataSensitivity.String(),
				"subjects":     anomaly.EstimatedAffectedSubjects,
				"decision":     "no_incident",
			},
		})
		return nil, nil
	}

	incident := m.buildIncident(anomaly, assessment)

	// The incident must be durable before any outbound side effect, so
	// a notification failure can never roll back recorded state.
	if err := m.repo.SaveIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to persist incident: %w", err)
	}

	m.stats.IncidentsCreated.Add(1)
	m.metrics.IncidentCreated(assessment.OverallRisk.String())
	if incident.Notification.RegulatorNotificationRequired {
		m.metrics.NotificationPending(1)
	}

	m.appendAudit(ctx, &audit.Entry{
		Actor:     "engine",
		Action:    "incident_created",
		EntityRef: incident.EntityRef(),
		Details: map[string]interface{}{
			"kind":               string(incident.Kind),
			"severity":           incident.Severity.String(),
			"overall_risk":       assessment.OverallRisk.String(),
			"subjects":           incident.AffectedSubjectsCount,
			"regulator_required": incident.Notification.RegulatorNotificationRequired,
			"subject_required":   incident.Notification.SubjectNotificationRequired,
			"deadline":           incident.Notification.Deadline,
			"source_anomaly":     anomaly.ID,
		},
	})

	m.logger.Warn("Security incident created",
		zap.String("incident_id", incident.ID),
		zap.String("kind", string(incident.Kind)),
		zap.String("severity", incident.Severity.String()),
		zap.Uint64("subjects", incident.AffectedSubjectsCount),
		zap.Time("deadline", incident.Notification.Deadline),
	)

	m.runCreationSideEffects(ctx, incident, anomaly)

	return incident, nil
}

// runCreationSideEffects executes the post-creation steps in their
// fixed order. Every step is best-effort: failures are logged and the
// remaining steps still run.
func (m *Manager) runCreationSideEffects(ctx context.Context, incident *Incident, anomaly *risk.Anomaly) {
	// (a) alert security operations
	m.alert(ctx, notify.ChannelSecurityOps, notify.SeverityCritical,
		fmt.Sprintf("incident %s: %s affecting %s subjects, risk %s",
			incident.ID, incident.Kind,
			humanize.Comma(int64(incident.AffectedSubjectsCount)),
			incident.RiskAssessment.OverallRisk))

	// (b) containment
	m.contain(ctx, incident)

	// (c) regulator notification draft
	if incident.Notification.RegulatorNotificationRequired {
		m.alert(ctx, notify.ChannelCompliance, notify.SeverityCritical,
			fmt.Sprintf("incident %s requires regulator notification by %s",
				incident.ID, incident.Notification.Deadline.Format(time.RFC3339)))

		m.appendAudit(ctx, &audit.Entry{
			Actor:     "engine",
			Action:    "regulator_notification_drafted",
			EntityRef: incident.EntityRef(),
			Details: map[string]interface{}{
				"deadline":        incident.Notification.Deadline,
				"kind":            string(incident.Kind),
				"subjects":        incident.AffectedSubjectsCount,
				"data_categories": incident.AffectedDataTypes,
			},
		})
	}

	// (d) investigation bookkeeping; raw anomaly details are evidence
	// and may carry personal data, so they go in sealed.
	m.appendAudit(ctx, &audit.Entry{
		Actor:                 "engine",
		Action:                "investigation_opened",
		EntityRef:             incident.EntityRef(),
		ContainsSensitiveData: true,
		Details: map[string]interface{}{
			"anomaly_id":  anomaly.ID,
			"raw_details": anomaly.RawDetails,
		},
	})

	// (e) subject notifications
	if incident.Notification.SubjectNotificationRequired && m.subjects != nil {
		if err := m.subjects.Schedule(ctx, incident.ID, incident.AffectedSubjectsCount); err != nil {
			m.logger.Error("Failed to schedule subject notifications",
				zap.String("incident_id", incident.ID),
				zap.Error(err),
			)
		}
	}
}

// contain runs the containment playbook and moves the incident to
// contained. Action failures are collected and logged; they never block
// the transition.
func (m *Manager) contain(ctx context.Context, incident *Incident) {
	incident.ContainmentActions = PlaybookFor(incident.Kind)
	failures := m.dispatcher.Dispatch(ctx, incident)

	now := time.Now()
	incident.Status = StatusContained
	incident.ContainedAt = &now

	if err := m.repo.SaveIncident(ctx, incident); err != nil {
		m.logger.Error("Failed to persist containment",
			zap.String("incident_id", incident.ID),
			zap.Error(err),
		)
		return
	}

	m.stats.IncidentsContained.Add(1)

	m.appendAudit(ctx, &audit.Entry{
		Actor:     "engine",
		Action:    "incident_contained",
		EntityRef: incident.EntityRef(),
		Details: map[string]interface{}{
			"actions":        incident.ContainmentActions,
			"failed_actions": len(failures),
		},
	})
}

// MarkResolved closes an incident. Legal only from contained; resolved
// is terminal.
func (m *Manager) MarkResolved(ctx context.Context, incidentID, resolutionNotes string) (*Incident, error) {
	unlock := m.lock(incidentID)
	defer unlock()

	incident, err := m.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(incident.Status, StatusResolved) {
		return nil, apperrors.InvalidTransition(incidentID, string(incident.Status), string(StatusResolved))
	}

	now := time.Now()
	incident.Status = StatusResolved
	incident.ResolvedAt = &now
	incident.ResolutionNotes = resolutionNotes

	if err := m.repo.SaveIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	m.stats.IncidentsResolved.Add(1)
	m.metrics.IncidentResolved()

	m.appendAudit(ctx, &audit.Entry{
		Actor:     "engine",
		Action:    "incident_resolved",
		EntityRef: incident.EntityRef(),
		Details: map[string]interface{}{
			"notes":       resolutionNotes,
			"resolved_at": now,
		},
	})

	logging.WithIncident(m.logger, incidentID).Info("Incident resolved")

	return incident, nil
}

// RecordRegulatorNotificationSent marks the statutory notification as
// delivered. Idempotent: outbound delivery retries must not corrupt
// state, so a second call is a no-op success.
func (m *Manager) RecordRegulatorNotificationSent(ctx context.Context, incidentID string) error {
	unlock := m.lock(incidentID)
	defer unlock()

	incident, err := m.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}

	if !incident.Notification.RegulatorNotificationRequired {
		return fmt.Errorf("incident %s: %w", incidentID, apperrors.ErrNotificationNotRequired)
	}
	if incident.Notification.RegulatorNotificationSentAt != nil {
		return nil
	}

	now := time.Now()
	incident.Notification.RegulatorNotificationSentAt = &now

	if err := m.repo.SaveIncident(ctx, incident); err != nil {
		return fmt.Errorf("failed to persist notification record: %w", err)
	}

	m.stats.NotificationsRecorded.Add(1)
	m.metrics.NotificationPending(-1)

	m.appendAudit(ctx, &audit.Entry{
		Actor:     "engine",
		Action:    "regulator_notification_recorded",
		EntityRef: incident.EntityRef(),
		Details: map[string]interface{}{
			"sent_at":  now,
			"deadline": incident.Notification.Deadline,
			"on_time":  !now.After(incident.Notification.Deadline),
		},
	})

	return nil
}

// GetIncident returns a snapshot of one incident
func (m *Manager) GetIncident(ctx context.Context, incidentID string) (*Incident, error) {
	incident, err := m.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return incident.Clone(), nil
}

// Statistics returns a copy of the manager counters
func (m *Manager) Statistics() Stats {
	return Stats{
		AnomaliesHandled:      m.stats.AnomaliesHandled.Load(),
		IncidentsCreated:      m.stats.IncidentsCreated.Load(),
		IncidentsContained:    m.stats.IncidentsContained.Load(),
		IncidentsResolved:     m.stats.IncidentsResolved.Load(),
		NotificationsRecorded: m.stats.NotificationsRecorded.Load(),
	}
}

// shouldCreateIncident decides whether an anomaly materializes as an
// incident. Any single criterion suffices.
func (m *Manager) shouldCreateIncident(anomaly *risk.Anomaly, assessment risk.Assessment) bool {
	if anomaly.SeverityHint == risk.LevelCritical {
		return true
	}
	if assessment.OverallRisk >= risk.LevelHigh {
		return true
	}
	if anomaly.EstimatedAffectedSubjects > m.config.HighRiskSubjectThreshold {
		return true
	}
	if anomaly.Kind == risk.KindDataLeak || anomaly.Kind == risk.KindSystemBreach {
		return true
	}
	return false
}

func (m *Manager) buildIncident(anomaly *risk.Anomaly, assessment risk.Assessment) *Incident {
	detectedAt := anomaly.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	// Severity never understates: take the higher of the upstream hint
	// and the computed overall risk.
	severity := assessment.OverallRisk
	if anomaly.SeverityHint > severity {
		severity = anomaly.SeverityHint
	}

	return &Incident{
		ID:                    uuid.NewString(),
		Kind:                  anomaly.Kind,
		Severity:              severity,
		Status:                StatusDetected,
		DetectedAt:            detectedAt,
		AffectedDataTypes:     append([]string(nil), anomaly.AffectedDataCategories...),
		AffectedSubjectsCount: anomaly.EstimatedAffectedSubjects,
		RiskAssessment:        assessment,
		Notification: NotificationState{
			RegulatorNotificationRequired: assessment.OverallRisk >= risk.LevelHigh,
			SubjectNotificationRequired:   assessment.OverallRisk == risk.LevelCritical,
			Deadline:                      detectedAt.Add(m.config.NotificationWindow),
		},
	}
}

// lock acquires the per-incident mutex and returns its unlock func
func (m *Manager) lock(incidentID string) func() {
	v, _ := m.locks.LoadOrStore(incidentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) alert(ctx context.Context, channel notify.Channel, severity notify.Severity, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Alert(ctx, channel, severity, message); err != nil {
		m.logger.Error("Failed to send alert",
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
	}
}

func (m *Manager) appendAudit(ctx context.Context, entry *audit.Entry) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Append(ctx, entry); err != nil {
		m.logger.Error("Failed to append audit entry",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
		return
	}
	m.metrics.AuditEntryAppended()
}
