package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/shizukutanaka/mamori/internal/risk"
)

// Status represents the incident lifecycle state.
// Regulator notification is tracked orthogonally in NotificationState so
// it can coexist with contained and resolved.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusContained Status = "contained"
	StatusResolved  Status = "resolved"
)

// validTransitions is the incident state machine. Resolved is terminal.
var validTransitions = map[Status]map[Status]bool{
	StatusDetected:  {StatusContained: true},
	StatusContained: {StatusResolved: true},
	StatusResolved:  {},
}

// CanTransition reports whether the state machine permits from → to
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// NotificationState tracks statutory notification obligations.
// Computed once at incident creation; the deadline is never extended.
type NotificationState struct {
	RegulatorNotificationRequired bool       `json:"regulator_notification_required"`
	RegulatorNotificationSentAt   *time.Time `json:"regulator_notification_sent_at,omitempty"`
	SubjectNotificationRequired   bool       `json:"subject_notification_required"`
	SubjectNotificationsSentCount uint64     `json:"subject_notifications_sent_count"`
	Deadline                      time.Time  `json:"deadline"`
}

// Incident is the core aggregate: a classified, tracked security event
// with a lifecycle and regulatory obligations. Incidents are never
// deleted; corrections append new audit entries instead.
type Incident struct {
	ID                    string            `json:"id"`
	Kind                  risk.AnomalyKind  `json:"kind"`
	Severity              risk.Level        `json:"severity"`
	Status                Status            `json:"status"`
	DetectedAt            time.Time         `json:"detected_at"`
	ContainedAt           *time.Time        `json:"contained_at,omitempty"`
	ResolvedAt            *time.Time        `json:"resolved_at,omitempty"`
	AffectedDataTypes     []string          `json:"affected_data_types"`
	AffectedSubjectsCount uint64            `json:"affected_subjects_count"`
	ContainmentActions    []string          `json:"containment_actions"`
	ResolutionNotes       string            `json:"resolution_notes,omitempty"`
	RiskAssessment        risk.Assessment   `json:"risk_assessment"`
	Notification          NotificationState `json:"notification"`
}

// Clone returns a deep copy, used for snapshot reads so the deadline
// monitor never observes a half-mutated incident.
func (i *Incident) Clone() *Incident {
	copied := *i
	copied.AffectedDataTypes = append([]string(nil), i.AffectedDataTypes...)
	copied.ContainmentActions = append([]string(nil), i.ContainmentActions...)
	if i.ContainedAt != nil {
		t := *i.ContainedAt
		copied.ContainedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		copied.ResolvedAt = &t
	}
	if i.Notification.RegulatorNotificationSentAt != nil {
		t := *i.Notification.RegulatorNotificationSentAt
		copied.Notification.RegulatorNotificationSentAt = &t
	}
	return &copied
}

// EntityRef returns the audit-trail reference for this incident
func (i *Incident) EntityRef() string {
	return fmt.Sprintf("incident:%s", i.ID)
}

// AwaitingRegulatorNotification reports whether the statutory
// notification is still outstanding.
func (i *Incident) AwaitingRegulatorNotification() bool {
	return i.Notification.RegulatorNotificationRequired &&
		i.Notification.RegulatorNotificationSentAt == nil
}

// Repository persists incidents. Implementations must give the
// deadline monitor at-least snapshot-consistent reads.
type Repository interface {
	SaveIncident(ctx context.Context, incident *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	LoadOpenIncidents(ctx context.Context) ([]*Incident, error)
}
