package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamori/internal/audit"
	apperrors "github.com/shizukutanaka/mamori/internal/errors"
	"github.com/shizukutanaka/mamori/internal/notify"
	"github.com/shizukutanaka/mamori/internal/risk"
)

// Test fixtures and helpers

type stubRepository struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
}

func newStubRepository() *stubRepository {
	return &stubRepository{incidents: make(map[string]*Incident)}
}

func (r *stubRepository) SaveIncident(_ context.Context, inc *Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents[inc.ID] = inc.Clone()
	return nil
}

func (r *stubRepository) GetIncident(_ context.Context, id string) (*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, apperrors.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

func (r *stubRepository) LoadOpenIncidents(_ context.Context) ([]*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	open := make([]*Incident, 0)
	for _, inc := range r.incidents {
		if inc.Status != StatusResolved {
			open = append(open, inc.Clone())
		}
	}
	return open, nil
}

type capturingNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *capturingNotifier) Alert(_ context.Context, channel notify.Channel, _ notify.Severity, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, string(channel)+": "+message)
	return nil
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type testHarness struct {
	manager  *Manager
	repo     *stubRepository
	store    *audit.MemoryStore
	notifier *capturingNotifier
}

func createTestManager(t *testing.T, executor ActionExecutor) *testHarness {
	t.Helper()

	logger := zap.NewNop()
	repo := newStubRepository()
	store := audit.NewMemoryStore()
	recorder := audit.NewRecorder(logger, store, nil)
	notifier := &capturingNotifier{}

	manager := NewManager(
		logger,
		DefaultManagerConfig(),
		repo,
		recorder,
		notifier,
		notify.NewNopSubjectQueue(logger),
		NewDispatcher(logger, nil, executor),
		nil,
	)

	return &testHarness{manager: manager, repo: repo, store: store, notifier: notifier}
}

func dataLeakAnomaly() *risk.Anomaly {
	return &risk.Anomaly{
		ID:                        "anomaly-leak",
		Kind:                      risk.KindDataLeak,
		SeverityHint:              risk.LevelHigh,
		AffectedDataCategories:    []string{"financial"},
		EstimatedAffectedSubjects: 5000,
		DetectedAt:                time.Now().Add(-time.Minute),
		RawDetails:                map[string]interface{}{"export_ip": "203.0.113.9"},
	}
}

func auditActions(store *audit.MemoryStore, entityRef string) map[string]int {
	counts := make(map[string]int)
	for _, e := range store.EntriesFor(entityRef) {
		counts[e.Action]++
	}
	return counts
}

// Tests

func TestHandleAnomalyDataLeakScenario(t *testing.T) {
	h := createTestManager(t, nil)

	anomaly := dataLeakAnomaly()
	inc, err := h.manager.HandleAnomaly(context.Background(), anomaly)
	require.NoError(t, err)
	require.NotNil(t, inc)

	assert.Equal(t, risk.KindDataLeak, inc.Kind)
	assert.Equal(t, risk.LevelCritical, inc.RiskAssessment.OverallRisk)
	assert.True(t, inc.Notification.RegulatorNotificationRequired)
	assert.True(t, inc.Notification.SubjectNotificationRequired)
	assert.Equal(t, anomaly.DetectedAt.Add(72*time.Hour), inc.Notification.Deadline)

	// Containment ran and the incident moved to contained.
	assert.Equal(t, StatusContained, inc.Status)
	assert.NotNil(t, inc.ContainedAt)
	assert.Equal(t,
		[]string{"isolate_db_connections", "enable_verbose_logging", "restrict_exports"},
		inc.ContainmentActions)

	// Ops and compliance were alerted.
	assert.GreaterOrEqual(t, h.notifier.count(), 2)
}

func TestHandleAnomalyCriticalHintAlwaysCreates(t *testing.T) {
	h := createTestManager(t, nil)

	// Otherwise completely benign signal: small, non-sensitive, unknown kind.
	anomaly := &risk.Anomaly{
		ID:                        "anomaly-crit",
		Kind:                      risk.AnomalyKind("weird_new_thing"),
		SeverityHint:              risk.LevelCritical,
		EstimatedAffectedSubjects: 1,
		DetectedAt:                time.Now(),
	}

	inc, err := h.manager.HandleAnomaly(context.Background(), anomaly)
	require.NoError(t, err)
	require.NotNil(t, inc, "critical severity hint must never be dropped")
	assert.Equal(t, risk.LevelCritical, inc.Severity)
}

func TestHandleAnomalyLowRiskDiscardedButAudited(t *testing.T) {
	h := createTestManager(t, nil)

	anomaly := &risk.Anomaly{
		ID:                        "anomaly-minor",
		Kind:                      risk.KindUnusualActivity,
		SeverityHint:              risk.LevelLow,
		EstimatedAffectedSubjects: 3,
		DetectedAt:                time.Now(),
	}

	inc, err := h.manager.HandleAnomaly(context.Background(), anomaly)
	require.NoError(t, err)
	assert.Nil(t, inc)

	entries := h.store.EntriesFor("anomaly:anomaly-minor")
	require.Len(t, entries, 1)
	assert.Equal(t, "anomaly_triaged", entries[0].Action)
	assert.Equal(t, "no_incident", entries[0].Details["decision"])

	open, err := h.repo.LoadOpenIncidents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestIncidentCreationRules(t *testing.T) {
	tests := []struct {
		name    string
		anomaly *risk.Anomaly
		want    bool
	}{
		{
			name: "data leak kind alone",
			anomaly: &risk.Anomaly{
				Kind: risk.KindDataLeak, EstimatedAffectedSubjects: 1,
			},
			want: true,
		},
		{
			name: "system breach kind alone",
			anomaly: &risk.Anomaly{
				Kind: risk.KindSystemBreach, EstimatedAffectedSubjects: 0,
			},
			want: true,
		},
		{
			name: "subject count over threshold",
			anomaly: &risk.Anomaly{
				Kind: risk.KindUnusualActivity, EstimatedAffectedSubjects: 101,
			},
			want: true,
		},
		{
			name: "small unauthorized access",
			anomaly: &risk.Anomaly{
				Kind: risk.KindUnauthorizedAccess, EstimatedAffectedSubjects: 5,
			},
			want: false,
		},
		{
			name: "unusual activity under all thresholds",
			anomaly: &risk.Anomaly{
				Kind: risk.KindUnusualActivity, EstimatedAffectedSubjects: 50,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := createTestManager(t, nil)
			inc, err := h.manager.HandleAnomaly(context.Background(), tt.anomaly)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inc != nil)
		})
	}
}

func TestContainmentFailuresDoNotBlockContainment(t *testing.T) {
	failing := func(_ context.Context, _ *Incident, action string) error {
		if action == "isolate_db_connections" {
			return fmt.Errorf("db proxy unreachable")
		}
		return nil
	}
	h := createTestManager(t, failing)

	inc, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)
	require.NotNil(t, inc)

	assert.Equal(t, StatusContained, inc.Status, "failed action must not block containment")

	counts := auditActions(h.store, inc.EntityRef())
	assert.Equal(t, 1, counts["incident_contained"])
}

func TestMarkResolvedHappyPath(t *testing.T) {
	h := createTestManager(t, nil)

	created, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)
	require.Equal(t, StatusContained, created.Status)

	resolved, err := h.manager.MarkResolved(context.Background(), created.ID, "exports disabled, leak traced")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "exports disabled, leak traced", resolved.ResolutionNotes)
}

func TestMarkResolvedFromDetectedFails(t *testing.T) {
	h := createTestManager(t, nil)

	// Seed an incident stuck in detected (containment persist failed).
	seed := &Incident{ID: "stuck", Status: StatusDetected, Kind: risk.KindDataLeak}
	require.NoError(t, h.repo.SaveIncident(context.Background(), seed))

	_, err := h.manager.MarkResolved(context.Background(), "stuck", "notes")
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidTransition(err))
}

func TestResolvedIsTerminal(t *testing.T) {
	h := createTestManager(t, nil)

	created, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)
	_, err = h.manager.MarkResolved(context.Background(), created.ID, "done")
	require.NoError(t, err)

	before, err := h.repo.GetIncident(context.Background(), created.ID)
	require.NoError(t, err)

	_, err = h.manager.MarkResolved(context.Background(), created.ID, "again")
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidTransition(err))

	// The failed transition left the incident untouched.
	after, err := h.repo.GetIncident(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRecordRegulatorNotificationSentIsIdempotent(t *testing.T) {
	h := createTestManager(t, nil)

	created, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)
	require.True(t, created.Notification.RegulatorNotificationRequired)

	require.NoError(t, h.manager.RecordRegulatorNotificationSent(context.Background(), created.ID))

	first, err := h.repo.GetIncident(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Notification.RegulatorNotificationSentAt)

	// Retry of the outbound delivery: no error, no state change.
	require.NoError(t, h.manager.RecordRegulatorNotificationSent(context.Background(), created.ID))

	second, err := h.repo.GetIncident(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Notification.RegulatorNotificationSentAt, second.Notification.RegulatorNotificationSentAt)

	counts := auditActions(h.store, created.EntityRef())
	assert.Equal(t, 1, counts["regulator_notification_recorded"])
}

func TestRecordRegulatorNotificationNotRequired(t *testing.T) {
	h := createTestManager(t, nil)

	seed := &Incident{ID: "quiet", Status: StatusContained, Kind: risk.KindUnusualActivity}
	require.NoError(t, h.repo.SaveIncident(context.Background(), seed))

	err := h.manager.RecordRegulatorNotificationSent(context.Background(), "quiet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotificationNotRequired))
}

func TestExactlyOneAuditEntryPerTransition(t *testing.T) {
	h := createTestManager(t, nil)

	created, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)
	_, err = h.manager.MarkResolved(context.Background(), created.ID, "done")
	require.NoError(t, err)
	require.NoError(t, h.manager.RecordRegulatorNotificationSent(context.Background(), created.ID))

	counts := auditActions(h.store, created.EntityRef())
	assert.Equal(t, 1, counts["incident_created"])
	assert.Equal(t, 1, counts["incident_contained"])
	assert.Equal(t, 1, counts["incident_resolved"])
	assert.Equal(t, 1, counts["regulator_notification_recorded"])
}

func TestDeadlineIsImmutableAcrossTransitions(t *testing.T) {
	h := createTestManager(t, nil)

	created, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)
	deadline := created.Notification.Deadline

	_, err = h.manager.MarkResolved(context.Background(), created.ID, "done")
	require.NoError(t, err)
	require.NoError(t, h.manager.RecordRegulatorNotificationSent(context.Background(), created.ID))

	final, err := h.repo.GetIncident(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, deadline, final.Notification.Deadline)
}

func TestStatistics(t *testing.T) {
	h := createTestManager(t, nil)
	ctx := context.Background()

	_, err := h.manager.HandleAnomaly(ctx, dataLeakAnomaly())
	require.NoError(t, err)
	_, err = h.manager.HandleAnomaly(ctx, &risk.Anomaly{
		ID: "benign", Kind: risk.KindUnusualActivity, EstimatedAffectedSubjects: 2,
	})
	require.NoError(t, err)

	stats := h.manager.Statistics()
	assert.Equal(t, uint64(2), stats.AnomaliesHandled)
	assert.Equal(t, uint64(1), stats.IncidentsCreated)
	assert.Equal(t, uint64(1), stats.IncidentsContained)
}

func TestConcurrentMutationOfSameIncident(t *testing.T) {
	h := createTestManager(t, nil)

	created, err := h.manager.HandleAnomaly(context.Background(), dataLeakAnomaly())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.manager.RecordRegulatorNotificationSent(context.Background(), created.ID)
		}()
	}
	wg.Wait()

	counts := auditActions(h.store, created.EntityRef())
	assert.Equal(t, 1, counts["regulator_notification_recorded"],
		"racing retries must record the notification exactly once")
}
