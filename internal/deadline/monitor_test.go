package deadline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamori/internal/incident"
	"github.com/shizukutanaka/mamori/internal/notify"
	"github.com/shizukutanaka/mamori/internal/risk"
	"github.com/shizukutanaka/mamori/internal/storage"
)

type capturingNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *capturingNotifier) Alert(_ context.Context, _ notify.Channel, _ notify.Severity, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
	return nil
}

func (n *capturingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.alerts...)
}

func (n *capturingNotifier) countContaining(substr string) int {
	count := 0
	for _, msg := range n.messages() {
		if strings.Contains(msg, substr) {
			count++
		}
	}
	return count
}

func seedIncident(t *testing.T, repo *storage.MemoryRepository, id string, deadline time.Time, sentAt *time.Time) {
	t.Helper()
	inc := &incident.Incident{
		ID:         id,
		Kind:       risk.KindDataLeak,
		Severity:   risk.LevelCritical,
		Status:     incident.StatusContained,
		DetectedAt: deadline.Add(-72 * time.Hour),
		Notification: incident.NotificationState{
			RegulatorNotificationRequired: true,
			RegulatorNotificationSentAt:   sentAt,
			Deadline:                      deadline,
		},
	}
	require.NoError(t, repo.SaveIncident(context.Background(), inc))
}

func createTestMonitor(t *testing.T) (*Monitor, *storage.MemoryRepository, *capturingNotifier) {
	t.Helper()
	repo := storage.NewMemoryRepository()
	notifier := &capturingNotifier{}
	m := NewMonitor(zap.NewNop(), DefaultConfig(), repo, notifier, nil)
	return m, repo, notifier
}

func TestScanViolationRepeatsEveryScan(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	seedIncident(t, repo, "inc-overdue", base.Add(-time.Second), nil)

	m.Scan(context.Background())
	assert.Equal(t, 1, notifier.countContaining("VIOLATED"))

	// The next scan must alert again; a breached statutory deadline is
	// never deduplicated away.
	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	m.Scan(context.Background())
	assert.Equal(t, 2, notifier.countContaining("VIOLATED"))

	msgs := notifier.messages()
	assert.Contains(t, msgs[0], "alert #1")
	assert.Contains(t, msgs[1], "alert #2")
}

func TestScanWarnsOncePerWindow(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	// 2h out: inside the 24h warning window, not yet violated.
	seedIncident(t, repo, "inc-soon", base.Add(2*time.Hour), nil)

	m.Scan(context.Background())
	assert.Equal(t, 1, notifier.countContaining("approaching"))

	// Repeated scans within the window stay quiet.
	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	m.Scan(context.Background())
	m.now = func() time.Time { return base.Add(time.Hour) }
	m.Scan(context.Background())
	assert.Equal(t, 1, notifier.countContaining("approaching"))
}

func TestScanOutsideWarningWindowIsQuiet(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	seedIncident(t, repo, "inc-distant", base.Add(48*time.Hour), nil)

	m.Scan(context.Background())
	assert.Empty(t, notifier.messages())
}

func TestScanSkipsRecordedNotifications(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	sentAt := base.Add(-time.Hour)
	seedIncident(t, repo, "inc-notified", base.Add(-time.Second), &sentAt)

	m.Scan(context.Background())
	assert.Empty(t, notifier.messages(), "recorded notifications silence the monitor")
}

func TestScanForgetsStateAfterNotificationRecorded(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	seedIncident(t, repo, "inc-cycle", base.Add(-time.Minute), nil)

	m.Scan(context.Background())
	require.Equal(t, 1, notifier.countContaining("VIOLATED"))

	// Notification gets recorded between scans.
	sentAt := base
	seedIncident(t, repo, "inc-cycle", base.Add(-time.Minute), &sentAt)
	m.Scan(context.Background())

	m.mu.Lock()
	_, tracked := m.states["inc-cycle"]
	m.mu.Unlock()
	assert.False(t, tracked, "dedup state must be dropped once the obligation is met")
	assert.Equal(t, 1, notifier.countContaining("VIOLATED"))
}

func TestScanWarningEscalatesToViolation(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	seedIncident(t, repo, "inc-escalate", base.Add(time.Hour), nil)

	m.Scan(context.Background())
	assert.Equal(t, 1, notifier.countContaining("approaching"))
	assert.Equal(t, 0, notifier.countContaining("VIOLATED"))

	// Deadline passes.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.Scan(context.Background())
	assert.Equal(t, 1, notifier.countContaining("VIOLATED"))
}

func TestUpdateTimingWidensWarningWindow(t *testing.T) {
	m, repo, notifier := createTestMonitor(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	// 30h out: beyond the default 24h window.
	seedIncident(t, repo, "inc-far", base.Add(30*time.Hour), nil)

	m.Scan(context.Background())
	assert.Empty(t, notifier.messages())

	m.UpdateTiming(0, 48*time.Hour)
	m.Scan(context.Background())
	assert.Equal(t, 1, notifier.countContaining("approaching"))
}

func TestStartAndStop(t *testing.T) {
	repo := storage.NewMemoryRepository()
	notifier := &capturingNotifier{}
	m := NewMonitor(zap.NewNop(), Config{
		ScanInterval:  10 * time.Millisecond,
		WarningWindow: 24 * time.Hour,
	}, repo, notifier, nil)

	seedIncident(t, repo, "inc-live", time.Now().Add(-time.Second), nil)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "double start must fail")

	assert.Eventually(t, func() bool {
		return notifier.countContaining("VIOLATED") >= 2
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	settled := notifier.countContaining("VIOLATED")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, notifier.countContaining("VIOLATED"), "no scans after Stop")
}
