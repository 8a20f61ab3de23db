// Package deadline implements the recurring scan for approaching and
// violated regulator-notification deadlines. A breached statutory
// deadline is never silenced: violation alerts repeat on every scan
// until the notification is recorded.
package deadline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamori/internal/incident"
	"github.com/shizukutanaka/mamori/internal/monitoring"
	"github.com/shizukutanaka/mamori/internal/notify"
)

// Config controls the monitor's timing
type Config struct {
	ScanInterval  time.Duration
	WarningWindow time.Duration
}

// DefaultConfig returns the default monitor timing (30m scans, 24h
// warning window).
func DefaultConfig() Config {
	return Config{
		ScanInterval:  30 * time.Minute,
		WarningWindow: 24 * time.Hour,
	}
}

// incidentAlertState is the per-incident dedup bookkeeping. Warnings
// fire once per incident per warning window; violations escalate but
// are never suppressed.
type incidentAlertState struct {
	warnedAt   time.Time
	violations int
}

// Monitor periodically scans open incidents for deadline pressure.
// It only reads incident state; status mutation stays with the
// lifecycle manager.
type Monitor struct {
	logger   *zap.Logger
	config   Config
	repo     incident.Repository
	notifier notify.Notifier
	metrics  *monitoring.Metrics

	// now is swappable for tests
	now func() time.Time

	mu     sync.Mutex
	states map[string]*incidentAlertState

	reconfig chan time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMonitor creates a deadline monitor
func NewMonitor(
	logger *zap.Logger,
	config Config,
	repo incident.Repository,
	notifier notify.Notifier,
	metrics *monitoring.Metrics,
) *Monitor {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Minute
	}
	if config.WarningWindow <= 0 {
		config.WarningWindow = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		logger:   logger,
		config:   config,
		repo:     repo,
		notifier: notifier,
		metrics:  metrics,
		now:      time.Now,
		states:   make(map[string]*incidentAlertState),
		reconfig: make(chan time.Duration, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the scan loop
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("deadline monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Deadline monitor started",
		zap.Duration("scan_interval", m.config.ScanInterval),
		zap.Duration("warning_window", m.config.WarningWindow),
	)

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop cancels the loop and waits for an in-flight scan to finish
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Deadline monitor stopped")
}

// UpdateTiming applies new scan timing to a running monitor. Invalid
// values are ignored field by field.
func (m *Monitor) UpdateTiming(scanInterval, warningWindow time.Duration) {
	m.mu.Lock()
	if warningWindow > 0 {
		m.config.WarningWindow = warningWindow
	}
	changedInterval := scanInterval > 0 && scanInterval != m.config.ScanInterval
	if changedInterval {
		m.config.ScanInterval = scanInterval
	}
	m.mu.Unlock()

	if changedInterval {
		select {
		case m.reconfig <- scanInterval:
		default:
		}
	}

	m.logger.Info("Deadline monitor timing updated",
		zap.Duration("scan_interval", scanInterval),
		zap.Duration("warning_window", warningWindow),
	)
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Scan(m.ctx)

		case interval := <-m.reconfig:
			ticker.Reset(interval)

		case <-m.ctx.Done():
			return
		}
	}
}

// Scan checks every open incident with an outstanding regulator
// notification. Exported so operators and tests can force a scan
// outside the ticker.
func (m *Monitor) Scan(ctx context.Context) {
	incidents, err := m.repo.LoadOpenIncidents(ctx)
	if err != nil {
		m.logger.Error("Deadline scan failed to load incidents", zap.Error(err))
		return
	}

	now := m.now()
	for _, inc := range incidents {
		if !inc.AwaitingRegulatorNotification() {
			// Notification recorded; drop any dedup state.
			m.forget(inc.ID)
			continue
		}
		m.check(ctx, inc, now)
	}
}

func (m *Monitor) check(ctx context.Context, inc *incident.Incident, now time.Time) {
	deadline := inc.Notification.Deadline

	switch {
	case now.After(deadline):
		violations := m.recordViolation(inc.ID)
		overdue := now.Sub(deadline)

		// Escalate with repetition; never go quiet on a breached
		// statutory deadline.
		m.alert(ctx, notify.SeverityCritical, fmt.Sprintf(
			"REGULATOR DEADLINE VIOLATED: incident %s notification overdue by %s (alert #%d)",
			inc.ID, humanize.Time(deadline), violations))

		m.metrics.DeadlineViolation()
		m.logger.Error("Regulator notification deadline violated",
			zap.String("incident_id", inc.ID),
			zap.Duration("overdue", overdue),
			zap.Int("alert_count", violations),
		)

	case now.After(deadline.Add(-m.warningWindow())):
		if !m.shouldWarn(inc.ID, now) {
			return
		}
		remaining := deadline.Sub(now)

		m.alert(ctx, notify.SeverityWarning, fmt.Sprintf(
			"regulator deadline approaching: incident %s must be notified %s",
			inc.ID, humanize.Time(deadline)))

		m.metrics.DeadlineWarning()
		m.logger.Warn("Regulator notification deadline approaching",
			zap.String("incident_id", inc.ID),
			zap.Duration("remaining", remaining),
		)
	}
}

func (m *Monitor) warningWindow() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.WarningWindow
}

// shouldWarn reports whether a warning is due, at most once per
// incident per warning window.
func (m *Monitor) shouldWarn(incidentID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[incidentID]
	if !ok {
		state = &incidentAlertState{}
		m.states[incidentID] = state
	}

	if !state.warnedAt.IsZero() && now.Sub(state.warnedAt) < m.config.WarningWindow {
		return false
	}
	state.warnedAt = now
	return true
}

func (m *Monitor) recordViolation(incidentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[incidentID]
	if !ok {
		state = &incidentAlertState{}
		m.states[incidentID] = state
	}
	state.violations++
	return state.violations
}

func (m *Monitor) forget(incidentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, incidentID)
}

func (m *Monitor) alert(ctx context.Context, severity notify.Severity, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Alert(ctx, notify.ChannelCompliance, severity, message); err != nil {
		m.logger.Error("Failed to send deadline alert", zap.Error(err))
	}
}
