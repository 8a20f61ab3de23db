package incident

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/shizukutanaka/mamori/internal/errors"
	"github.com/shizukutanaka/mamori/internal/monitoring"
	"github.com/shizukutanaka/mamori/internal/risk"
)

// playbooks maps an incident kind to its fixed, ordered list of
// automatic containment actions.
var playbooks = map[risk.AnomalyKind][]string{
	risk.KindUnauthorizedAccess: {"suspend_sessions", "increase_monitoring"},
	risk.KindDataLeak:           {"isolate_db_connections", "enable_verbose_logging", "restrict_exports"},
	risk.KindSystemBreach:       {"emergency_access_lockdown", "network_isolation", "full_audit_logging"},
	risk.KindUnusualActivity:    {"increase_monitoring"},
}

// defaultPlaybook covers kinds without a dedicated playbook
var defaultPlaybook = []string{"increase_monitoring"}

// PlaybookFor returns the ordered containment actions for a kind
func PlaybookFor(kind risk.AnomalyKind) []string {
	if actions, ok := playbooks[kind]; ok {
		return append([]string(nil), actions...)
	}
	return append([]string(nil), defaultPlaybook...)
}

// ActionExecutor performs one containment action against the
// surrounding infrastructure.
type ActionExecutor func(ctx context.Context, incident *Incident, action string) error

// Dispatcher fans containment actions out concurrently and collects
// failures without aborting the remaining actions.
type Dispatcher struct {
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	executor ActionExecutor
}

// NewDispatcher creates a containment dispatcher. A nil executor logs
// each action as executed, which is the collaborator stub until real
// infrastructure hooks are attached.
func NewDispatcher(logger *zap.Logger, metrics *monitoring.Metrics, executor ActionExecutor) *Dispatcher {
	d := &Dispatcher{
		logger:  logger,
		metrics: metrics,
	}
	if executor == nil {
		executor = d.logAction
	}
	d.executor = executor
	return d
}

// Dispatch runs the incident's playbook. The actions are independent,
// so they run concurrently; every failure is wrapped as a containment
// error and returned, but a failing action never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, incident *Incident) []error {
	actions := PlaybookFor(incident.Kind)

	var wg sync.WaitGroup
	errCh := make(chan error, len(actions))

	for _, action := range actions {
		wg.Add(1)
		go func(action string) {
			defer wg.Done()
			if err := d.executor(ctx, incident, action); err != nil {
				d.metrics.ContainmentFailure()
				d.logger.Warn("Containment action failed",
					zap.String("incident_id", incident.ID),
					zap.String("action", action),
					zap.Error(err),
				)
				errCh <- apperrors.ContainmentFailed(action, err)
			}
		}(action)
	}

	wg.Wait()
	close(errCh)

	var failures []error
	for err := range errCh {
		failures = append(failures, err)
	}
	return failures
}

func (d *Dispatcher) logAction(_ context.Context, incident *Incident, action string) error {
	d.logger.Info("Containment action executed",
		zap.String("incident_id", incident.ID),
		zap.String("action", action),
	)
	return nil
}
