// Package notify defines the outbound alerting contract. Delivery is a
// collaborator concern; everything here is fire-and-forget and must
// never block or fail an incident state transition.
package notify

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Channel identifies an alert destination
type Channel string

const (
	ChannelSecurityOps Channel = "security_ops"
	ChannelCompliance  Channel = "compliance"
	ChannelEngineering Channel = "engineering"
)

// Severity represents alert severity
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier delivers alerts to a channel. Implementations are
// best-effort; callers log failures and move on.
type Notifier interface {
	Alert(ctx context.Context, channel Channel, severity Severity, message string) error
}

// SubjectQueue schedules outbound notifications to affected data
// subjects. Delivery itself happens outside this engine.
type SubjectQueue interface {
	Schedule(ctx context.Context, incidentID string, subjects uint64) error
}

// ZapNotifier is a Notifier that records alerts in the application log.
// It stands in wherever no real delivery channel is wired and doubles
// as the local trace of every alert the engine raised.
type ZapNotifier struct {
	logger *zap.Logger
	sent   atomic.Uint64
}

// NewZapNotifier creates a log-backed notifier
func NewZapNotifier(logger *zap.Logger) *ZapNotifier {
	return &ZapNotifier{logger: logger}
}

// Alert logs the alert at a level matching its severity
func (n *ZapNotifier) Alert(_ context.Context, channel Channel, severity Severity, message string) error {
	n.sent.Add(1)

	fields := []zap.Field{
		zap.String("channel", string(channel)),
		zap.String("severity", string(severity)),
	}

	switch severity {
	case SeverityCritical:
		n.logger.Error(message, fields...)
	case SeverityWarning:
		n.logger.Warn(message, fields...)
	default:
		n.logger.Info(message, fields...)
	}

	return nil
}

// Sent returns how many alerts have been raised
func (n *ZapNotifier) Sent() uint64 {
	return n.sent.Load()
}

// NopSubjectQueue is a SubjectQueue that only logs the scheduling
// request. Used until a real delivery queue is attached.
type NopSubjectQueue struct {
	logger *zap.Logger
}

// NewNopSubjectQueue creates a log-only subject queue
func NewNopSubjectQueue(logger *zap.Logger) *NopSubjectQueue {
	return &NopSubjectQueue{logger: logger}
}

// Schedule logs the request and reports success
func (q *NopSubjectQueue) Schedule(_ context.Context, incidentID string, subjects uint64) error {
	q.logger.Info("Subject notifications scheduled",
		zap.String("incident_id", incidentID),
		zap.Uint64("subjects", subjects),
	)
	return nil
}
