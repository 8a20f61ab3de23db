package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapNotifierSeverityMapping(t *testing.T) {
	tests := []struct {
		severity Severity
		want     zapcore.Level
	}{
		{SeverityInfo, zapcore.InfoLevel},
		{SeverityWarning, zapcore.WarnLevel},
		{SeverityCritical, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			core, observed := observer.New(zapcore.DebugLevel)
			n := NewZapNotifier(zap.New(core))

			err := n.Alert(context.Background(), ChannelSecurityOps, tt.severity, "test alert")
			require.NoError(t, err)

			entries := observed.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Level)
			assert.Equal(t, "test alert", entries[0].Message)
		})
	}
}

func TestZapNotifierCountsAlerts(t *testing.T) {
	n := NewZapNotifier(zap.NewNop())

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Alert(context.Background(), ChannelCompliance, SeverityWarning, "x"))
	}
	assert.Equal(t, uint64(5), n.Sent())
}

func TestNopSubjectQueue(t *testing.T) {
	q := NewNopSubjectQueue(zap.NewNop())
	assert.NoError(t, q.Schedule(context.Background(), "inc-1", 5000))
}
