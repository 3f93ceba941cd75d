package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/events"
)

// Monitor watches runner failures and reconciliation conflicts and emits alerts.
type Monitor struct {
	Bus    *events.Bus
	Sinks  []AlertSink
	Logger *zap.Logger
}

// Start consumes alerting topics until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil || len(m.Sinks) == 0 {
		logger.Info("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{events.EventRunnerFailed, events.EventReconciliationConflict}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				text := formatAlert(msg)
				for _, sink := range m.Sinks {
					if err := sink.Send(text); err != nil {
						logger.Warn("alert delivery failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	env, ok := v.(events.Envelope)
	if !ok {
		return "alert triggered"
	}
	switch p := env.Payload.(type) {
	case events.RunnerEvent:
		return fmt.Sprintf("%s subscription=%d state=%s class=%s: %s", env.Event, p.SubscriptionID, p.State, p.ErrorClass, p.Message)
	case events.OrderEvent:
		return fmt.Sprintf("%s subscription=%d order=%s state=%s: %s", env.Event, p.SubscriptionID, p.OrderID, p.State, p.Detail)
	case string:
		return string(env.Event) + ": " + p
	default:
		return string(env.Event)
	}
}
