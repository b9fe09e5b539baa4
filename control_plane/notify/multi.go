package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/observability"
)

// Multi fans an alert out to every configured notifier. It never fails.
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti skips nil notifiers.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{logger: observability.Component(logger, "notify")}
	for _, n := range notifiers {
		if n == nil || isNilNotifier(n) {
			continue
		}
		m.notifiers = append(m.notifiers, n)
	}
	return m
}

func isNilNotifier(n Notifier) bool {
	switch v := n.(type) {
	case *TelegramNotifier:
		return v == nil
	case *NATSNotifier:
		return v == nil
	}
	return false
}

// Names lists the active notifiers.
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Send delivers alert to every notifier in turn.
func (m *Multi) Send(ctx context.Context, alert Alert) {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			observability.NotificationFailures.WithLabelValues(n.Name()).Inc()
			m.logger.Error().Err(err).
				Str("notifier", n.Name()).
				Str("kind", string(alert.Kind)).
				Str("server_id", alert.ServerID).
				Msg("notification failed")
		}
	}
}
