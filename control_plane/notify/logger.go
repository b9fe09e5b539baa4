package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes alerts to the process log. It is always enabled.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.Warn().
		Str("kind", string(alert.Kind)).
		Str("server_id", alert.ServerID).
		Str("hostname", alert.Hostname).
		Str("job_id", alert.JobID).
		Msg(alert.Message)
	return nil
}
