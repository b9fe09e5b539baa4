package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is prepended to the alert kind to form the subject.
const DefaultSubjectPrefix = "autopatch.alerts"

// Event is the envelope published for every alert.
type Event struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      Alert     `json:"data"`
}

// publisher is the subset of *nats.Conn used by NATSNotifier.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alerts as JSON events on "<prefix>.<kind>".
type NATSNotifier struct {
	conn   publisher
	prefix string
}

func NewNATSNotifier(conn publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// ConnectNATS dials the server with reconnect logging.
func ConnectNATS(natsURL string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("autopatch-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Warn().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Notify(ctx context.Context, alert Alert) error {
	event := Event{
		ID:        uuid.NewString(),
		Subject:   n.prefix + "." + string(alert.Kind),
		Source:    "autopatch/coordinator",
		Timestamp: alert.At,
		Data:      alert,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	if err := n.conn.Publish(event.Subject, payload); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}
	return nil
}
