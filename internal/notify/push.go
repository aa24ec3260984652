package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"kpialert/internal/config"
)

// pushCore holds the shared NATS connection for in-app and websocket pushes.
// Params: connection handle and subject prefix.
// Returns: transport shared by both push channels.
type pushCore struct {
	nc            *nats.Conn
	subjectPrefix string
}

// newPushCore connects the shared push transport.
// Params: push notifier config.
// Returns: connected core or dial error.
func newPushCore(cfg config.PushNotifier) (*pushCore, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect push nats: %w", err)
	}
	return &pushCore{
		nc:            nc,
		subjectPrefix: strings.TrimRight(cfg.SubjectPrefix, "."),
	}, nil
}

// close drops the shared connection.
func (c *pushCore) close() {
	c.nc.Close()
}

// PushSender publishes notifications to per-user NATS subjects.
// Params: channel key and shared push transport.
// Returns: in-app or websocket channel sender.
type PushSender struct {
	channel string
	core    *pushCore
}

// NewPushSender creates one push sender on the shared transport.
// Params: channel key (inapp or websocket) and connected core.
// Returns: initialized sender.
func NewPushSender(channel string, core *pushCore) *PushSender {
	return &PushSender{channel: channel, core: core}
}

// Channel returns sender channel name.
// Params: none.
// Returns: configured channel key.
func (s *PushSender) Channel() string {
	return s.channel
}

// Send publishes one notification to the recipient subject.
// Params: context and rendered message.
// Returns: encode or publish error.
func (s *PushSender) Send(_ context.Context, message Message) error {
	payload := struct {
		Channel string `json:"channel"`
		Body    string `json:"body"`
		Alert   any    `json:"alert"`
	}{
		Channel: s.channel,
		Body:    message.Body,
		Alert:   message.Payload,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	subject := s.core.subjectPrefix + "." + s.channel + "." + message.Recipient.ID
	if err := s.core.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("publish push: %w", err)
	}
	return nil
}
