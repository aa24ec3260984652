package ingest

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"kpialert/internal/config"
	"kpialert/internal/domain"
)

// NATSSubscriber consumes business records from a queue subscription.
// Params: NATS connection, queue subscription, and record sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates the queue consumer for record ingestion.
// The subject tail selects the record kind, e.g. "kpialert.records.invoice".
// Params: ingest NATS config, sink, and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink RecordSink, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}

	subscriber := &NATSSubscriber{
		nc:     nc,
		logger: logger,
	}
	sub, err := nc.QueueSubscribe(cfg.Subject, cfg.Group, func(message *nats.Msg) {
		subscriber.handle(sink, message)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.Group, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle routes one inbound message by its subject tail.
// Params: record sink and received message.
// Returns: decode failures are logged and dropped.
func (s *NATSSubscriber) handle(sink RecordSink, message *nats.Msg) {
	tokens := strings.Split(message.Subject, ".")
	kind := tokens[len(tokens)-1]

	switch kind {
	case "invoice":
		record, err := domain.DecodeInvoice(message.Data)
		if err != nil {
			s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
			return
		}
		sink.UpsertInvoice(record)
	case "contract":
		record, err := domain.DecodeContract(message.Data)
		if err != nil {
			s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
			return
		}
		sink.UpsertContract(record)
	default:
		s.logger.Warn("nats ingest unknown record kind", "subject", message.Subject)
	}
}

// Close stops the subscription and closes the connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
