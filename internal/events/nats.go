package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/logging"
)

// DefaultSubject is used when the config leaves events.subject empty.
const DefaultSubject = "coursefactory.jobs"

// NATSPublisher publishes events to a JetStream stream. The subject for an
// event is <subject>.<type>.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to url and makes sure a stream covers subject.
func NewNATSPublisher(ctx context.Context, url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	logger = logging.WithComponent(logging.OrDefault(logger), "events")

	conn, err := nats.Connect(url, nats.Name("coursefactory"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName(subject),
		Description: "coursefactory job lifecycle events",
		Subjects:    []string{subject + ".>"},
		MaxAge:      7 * 24 * time.Hour,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	logger.Info("NATS event publisher initialized", "url", url, "subject", subject)
	return &NATSPublisher{conn: conn, js: js, subject: subject, logger: logger}, nil
}

// Open builds the publisher described by cfg: NATS when a URL is set,
// otherwise Noop.
func Open(ctx context.Context, cfg config.Events, logger *slog.Logger) (Publisher, error) {
	if cfg.NATSURL == "" {
		return Noop{}, nil
	}
	return NewNATSPublisher(ctx, cfg.NATSURL, cfg.Subject, logger)
}

func streamName(subject string) string {
	b := []byte(subject)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ':
			b[i] = '_'
		}
	}
	return string(b)
}

// Publish sends e and waits for the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.js.Publish(ctx, p.subject+"."+e.Type, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	p.logger.Debug("published job event", logging.JobID(e.JobID), "type", e.Type)
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
