package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes transaction status events to NATS.
type Publisher interface {
	// PublishStatus publishes one status event to the subject "txstatus.{signature}".
	PublishStatus(ctx context.Context, event *StatusEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes status events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for status events.
	StreamName = "TX_STATUS"

	// SubjectPrefix prefixes the signature in each event's subject.
	SubjectPrefix = "txstatus."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "txstatus.*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 7 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	// Connect to NATS
	nc, err := nats.Connect(natsURL,
		nats.Name("tradedesk-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	// Ensure stream exists
	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the stream, or updates it when its configuration drifted.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Status updates of submitted Solana transactions",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Duplicates:  2 * time.Minute,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	if info, err := stream.Info(ctx); err == nil {
		p.logger.Debug("JetStream stream ready",
			"stream", StreamName,
			"messages", info.State.Msgs,
		)
	}
	return nil
}

// PublishStatus publishes a single status event.
func (p *JetStreamPublisher) PublishStatus(ctx context.Context, event *StatusEvent) error {
	start := time.Now()
	subject := Subject(event.Signature)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	// The message id lets JetStream drop a duplicate publish of the same observation.
	msgID := fmt.Sprintf("%s:%s:%s", event.Signature, event.Status, event.Source)
	if event.Slot != nil {
		msgID = fmt.Sprintf("%s:%d", msgID, *event.Slot)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		p.metrics.RecordNATSPublish(StreamName, "error", time.Since(start).Seconds())
		return fmt.Errorf("failed to publish status: %w", err)
	}
	p.metrics.RecordNATSPublish(StreamName, "success", time.Since(start).Seconds())

	p.logger.DebugContext(ctx, "published status event",
		"subject", subject,
		"status", event.Status,
		"source", event.Source,
	)

	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
