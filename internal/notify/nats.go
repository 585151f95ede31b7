package notify

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

var propagator = propagation.TraceContext{}

// NATSPublisher publishes notifications on a NATS subject, carrying the
// caller's trace context in the message headers.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("auditledger"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisherFromConn(nc, subject, logger), nil
}

// NewNATSPublisherFromConn wraps an existing connection.
func NewNATSPublisherFromConn(nc *nats.Conn, subject string, logger *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultTopic
	}
	return &NATSPublisher{conn: nc, subject: subject, logger: logger}
}

// PublishSnapshot implements Publisher.
func (p *NATSPublisher) PublishSnapshot(ctx context.Context, snap *auditledger.Snapshot) error {
	b, err := encode(snap)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(NewMsg(ctx, p.subject, b)); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	p.logger.Debug("snapshot notification published",
		zap.String("subject", p.subject),
		zap.Int64("snapshot_id", snap.ID),
	)
	return nil
}

// NewMsg builds a NATS message with traceparent injected into its headers.
func NewMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return &nats.Msg{Subject: subject, Data: data, Header: hdr}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
