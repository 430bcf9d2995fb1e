// Package broker adapts the NATS client to the dataflow publisher port.
package broker

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/fd1az/market-collector/business/dataflow/app"
	"github.com/fd1az/market-collector/internal/apperror"
)

// Ensure interface compliance.
var _ app.BrokerPublisher = (*NATSPublisher)(nil)

// NATSPublisher publishes messages onto NATS subjects with attributes as
// message headers.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish sends one message. NATS publishes are fire-and-forget; a closed
// or draining connection surfaces as an error.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload []byte, attributes map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    payload,
	}
	if len(attributes) > 0 {
		msg.Header = nats.Header{}
		for k, v := range attributes {
			msg.Header.Set(k, v)
		}
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return apperror.New(apperror.CodeBrokerPublishFailed,
			apperror.WithContext(topic), apperror.WithCause(err))
	}
	return nil
}
