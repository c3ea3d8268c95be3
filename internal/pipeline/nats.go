package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSource adapts a synchronous NATS subscription to the Source interface.
type NATSSource struct {
	sub *nats.Subscription
}

// NewNATSSource subscribes to the prompt subject on the given connection.
func NewNATSSource(conn *nats.Conn, subject string) (*NATSSource, error) {
	if conn == nil {
		return nil, errors.New("pipeline: nats connection must not be nil")
	}
	sub, err := conn.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("pipeline: subscribe %q: %w", subject, err)
	}
	return &NATSSource{sub: sub}, nil
}

func (s *NATSSource) Next(ctx context.Context) (Message, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return Message{}, ErrSourceClosed
		}
		return Message{}, err
	}
	return Message{Data: msg.Data, Reply: msg.Reply}, nil
}

// Close tears down the subscription.
func (s *NATSSource) Close() error {
	return s.sub.Unsubscribe()
}

// NATSPublisher adapts a NATS connection to the Publisher interface.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(conn *nats.Conn) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("pipeline: nats connection must not be nil")
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("pipeline: publish to %q: %w", subject, err)
	}
	return nil
}
