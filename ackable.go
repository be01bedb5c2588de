package pubsub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nuagemq/pubsub/messagex"
)

// AckableMessage is an inbound message paired with its delivery token.
// The caller owns it until it acks or nacks; past the deadline the service
// redelivers the message under a new token.
type AckableMessage struct {
	Msg      *messagex.Message
	AckToken string
	Deadline time.Time

	subscription messagex.Subscription
	client       *client
	resolved     atomic.Bool
}

// Subscription returns the subscription the message was pulled from.
func (m *AckableMessage) Subscription() messagex.Subscription {
	return m.subscription
}

// Ack acknowledges the message. Acknowledging an already resolved message
// is a no-op.
func (m *AckableMessage) Ack(ctx context.Context) error {
	return m.client.Ack(ctx, m)
}

// Nack makes the message immediately eligible for redelivery.
func (m *AckableMessage) Nack(ctx context.Context) error {
	return m.client.Nack(ctx, m)
}
