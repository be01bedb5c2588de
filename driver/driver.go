// Package driver defines the transport contract the pubsub core consumes.
// Implementations talk to a concrete backend; the core never sees past
// these interfaces.
package driver

import (
	"context"
	"time"

	"github.com/nuagemq/pubsub/messagex"
)

// Driver is a connection to the messaging service. Resource names passed
// to a driver are already scope qualified.
type Driver interface {
	// OpenTopic returns a client for an existing topic. A missing topic
	// fails with a not found error.
	OpenTopic(ctx context.Context, name string) (TopicClient, error)

	// OpenSubscription returns a client for an existing subscription. A
	// missing subscription fails with a not found error.
	OpenSubscription(ctx context.Context, name string) (SubscriptionClient, error)

	CreateTopic(ctx context.Context, name string) error
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]string, error)

	// CreateSubscription attaches a new subscription to an existing topic.
	CreateSubscription(ctx context.Context, name, topic string) error
	DeleteSubscription(ctx context.Context, name string) error
	ListSubscriptions(ctx context.Context) ([]string, error)

	Close() error
}

// TopicClient sends batches of messages to one topic.
type TopicClient interface {
	// Send publishes the messages in order as a single request and returns
	// the service assigned identifiers, one per message.
	Send(ctx context.Context, msgs []*messagex.Message) ([]string, error)

	Close() error
}

// SubscriptionClient receives and resolves deliveries for one subscription.
type SubscriptionClient interface {
	// Pull returns up to max deliveries, waiting at most wait for the first
	// one. It may return fewer, including none.
	Pull(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error)

	// Ack resolves the given delivery tokens. Unknown or already resolved
	// tokens are ignored.
	Ack(ctx context.Context, tokens []string) error

	// Nack makes the deliveries behind the tokens immediately eligible for
	// redelivery.
	Nack(ctx context.Context, tokens []string) error

	// ExtendDeadline pushes the ack deadline of the given tokens d past now.
	ExtendDeadline(ctx context.Context, tokens []string, d time.Duration) error

	Close() error
}

// Delivery is one received message with its delivery token and the time
// the service will redeliver it unless it is acked or extended.
type Delivery struct {
	Msg      *messagex.Message
	AckToken string
	Deadline time.Time
}
