// Package pubsub is a client for the NuageMQ managed messaging service.
// It layers batching publishers, asynchronous subscribers, synchronous
// pullers and resource administration over a pluggable transport driver.
package pubsub

import (
	"context"
	"strings"
	"sync"

	"github.com/nuagemq/pubsub/driver"
	"github.com/nuagemq/pubsub/driver/inmemory"
	"github.com/nuagemq/pubsub/driver/natsjs"
	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/flowx"
	"github.com/nuagemq/pubsub/loggerx"
	"github.com/nuagemq/pubsub/messagex"
	"github.com/nuagemq/pubsub/retryx"
	"github.com/samber/lo"
)

// Client is the single entry point of the library. One Client multiplexes
// any number of topics and subscriptions over a single transport
// connection.
type Client interface {
	// Publish enqueues the message for the topic and returns a result that
	// resolves once the message is sent.
	Publish(ctx context.Context, topic string, msg *messagex.Message) (*PublishResult, error)

	// Subscribe starts delivering the subscription's messages to the
	// handler until the returned handle is stopped.
	Subscribe(ctx context.Context, subscription string, handler Handler) (*SubscriberHandle, error)

	// Pull synchronously fetches up to maxMessages immediately available
	// messages for the caller to resolve.
	Pull(ctx context.Context, subscription string, maxMessages int) ([]*AckableMessage, error)

	// PullNext fetches and acknowledges a single message, or nil when none
	// is available.
	PullNext(ctx context.Context, subscription string) (*messagex.Message, error)

	// PullAndAck fetches up to maxMessages and acknowledges them in one
	// batched request.
	PullAndAck(ctx context.Context, subscription string, maxMessages int) ([]*messagex.Message, error)

	// Ack acknowledges messages pulled from a single subscription.
	Ack(ctx context.Context, msgs ...*AckableMessage) error

	// Nack makes messages pulled from a single subscription immediately
	// eligible for redelivery.
	Nack(ctx context.Context, msgs ...*AckableMessage) error

	CreateTopic(ctx context.Context, topic string) error
	DeleteTopic(ctx context.Context, topic string) error
	ListTopics(ctx context.Context) ([]messagex.Topic, error)
	CreateSubscription(ctx context.Context, subscription, topic string) error
	DeleteSubscription(ctx context.Context, subscription string) error
	ListSubscriptions(ctx context.Context) ([]messagex.Subscription, error)

	// Converter translates between application payloads and wire messages.
	Converter() messagex.Converter

	// Health reports whether the client can serve requests.
	Health(ctx context.Context) error

	// Close flushes pending publishes, drains every running subscription
	// and tears down the transport connection.
	Close(ctx context.Context) error
}

type client struct {
	l    *loggerx.Logger
	conf Config
	drv  driver.Driver
	conv messagex.Converter

	pub      *publisher
	topics   *resourceCache[driver.TopicClient]
	subs     *resourceCache[driver.SubscriptionClient]
	pubRetry retryx.Policy
	subRetry retryx.Policy
	subFlow  *flowx.Controller

	mu      sync.Mutex
	handles []*SubscriberHandle
	closed  bool
}

var _ Client = (*client)(nil)

type Option func(*clientOptions)

type clientOptions struct {
	drv  driver.Driver
	conv messagex.Converter
}

// WithDriver overrides the provider configured transport. Mostly useful
// for tests against the in process broker.
func WithDriver(d driver.Driver) Option {
	return func(o *clientOptions) {
		o.drv = d
	}
}

// WithConverter overrides the default bytes converter, for example with
// messagex.JSONConverter for structured payloads.
func WithConverter(conv messagex.Converter) Option {
	return func(o *clientOptions) {
		o.conv = conv
	}
}

// New builds a Client from the config. Unset knobs take their documented
// defaults before validation.
func New(l *loggerx.Logger, c *Config, opts ...Option) (Client, error) {
	if c == nil {
		c = &Config{}
	}
	conf := c.withDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errorx.InvalidArgumentErrorf("invalid pubsub config: %v", err)
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	drv := o.drv
	if drv == nil {
		var err error
		switch conf.Provider {
		case "inmemory":
			var memOpts []inmemory.Option
			if conf.Providers.InMemory.AckDeadline > 0 {
				memOpts = append(memOpts, inmemory.WithAckDeadline(conf.Providers.InMemory.AckDeadline))
			}
			drv = inmemory.New(memOpts...)
		case "nats":
			var natsOpts []natsjs.Option
			if conf.Providers.NATS.AckWait > 0 {
				natsOpts = append(natsOpts, natsjs.WithAckWait(conf.Providers.NATS.AckWait))
			}
			if conf.Subscriber.PullEndpoint != "" {
				natsOpts = append(natsOpts, natsjs.WithPullEndpoint(conf.Subscriber.PullEndpoint))
			}
			drv, err = natsjs.New(conf.Providers.NATS.URL, natsOpts...)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errorx.InvalidArgumentErrorf("unknown pubsub provider %q", conf.Provider)
		}
	}

	conv := o.conv
	if conv == nil {
		conv = messagex.BytesConverter{}
	}

	subFlow, err := conf.Subscriber.FlowControl.controller()
	if err != nil {
		return nil, err
	}

	cl := &client{
		l:        l.WithField("component", "pubsub"),
		conf:     conf,
		drv:      drv,
		conv:     conv,
		pubRetry: conf.Publisher.Retry.policy(),
		subRetry: conf.Subscriber.Retry.policy(),
		subFlow:  subFlow,
	}
	cl.topics = newResourceCache(drv.OpenTopic, driver.TopicClient.Close)
	cl.subs = newResourceCache(drv.OpenSubscription, driver.SubscriptionClient.Close)

	cl.pub, err = newPublisher(cl.l, conf.Scope, conf.Publisher, cl.topics)
	if err != nil {
		return nil, err
	}

	return cl, nil
}

func (c *client) Publish(ctx context.Context, topic string, msg *messagex.Message) (*PublishResult, error) {
	t, err := messagex.NewTopic(topic)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errorx.InvalidArgumentErrorf("cannot publish a nil message")
	}
	if msg.Metadata == nil {
		msg.Metadata = messagex.MessageMetadata{}
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	return c.pub.Publish(ctx, t, msg), nil
}

func (c *client) CreateTopic(ctx context.Context, topic string) error {
	t, err := messagex.NewTopic(topic)
	if err != nil {
		return err
	}

	return c.pubRetry.Do(ctx, func(ctx context.Context) error {
		return c.drv.CreateTopic(ctx, t.TopicName(c.conf.Scope))
	})
}

func (c *client) DeleteTopic(ctx context.Context, topic string) error {
	t, err := messagex.NewTopic(topic)
	if err != nil {
		return err
	}

	name := t.TopicName(c.conf.Scope)
	err = c.pubRetry.Do(ctx, func(ctx context.Context) error {
		return c.drv.DeleteTopic(ctx, name)
	})
	if err != nil {
		return err
	}

	c.topics.invalidate(name)
	return nil
}

func (c *client) ListTopics(ctx context.Context) ([]messagex.Topic, error) {
	var names []string
	err := c.pubRetry.Do(ctx, func(ctx context.Context) error {
		var listErr error
		names, listErr = c.drv.ListTopics(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	names = c.filterScoped(names)
	return lo.Map(names, func(name string, _ int) messagex.Topic {
		return messagex.TopicFromName(name)
	}), nil
}

func (c *client) CreateSubscription(ctx context.Context, subscription, topic string) error {
	sub, err := messagex.NewSubscription(subscription)
	if err != nil {
		return err
	}
	t, err := messagex.NewTopic(topic)
	if err != nil {
		return err
	}

	return c.subRetry.Do(ctx, func(ctx context.Context) error {
		return c.drv.CreateSubscription(ctx, sub.SubscriptionName(c.conf.Scope), t.TopicName(c.conf.Scope))
	})
}

func (c *client) DeleteSubscription(ctx context.Context, subscription string) error {
	sub, err := messagex.NewSubscription(subscription)
	if err != nil {
		return err
	}

	name := sub.SubscriptionName(c.conf.Scope)
	err = c.subRetry.Do(ctx, func(ctx context.Context) error {
		return c.drv.DeleteSubscription(ctx, name)
	})
	if err != nil {
		return err
	}

	c.subs.invalidate(name)
	return nil
}

func (c *client) ListSubscriptions(ctx context.Context) ([]messagex.Subscription, error) {
	var names []string
	err := c.subRetry.Do(ctx, func(ctx context.Context) error {
		var listErr error
		names, listErr = c.drv.ListSubscriptions(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	names = c.filterScoped(names)
	return lo.Map(names, func(name string, _ int) messagex.Subscription {
		return messagex.SubscriptionFromName(name)
	}), nil
}

// filterScoped keeps only the names that belong to the client's scope.
func (c *client) filterScoped(names []string) []string {
	if c.conf.Scope == "" {
		return names
	}

	prefix := c.conf.Scope + "."
	return lo.Filter(names, func(name string, _ int) bool {
		return strings.HasPrefix(name, prefix)
	})
}

func (c *client) Converter() messagex.Converter {
	return c.conv
}

func (c *client) Health(_ context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.mu.Lock()
	handles := c.handles
	c.mu.Unlock()
	for _, h := range handles {
		if err := h.Health(); err != nil {
			return err
		}
	}

	return nil
}

// Close is idempotent. It drains subscriptions first so their final acks
// still find a live transport, then flushes the publisher.
func (c *client) Close(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	err := c.pub.Close()

	c.topics.closeAll()
	c.subs.closeAll()

	if closeErr := c.drv.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (c *client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errorx.FailedPreconditionErrorf("pubsub client is closed")
	}

	return nil
}

func (c *client) trackHandle(h *SubscriberHandle) {
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
}

// PublishValue converts the payload with the client's converter and
// publishes the resulting message.
func PublishValue(ctx context.Context, c Client, topic string, payload any, metadata messagex.MessageMetadata) (*PublishResult, error) {
	msg, err := c.Converter().ToWire(payload, metadata)
	if err != nil {
		return nil, err
	}

	return c.Publish(ctx, topic, msg)
}

// PullAndConvert fetches up to maxMessages, acknowledges them and decodes
// each payload into a T with the client's converter.
func PullAndConvert[T any](ctx context.Context, c Client, subscription string, maxMessages int) ([]T, error) {
	msgs, err := c.PullAndAck(ctx, subscription, maxMessages)
	if err != nil {
		return nil, err
	}

	out := make([]T, len(msgs))
	for i, m := range msgs {
		if err := c.Converter().FromWire(m, &out[i]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// SubscribeAndConvert subscribes with a typed handler; each message's
// payload is decoded into a T before the handler runs. A decode failure
// nacks the message.
func SubscribeAndConvert[T any](ctx context.Context, c Client, subscription string, handler func(ctx context.Context, v T) error) (*SubscriberHandle, error) {
	return c.Subscribe(ctx, subscription, func(ctx context.Context, msg *messagex.Message) error {
		var v T
		if err := c.Converter().FromWire(msg, &v); err != nil {
			return err
		}

		return handler(ctx, v)
	})
}
