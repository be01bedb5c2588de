// Package natsjs implements the driver contract on NATS JetStream:
// topics are streams, subscriptions are durable consumers with explicit
// acks, and deadline extension maps to in-progress notifications.
package natsjs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nuagemq/pubsub/driver"
	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/messagex"
)

const (
	DefaultAckWait = 30 * time.Second

	idHeaderKey          = "Nuage-Message-Id"
	orderingKeyHeaderKey = "Nuage-Ordering-Key"
	metadataHeaderPrefix = "Nuage-Md-"
)

type Driver struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	ackWait time.Duration

	// Pull traffic goes over its own connection when a pull endpoint is
	// configured, keeping fetch long polls off the publish path.
	pullURL string
	pullNC  *nats.Conn
	pullJS  jetstream.JetStream
}

var _ driver.Driver = (*Driver)(nil)

type Option func(*Driver)

// WithAckWait sets the ack deadline configured on created consumers.
func WithAckWait(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.ackWait = d
		}
	}
}

// WithPullEndpoint dials a separate connection for subscription clients.
func WithPullEndpoint(url string) Option {
	return func(dr *Driver) {
		dr.pullURL = url
	}
}

func New(url string, opts ...Option) (*Driver, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, errorx.UnavailableErrorf("failed to connect to nats at %s: %v", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errorx.InternalErrorf("failed to create jetstream context: %v", err)
	}

	d := &Driver{nc: nc, js: js, ackWait: DefaultAckWait}
	for _, opt := range opts {
		opt(d)
	}

	if d.pullURL != "" {
		pullNC, err := nats.Connect(d.pullURL)
		if err != nil {
			nc.Close()
			return nil, errorx.UnavailableErrorf("failed to connect to pull endpoint %s: %v", d.pullURL, err)
		}
		pullJS, err := jetstream.New(pullNC)
		if err != nil {
			pullNC.Close()
			nc.Close()
			return nil, errorx.InternalErrorf("failed to create jetstream context: %v", err)
		}
		d.pullNC, d.pullJS = pullNC, pullJS
	}

	return d, nil
}

// consumerJS is the jetstream context subscription clients fetch over.
func (d *Driver) consumerJS() jetstream.JetStream {
	if d.pullJS != nil {
		return d.pullJS
	}

	return d.js
}

// streamName maps a scope qualified topic name onto a valid stream name;
// stream names cannot contain the scope separator.
func streamName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func consumerName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func (d *Driver) CreateTopic(ctx context.Context, name string) error {
	_, err := d.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(name),
		Subjects: []string{name},
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return errorx.AlreadyExistsErrorf("topic %q already exists", name)
	}

	return mapError(err)
}

func (d *Driver) DeleteTopic(ctx context.Context, name string) error {
	err := d.js.DeleteStream(ctx, streamName(name))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return errorx.NotFoundErrorf("topic %q does not exist", name)
	}

	return mapError(err)
}

func (d *Driver) ListTopics(ctx context.Context) ([]string, error) {
	var out []string
	lister := d.js.ListStreams(ctx)
	for info := range lister.Info() {
		if len(info.Config.Subjects) > 0 {
			out = append(out, info.Config.Subjects[0])
		}
	}
	if err := lister.Err(); err != nil {
		return nil, mapError(err)
	}

	return out, nil
}

func (d *Driver) CreateSubscription(ctx context.Context, name, topic string) error {
	stream, err := d.js.Stream(ctx, streamName(topic))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return errorx.NotFoundErrorf("topic %q does not exist", topic)
	} else if err != nil {
		return mapError(err)
	}

	if _, err := stream.Consumer(ctx, consumerName(name)); err == nil {
		return errorx.AlreadyExistsErrorf("subscription %q already exists", name)
	}

	_, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   consumerName(name),
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   d.ackWait,
	})
	return mapError(err)
}

func (d *Driver) DeleteSubscription(ctx context.Context, name string) error {
	stream, err := findConsumerStream(ctx, d.js, name)
	if err != nil {
		return err
	}

	return mapError(stream.DeleteConsumer(ctx, consumerName(name)))
}

func (d *Driver) ListSubscriptions(ctx context.Context) ([]string, error) {
	var out []string
	streams := d.js.ListStreams(ctx)
	for info := range streams.Info() {
		stream, err := d.js.Stream(ctx, info.Config.Name)
		if err != nil {
			continue
		}
		names := stream.ConsumerNames(ctx)
		for name := range names.Name() {
			out = append(out, name)
		}
	}
	if err := streams.Err(); err != nil {
		return nil, mapError(err)
	}

	return out, nil
}

func (d *Driver) OpenTopic(ctx context.Context, name string) (driver.TopicClient, error) {
	if _, err := d.js.Stream(ctx, streamName(name)); err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, errorx.NotFoundErrorf("topic %q does not exist", name)
		}
		return nil, mapError(err)
	}

	return &topicClient{js: d.js, subject: name}, nil
}

func (d *Driver) OpenSubscription(ctx context.Context, name string) (driver.SubscriptionClient, error) {
	stream, err := findConsumerStream(ctx, d.consumerJS(), name)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.Consumer(ctx, consumerName(name))
	if err != nil {
		return nil, mapError(err)
	}

	ackWait := d.ackWait
	if info := consumer.CachedInfo(); info != nil && info.Config.AckWait > 0 {
		ackWait = info.Config.AckWait
	}

	return &subscriptionClient{
		consumer: consumer,
		ackWait:  ackWait,
		held:     map[string]*heldMsg{},
	}, nil
}

func (d *Driver) Close() error {
	if d.pullNC != nil {
		d.pullNC.Close()
	}
	d.nc.Close()
	return nil
}

// findConsumerStream locates the stream holding the durable consumer.
func findConsumerStream(ctx context.Context, js jetstream.JetStream, name string) (jetstream.Stream, error) {
	streams := js.ListStreams(ctx)
	for info := range streams.Info() {
		stream, err := js.Stream(ctx, info.Config.Name)
		if err != nil {
			continue
		}
		if _, err := stream.Consumer(ctx, consumerName(name)); err == nil {
			return stream, nil
		}
	}
	if err := streams.Err(); err != nil {
		return nil, mapError(err)
	}

	return nil, errorx.NotFoundErrorf("subscription %q does not exist", name)
}

type topicClient struct {
	js      jetstream.JetStream
	subject string
}

var _ driver.TopicClient = (*topicClient)(nil)

func (t *topicClient) Send(ctx context.Context, msgs []*messagex.Message) ([]string, error) {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		natsMsg := &nats.Msg{
			Subject: t.subject,
			Data:    msg.Payload,
			Header:  encodeHeader(msg),
		}

		ack, err := t.js.PublishMsg(ctx, natsMsg)
		if err != nil {
			return nil, mapError(err)
		}
		ids[i] = ack.Stream + "-" + strconv.FormatUint(ack.Sequence, 10)
	}

	return ids, nil
}

func (t *topicClient) Close() error {
	return nil
}

type subscriptionClient struct {
	consumer jetstream.Consumer
	ackWait  time.Duration

	mu   sync.Mutex
	held map[string]*heldMsg
}

// heldMsg pins a fetched message to its delivery token until the token
// resolves or its deadline lapses, at which point the server has already
// redelivered under a new token and this one is dead weight.
type heldMsg struct {
	msg      jetstream.Msg
	deadline time.Time
}

var _ driver.SubscriptionClient = (*subscriptionClient)(nil)

func (c *subscriptionClient) Pull(ctx context.Context, max int, wait time.Duration) ([]*driver.Delivery, error) {
	var (
		batch jetstream.MessageBatch
		err   error
	)
	if wait > 0 {
		batch, err = c.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	} else {
		batch, err = c.consumer.FetchNoWait(max)
	}
	if err != nil {
		return nil, mapError(err)
	}

	now := time.Now()
	c.mu.Lock()
	c.sweepLocked(now)
	c.mu.Unlock()

	var out []*driver.Delivery
	for msg := range batch.Messages() {
		token := uuid.NewString()
		deadline := now.Add(c.ackWait)

		c.mu.Lock()
		c.held[token] = &heldMsg{msg: msg, deadline: deadline}
		c.mu.Unlock()

		out = append(out, &driver.Delivery{
			Msg:      decodeMessage(msg),
			AckToken: token,
			Deadline: deadline,
		})
	}
	if err := batch.Error(); err != nil {
		return out, mapError(err)
	}

	return out, nil
}

func (c *subscriptionClient) Ack(ctx context.Context, tokens []string) error {
	return c.resolve(tokens, true, func(msg jetstream.Msg) error {
		return msg.Ack()
	})
}

func (c *subscriptionClient) Nack(ctx context.Context, tokens []string) error {
	return c.resolve(tokens, true, func(msg jetstream.Msg) error {
		return msg.Nak()
	})
}

// ExtendDeadline maps to the in-progress notification, which restarts the
// consumer's ack wait; JetStream does not take an absolute deadline.
func (c *subscriptionClient) ExtendDeadline(ctx context.Context, tokens []string, d time.Duration) error {
	return c.resolve(tokens, false, func(msg jetstream.Msg) error {
		return msg.InProgress()
	})
}

func (c *subscriptionClient) resolve(tokens []string, release bool, fn func(jetstream.Msg) error) error {
	var errs []error
	for _, token := range tokens {
		c.mu.Lock()
		h, ok := c.held[token]
		if ok && time.Now().After(h.deadline) {
			// The server already redelivered under a fresh token; this one
			// resolves nothing anymore.
			delete(c.held, token)
			ok = false
		}
		if ok && release {
			delete(c.held, token)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		if err := fn(h.msg); err != nil {
			errs = append(errs, mapError(err))
			continue
		}
		if !release {
			c.mu.Lock()
			if cur, still := c.held[token]; still {
				cur.deadline = time.Now().Add(c.ackWait)
			}
			c.mu.Unlock()
		}
	}

	return errors.Join(errs...)
}

// sweepLocked drops tokens whose deadline lapsed without a resolution, so
// abandoned deliveries do not pin their messages forever.
func (c *subscriptionClient) sweepLocked(now time.Time) {
	for token, h := range c.held {
		if now.After(h.deadline) {
			delete(c.held, token)
		}
	}
}

func (c *subscriptionClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = map[string]*heldMsg{}
	return nil
}

func encodeHeader(msg *messagex.Message) nats.Header {
	// Keys are set directly to keep the metadata byte for byte; Header.Set
	// would canonicalize them.
	h := nats.Header{}
	h[idHeaderKey] = []string{msg.ID}
	if msg.OrderingKey != "" {
		h[orderingKeyHeaderKey] = []string{msg.OrderingKey}
	}
	for k, v := range msg.Metadata {
		h[metadataHeaderPrefix+k] = []string{v}
	}

	return h
}

func decodeMessage(msg jetstream.Msg) *messagex.Message {
	metadata := messagex.MessageMetadata{}
	id := ""
	orderingKey := ""
	for k, vs := range msg.Headers() {
		if len(vs) == 0 {
			continue
		}
		switch {
		case k == idHeaderKey:
			id = vs[0]
		case k == orderingKeyHeaderKey:
			orderingKey = vs[0]
		case strings.HasPrefix(k, metadataHeaderPrefix):
			metadata[strings.TrimPrefix(k, metadataHeaderPrefix)] = vs[0]
		}
	}

	return messagex.NewMessage(msg.Data(), messagex.WithID(id), messagex.WithMetadata(metadata), messagex.WithOrderingKey(orderingKey))
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrStreamNotFound), errors.Is(err, jetstream.ErrConsumerNotFound):
		return errorx.NotFoundErrorf("%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return errorx.DeadlineExceededErrorf("%v", err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrNoResponders):
		return errorx.UnavailableErrorf("%v", err)
	default:
		return err
	}
}
