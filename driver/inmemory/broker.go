// Package inmemory is a complete in process implementation of the driver
// contract: topics, fan out to subscriptions, ack deadlines and
// redelivery. It backs the "inmemory" provider and the test suites.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nuagemq/pubsub/driver"
	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/messagex"
	"github.com/segmentio/ksuid"
)

const DefaultAckDeadline = 10 * time.Second

type (
	Broker struct {
		mu          sync.Mutex
		ackDeadline time.Duration
		topics      map[string][]string // topic -> subscription names
		subs        map[string]*subscriptionState
		closed      bool
	}

	subscriptionState struct {
		topic       string
		queue       []*queuedMessage
		outstanding map[string]*queuedMessage
		notify      chan struct{}
	}

	queuedMessage struct {
		msg      *messagex.Message
		id       string
		deadline time.Time
	}
)

var _ driver.Driver = (*Broker)(nil)

type Option func(*Broker)

// WithAckDeadline overrides the deadline deliveries get before they become
// eligible for redelivery.
func WithAckDeadline(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.ackDeadline = d
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		ackDeadline: DefaultAckDeadline,
		topics:      map[string][]string{},
		subs:        map[string]*subscriptionState{},
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) CreateTopic(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, ok := b.topics[name]; ok {
		return errorx.AlreadyExistsErrorf("topic %q already exists", name)
	}

	b.topics[name] = nil
	return nil
}

func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, ok := b.topics[name]; !ok {
		return errorx.NotFoundErrorf("topic %q does not exist", name)
	}

	delete(b.topics, name)
	return nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}

	return out, nil
}

func (b *Broker) CreateSubscription(ctx context.Context, name, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, ok := b.topics[topic]; !ok {
		return errorx.NotFoundErrorf("topic %q does not exist", topic)
	}
	if _, ok := b.subs[name]; ok {
		return errorx.AlreadyExistsErrorf("subscription %q already exists", name)
	}

	b.subs[name] = &subscriptionState{
		topic:       topic,
		outstanding: map[string]*queuedMessage{},
		notify:      make(chan struct{}),
	}
	b.topics[topic] = append(b.topics[topic], name)
	return nil
}

func (b *Broker) DeleteSubscription(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	s, ok := b.subs[name]
	if !ok {
		return errorx.NotFoundErrorf("subscription %q does not exist", name)
	}

	delete(b.subs, name)
	if attached, ok := b.topics[s.topic]; ok {
		out := attached[:0]
		for _, n := range attached {
			if n != name {
				out = append(out, n)
			}
		}
		b.topics[s.topic] = out
	}
	close(s.notify)
	return nil
}

func (b *Broker) ListSubscriptions(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(b.subs))
	for name := range b.subs {
		out = append(out, name)
	}

	return out, nil
}

func (b *Broker) OpenTopic(ctx context.Context, name string) (driver.TopicClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := b.topics[name]; !ok {
		return nil, errorx.NotFoundErrorf("topic %q does not exist", name)
	}

	return &topicClient{broker: b, name: name}, nil
}

func (b *Broker) OpenSubscription(ctx context.Context, name string) (driver.SubscriptionClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := b.subs[name]; !ok {
		return nil, errorx.NotFoundErrorf("subscription %q does not exist", name)
	}

	return &subscriptionClient{broker: b, name: name}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	b.closed = true
	for _, s := range b.subs {
		close(s.notify)
	}
	b.topics = map[string][]string{}
	b.subs = map[string]*subscriptionState{}
	return nil
}

func (b *Broker) checkOpen() error {
	if b.closed {
		return errorx.FailedPreconditionErrorf("broker is closed")
	}

	return nil
}

// expireLocked moves deliveries whose deadline passed back into the queue.
func (s *subscriptionState) expireLocked(now time.Time) {
	for token, q := range s.outstanding {
		if now.After(q.deadline) {
			delete(s.outstanding, token)
			s.queue = append(s.queue, q)
		}
	}
}

func (s *subscriptionState) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

type topicClient struct {
	broker *Broker
	name   string
}

var _ driver.TopicClient = (*topicClient)(nil)

func (t *topicClient) Send(ctx context.Context, msgs []*messagex.Message) ([]string, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	attached, ok := b.topics[t.name]
	if !ok {
		return nil, errorx.NotFoundErrorf("topic %q does not exist", t.name)
	}

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = ksuid.New().String()
		for _, subName := range attached {
			s, ok := b.subs[subName]
			if !ok {
				continue
			}
			s.queue = append(s.queue, &queuedMessage{msg: msg.Copy(), id: ids[i]})
			s.wakeLocked()
		}
	}

	return ids, nil
}

func (t *topicClient) Close() error {
	return nil
}

type subscriptionClient struct {
	broker *Broker
	name   string
}

var _ driver.SubscriptionClient = (*subscriptionClient)(nil)

func (c *subscriptionClient) Pull(ctx context.Context, max int, wait time.Duration) ([]*driver.Delivery, error) {
	if max <= 0 {
		return nil, errorx.InvalidArgumentErrorf("max must be positive, got %d", max)
	}

	deadline := time.Now().Add(wait)
	for {
		b := c.broker
		b.mu.Lock()
		if err := b.checkOpen(); err != nil {
			b.mu.Unlock()
			return nil, err
		}

		s, ok := b.subs[c.name]
		if !ok {
			b.mu.Unlock()
			return nil, errorx.NotFoundErrorf("subscription %q does not exist", c.name)
		}

		now := time.Now()
		s.expireLocked(now)

		if len(s.queue) > 0 {
			n := max
			if n > len(s.queue) {
				n = len(s.queue)
			}

			out := make([]*driver.Delivery, 0, n)
			for _, q := range s.queue[:n] {
				token := uuid.NewString()
				q.deadline = now.Add(b.ackDeadline)
				s.outstanding[token] = q
				out = append(out, &driver.Delivery{
					Msg:      q.msg.Copy(),
					AckToken: token,
					Deadline: q.deadline,
				})
			}
			s.queue = append([]*queuedMessage{}, s.queue[n:]...)
			b.mu.Unlock()
			return out, nil
		}

		notify := s.notify
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (c *subscriptionClient) Ack(ctx context.Context, tokens []string) error {
	return c.resolve(tokens, func(s *subscriptionState, q *queuedMessage, token string) {
		delete(s.outstanding, token)
	})
}

func (c *subscriptionClient) Nack(ctx context.Context, tokens []string) error {
	return c.resolve(tokens, func(s *subscriptionState, q *queuedMessage, token string) {
		delete(s.outstanding, token)
		s.queue = append(s.queue, q)
		s.wakeLocked()
	})
}

func (c *subscriptionClient) ExtendDeadline(ctx context.Context, tokens []string, d time.Duration) error {
	deadline := time.Now().Add(d)
	return c.resolve(tokens, func(s *subscriptionState, q *queuedMessage, token string) {
		q.deadline = deadline
	})
}

// resolve applies fn to every known token; unknown or already resolved
// tokens are skipped so acks stay idempotent.
func (c *subscriptionClient) resolve(tokens []string, fn func(s *subscriptionState, q *queuedMessage, token string)) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	s, ok := b.subs[c.name]
	if !ok {
		return errorx.NotFoundErrorf("subscription %q does not exist", c.name)
	}

	for _, token := range tokens {
		if q, ok := s.outstanding[token]; ok {
			fn(s, q, token)
		}
	}

	return nil
}

func (c *subscriptionClient) Close() error {
	return nil
}
