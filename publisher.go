package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/nuagemq/pubsub/driver"
	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/flowx"
	"github.com/nuagemq/pubsub/loggerx"
	"github.com/nuagemq/pubsub/messagex"
	"github.com/nuagemq/pubsub/retryx"
	"go.opentelemetry.io/otel/attribute"
)

// publisher batches outbound messages per topic and flushes them on the
// first threshold reached, under flow control and the publisher retry
// policy.
type publisher struct {
	l        *loggerx.Logger
	scope    string
	batching BatchingConfig
	retry    retryx.Policy
	flow     *flowx.Controller
	topics   *resourceCache[driver.TopicClient]
	prop     messagex.TraceContextPropagator
	sem      chan struct{}

	mu       sync.Mutex
	batchers map[messagex.Topic]*topicBatcher
	closed   bool
	// wg counts accepted but unresolved messages, one per Publish.
	wg sync.WaitGroup
}

func newPublisher(l *loggerx.Logger, scope string, conf PublisherConfig, topics *resourceCache[driver.TopicClient]) (*publisher, error) {
	flow, err := conf.FlowControl.controller()
	if err != nil {
		return nil, err
	}

	return &publisher{
		l:        l,
		scope:    scope,
		batching: conf.Batching,
		retry:    conf.Retry.policy(),
		flow:     flow,
		topics:   topics,
		prop:     messagex.NewTraceContextPropagator(),
		sem:      make(chan struct{}, conf.ExecutorCount),
		batchers: map[messagex.Topic]*topicBatcher{},
	}, nil
}

// Publish enqueues the message and returns immediately; the result
// resolves once the carrying batch is flushed. Under the Block flow
// control behavior the call suspends until capacity frees.
func (p *publisher) Publish(ctx context.Context, topic messagex.Topic, msg *messagex.Message) *PublishResult {
	res := newPublishResult()

	p.prop.Inject(ctx, msg)

	size := int64(msg.Size())
	if err := p.flow.Reserve(ctx, 1, size); err != nil {
		res.set("", err)
		return res
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.flow.Release(1, size)
		res.set("", errorx.FailedPreconditionErrorf("publisher is closed"))
		return res
	}
	// Counted while closed is provably false, so Close's Wait starts only
	// after every accepted message is accounted for.
	p.wg.Add(1)
	b, ok := p.batchers[topic]
	if !ok {
		b = &topicBatcher{p: p, topic: topic}
		p.batchers[topic] = b
	}
	p.mu.Unlock()

	b.add(msg, size, res)
	return res
}

// Close force flushes every pending batch and waits for the in flight
// flushes to resolve.
func (p *publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.closed = true
	batchers := p.batchers
	p.mu.Unlock()

	for _, b := range batchers {
		b.mu.Lock()
		b.flushLocked()
		b.mu.Unlock()
	}
	p.wg.Wait()
	return nil
}

func (p *publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// topicBatcher owns the pending batch of exactly one topic. A batch handed
// to a flush goroutine is never touched again.
type topicBatcher struct {
	p     *publisher
	topic messagex.Topic

	mu      sync.Mutex
	msgs    []*messagex.Message
	results []*PublishResult
	bytes   int64
	timer   *time.Timer
}

func (b *topicBatcher) add(msg *messagex.Message, size int64, res *PublishResult) {
	cfg := b.p.batching

	b.mu.Lock()
	defer b.mu.Unlock()

	b.msgs = append(b.msgs, msg)
	b.results = append(b.results, res)
	b.bytes += size

	if !cfg.Enabled || b.p.isClosed() {
		b.flushLocked()
		return
	}

	if len(b.msgs) == 1 && cfg.DelayThreshold > 0 {
		b.timer = time.AfterFunc(cfg.DelayThreshold, b.flushDue)
	}

	countDue := cfg.ElementCountThreshold > 0 && len(b.msgs) >= cfg.ElementCountThreshold
	bytesDue := cfg.RequestByteThreshold > 0 && b.bytes >= int64(cfg.RequestByteThreshold)
	if countDue || bytesDue {
		b.flushLocked()
	}
}

func (b *topicBatcher) flushDue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *topicBatcher) flushLocked() {
	if len(b.msgs) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	msgs, results, bytes := b.msgs, b.results, b.bytes
	b.msgs, b.results, b.bytes = nil, nil, 0

	p := b.p
	go func() {
		// One wg count per message, taken when Publish accepted it.
		defer func() {
			for range results {
				p.wg.Done()
			}
		}()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		p.send(b.topic, msgs, results, bytes)
	}()
}

// send flushes one batch as a single transport request. Every result of
// the batch resolves with its assigned identifier, or all with the same
// error once retries are exhausted.
func (p *publisher) send(topic messagex.Topic, msgs []*messagex.Message, results []*PublishResult, bytes int64) {
	// The caller's context may be gone by flush time; flushes run under
	// the retry policy's own timeout.
	ctx := context.Background()

	var ids []string
	err := func() error {
		handle, release, err := p.topics.getOrCreate(ctx, topic.TopicName(p.scope))
		if err != nil {
			return err
		}
		defer release()

		return p.retry.Do(ctx, func(ctx context.Context) error {
			var sendErr error
			ids, sendErr = handle.Send(ctx, msgs)
			return sendErr
		})
	}()

	if err == nil && len(ids) != len(msgs) {
		err = errorx.InternalErrorf("transport returned %d ids for %d messages", len(ids), len(msgs))
	}

	if err != nil {
		p.l.WithError(err).WithFields(loggerx.NewLogFields(
			attribute.String("messaging.destination.name", string(topic)),
			attribute.Int("messaging.batch.message_count", len(msgs)),
		)).Errorf("failed to publish batch")
		for _, r := range results {
			r.set("", err)
		}
	} else {
		for i, r := range results {
			r.set(ids[i], nil)
		}
	}

	p.flow.Release(int64(len(msgs)), bytes)
}
