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

// Handler is the subscriber callback. A nil return acknowledges the
// message; an error (or a panic) negatively acknowledges it, which makes
// the service redeliver.
type Handler func(ctx context.Context, msg *messagex.Message) error

type subscriberState string

const (
	stateRunning  = subscriberState("running")
	stateDraining = subscriberState("draining")
	stateStopped  = subscriberState("stopped")
)

const (
	pullBatchSize    = 100
	pullWait         = time.Second
	pullRetryInitial = 100 * time.Millisecond
	pullRetryMax     = 3 * time.Second
)

// inflight is a delivery between pull and resolution. done closes once
// the callback returns, which stops the deadline extension loop.
type inflight struct {
	d    *driver.Delivery
	done chan struct{}
}

// SubscriberHandle is a running subscription. Stop is cooperative: it
// stops issuing pulls, waits for dispatched callbacks, then releases
// resources.
type SubscriberHandle struct {
	l            *loggerx.Logger
	subscription messagex.Subscription
	handler      Handler
	sc           driver.SubscriptionClient
	release      func()
	flow         *flowx.Controller
	retry        retryx.Policy
	maxExtension time.Duration
	prop         messagex.TraceContextPropagator

	cancel   context.CancelFunc
	dispatch chan *inflight
	pullWg   sync.WaitGroup
	execWg   sync.WaitGroup
	extWg    sync.WaitGroup
	stopOnce sync.Once

	mu    sync.Mutex
	state subscriberState
}

func (c *client) Subscribe(ctx context.Context, subscription string, handler Handler) (*SubscriberHandle, error) {
	if handler == nil {
		return nil, errorx.FailedPreconditionErrorf("nil handler for subscription %s", subscription)
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	sub, err := messagex.NewSubscription(subscription)
	if err != nil {
		return nil, err
	}

	sc, release, err := c.subs.getOrCreate(ctx, sub.SubscriptionName(c.conf.Scope))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &SubscriberHandle{
		l:            c.l.WithField("subscription", subscription),
		subscription: sub,
		handler:      handler,
		sc:           sc,
		release:      release,
		flow:         c.subFlow,
		retry:        c.conf.Subscriber.Retry.policy(),
		maxExtension: c.conf.Subscriber.MaxAckExtensionPeriod,
		prop:         messagex.NewTraceContextPropagator(),
		cancel:       cancel,
		dispatch:     make(chan *inflight, c.conf.Subscriber.ExecutorCount),
		state:        stateRunning,
	}

	for i := 0; i < c.conf.Subscriber.ParallelPullCount; i++ {
		h.pullWg.Add(1)
		go h.pullWorker(runCtx)
	}
	for i := 0; i < c.conf.Subscriber.ExecutorCount; i++ {
		h.execWg.Add(1)
		go h.executor()
	}

	c.trackHandle(h)
	return h, nil
}

// Stop drains the subscription: no new pulls are issued, dispatched
// callbacks run to completion, then resources release. Safe to call more
// than once.
func (h *SubscriberHandle) Stop() {
	h.stopOnce.Do(func() {
		h.setState(stateDraining)
		h.cancel()
		h.pullWg.Wait()
		close(h.dispatch)
		h.execWg.Wait()
		h.extWg.Wait()
		h.release()
		h.setState(stateStopped)
	})
}

// Health reports whether the subscription is still pulling.
func (h *SubscriberHandle) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateRunning {
		return errorx.FailedPreconditionErrorf("subscriber is %s", h.state)
	}

	return nil
}

func (h *SubscriberHandle) setState(s subscriberState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// pullWorker continuously pulls batches and hands deliveries to the
// executors under flow control reservation. Pull errors never crash the
// loop; they are logged and retried with exponential backoff.
func (h *SubscriberHandle) pullWorker(ctx context.Context) {
	defer h.pullWg.Done()

	sched := retryx.NewSchedule(retryx.Policy{
		InitialDelay:    pullRetryInitial,
		DelayMultiplier: 2,
		MaxDelay:        pullRetryMax,
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := h.sc.Pull(ctx, pullBatchSize, pullWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			h.l.WithError(err).Warnf("failed to pull messages, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(sched.NextBackOff()):
			}
			continue
		}
		sched.Reset()

		for i, d := range deliveries {
			if err := h.flow.Reserve(ctx, 1, int64(d.Msg.Size())); err != nil {
				// Draining: give the rest of the batch back right away.
				h.nackRemainder(deliveries[i:])
				return
			}

			inf := &inflight{d: d, done: make(chan struct{})}
			h.startExtension(inf)

			select {
			case h.dispatch <- inf:
			case <-ctx.Done():
				close(inf.done)
				h.flow.Release(1, int64(d.Msg.Size()))
				h.nackRemainder(deliveries[i:])
				return
			}
		}
	}
}

func (h *SubscriberHandle) nackRemainder(deliveries []*driver.Delivery) {
	tokens := make([]string, len(deliveries))
	for i, d := range deliveries {
		tokens[i] = d.AckToken
	}
	if err := h.sc.Nack(context.Background(), tokens); err != nil {
		h.l.WithError(err).Warnf("failed to nack %d undispatched messages", len(tokens))
	}
}

func (h *SubscriberHandle) executor() {
	defer h.execWg.Done()
	for inf := range h.dispatch {
		h.handle(inf)
	}
}

// handle dispatches one delivery to the callback and resolves it. The
// callback runs under the message's extracted trace context, not the pull
// context, so draining never interrupts it.
func (h *SubscriberHandle) handle(inf *inflight) {
	d := inf.d
	msgCtx := h.prop.Extract(context.Background(), d.Msg)

	err := h.safeHandle(msgCtx, d.Msg)
	close(inf.done)

	resolveCtx := context.Background()
	if err != nil {
		h.l.WithError(err).WithFields(loggerx.NewLogFields(
			attribute.String("messaging.message.id", d.Msg.ID),
			attribute.String("messaging.destination.name", string(h.subscription)),
		)).Warnf("handler failed, nacking message")
		if nackErr := h.sc.Nack(resolveCtx, []string{d.AckToken}); nackErr != nil {
			h.l.WithError(nackErr).Warnf("failed to nack message, it will be redelivered after its deadline")
		}
	} else {
		ackErr := h.retry.Do(resolveCtx, func(ctx context.Context) error {
			return h.sc.Ack(ctx, []string{d.AckToken})
		})
		if ackErr != nil {
			h.l.WithError(ackErr).Warnf("failed to ack message, it may be redelivered")
		}
	}

	h.flow.Release(1, int64(d.Msg.Size()))
}

func (h *SubscriberHandle) safeHandle(ctx context.Context, msg *messagex.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorx.InternalErrorf("panic while handling message: %v", r)
		}
	}()

	return h.handler(ctx, msg)
}

// startExtension keeps pushing the delivery's ack deadline while the
// callback runs, up to maxExtension past receipt. The loop stops when the
// delivery resolves.
func (h *SubscriberHandle) startExtension(inf *inflight) {
	if h.maxExtension <= 0 {
		return
	}

	d := inf.d
	receivedAt := time.Now()
	period := time.Until(d.Deadline)
	if period <= 0 {
		period = time.Second
	}
	limit := receivedAt.Add(h.maxExtension)

	h.extWg.Add(1)
	go func() {
		defer h.extWg.Done()
		deadline := d.Deadline
		for {
			wait := time.Until(deadline) / 2
			if wait < 5*time.Millisecond {
				wait = 5 * time.Millisecond
			}

			select {
			case <-inf.done:
				return
			case <-time.After(wait):
			}

			ext := period
			if time.Now().Add(ext).After(limit) {
				ext = time.Until(limit)
				if ext <= 0 {
					return
				}
			}

			if err := h.sc.ExtendDeadline(context.Background(), []string{d.AckToken}, ext); err != nil {
				h.l.WithError(err).Warnf("failed to extend ack deadline")
				return
			}
			deadline = time.Now().Add(ext)
		}
	}()
}
