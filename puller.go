package pubsub

import (
	"context"

	"github.com/nuagemq/pubsub/driver"
	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/messagex"
)

// Pull synchronously fetches up to maxMessages immediately available
// messages. The caller owns the returned messages and must ack or nack
// each one before its deadline.
func (c *client) Pull(ctx context.Context, subscription string, maxMessages int) ([]*AckableMessage, error) {
	if maxMessages <= 0 {
		return nil, errorx.InvalidArgumentErrorf("maxMessages must be positive, got %d", maxMessages)
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
	defer release()

	var deliveries []*driver.Delivery
	err = c.subRetry.Do(ctx, func(ctx context.Context) error {
		var pullErr error
		deliveries, pullErr = sc.Pull(ctx, maxMessages, 0)
		return pullErr
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]*AckableMessage, len(deliveries))
	for i, d := range deliveries {
		msgs[i] = &AckableMessage{
			Msg:          d.Msg,
			AckToken:     d.AckToken,
			Deadline:     d.Deadline,
			subscription: sub,
			client:       c,
		}
	}

	return msgs, nil
}

// PullNext fetches a single message and acknowledges it right away. It
// returns nil without error when no message is available. An ack failure
// is logged, not returned: the caller already holds the message.
func (c *client) PullNext(ctx context.Context, subscription string) (*messagex.Message, error) {
	msgs, err := c.Pull(ctx, subscription, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	if err := msgs[0].Ack(ctx); err != nil {
		c.l.WithError(err).WithField("subscription", subscription).
			Warnf("failed to ack pulled message, it may be redelivered")
	}

	return msgs[0].Msg, nil
}

// PullAndAck fetches up to maxMessages and acknowledges them in one
// batched request. As with PullNext, an ack failure does not fail the
// pull.
func (c *client) PullAndAck(ctx context.Context, subscription string, maxMessages int) ([]*messagex.Message, error) {
	ackables, err := c.Pull(ctx, subscription, maxMessages)
	if err != nil {
		return nil, err
	}
	if len(ackables) == 0 {
		return nil, nil
	}

	if err := c.Ack(ctx, ackables...); err != nil {
		c.l.WithError(err).WithField("subscription", subscription).
			Warnf("failed to ack %d pulled messages, they may be redelivered", len(ackables))
	}

	msgs := make([]*messagex.Message, len(ackables))
	for i, m := range ackables {
		msgs[i] = m.Msg
	}

	return msgs, nil
}

// Ack acknowledges the given messages in one request. All messages must
// come from the same subscription; otherwise nothing is acked. Already
// resolved messages are skipped.
func (c *client) Ack(ctx context.Context, msgs ...*AckableMessage) error {
	return c.resolve(ctx, msgs, driver.SubscriptionClient.Ack)
}

// Nack makes the given messages immediately eligible for redelivery. The
// same single subscription rule as Ack applies.
func (c *client) Nack(ctx context.Context, msgs ...*AckableMessage) error {
	return c.resolve(ctx, msgs, driver.SubscriptionClient.Nack)
}

func (c *client) resolve(
	ctx context.Context,
	msgs []*AckableMessage,
	op func(driver.SubscriptionClient, context.Context, []string) error,
) error {
	if len(msgs) == 0 {
		return nil
	}

	sub := msgs[0].subscription
	for _, m := range msgs[1:] {
		if m.subscription != sub {
			return errorx.InvalidArgumentErrorf(
				"messages from subscriptions %q and %q cannot be resolved together", sub, m.subscription)
		}
	}

	var tokens []string
	var claimed []*AckableMessage
	for _, m := range msgs {
		if m.resolved.CompareAndSwap(false, true) {
			tokens = append(tokens, m.AckToken)
			claimed = append(claimed, m)
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	sc, release, err := c.subs.getOrCreate(ctx, sub.SubscriptionName(c.conf.Scope))
	if err == nil {
		defer release()
		err = c.subRetry.Do(ctx, func(ctx context.Context) error {
			return op(sc, ctx, tokens)
		})
	}

	if err != nil {
		// The service never saw the resolution; let the caller retry.
		for _, m := range claimed {
			m.resolved.Store(false)
		}
		return err
	}

	return nil
}
