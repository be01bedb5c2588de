package pubsub

import "context"

// PublishResult is the completion handle of a single published message. It
// resolves once the batch carrying the message is flushed.
type PublishResult struct {
	done chan struct{}
	id   string
	err  error
}

func newPublishResult() *PublishResult {
	return &PublishResult{done: make(chan struct{})}
}

// Get blocks until the message is sent (or failed) and returns the service
// assigned message identifier.
func (r *PublishResult) Get(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once the result is resolved.
func (r *PublishResult) Done() <-chan struct{} {
	return r.done
}

func (r *PublishResult) set(id string, err error) {
	r.id = id
	r.err = err
	close(r.done)
}
