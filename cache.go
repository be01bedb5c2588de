package pubsub

import (
	"context"
	"sync"
)

// resourceCache lazily opens and caches one handle per resource name.
// Concurrent requests for the same name construct a single handle; losers
// wait for the winner and adopt its handle. A failed construction is not
// cached, so the next request retries it.
type resourceCache[T any] struct {
	open  func(ctx context.Context, name string) (T, error)
	close func(T) error

	mu      sync.Mutex
	entries map[string]*cacheEntry[T]
}

type cacheEntry[T any] struct {
	ready chan struct{}

	handle T
	err    error

	refs        int
	invalidated bool
}

func newResourceCache[T any](open func(ctx context.Context, name string) (T, error), close func(T) error) *resourceCache[T] {
	return &resourceCache[T]{
		open:    open,
		close:   close,
		entries: map[string]*cacheEntry[T]{},
	}
}

// getOrCreate returns the handle for name and a release func that must be
// called once the caller's operation on the handle completes.
func (c *resourceCache[T]) getOrCreate(ctx context.Context, name string) (T, func(), error) {
	var zero T

	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		e = &cacheEntry[T]{ready: make(chan struct{})}
		c.entries[name] = e
		c.mu.Unlock()

		handle, err := c.open(ctx, name)

		c.mu.Lock()
		if err != nil {
			e.err = err
			// Not cached: the next getOrCreate for this name retries.
			if c.entries[name] == e {
				delete(c.entries, name)
			}
		} else {
			e.handle = handle
		}
		close(e.ready)
	} else {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		}
		c.mu.Lock()
	}

	if e.err != nil {
		c.mu.Unlock()
		return zero, nil, e.err
	}

	e.refs++
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.release(e)
		})
	}

	return e.handle, release, nil
}

func (c *resourceCache[T]) release(e *cacheEntry[T]) {
	c.mu.Lock()
	e.refs--
	closeNow := e.invalidated && e.refs == 0
	c.mu.Unlock()

	if closeNow {
		_ = c.close(e.handle)
	}
}

// invalidate evicts the handle for name. If the handle is in use, its
// destruction is deferred until every in flight operation releases it.
func (c *resourceCache[T]) invalidate(name string) {
	c.mu.Lock()
	e, ok := c.entries[name]
	if ok {
		delete(c.entries, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	<-e.ready
	if e.err != nil {
		return
	}

	c.mu.Lock()
	e.invalidated = true
	closeNow := e.refs == 0
	c.mu.Unlock()

	if closeNow {
		_ = c.close(e.handle)
	}
}

// closeAll evicts everything. Handles still in use are closed on their
// last release.
func (c *resourceCache[T]) closeAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = map[string]*cacheEntry[T]{}
	var toClose []*cacheEntry[T]
	for _, e := range entries {
		select {
		case <-e.ready:
			if e.err == nil {
				e.invalidated = true
				if e.refs == 0 {
					toClose = append(toClose, e)
				}
			}
		default:
			// Still constructing; the construction owner holds no ref, the
			// handle is closed once its first user releases it.
			e.invalidated = true
		}
	}
	c.mu.Unlock()

	for _, e := range toClose {
		_ = c.close(e.handle)
	}
}
