package flowx

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuagemq/pubsub/errorx"
)

// LimitBehavior controls what Reserve does once a limit is reached.
type LimitBehavior string

const (
	// Block suspends the caller until enough capacity is released.
	Block = LimitBehavior("block")
	// Ignore admits the reservation and records actual usage, letting the
	// counters exceed the configured maximums.
	Ignore = LimitBehavior("ignore")
	// Reject fails the reservation with a resource exhausted error.
	Reject = LimitBehavior("reject")
)

func ParseLimitBehavior(s string) (LimitBehavior, error) {
	b := LimitBehavior(s)
	switch b {
	case Block, Ignore, Reject:
		return b, nil
	default:
		return "", errorx.InvalidArgumentErrorf("invalid limit behavior: %s", s)
	}
}

// Controller tracks outstanding element and byte counts against optional
// maximums. A maximum of zero or less means unlimited for that dimension.
// Safe for concurrent use.
type Controller struct {
	maxElements int64
	maxBytes    int64
	behavior    LimitBehavior

	mu       sync.Mutex
	elements int64
	bytes    int64
	waitCh   chan struct{}
}

func NewController(maxElements, maxBytes int64, behavior LimitBehavior) *Controller {
	return &Controller{
		maxElements: maxElements,
		maxBytes:    maxBytes,
		behavior:    behavior,
		waitCh:      make(chan struct{}),
	}
}

// Reserve admits elements/bytes into the controller according to the
// configured behavior. Under Block it suspends until capacity frees or the
// context is done.
func (c *Controller) Reserve(ctx context.Context, elements, bytes int64) error {
	if elements < 0 || bytes < 0 {
		return errorx.InvalidArgumentErrorf("cannot reserve negative capacity (%d elements, %d bytes)", elements, bytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.behavior {
	case Ignore:
		c.admit(elements, bytes)
		return nil

	case Reject:
		if !c.fits(elements, bytes) {
			return errorx.ResourceExhaustedErrorf(
				"flow control limits exceeded (%d/%d elements, %d/%d bytes)",
				c.elements, c.maxElements, c.bytes, c.maxBytes,
			)
		}
		c.admit(elements, bytes)
		return nil

	default: // Block
		for !c.fits(elements, bytes) {
			ch := c.waitCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				c.mu.Lock()
				return ctx.Err()
			case <-ch:
			}
			c.mu.Lock()
		}
		c.admit(elements, bytes)
		return nil
	}
}

// Release frees previously reserved capacity. Releasing more than was
// reserved is a programming error and panics.
func (c *Controller) Release(elements, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.elements -= elements
	c.bytes -= bytes
	if c.elements < 0 || c.bytes < 0 {
		panic(fmt.Sprintf("flowx: released capacity never reserved (%d elements, %d bytes outstanding)", c.elements, c.bytes))
	}

	// Wake every blocked Reserve; they re-check and re-sleep as needed.
	close(c.waitCh)
	c.waitCh = make(chan struct{})
}

// Outstanding returns the current counters.
func (c *Controller) Outstanding() (elements, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elements, c.bytes
}

func (c *Controller) admit(elements, bytes int64) {
	c.elements += elements
	c.bytes += bytes
}

// fits must be called with the lock held. A request larger than a
// configured maximum is still admitted when the controller is empty, since
// it could never fit otherwise and blocking would never resolve.
func (c *Controller) fits(elements, bytes int64) bool {
	if c.behavior == Block && c.elements == 0 && c.bytes == 0 {
		return true
	}
	if c.maxElements > 0 && c.elements+elements > c.maxElements {
		return false
	}
	if c.maxBytes > 0 && c.bytes+bytes > c.maxBytes {
		return false
	}

	return true
}
