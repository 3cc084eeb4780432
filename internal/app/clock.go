package app

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RoundClock is the per-client countdown for one round. Every client seeds
// it from the limit carried in the broadcast and ticks it locally, once per
// second; nothing ever synchronizes it to a server clock, so cross-client
// drift is bounded by broadcast propagation only.
type RoundClock struct {
	clock     clockwork.Clock
	startedAt time.Time

	mu        sync.Mutex
	remaining int
	stopped   bool
	done      chan struct{}
}

// startRoundClock begins ticking immediately. onExpire fires once, off the
// clock goroutine, when the countdown reaches zero; it never fires after
// Freeze.
func startRoundClock(clock clockwork.Clock, seconds int, onExpire func()) *RoundClock {
	c := &RoundClock{
		clock:     clock,
		startedAt: clock.Now(),
		remaining: seconds,
		done:      make(chan struct{}),
	}
	if seconds <= 0 {
		c.stopped = true
		close(c.done)
		if onExpire != nil {
			go onExpire()
		}
		return c
	}

	ticker := clock.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				c.mu.Lock()
				if c.stopped {
					c.mu.Unlock()
					return
				}
				c.remaining--
				expired := c.remaining <= 0
				if expired {
					c.stopped = true
					close(c.done)
				}
				c.mu.Unlock()
				if expired {
					if onExpire != nil {
						onExpire()
					}
					return
				}
			case <-c.done:
				return
			}
		}
	}()
	return c
}

// Freeze stops the countdown without firing onExpire. Idempotent.
func (c *RoundClock) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}

// Remaining is the whole seconds left on this client's view of the round.
func (c *RoundClock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining < 0 {
		return 0
	}
	return c.remaining
}

// Expired reports whether the countdown reached zero (as opposed to being
// frozen early).
func (c *RoundClock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining <= 0
}

// Elapsed measures response latency from the moment this client started the
// round.
func (c *RoundClock) Elapsed() time.Duration {
	return c.clock.Now().Sub(c.startedAt)
}
