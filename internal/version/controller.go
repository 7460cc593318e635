package version

import (
	"sync/atomic"
	"time"
)

// Controller issues monotonically increasing version numbers for the shared
// dataset. Next never repeats or decreases; a 64-bit counter makes overflow
// unreachable at realistic throughput.
type Controller struct {
	current    atomic.Int64
	lastIssued atomic.Int64 // unix nanos, diagnostics only
}

// NewController returns a controller starting at zero.
func NewController() *Controller {
	return &Controller{}
}

// Seed raises the counter to at least value. Used at startup so a restart
// never reissues a version already observed by clients.
func (c *Controller) Seed(value int64) {
	for {
		observed := c.current.Load()
		if observed >= value {
			return
		}
		if c.current.CompareAndSwap(observed, value) {
			return
		}
	}
}

// Next atomically returns the next version.
func (c *Controller) Next() int64 {
	issued := c.current.Add(1)
	c.lastIssued.Store(time.Now().UnixNano())
	return issued
}

// Current is a non-blocking read of the last-issued version.
func (c *Controller) Current() int64 {
	return c.current.Load()
}

// LastIssuedAt reports when the most recent version was issued. Zero time
// means no version has been issued yet.
func (c *Controller) LastIssuedAt() time.Time {
	nanos := c.lastIssued.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
