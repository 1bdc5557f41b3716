package ledger

import (
	"context"
	"sync"
	"time"
)

// Clock serves the ledger timestamp through a short TTL so issuance bursts
// do not hammer the node. Constructed once and passed by reference.
type Clock struct {
	reader Reader
	ttl    time.Duration

	mu        sync.Mutex
	cached    time.Time
	fetchedAt time.Time
	now       func() time.Time
}

// NewClock wraps reader with a cache of the given TTL (default 5s, capped
// at 5s: anything longer would skew offer expiry windows).
func NewClock(reader Reader, ttl time.Duration) *Clock {
	if ttl <= 0 || ttl > 5*time.Second {
		ttl = 5 * time.Second
	}
	return &Clock{reader: reader, ttl: ttl, now: time.Now}
}

// Now returns the latest block timestamp, cached for up to the TTL.
func (c *Clock) Now(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}
	ts, err := c.reader.CurrentTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	c.cached = ts
	c.fetchedAt = c.now()
	return ts, nil
}
