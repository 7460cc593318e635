package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// ClientLimiter applies a token bucket per client identifier. Buckets are
// created lazily on first use and retained for the lifetime of the process;
// growth is bounded by the number of distinct clients seen.
type ClientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewClientLimiter constructs a limiter issuing perSecond tokens with the
// given burst per client.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &ClientLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow reports whether the client may submit one request now. Denied
// requests are dropped by the caller, never queued.
func (l *ClientLimiter) Allow(clientID string) bool {
	return l.bucket(clientID).Allow()
}

// ActiveBuckets reports the number of per-client buckets created so far.
func (l *ClientLimiter) ActiveBuckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *ClientLimiter) bucket(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[clientID]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[clientID] = bucket
	}
	return bucket
}
