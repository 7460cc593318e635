package hub

import "sync"

// keyLocks serializes conflict resolution per entity key: at most one
// resolution is in flight for a given key while different keys proceed in
// parallel. Locks are created lazily and retained; growth is bounded by the
// number of distinct keys, mirroring the rate limiter's bucket policy.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &sync.Mutex{}
		k.locks[key] = entry
	}
	k.mu.Unlock()

	entry.Lock()
	return entry.Unlock
}
