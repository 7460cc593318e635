package pool

import "sync"

// ConnectionPool is a fixed-capacity map from client identifier to a live
// connection handle. Add fails once capacity is reached so the hub rejects
// new connections instead of growing unbounded.
type ConnectionPool[T any] struct {
	mu       sync.Mutex
	capacity int
	conns    map[string]T
}

// NewConnectionPool constructs a pool holding at most capacity connections.
func NewConnectionPool[T any](capacity int) *ConnectionPool[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ConnectionPool[T]{
		capacity: capacity,
		conns:    make(map[string]T, capacity),
	}
}

// Add stores the connection handle under id. It returns false when the pool
// is full or the id is already present.
func (p *ConnectionPool[T]) Add(id string, conn T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[id]; exists {
		return false
	}
	if len(p.conns) >= p.capacity {
		return false
	}
	p.conns[id] = conn
	return true
}

// Remove drops the connection handle for id, reporting whether it was present.
func (p *ConnectionPool[T]) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[id]; !exists {
		return false
	}
	delete(p.conns, id)
	return true
}

// Get returns the handle for id.
func (p *ConnectionPool[T]) Get(id string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[id]
	return conn, ok
}

// Len reports the number of live connections.
func (p *ConnectionPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Capacity reports the configured maximum.
func (p *ConnectionPool[T]) Capacity() int {
	return p.capacity
}
