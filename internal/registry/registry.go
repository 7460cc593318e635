// Package registry tracks active client connections, their topic
// subscriptions, and liveness. Membership is mutated only by the hub's
// control loop; broadcast iterates a snapshot so a slow or failing client
// never blocks delivery to the rest.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/entity"
)

var (
	// ErrSendQueueFull indicates the client's outbound queue rejected the
	// message.
	ErrSendQueueFull = errors.New("registry: send queue full")
	// ErrClientClosed indicates the client's connection is gone.
	ErrClientClosed = errors.New("registry: client closed")
)

// Sender is the outbound half of a client connection. TrySend must not
// block; it fails fast when the client cannot accept the message.
type Sender interface {
	TrySend(message []byte) error
	Close() error
}

// Client is one live connection and its subscriptions.
type Client struct {
	ID       entity.ClientID
	conn     Sender
	topics   map[entity.Topic]bool
	lastSeen time.Time
}

// Topics returns a copy of the client's subscribed topics.
func (c *Client) Topics() []entity.Topic {
	out := make([]entity.Topic, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	return out
}

// LastSeen reports the client's most recent activity.
func (c *Client) LastSeen() time.Time {
	return c.lastSeen
}

// Registry owns connection membership and the topic index.
type Registry struct {
	mu      sync.RWMutex
	clients map[entity.ClientID]*Client
	byTopic map[entity.Topic]map[entity.ClientID]*Client
	logger  *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients: make(map[entity.ClientID]*Client),
		byTopic: make(map[entity.Topic]map[entity.ClientID]*Client),
		logger:  logger,
	}
}

// Register adds a connection under id. Returns false when the id is taken.
func (r *Registry) Register(id entity.ClientID, conn Sender, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; exists {
		return false
	}
	r.clients[id] = &Client{
		ID:       id,
		conn:     conn,
		topics:   make(map[entity.Topic]bool),
		lastSeen: now,
	}
	return true
}

// Unregister removes the client and its subscriptions, closing the
// connection. Returns false when the client was already gone, so removal is
// observed exactly once.
func (r *Registry) Unregister(id entity.ClientID) bool {
	r.mu.Lock()
	client, exists := r.clients[id]
	if exists {
		delete(r.clients, id)
		for topic := range client.topics {
			subscribers := r.byTopic[topic]
			delete(subscribers, id)
			if len(subscribers) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
	r.mu.Unlock()
	if !exists {
		return false
	}
	if err := client.conn.Close(); err != nil {
		r.logger.Debug("connection close failed", zap.String("client_id", id.String()), zap.Error(err))
	}
	return true
}

// Subscribe records interest in a topic.
func (r *Registry) Subscribe(id entity.ClientID, topic entity.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, exists := r.clients[id]
	if !exists {
		return false
	}
	client.topics[topic] = true
	if _, ok := r.byTopic[topic]; !ok {
		r.byTopic[topic] = make(map[entity.ClientID]*Client)
	}
	r.byTopic[topic][id] = client
	return true
}

// Unsubscribe withdraws interest in a topic.
func (r *Registry) Unsubscribe(id entity.ClientID, topic entity.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, exists := r.clients[id]
	if !exists {
		return false
	}
	delete(client.topics, topic)
	subscribers := r.byTopic[topic]
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(r.byTopic, topic)
	}
	return true
}

// Touch refreshes the client's liveness timestamp.
func (r *Registry) Touch(id entity.ClientID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, exists := r.clients[id]; exists {
		client.lastSeen = now
	}
}

// Send delivers a message to one client.
func (r *Registry) Send(id entity.ClientID, message []byte) error {
	r.mu.RLock()
	client, exists := r.clients[id]
	r.mu.RUnlock()
	if !exists {
		return ErrClientClosed
	}
	return client.conn.TrySend(message)
}

// Broadcast delivers the message to every subscriber of topic, or to every
// client when topic is the wildcard. Sends happen on a snapshot so failures
// are isolated; clients whose send failed are reported for removal and the
// delivered count excludes them.
func (r *Registry) Broadcast(topic entity.Topic, message []byte) (delivered int, failed []entity.ClientID) {
	r.mu.RLock()
	var targets []*Client
	if topic == entity.TopicAll {
		targets = make([]*Client, 0, len(r.clients))
		for _, client := range r.clients {
			targets = append(targets, client)
		}
	} else {
		subscribers := r.byTopic[topic]
		targets = make([]*Client, 0, len(subscribers))
		for _, client := range subscribers {
			targets = append(targets, client)
		}
	}
	r.mu.RUnlock()

	for _, client := range targets {
		if err := client.conn.TrySend(message); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("client_id", client.ID.String()),
				zap.String("topic", topic.String()),
				zap.Error(err))
			failed = append(failed, client.ID)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscribers reports how many clients follow a topic.
func (r *Registry) Subscribers(topic entity.Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if topic == entity.TopicAll {
		return len(r.clients)
	}
	return len(r.byTopic[topic])
}

// ClientIDs returns a snapshot of registered client identifiers.
func (r *Registry) ClientIDs() []entity.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.ClientID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}
