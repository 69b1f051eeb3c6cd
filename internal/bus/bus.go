package bus

import (
	"log"
	"sync"
)

// Handler receives messages published to a subscribed topic.
type Handler func(msg AgentMessage)

// Bus is the transport abstraction the routing layer sits on. The core
// assumes at-least-once delivery and nothing else about the backend.
type Bus interface {
	Publish(topic string, msg AgentMessage) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// MemoryBus is the in-process Bus used for single-node deployments and
// tests. Delivery is synchronous: Publish invokes every subscriber before
// returning, so agents must enqueue rather than process inline.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	closed      bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]Handler),
	}
}

// Publish delivers msg to every handler subscribed to topic. Messages on
// topics without subscribers are dropped silently.
func (b *MemoryBus) Publish(topic string, msg AgentMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	for _, h := range subs {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	return nil
}

// Close drops all subscriptions. Publish/Subscribe fail afterwards.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subscribers = nil
	log.Println("[Bus] Closed")
	return nil
}
