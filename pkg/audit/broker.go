package audit

import (
	"sync"

	"github.com/hutchhq/hutch/pkg/types"
)

// Subscriber is a channel that receives recorded audit entries
type Subscriber chan *types.AuditEntry

// Broker fans recorded audit entries out to in-process subscribers, such
// as the live audit stream endpoint. Delivery is best-effort: a slow
// subscriber loses entries rather than blocking Record.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	entryCh     chan *types.AuditEntry
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new audit entry broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		entryCh:     make(chan *types.AuditEntry, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish hands an entry to the distribution loop
func (b *Broker) Publish(entry *types.AuditEntry) {
	select {
	case b.entryCh <- entry:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case entry := <-b.entryCh:
			b.broadcast(entry)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(entry *types.AuditEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- entry:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
