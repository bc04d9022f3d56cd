// Package insightbus provides in-order insight broadcast to multiple live
// subscribers.
//
// The bus implements the delivery side of the pipeline: the collector
// publishes insights as worker results complete, and every attached
// subscriber receives every insight published after its attach, in
// publication order. Each subscriber owns a private unbounded FIFO, so
// Publish never blocks and one slow consumer never delays or drops insights
// for another.
//
// # Basic Usage
//
//	bus := insightbus.New()
//	defer bus.Close()
//
//	sub, _ := bus.Subscribe("viewer-1")
//	go func() {
//	    for {
//	        insight, ok := sub.Next()
//	        if !ok {
//	            return // detached or bus closed
//	        }
//	        deliver(insight)
//	    }
//	}()
//
//	bus.Publish(insight)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Multiple goroutines can call
// Publish simultaneously, and Subscribe/Unsubscribe can be called while
// publishing.
package insightbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/insight-stream/internal/types"
)

var (
	ErrBusClosed          = errors.New("insightbus: bus is closed")
	ErrSubscriberExists   = errors.New("insightbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("insightbus: subscriber not found")
)

// SubscriberStats tracks delivery metrics for one subscriber
type SubscriberStats struct {
	Delivered uint64 // insights consumed via Next
	Pending   int    // insights queued, not yet consumed
}

// BusStats contains global and per-subscriber metrics
type BusStats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

// Bus broadcasts insights to any number of live subscribers
type Bus interface {
	// Subscribe attaches a new consumer. The subscription observes only
	// insights published after the attach, never historical backlog.
	Subscribe(id string) (*Subscription, error)

	// Unsubscribe detaches a consumer and wakes its blocked Next.
	// Returns ErrSubscriberNotFound for unknown ids, so a repeated detach
	// is harmless.
	Unsubscribe(id string) error

	// Publish appends the insight to every subscriber's queue. Non-blocking.
	Publish(insight types.Insight)

	// Stats returns a snapshot of delivery metrics.
	Stats() BusStats

	// Close detaches all subscribers. Blocked Next calls return false once
	// their pending queue drains. Idempotent.
	Close()
}

type bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*Subscription
	totalPublished uint64
	closed         bool
}

// New creates a new insight bus
func New() Bus {
	return &bus{
		subscribers: make(map[string]*Subscription),
	}
}

func (b *bus) Subscribe(id string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := newSubscription(id)
	b.subscribers[id] = sub
	return sub, nil
}

func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}

	sub.Close()
	delete(b.subscribers, id)
	return nil
}

func (b *bus) Publish(insight types.Insight) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		sub.push(insight)
	}
}

func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		stats.Subscribers[id] = sub.stats()
	}
	return stats
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		sub.Close()
	}
	b.subscribers = nil
}
