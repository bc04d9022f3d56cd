package insightbus

import (
	"sync"

	"github.com/e7canasta/insight-stream/internal/types"
)

// Subscription is one attached consumer's private FIFO view of the bus.
// push and Next run under one mutex with a condition variable, so insertion
// order is delivery order and a blocked consumer wakes on the next publish.
type Subscription struct {
	id string

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []types.Insight
	delivered uint64
	closed    bool
}

func newSubscription(id string) *Subscription {
	s := &Subscription{id: id}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the subscriber id
func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) push(insight types.Insight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, insight)
	s.cond.Signal()
}

// Next blocks until an insight is available and returns it in publication
// order. After the subscription closes, Next keeps returning queued insights
// until the backlog drains, then returns false.
func (s *Subscription) Next() (types.Insight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}

	if len(s.queue) == 0 {
		return types.Insight{}, false
	}

	insight := s.queue[0]
	s.queue = s.queue[1:]
	s.delivered++
	return insight, true
}

// Close detaches the subscription and wakes any blocked Next. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
}

func (s *Subscription) stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SubscriberStats{
		Delivered: s.delivered,
		Pending:   len(s.queue),
	}
}
