// Package collector bridges the at-least-once work queue and the best-effort
// in-order delivery bus.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/insight-stream/internal/types"
	"github.com/e7canasta/insight-stream/internal/workqueue"
)

// InsightSink receives insights in the order the collector publishes them
type InsightSink interface {
	Publish(insight types.Insight)
}

// Stats contains collector metrics
type Stats struct {
	Delivered uint64 // insights pushed to sinks
	Dropped   uint64 // segments whose results timed out or errored
}

// Collector waits for each submitted segment's result with a bounded timeout
// and fans the resulting insights out to its sinks. Each segment gets an
// independent waiter goroutine, so a slow worker never stalls ingestion of
// subsequent segments. A timed-out segment is dropped, not retried.
type Collector struct {
	queue   *workqueue.Queue
	timeout time.Duration
	sinks   []InsightSink

	wg        sync.WaitGroup
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a collector draining the given queue into the given sinks
func New(queue *workqueue.Queue, timeout time.Duration, sinks ...InsightSink) *Collector {
	return &Collector{
		queue:   queue,
		timeout: timeout,
		sinks:   sinks,
	}
}

// Track spawns the bounded waiter for one submitted segment. Fire-and-forget
// from the caller's perspective: errors and timeouts are absorbed here.
func (c *Collector) Track(task *workqueue.Task) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		result, err := c.queue.Await(context.Background(), task, c.timeout)
		if err != nil {
			c.dropped.Add(1)
			slog.Warn("segment result dropped",
				"task_id", task.ID,
				"segment_seq", task.Segment.Seq,
				"wait_bound", c.timeout,
				"error", err,
			)
			return
		}

		// One goroutine publishes a whole result, so the order the worker
		// returned the insights in survives. Across segments, delivery
		// follows completion order.
		for _, insight := range result.Insights {
			for _, sink := range c.sinks {
				sink.Publish(insight)
			}
			c.delivered.Add(1)
		}

		slog.Debug("segment result collected",
			"task_id", task.ID,
			"segment_seq", task.Segment.Seq,
			"insights", len(result.Insights),
			"processing_time", result.ProcessingTime,
		)
	}()
}

// Wait blocks until every tracked segment has completed or timed out
func (c *Collector) Wait() {
	c.wg.Wait()
}

// Stats returns a snapshot of collector metrics
func (c *Collector) Stats() Stats {
	return Stats{
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
	}
}
