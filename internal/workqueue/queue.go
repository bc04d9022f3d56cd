// Package workqueue decouples the capture loop from segment processing.
//
// Submit enqueues a segment on an unbounded in-process FIFO and returns a
// task handle immediately; a pool of worker goroutines drains the queue and
// Await blocks on a single task's completion with a bound. The pool runs
// wider than one, so completion order is not submission order.
package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/insight-stream/internal/types"
)

var (
	ErrQueueClosed  = errors.New("workqueue: queue is closed")
	ErrAwaitTimeout = errors.New("workqueue: result wait timed out")
)

// Processor turns one audio segment into a result. Implementations absorb
// sub-step failures internally and always return a fully-formed result.
type Processor interface {
	Process(ctx context.Context, seg types.AudioSegment) types.SegmentResult
}

// Task is the handle returned by Submit. Wait on it with Queue.Await.
type Task struct {
	ID      string
	Segment types.AudioSegment

	done   chan struct{}
	result types.SegmentResult
}

// QueueStats contains queue metrics
type QueueStats struct {
	Submitted uint64
	Processed uint64
	Pending   int
}

// Queue is the task channel between the capture stage and the worker pool
type Queue struct {
	proc    Processor
	workers int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Task
	closed  bool

	submitted uint64
	processed uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue backed by the given processor and pool size
func New(proc Processor, workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{proc: proc, workers: workers}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool. Workers run on the queue's own context,
// detached from any session context: cancelling a capture session leaves
// in-flight segments to finish or time out on their own.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}

	slog.Debug("work queue started", "workers", q.workers)
}

// Submit enqueues a segment and returns its task handle. Never blocks:
// the pending list is unbounded, so ingestion rate is decoupled from
// processing latency.
func (q *Queue) Submit(seg types.AudioSegment) (*Task, error) {
	task := &Task{
		ID:      uuid.NewString(),
		Segment: seg,
		done:    make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.pending = append(q.pending, task)
	q.submitted++
	q.cond.Signal()
	q.mu.Unlock()

	return task, nil
}

// Await blocks until the task completes, the timeout expires, or ctx is
// cancelled.
func (q *Queue) Await(ctx context.Context, task *Task, timeout time.Duration) (types.SegmentResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.done:
		return task.result, nil
	case <-timer.C:
		return types.SegmentResult{}, ErrAwaitTimeout
	case <-ctx.Done():
		return types.SegmentResult{}, ctx.Err()
	}
}

// Stats returns a snapshot of queue metrics
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Submitted: q.submitted,
		Processed: q.processed,
		Pending:   len(q.pending),
	}
}

// Close stops accepting new segments, lets the pool drain everything already
// pending, and blocks until the workers exit. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// next blocks until a task is pending or the queue closes. After close it
// keeps handing out tasks until the pending list drains.
func (q *Queue) next() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}

	task := q.pending[0]
	q.pending = q.pending[1:]
	return task, true
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()

	for {
		task, ok := q.next()
		if !ok {
			return
		}

		task.result = q.proc.Process(ctx, task.Segment)
		close(task.done)

		q.mu.Lock()
		q.processed++
		q.mu.Unlock()

		slog.Debug("segment processed",
			"task_id", task.ID,
			"segment_seq", task.Segment.Seq,
			"insights", len(task.result.Insights),
		)
	}
}
