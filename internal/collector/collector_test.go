package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/insight-stream/internal/types"
	"github.com/e7canasta/insight-stream/internal/workqueue"
)

// recordingSink captures published insights in order
type recordingSink struct {
	mu       sync.Mutex
	insights []types.Insight
}

func (r *recordingSink) Publish(insight types.Insight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insights = append(r.insights, insight)
}

func (r *recordingSink) snapshot() []types.Insight {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Insight(nil), r.insights...)
}

// delayProc completes each segment after a per-sequence delay, emitting two
// ordered insights per segment
type delayProc struct {
	delays map[uint64]time.Duration
}

func (p *delayProc) Process(ctx context.Context, seg types.AudioSegment) types.SegmentResult {
	if d, ok := p.delays[seg.Seq]; ok {
		time.Sleep(d)
	}
	return types.SegmentResult{
		SegmentSeq: seg.Seq,
		Insights: []types.Insight{
			{Action: "first", SegmentSeq: seg.Seq},
			{Action: "second", SegmentSeq: seg.Seq},
		},
	}
}

func seg(n uint64) types.AudioSegment {
	return types.AudioSegment{Seq: n, SessionID: "s"}
}

// TestCollectorDeliversInOrder verifies per-result insight order survives
// delivery.
func TestCollectorDeliversInOrder(t *testing.T) {
	q := workqueue.New(&delayProc{}, 1)
	q.Start()
	sink := &recordingSink{}
	c := New(q, time.Second, sink)

	task, err := q.Submit(seg(1))
	require.NoError(t, err)
	c.Track(task)

	c.Wait()
	q.Close()

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Action)
	assert.Equal(t, "second", got[1].Action)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Dropped)
}

// TestCollectorCompletionOrder verifies cross-segment delivery follows
// completion order, not submission order, and per-result order still holds.
func TestCollectorCompletionOrder(t *testing.T) {
	proc := &delayProc{delays: map[uint64]time.Duration{1: 200 * time.Millisecond}}
	q := workqueue.New(proc, 2)
	q.Start()
	sink := &recordingSink{}
	c := New(q, 2*time.Second, sink)

	slow, err := q.Submit(seg(1))
	require.NoError(t, err)
	fast, err := q.Submit(seg(2))
	require.NoError(t, err)
	c.Track(slow)
	c.Track(fast)

	c.Wait()
	q.Close()

	got := sink.snapshot()
	require.Len(t, got, 4)

	// Segment 2 completed first; its two insights arrive first and in order.
	assert.Equal(t, uint64(2), got[0].SegmentSeq)
	assert.Equal(t, "first", got[0].Action)
	assert.Equal(t, uint64(2), got[1].SegmentSeq)
	assert.Equal(t, "second", got[1].Action)
	assert.Equal(t, uint64(1), got[2].SegmentSeq)
	assert.Equal(t, uint64(1), got[3].SegmentSeq)
}

// TestCollectorTimeout verifies a result slower than the bound is dropped
// without delivering anything.
func TestCollectorTimeout(t *testing.T) {
	proc := &delayProc{delays: map[uint64]time.Duration{1: 500 * time.Millisecond}}
	q := workqueue.New(proc, 1)
	q.Start()
	sink := &recordingSink{}
	c := New(q, 50*time.Millisecond, sink)

	task, err := q.Submit(seg(1))
	require.NoError(t, err)
	c.Track(task)

	c.Wait()
	q.Close()

	assert.Empty(t, sink.snapshot())
	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Dropped)
}

// TestCollectorFansOutToAllSinks verifies every sink sees every insight.
func TestCollectorFansOutToAllSinks(t *testing.T) {
	q := workqueue.New(&delayProc{}, 1)
	q.Start()
	a := &recordingSink{}
	b := &recordingSink{}
	c := New(q, time.Second, a, b)

	task, err := q.Submit(seg(1))
	require.NoError(t, err)
	c.Track(task)

	c.Wait()
	q.Close()

	assert.Len(t, a.snapshot(), 2)
	assert.Len(t, b.snapshot(), 2)
}
