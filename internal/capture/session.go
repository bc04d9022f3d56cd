// Package capture implements stream capture and segmentation: one session
// per ingestion drives an external decoding subprocess, rolls its output into
// fixed-size audio segments, and dispatches them to the session's work queue
// without ever waiting on results.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/insight-stream/internal/collector"
	"github.com/e7canasta/insight-stream/internal/config"
	"github.com/e7canasta/insight-stream/internal/insightbus"
	"github.com/e7canasta/insight-stream/internal/types"
	"github.com/e7canasta/insight-stream/internal/workqueue"
)

// Status is a session's lifecycle state
type Status string

const (
	StatusRunning   Status = "running"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request describes one ingestion to start
type Request struct {
	MeetingID string
	StreamURL string
	Language  string
}

// Metrics contains session counters
type Metrics struct {
	BytesRead         uint64
	SegmentsSubmitted uint64
	Buffered          int
}

// Session owns one active capture: the decoder subprocess, the rolling
// buffer, and the work/delivery queue handles for its insights. Exactly one
// session exists per ingestion; sessions never share buffers.
type Session struct {
	ID        string
	MeetingID string
	StreamURL string
	Language  string

	cfg       config.CaptureConfig
	dec       decoder
	segmenter *Segmenter
	queue     *workqueue.Queue
	collector *collector.Collector
	bus       insightbus.Bus

	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.RWMutex
	status    Status
	err       error
	bytesRead uint64
	segments  uint64
	buffered  int
}

// StartCapture launches the decoding subprocess for the request and starts
// the session's ingestion loop. A launch failure is fatal for the session
// and returned to the caller; it is reported, not retried.
func StartCapture(ctx context.Context, cfg config.CaptureConfig, req Request, queue *workqueue.Queue, col *collector.Collector, bus insightbus.Bus) (*Session, error) {
	dec := newFFmpegDecoder(cfg.FFmpegPath, cfg.DecoderArgs, req.StreamURL, cfg.SampleRate)
	return startWithDecoder(ctx, cfg, req, dec, queue, col, bus)
}

// startWithDecoder is the decoder-agnostic session start, shared with tests
func startWithDecoder(ctx context.Context, cfg config.CaptureConfig, req Request, dec decoder, queue *workqueue.Queue, col *collector.Collector, bus insightbus.Bus) (*Session, error) {
	runCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:        uuid.NewString(),
		MeetingID: req.MeetingID,
		StreamURL: req.StreamURL,
		Language:  req.Language,
		cfg:       cfg,
		dec:       dec,
		queue:     queue,
		collector: col,
		bus:       bus,
		started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	s.segmenter = NewSegmenter(cfg.SegmentThreshold, cfg.DiscardResidual, s.ID, req.MeetingID, req.Language, s.submitSegment)

	stdout, stderr, err := dec.Start(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture start failed: %w", err)
	}

	slog.Info("capture session started",
		"session_id", s.ID,
		"meeting_id", s.MeetingID,
		"url", s.StreamURL,
		"decoder_pid", dec.Pid(),
		"segment_threshold", cfg.SegmentThreshold,
	)

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return s.readLoop(egCtx, stdout) })
	eg.Go(func() error { s.relayStderr(stderr); return nil })

	go s.finish(runCtx, eg)

	return s, nil
}

// readLoop reads decoder output in fixed-size chunks into the segmenter and
// yields briefly between reads so a slow decoder is not pinned by a tight
// loop. End-of-stream flushes the segmenter and ends the loop.
func (s *Session) readLoop(ctx context.Context, stdout io.Reader) error {
	chunk := make([]byte, s.cfg.ChunkSize)
	interval := time.Duration(s.cfg.ReadIntervalMS) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := stdout.Read(chunk)
		if n > 0 {
			s.segmenter.Append(chunk[:n])
			s.mu.Lock()
			s.bytesRead += uint64(n)
			s.buffered = s.segmenter.Buffered()
			s.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.segmenter.Flush()
				s.mu.Lock()
				s.buffered = 0
				s.mu.Unlock()
				slog.Info("capture reached end of stream",
					"session_id", s.ID,
					"segments", s.segmenter.Seq(),
				)
				return nil
			}
			select {
			case <-ctx.Done():
				// Read failure caused by teardown (pipe closed on kill).
				return ctx.Err()
			default:
				return fmt.Errorf("decoder read failed: %w", err)
			}
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// submitSegment dispatches one finished segment fire-and-forget: the task
// handle goes to the collector's independent waiter and the read loop moves
// on immediately.
func (s *Session) submitSegment(seg types.AudioSegment) {
	task, err := s.queue.Submit(seg)
	if err != nil {
		slog.Error("segment submission failed",
			"session_id", s.ID,
			"segment_seq", seg.Seq,
			"error", err,
		)
		return
	}

	s.mu.Lock()
	s.segments++
	s.mu.Unlock()

	s.collector.Track(task)

	slog.Debug("segment submitted",
		"session_id", s.ID,
		"segment_seq", seg.Seq,
		"bytes", len(seg.Data),
		"task_id", task.ID,
	)
}

// relayStderr forwards decoder diagnostics to the log
func (s *Session) relayStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			slog.Debug("decoder output", "session_id", s.ID, "log", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// finish waits for the ingestion goroutines, reaps the decoder process,
// records the terminal status, then tears down the session-owned queues.
// Already-submitted segments complete or time out independently before the
// delivery bus closes.
func (s *Session) finish(runCtx context.Context, eg *errgroup.Group) {
	err := eg.Wait()

	// Reap after the pipes are drained so end of stream is seen as EOF.
	if waitErr := s.dec.Wait(); waitErr != nil && err == nil {
		select {
		case <-runCtx.Done():
			slog.Debug("decoder process exited (shutdown)", "session_id", s.ID)
		default:
			err = fmt.Errorf("decoder process exited unexpectedly: %w", waitErr)
		}
	}

	s.mu.Lock()
	switch {
	case s.status == StatusCancelled:
		// Stop() already recorded the terminal status.
	case err != nil && errors.Is(err, context.Canceled):
		s.status = StatusCancelled
	case err != nil:
		s.status = StatusFailed
		s.err = err
	default:
		s.status = StatusEnded
	}
	status, sessionErr := s.status, s.err
	s.mu.Unlock()

	if sessionErr != nil {
		slog.Error("capture session failed",
			"session_id", s.ID,
			"meeting_id", s.MeetingID,
			"error", sessionErr,
		)
	}

	s.cancel()

	// Drain in-flight work, then close delivery so subscribers see a clean
	// end of stream after the last insight.
	s.queue.Close()
	s.collector.Wait()
	s.bus.Close()

	colStats := s.collector.Stats()
	slog.Info("capture session finished",
		"session_id", s.ID,
		"meeting_id", s.MeetingID,
		"status", string(status),
		"uptime", time.Since(s.started),
		"segments", s.segmenter.Seq(),
		"insights_delivered", colStats.Delivered,
		"segments_dropped", colStats.Dropped,
	)

	close(s.done)
}

// Stop signals the decoder subprocess to stop and ends the read loop.
// In-flight segments are left to complete or time out on their own.
// Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusCancelled
	}
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the session has fully torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Bus returns the session's delivery bus for subscriber attach
func (s *Session) Bus() insightbus.Bus {
	return s.bus
}

// Status returns the session's lifecycle state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the capture-fatal error for failed sessions, nil otherwise
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Started returns when the session began
func (s *Session) Started() time.Time {
	return s.started
}

// Metrics returns a snapshot of session counters
func (s *Session) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Metrics{
		BytesRead:         s.bytesRead,
		SegmentsSubmitted: s.segments,
		Buffered:          s.buffered,
	}
}
