package capture

import (
	"log/slog"
	"time"

	"github.com/e7canasta/insight-stream/internal/types"
)

// Segmenter accumulates decoded audio into a rolling buffer and cuts
// fixed-size segments. When the buffer reaches the threshold it snapshots
// exactly threshold bytes, clears them, assigns the next sequence number and
// emits the segment, so the emitted segments form an exact in-order
// partition of the input: no byte appears in two segments, none is skipped.
//
// Not safe for concurrent use; the session's read loop is the single writer.
type Segmenter struct {
	threshold       int
	discardResidual bool
	emit            func(types.AudioSegment)

	sessionID string
	meetingID string
	language  string

	buf []byte
	seq uint64
}

// NewSegmenter creates a segmenter that hands finished segments to emit
func NewSegmenter(threshold int, discardResidual bool, sessionID, meetingID, language string, emit func(types.AudioSegment)) *Segmenter {
	return &Segmenter{
		threshold:       threshold,
		discardResidual: discardResidual,
		emit:            emit,
		sessionID:       sessionID,
		meetingID:       meetingID,
		language:        language,
	}
}

// Append adds decoded bytes to the rolling buffer and emits one segment per
// full threshold worth of accumulated data.
func (s *Segmenter) Append(p []byte) {
	s.buf = append(s.buf, p...)
	for len(s.buf) >= s.threshold {
		s.cut(s.threshold)
	}
}

// Flush emits any residual sub-threshold bytes as a final short segment, or
// discards them when configured for it. Called once at end of stream.
func (s *Segmenter) Flush() {
	if len(s.buf) == 0 {
		return
	}
	if s.discardResidual {
		slog.Debug("discarding residual buffer at end of stream",
			"session_id", s.sessionID,
			"bytes", len(s.buf),
		)
		s.buf = nil
		return
	}
	s.cut(len(s.buf))
}

// Buffered returns the rolling buffer's current length
func (s *Segmenter) Buffered() int {
	return len(s.buf)
}

// Seq returns the last assigned sequence number
func (s *Segmenter) Seq() uint64 {
	return s.seq
}

// cut snapshots the first n buffered bytes into an immutable segment and
// clears them from the buffer in the same step.
func (s *Segmenter) cut(n int) {
	data := make([]byte, n)
	copy(data, s.buf)
	s.buf = s.buf[n:]
	s.seq++

	s.emit(types.AudioSegment{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Threshold: s.threshold,
		Data:      data,
		SessionID: s.sessionID,
		MeetingID: s.meetingID,
		Language:  s.language,
	})
}
