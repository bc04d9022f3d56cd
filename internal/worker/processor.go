// Package worker implements the segment worker: the pure processing stage
// that turns one finite audio segment into transcript, speaker labels, and
// derived insights via three external collaborators.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/insight-stream/internal/types"
)

// Transcriber converts a finite audio segment to text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Diarizer maps speaker ids to display labels for a segment
type Diarizer interface {
	Diarize(ctx context.Context, audio []byte) (map[string]string, error)
}

// Extractor derives an ordered sequence of insights from a transcript and
// speaker map
type Extractor interface {
	Extract(ctx context.Context, transcript string, speakers map[string]string) ([]types.Insight, error)
}

// Processor runs the three sub-steps in order: transcribe, diarize, extract.
// Each sub-step is independently fallible; a failure substitutes the zero
// value and processing continues, so every submitted segment yields a
// well-formed result and one bad segment cannot wedge the collector.
type Processor struct {
	transcriber Transcriber
	diarizer    Diarizer
	extractor   Extractor
}

// NewProcessor creates a segment processor from its three collaborators
func NewProcessor(t Transcriber, d Diarizer, e Extractor) *Processor {
	return &Processor{transcriber: t, diarizer: d, extractor: e}
}

// Process implements workqueue.Processor. It never returns an error: failed
// sub-steps degrade to empty output and later sub-steps still run against
// that empty input.
func (p *Processor) Process(ctx context.Context, seg types.AudioSegment) types.SegmentResult {
	start := time.Now()

	transcript, err := p.transcriber.Transcribe(ctx, seg.Data, seg.Language)
	if err != nil {
		slog.Warn("transcription failed, continuing with empty transcript",
			"session_id", seg.SessionID,
			"segment_seq", seg.Seq,
			"error", err,
		)
		transcript = ""
	}

	speakers, err := p.diarizer.Diarize(ctx, seg.Data)
	if err != nil {
		slog.Warn("diarization failed, continuing with empty speaker map",
			"session_id", seg.SessionID,
			"segment_seq", seg.Seq,
			"error", err,
		)
		speakers = map[string]string{}
	}
	if speakers == nil {
		speakers = map[string]string{}
	}

	insights, err := p.extractor.Extract(ctx, transcript, speakers)
	if err != nil {
		slog.Warn("insight extraction failed, continuing with no insights",
			"session_id", seg.SessionID,
			"segment_seq", seg.Seq,
			"error", err,
		)
		insights = nil
	}

	// Stamp segment context so consumers can re-sequence into capture order.
	now := time.Now()
	for i := range insights {
		if insights[i].Timestamp.IsZero() {
			insights[i].Timestamp = now
		}
		insights[i].SegmentSeq = seg.Seq
		insights[i].MeetingID = seg.MeetingID
	}

	return types.SegmentResult{
		SegmentSeq:     seg.Seq,
		Transcript:     transcript,
		Speakers:       speakers,
		Insights:       insights,
		ProcessingTime: time.Since(start),
	}
}
