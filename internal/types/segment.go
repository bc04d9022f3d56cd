package types

import "time"

// AudioSegment is one unit of work: a fixed-size slice of decoded audio cut
// from a session's rolling buffer.
type AudioSegment struct {
	// Seq is the monotonic per-session sequence number (1-based, gapless)
	Seq uint64
	// Timestamp is when the segment was cut from the rolling buffer
	Timestamp time.Time
	// Threshold is the accumulation threshold (bytes) that produced it
	Threshold int
	// Data contains the raw decoded audio bytes. Immutable after creation:
	// ownership transfers to the work queue on submission and the segmenter
	// must not touch the bytes again.
	Data []byte
	// SessionID identifies the originating capture session
	SessionID string
	// MeetingID ties the segment back to the meeting under analysis
	MeetingID string
	// Language is the transcription language hint
	Language string
}
