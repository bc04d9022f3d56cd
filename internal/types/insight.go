package types

import (
	"encoding/json"
	"time"
)

// Insight is a structured, timestamped unit of derived information (action
// item, sentiment, etc.) produced from one audio segment. Immutable once
// created; only ever constructed from a fully-formed worker result.
type Insight struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker"`
	Action    string    `json:"action"`
	Keywords  []string  `json:"keywords"`
	Sentiment string    `json:"sentiment"`
	// SegmentSeq embeds capture-order context. Delivery follows worker
	// completion order, so consumers that need capture order re-sequence
	// on this field.
	SegmentSeq uint64 `json:"segment_seq"`
	MeetingID  string `json:"meeting_id,omitempty"`
}

// ToJSON converts the insight to JSON bytes
func (i Insight) ToJSON() ([]byte, error) {
	return json.Marshal(i)
}

// SegmentResult is the complete output of one segment worker call. A result
// is always fully formed: failed sub-steps degrade to zero values, they never
// produce a partial or missing result.
type SegmentResult struct {
	SegmentSeq     uint64
	Transcript     string
	Speakers       map[string]string
	Insights       []Insight
	ProcessingTime time.Duration
}
