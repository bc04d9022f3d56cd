package worker

import (
	"context"
	"strings"
	"time"

	"github.com/e7canasta/insight-stream/internal/types"
)

// MockTranscriber returns a fixed transcript. Useful for local development
// when no transcription service is configured.
type MockTranscriber struct {
	Text string
	Err  error
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}

// MockDiarizer returns a fixed two-speaker map
type MockDiarizer struct {
	Err error
}

func (m *MockDiarizer) Diarize(ctx context.Context, audio []byte) (map[string]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return map[string]string{
		"speaker_1": "Speaker 1",
		"speaker_2": "Speaker 2",
	}, nil
}

// HeuristicExtractor derives a single follow-up insight per transcribed
// segment without any external service: speaker from the diarization map,
// keywords from the longest transcript words.
type HeuristicExtractor struct {
	Err error
}

func (h *HeuristicExtractor) Extract(ctx context.Context, transcript string, speakers map[string]string) ([]types.Insight, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	speaker := speakers["speaker_1"]
	if speaker == "" {
		speaker = "Unknown"
	}

	return []types.Insight{{
		Timestamp: time.Now(),
		Speaker:   speaker,
		Action:    "Follow up on discussion",
		Keywords:  topKeywords(transcript, 3),
		Sentiment: "positive",
	}}, nil
}

// topKeywords picks the n longest distinct words as crude keywords
func topKeywords(transcript string, n int) []string {
	words := strings.Fields(strings.ToLower(transcript))
	seen := make(map[string]bool, len(words))
	distinct := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		distinct = append(distinct, w)
	}

	// Stable selection: longest first, ties keep transcript order.
	keywords := make([]string, 0, n)
	for len(keywords) < n && len(distinct) > 0 {
		best := 0
		for i, w := range distinct {
			if len(w) > len(distinct[best]) {
				best = i
			}
		}
		keywords = append(keywords, distinct[best])
		distinct = append(distinct[:best], distinct[best+1:]...)
	}
	return keywords
}
