package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/e7canasta/insight-stream/internal/types"
)

// OpenAIConfig configures the OpenAI-backed collaborators. BaseURL may point
// at any OpenAI-compatible server.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	TranscribeModel string
	ExtractModel    string
	HTTPClient      *http.Client
}

func newClient(cfg OpenAIConfig) (*openai.Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	return openai.NewClientWithConfig(config), nil
}

// WhisperTranscriber transcribes segments through the OpenAI audio API
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// NewWhisperTranscriber creates an OpenAI-backed transcriber
func NewWhisperTranscriber(cfg OpenAIConfig) (*WhisperTranscriber, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.TranscribeModel
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{client: client, model: model}, nil
}

// Transcribe implements Transcriber. Segments are raw slices of the
// decoder's WAV stream and are shipped as-is.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "segment.wav",
		Reader:   bytes.NewReader(audio),
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return resp.Text, nil
}

const extractorSystemPrompt = `You analyze meeting transcript fragments. ` +
	`Given a transcript and a speaker map, return a JSON object ` +
	`{"insights": [{"speaker": "...", "action": "...", "keywords": ["..."], "sentiment": "..."}]} ` +
	`with one entry per actionable item found. Return {"insights": []} when there is nothing actionable.`

// LLMExtractor derives insights from a transcript with a chat-completion
// model instructed to answer in JSON
type LLMExtractor struct {
	client *openai.Client
	model  string
}

// NewLLMExtractor creates an OpenAI-backed insight extractor
func NewLLMExtractor(cfg OpenAIConfig) (*LLMExtractor, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.ExtractModel
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMExtractor{client: client, model: model}, nil
}

// Extract implements Extractor
func (e *LLMExtractor) Extract(ctx context.Context, transcript string, speakers map[string]string) ([]types.Insight, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	speakerJSON, err := json.Marshal(speakers)
	if err != nil {
		return nil, fmt.Errorf("insight extraction: %w", err)
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Transcript:\n%s\n\nSpeakers: %s", transcript, speakerJSON)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("insight extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("insight extraction: empty completion")
	}

	var parsed struct {
		Insights []types.Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("insight extraction: malformed completion: %w", err)
	}
	return parsed.Insights, nil
}
