package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete insightd configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Server           ServerConfig    `yaml:"server"`
	Capture          CaptureConfig   `yaml:"capture"`
	Queue            QueueConfig     `yaml:"queue"`
	Providers        ProvidersConfig `yaml:"providers"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address (default: ":8000")
}

// CaptureConfig contains stream capture and segmentation settings
type CaptureConfig struct {
	FFmpegPath       string   `yaml:"ffmpeg_path"`       // decoder binary (default: "ffmpeg")
	DecoderArgs      []string `yaml:"decoder_args"`      // argv template, "{url}" is substituted; default decodes to mono WAV on stdout
	ChunkSize        int      `yaml:"chunk_size"`        // read size per loop iteration (default: 1024)
	SegmentThreshold int      `yaml:"segment_threshold"` // bytes accumulated before a segment is cut (default: 100000)
	ReadIntervalMS   int      `yaml:"read_interval_ms"`  // yield between reads (default: 10)
	SampleRate       int      `yaml:"sample_rate"`       // decoded audio sample rate (default: 16000)
	// DiscardResidual drops sub-threshold bytes at end of stream instead of
	// flushing them as a final short segment. Off by default: discarding
	// silently loses the tail of every stream.
	DiscardResidual bool `yaml:"discard_residual"`
}

// QueueConfig contains work queue settings
type QueueConfig struct {
	Workers        int `yaml:"workers"`          // segment worker pool size (default: 4)
	ResultTimeoutS int `yaml:"result_timeout_s"` // collector wait bound per segment (default: 10)
}

// ProvidersConfig selects the external collaborators. An empty OpenAI key
// falls back to mock providers; an empty diarizer command falls back to the
// built-in mock diarizer.
type ProvidersConfig struct {
	OpenAIAPIKey    string   `yaml:"openai_api_key"`
	OpenAIBaseURL   string   `yaml:"openai_base_url"`
	TranscribeModel string   `yaml:"transcribe_model"` // default: whisper-1
	ExtractModel    string   `yaml:"extract_model"`    // default: gpt-4o-mini
	DiarizerCommand []string `yaml:"diarizer_cmd"`     // external diarization worker argv
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// insight emitter entirely.
type MQTTConfig struct {
	Broker          string          `yaml:"broker"`
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	HealthIntervalS int             `yaml:"health_interval_s"` // seconds between health publishes
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Insights string `yaml:"insights"`
	Health   string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
