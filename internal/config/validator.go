package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}

	// Capture defaults
	if cfg.Capture.FFmpegPath == "" {
		cfg.Capture.FFmpegPath = "ffmpeg"
	}
	if cfg.Capture.ChunkSize <= 0 {
		cfg.Capture.ChunkSize = 1024
	}
	if cfg.Capture.SegmentThreshold <= 0 {
		cfg.Capture.SegmentThreshold = 100000
	}
	if cfg.Capture.ReadIntervalMS < 0 {
		return fmt.Errorf("capture.read_interval_ms must be >= 0")
	}
	if cfg.Capture.ReadIntervalMS == 0 {
		cfg.Capture.ReadIntervalMS = 10
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.ChunkSize > cfg.Capture.SegmentThreshold {
		return fmt.Errorf("capture.chunk_size (%d) must not exceed capture.segment_threshold (%d)",
			cfg.Capture.ChunkSize, cfg.Capture.SegmentThreshold)
	}

	// Queue defaults
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.ResultTimeoutS <= 0 {
		cfg.Queue.ResultTimeoutS = 10
	}

	// Provider defaults
	if cfg.Providers.TranscribeModel == "" {
		cfg.Providers.TranscribeModel = "whisper-1"
	}
	if cfg.Providers.ExtractModel == "" {
		cfg.Providers.ExtractModel = "gpt-4o-mini"
	}

	// MQTT is optional; defaults only apply when a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Insights == "" {
			cfg.MQTT.Topics.Insights = fmt.Sprintf("meet/insights/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("meet/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"insights": 1,
				"health":   0,
			}
		}
		if cfg.MQTT.HealthIntervalS <= 0 {
			cfg.MQTT.HealthIntervalS = 30
		}
	}

	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}

	return nil
}
