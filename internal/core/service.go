// Package core wires the pipeline together: collaborator selection, the
// session registry, and ordered service shutdown.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/insight-stream/internal/capture"
	"github.com/e7canasta/insight-stream/internal/collector"
	"github.com/e7canasta/insight-stream/internal/config"
	"github.com/e7canasta/insight-stream/internal/emitter"
	"github.com/e7canasta/insight-stream/internal/insightbus"
	"github.com/e7canasta/insight-stream/internal/types"
	"github.com/e7canasta/insight-stream/internal/worker"
	"github.com/e7canasta/insight-stream/internal/workqueue"
)

// ErrSessionExists is returned when an analysis is already running for the
// requested meeting.
var ErrSessionExists = errors.New("core: analysis already running for meeting")

// Service is the main pipeline orchestrator
type Service struct {
	cfg *config.Config

	// Collaborators shared by all sessions
	transcriber worker.Transcriber
	diarizer    worker.Diarizer
	extractor   worker.Extractor
	diarizerSub *worker.SubprocessDiarizer // non-nil when an external diarizer is configured

	firehose insightbus.Bus
	emitter  *emitter.MQTTEmitter // nil when no broker configured

	// Lifecycle management
	started      time.Time
	mu           sync.RWMutex
	sessions     map[string]*capture.Session // keyed by meeting id (session id when absent)
	pending      map[string]bool             // meeting ids reserved by an in-progress start
	isRunning    bool
	runCtx       context.Context
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewService creates a service from configuration. Provider selection follows
// the config: an empty OpenAI key falls back to mock transcription and
// extraction, an empty diarizer command falls back to the mock diarizer.
func NewService(cfg *config.Config) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		firehose: insightbus.New(),
		sessions: make(map[string]*capture.Session),
		pending:  make(map[string]bool),
	}

	if err := s.initializeProviders(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	return s, nil
}

// initializeProviders selects the transcription, diarization and extraction
// collaborators.
func (s *Service) initializeProviders() error {
	if s.cfg.Providers.OpenAIAPIKey != "" {
		openaiCfg := worker.OpenAIConfig{
			APIKey:          s.cfg.Providers.OpenAIAPIKey,
			BaseURL:         s.cfg.Providers.OpenAIBaseURL,
			TranscribeModel: s.cfg.Providers.TranscribeModel,
			ExtractModel:    s.cfg.Providers.ExtractModel,
		}

		transcriber, err := worker.NewWhisperTranscriber(openaiCfg)
		if err != nil {
			return fmt.Errorf("failed to create transcriber: %w", err)
		}
		extractor, err := worker.NewLLMExtractor(openaiCfg)
		if err != nil {
			return fmt.Errorf("failed to create extractor: %w", err)
		}
		s.transcriber = transcriber
		s.extractor = extractor

		slog.Info("openai providers configured",
			"transcribe_model", s.cfg.Providers.TranscribeModel,
			"extract_model", s.cfg.Providers.ExtractModel,
		)
	} else {
		s.transcriber = &worker.MockTranscriber{Text: "This is a mock transcription of the meeting audio segment."}
		s.extractor = &worker.HeuristicExtractor{}
		slog.Info("using mock transcriber and heuristic extractor (no openai_api_key configured)")
	}

	if len(s.cfg.Providers.DiarizerCommand) > 0 {
		diar, err := worker.NewSubprocessDiarizer(s.cfg.Providers.DiarizerCommand)
		if err != nil {
			return fmt.Errorf("failed to create diarizer: %w", err)
		}
		s.diarizerSub = diar
		s.diarizer = diar
		slog.Info("subprocess diarizer configured", "cmd", s.cfg.Providers.DiarizerCommand[0])
	} else {
		s.diarizer = &worker.MockDiarizer{}
		slog.Info("using mock diarizer (no diarizer_cmd configured)")
	}

	return nil
}

// Start brings up the service-level collaborators: the MQTT emitter and the
// diarizer subprocess. It does not block; sessions start on demand.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.runCtx = ctx
	s.mu.Unlock()

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		hctx, cancel := context.WithCancel(ctx)
		s.healthCancel = cancel
		s.healthDone = make(chan struct{})
		go func() {
			defer close(s.healthDone)
			s.publishHealthLoop(hctx, s.emitter, time.Duration(s.cfg.MQTT.HealthIntervalS)*time.Second)
		}()
	}

	if s.diarizerSub != nil {
		if err := s.diarizerSub.Start(ctx); err != nil {
			return fmt.Errorf("failed to start diarizer: %w", err)
		}
	}

	slog.Info("insight service running",
		"instance_id", s.cfg.InstanceID,
		"queue_workers", s.cfg.Queue.Workers,
		"mqtt_enabled", s.emitter != nil,
	)

	return nil
}

// healthPublisher is the slice of the MQTT emitter the health loop needs.
type healthPublisher interface {
	PublishHealth(payload []byte) error
}

// publishHealthLoop periodically publishes the service health snapshot to the
// MQTT health topic until the context is cancelled.
func (s *Service) publishHealthLoop(ctx context.Context, pub healthPublisher, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health status", "error", err)
				continue
			}
			if err := pub.PublishHealth(payload); err != nil {
				slog.Debug("health publish skipped", "error", err)
			}
		}
	}
}

// StartAnalysis launches one capture session for the request. Each session
// owns its work queue, collector and delivery bus; the collector additionally
// fans insights into the service firehose and the MQTT emitter.
func (s *Service) StartAnalysis(req capture.Request) (*capture.Session, error) {
	s.mu.RLock()
	runCtx, running := s.runCtx, s.isRunning
	s.mu.RUnlock()
	if !running {
		return nil, fmt.Errorf("service is not running")
	}

	// Reserve the meeting id before any construction work so concurrent
	// requests for the same meeting cannot both pass the duplicate check
	// while the first decoder is still forking.
	if req.MeetingID != "" {
		s.mu.Lock()
		_, exists := s.sessions[req.MeetingID]
		if exists || s.pending[req.MeetingID] {
			s.mu.Unlock()
			return nil, ErrSessionExists
		}
		s.pending[req.MeetingID] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.pending, req.MeetingID)
			s.mu.Unlock()
		}()
	}

	bus := insightbus.New()
	proc := worker.NewProcessor(s.transcriber, s.diarizer, s.extractor)
	queue := workqueue.New(proc, s.cfg.Queue.Workers)
	queue.Start()

	sinks := []collector.InsightSink{bus, s.firehose}
	if s.emitter != nil {
		sinks = append(sinks, &emitterSink{emitter: s.emitter})
	}
	col := collector.New(queue, time.Duration(s.cfg.Queue.ResultTimeoutS)*time.Second, sinks...)

	sess, err := capture.StartCapture(runCtx, s.cfg.Capture, req, queue, col, bus)
	if err != nil {
		queue.Close()
		bus.Close()
		return nil, err
	}

	key := req.MeetingID
	if key == "" {
		key = sess.ID
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	// Unregister once the session has fully torn down
	go func() {
		<-sess.Done()
		s.mu.Lock()
		if s.sessions[key] == sess {
			delete(s.sessions, key)
		}
		s.mu.Unlock()
	}()

	return sess, nil
}

// Session looks up the running session for a meeting id
func (s *Service) Session(meetingID string) (*capture.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[meetingID]
	return sess, ok
}

// Sessions returns a snapshot of the running sessions
func (s *Service) Sessions() []*capture.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*capture.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Firehose returns the service-wide delivery bus carrying every session's
// insights.
func (s *Service) Firehose() insightbus.Bus {
	return s.firehose
}

// Config returns the loaded configuration
func (s *Service) Config() *config.Config {
	return s.cfg
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	sessions := make([]*capture.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	slog.Info("shutting down insight service", "active_sessions", len(sessions))

	// Shutdown sequence (order is important!):
	// 1. Stop captures first; each session drains its own queue and closes
	//    its delivery bus as it finishes.
	for _, sess := range sessions {
		sess.Stop()
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			slog.Warn("shutdown timeout waiting for session",
				"session_id", sess.ID,
				"meeting_id", sess.MeetingID,
			)
		}
	}

	// 2. Stop the shared diarizer subprocess
	if s.diarizerSub != nil {
		if err := s.diarizerSub.Stop(); err != nil {
			slog.Error("failed to stop diarizer", "error", err)
		}
	}

	// 3. Stop the health publisher before the emitter goes away
	if s.healthCancel != nil {
		s.healthCancel()
		<-s.healthDone
	}

	// 4. Close the firehose so websocket subscribers see end of stream
	s.firehose.Close()

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("insight service shutdown complete", "uptime", uptime)

	return nil
}

// emitterSink adapts the MQTT emitter to the collector sink contract;
// publish failures are logged, never propagated to delivery.
type emitterSink struct {
	emitter *emitter.MQTTEmitter
}

func (e *emitterSink) Publish(insight types.Insight) {
	if err := e.emitter.Publish(insight); err != nil {
		slog.Warn("mqtt insight publish failed",
			"meeting_id", insight.MeetingID,
			"segment_seq", insight.SegmentSeq,
			"error", err,
		)
	}
}
