// Package server exposes the pipeline over HTTP: analysis control, a
// websocket insight stream, a minimal live viewer page, and health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/insight-stream/internal/capture"
	"github.com/e7canasta/insight-stream/internal/core"
	"github.com/e7canasta/insight-stream/internal/insightbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewer page may be served from anywhere
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// Server serves the HTTP surface for one core.Service
type Server struct {
	svc  *core.Service
	http *http.Server
}

// New creates a server bound to the configured listen address
func New(svc *core.Service) *Server {
	s := &Server{svc: svc}
	s.http = &http.Server{
		Addr:        svc.Config().Server.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: websocket streams stay open indefinitely.
	}
	return s
}

// Handler returns the route table. Exported so tests can drive the surface
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/analyze-video", s.handleAnalyzeVideo)
	mux.HandleFunc("/ws/insights", s.handleInsights)
	mux.HandleFunc("/health", s.svc.LivenessHandler)
	mux.HandleFunc("/readiness", s.svc.ReadinessHandler)
	return mux
}

// Run serves until the listener fails or Shutdown is called
func (s *Server) Run() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// analyzeRequest is the POST /analyze-video body
type analyzeRequest struct {
	MeetingID string `json:"meeting_id"`
	VideoURL  string `json:"video_url"`
	Language  string `json:"language"`
}

// handleAnalyzeVideo starts one capture session for the requested stream and
// acknowledges immediately; insights arrive over the websocket.
func (s *Server) handleAnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "video_url is required")
		return
	}

	sess, err := s.svc.StartAnalysis(capture.Request{
		MeetingID: req.MeetingID,
		StreamURL: req.VideoURL,
		Language:  req.Language,
	})
	if err != nil {
		if errors.Is(err, core.ErrSessionExists) {
			writeError(w, http.StatusConflict, "analysis already running for meeting")
			return
		}
		slog.Error("failed to start analysis",
			"meeting_id", req.MeetingID,
			"url", req.VideoURL,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "failed to start stream capture")
		return
	}

	slog.Info("analysis started",
		"session_id", sess.ID,
		"meeting_id", req.MeetingID,
		"url", req.VideoURL,
	)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "started",
		"video_url": req.VideoURL,
	})
}

// handleInsights upgrades to a websocket and streams insights, one JSON text
// message each. With a meeting_id query parameter the socket attaches to that
// session's delivery queue; without one it attaches to the service firehose
// and sees every session. The subscription starts at attach: earlier insights
// are never replayed.
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	var bus insightbus.Bus
	meetingID := r.URL.Query().Get("meeting_id")
	if meetingID == "" {
		bus = s.svc.Firehose()
	} else {
		sess, ok := s.svc.Session(meetingID)
		if !ok {
			writeError(w, http.StatusNotFound, "no running analysis for meeting")
			return
		}
		bus = sess.Bus()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	subID := uuid.NewString()
	sub, err := bus.Subscribe(subID)
	if err != nil {
		// Session finished between lookup and attach.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	slog.Info("insight subscriber attached",
		"subscriber_id", subID,
		"meeting_id", meetingID,
	)

	done := make(chan struct{})

	// Read pump: client messages are discarded; a read error means the
	// client went away.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Deliver queued insights as they arrive; Next returns false once the
	// bus closes or the subscription is detached.
	insights := make(chan []byte)
	go func() {
		defer close(insights)
		for {
			insight, ok := sub.Next()
			if !ok {
				return
			}
			payload, err := insight.ToJSON()
			if err != nil {
				slog.Error("failed to marshal insight", "error", err)
				continue
			}
			select {
			case insights <- payload:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		bus.Unsubscribe(subID)
		sub.Close()
		conn.Close()
		slog.Info("insight subscriber detached", "subscriber_id", subID)
	}()

	for {
		select {
		case payload, ok := <-insights:
			if !ok {
				// Stream over; tell the client before hanging up.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleIndex serves the live insight viewer page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(indexHTML))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
