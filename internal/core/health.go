package core

import (
	"encoding/json"
	"net/http"
	"time"
)

// SessionHealth contains per-session progress counters
type SessionHealth struct {
	MeetingID         string `json:"meeting_id,omitempty"`
	Status            string `json:"status"`
	BytesRead         uint64 `json:"bytes_read"`
	SegmentsSubmitted uint64 `json:"segments_submitted"`
	BufferedBytes     int    `json:"buffered_bytes"`
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status         string                   `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64                    `json:"uptime_seconds"`
	ActiveSessions int                      `json:"active_sessions"`
	MQTTConnected  bool                     `json:"mqtt_connected"`
	Sessions       map[string]SessionHealth `json:"sessions,omitempty"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := HealthStatus{
		Status:         "healthy",
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ActiveSessions: len(s.sessions),
		Sessions:       make(map[string]SessionHealth),
	}

	if s.emitter != nil && s.emitter.Client != nil && s.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	for key, sess := range s.sessions {
		m := sess.Metrics()
		status.Sessions[key] = SessionHealth{
			MeetingID:         sess.MeetingID,
			Status:            string(sess.Status()),
			BytesRead:         m.BytesRead,
			SegmentsSubmitted: m.SegmentsSubmitted,
			BufferedBytes:     m.Buffered,
		}
	}

	if !s.isRunning {
		status.Status = "unhealthy"
	} else if s.emitter != nil && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check)
// Returns 503 when the service is not running
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}
