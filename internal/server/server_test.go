package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/insight-stream/internal/config"
	"github.com/e7canasta/insight-stream/internal/core"
	"github.com/e7canasta/insight-stream/internal/types"
)

// newTestService builds a running service whose decoder is plain cat, so an
// "analysis" streams a local file instead of spawning ffmpeg.
func newTestService(t *testing.T) *core.Service {
	t.Helper()

	cfg := &config.Config{
		InstanceID: "insightd-test",
		Server:     config.ServerConfig{Addr: ":0"},
		Capture: config.CaptureConfig{
			FFmpegPath:       "cat",
			DecoderArgs:      []string{"{url}"},
			ChunkSize:        256,
			SegmentThreshold: 1000,
			ReadIntervalMS:   0,
			SampleRate:       16000,
		},
		Queue: config.QueueConfig{Workers: 2, ResultTimeoutS: 5},
	}

	svc, err := core.NewService(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		svc.Shutdown(shutdownCtx)
		cancel()
	})

	return svc
}

// audioFile writes n bytes of fake decoded audio for cat to stream.
func audioFile(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, n), 0o644))
	return path
}

func postAnalyze(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/analyze-video", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// TestAnalyzeVideoAccepted verifies the happy path acknowledges with 202
// before any processing completes.
func TestAnalyzeVideoAccepted(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	url := audioFile(t, 2500)
	resp := postAnalyze(t, ts, `{"meeting_id":"m-accept","video_url":"`+url+`"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, url, body["video_url"])
}

// TestAnalyzeVideoBadRequests verifies malformed and incomplete bodies are
// rejected.
func TestAnalyzeVideoBadRequests(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	resp := postAnalyze(t, ts, `{not json`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postAnalyze(t, ts, `{"meeting_id":"m-1"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/analyze-video")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

// TestAnalyzeVideoSpawnFailure verifies a decoder that cannot launch maps to
// 502.
func TestAnalyzeVideoSpawnFailure(t *testing.T) {
	svc := newTestService(t)
	svc.Config().Capture.FFmpegPath = "/nonexistent/decoder-binary"
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	resp := postAnalyze(t, ts, `{"video_url":"rtmp://example/live"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// TestAnalyzeVideoDuplicateMeeting verifies a second analysis for a running
// meeting is refused with 409.
func TestAnalyzeVideoDuplicateMeeting(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	// tail -f never reaches end of stream, so the first session stays
	// running for the duration of the test.
	streamFile := audioFile(t, 0)
	svc.Config().Capture.FFmpegPath = "tail"
	svc.Config().Capture.DecoderArgs = []string{"-f", "{url}"}

	resp := postAnalyze(t, ts, `{"meeting_id":"m-dup","video_url":"`+streamFile+`"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postAnalyze(t, ts, `{"meeting_id":"m-dup","video_url":"`+streamFile+`"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// TestHealthEndpoint verifies the liveness contract.
func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

// TestReadinessEndpoint verifies the detailed probe responds while running.
func TestReadinessEndpoint(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readiness")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health core.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

// TestIndexPage verifies the viewer page is served at the root only.
func TestIndexPage(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	missing, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// TestInsightsWebSocketFirehose verifies an attached websocket receives the
// insights of a subsequently started analysis as JSON text messages.
func TestInsightsWebSocketFirehose(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/insights"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	url := audioFile(t, 2500)
	resp := postAnalyze(t, ts, `{"meeting_id":"m-ws","video_url":"`+url+`"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// 2 full segments + flushed residual, one insight each from the mocks.
	received := make([]types.Insight, 0, 3)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(received) < 3 {
		msgType, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, msgType)

		var insight types.Insight
		require.NoError(t, json.Unmarshal(payload, &insight))
		received = append(received, insight)
	}

	for _, in := range received {
		assert.Equal(t, "m-ws", in.MeetingID)
		assert.NotZero(t, in.SegmentSeq)
		assert.NotEmpty(t, in.Action)
	}
}

// TestInsightsWebSocketUnknownMeeting verifies the attach is refused before
// upgrade for an unknown meeting.
func TestInsightsWebSocketUnknownMeeting(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(New(svc).Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/insights?meeting_id=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
