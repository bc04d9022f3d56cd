package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// frameResponse builds one length-prefixed msgpack frame the way a worker
// process writes it on stdout.
func frameResponse(t *testing.T, speakers map[string]string) []byte {
	t.Helper()
	payload, err := msgpack.Marshal(speakers)
	require.NoError(t, err)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// startDiarizer starts a subprocess diarizer around a shell one-liner and
// stops it on cleanup.
func startDiarizer(t *testing.T, script string) *SubprocessDiarizer {
	t.Helper()
	d, err := NewSubprocessDiarizer([]string{"sh", "-c", script})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop() })
	return d
}

// TestSubprocessDiarizerRoundTrip drives one full request/response exchange
// through a stand-in worker. The worker emits a canned framed response and
// copies its stdin to a file, so both directions of the framing can be
// checked: the response is decoded by Diarize, the captured request is
// decoded here.
func TestSubprocessDiarizerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	respFile := filepath.Join(dir, "response.bin")
	reqFile := filepath.Join(dir, "request.bin")

	want := map[string]string{"speaker_1": "Alice", "speaker_2": "Bob"}
	require.NoError(t, os.WriteFile(respFile, frameResponse(t, want), 0o644))

	d := startDiarizer(t, fmt.Sprintf("cat %s; cat > %s", respFile, reqFile))

	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01, 0x02, 0x03}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	speakers, err := d.Diarize(ctx, audio)
	require.NoError(t, err)
	assert.Equal(t, want, speakers)

	// The worker consumes stdin concurrently; wait for the full request
	// frame to land before inspecting it.
	var raw []byte
	require.Eventually(t, func() bool {
		raw, _ = os.ReadFile(reqFile)
		return len(raw) >= 4 && len(raw) == 4+int(binary.BigEndian.Uint32(raw))
	}, 2*time.Second, 10*time.Millisecond)

	var req struct {
		Audio  []byte `msgpack:"audio"`
		Format string `msgpack:"format"`
	}
	require.NoError(t, msgpack.Unmarshal(raw[4:], &req))
	assert.Equal(t, audio, req.Audio)
	assert.Equal(t, "wav", req.Format)
}

// TestSubprocessDiarizerContextCancel verifies a caller deadline unblocks
// Diarize when the worker never answers.
func TestSubprocessDiarizerContextCancel(t *testing.T) {
	d := startDiarizer(t, "cat > /dev/null")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Diarize(ctx, []byte("audio"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSubprocessDiarizerStop covers the stop path: idempotent Stop, and
// requests rejected once the worker is gone.
func TestSubprocessDiarizerStop(t *testing.T) {
	d, err := NewSubprocessDiarizer([]string{"sh", "-c", "cat > /dev/null"})
	require.NoError(t, err)

	// Stop before Start is a no-op
	require.NoError(t, d.Stop())

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	_, err = d.Diarize(context.Background(), []byte("audio"))
	require.ErrorContains(t, err, "not active")
}

func TestNewSubprocessDiarizerRequiresCommand(t *testing.T) {
	_, err := NewSubprocessDiarizer(nil)
	require.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestSubprocessDiarizerStderrRelay verifies worker log lines reach slog at
// the mapped levels.
func TestSubprocessDiarizerStderrRelay(t *testing.T) {
	out := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	startDiarizer(t, "echo '[ERROR] model load failed' >&2; echo '[WARNING] low confidence' >&2; cat > /dev/null")

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "diarizer worker error") && strings.Contains(s, "diarizer worker warning")
	}, 2*time.Second, 10*time.Millisecond)

	s := out.String()
	assert.Contains(t, s, "level=ERROR")
	assert.Contains(t, s, "model load failed")
	assert.Contains(t, s, "level=WARN")
	assert.Contains(t, s, "low confidence")
}
