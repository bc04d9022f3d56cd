package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SubprocessDiarizer manages an external diarization worker as a child
// process. Each Diarize call is one request/response round trip over the
// process's stdin/stdout, framed as length-prefixed msgpack (4 bytes
// big-endian + payload); stderr is relayed to the log. The process is reaped
// on every exit path.
type SubprocessDiarizer struct {
	argv []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// One in-flight round trip at a time. An abandoned round trip (caller
	// context cancelled mid-read) poisons the stream framing; Stop/Start
	// recovers.
	reqMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool

	requests uint64
	failures uint64
}

// NewSubprocessDiarizer creates a diarizer around the given worker argv
func NewSubprocessDiarizer(argv []string) (*SubprocessDiarizer, error) {
	if len(argv) == 0 {
		return nil, errors.New("diarizer command is required")
	}
	return &SubprocessDiarizer{argv: argv}, nil
}

// Start spawns the worker process and its supervision goroutines
func (d *SubprocessDiarizer) Start(ctx context.Context) error {
	if d.active.Load() {
		return fmt.Errorf("diarizer already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.cmd = exec.CommandContext(d.ctx, d.argv[0], d.argv[1:]...)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	d.stdin = stdin

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	d.stdout = stdout

	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	d.stderr = stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start diarizer process: %w", err)
	}

	d.active.Store(true)

	slog.Info("diarizer process spawned",
		"pid", d.cmd.Process.Pid,
		"command", d.argv[0],
	)

	d.wg.Add(2)
	go d.logStderr()
	go d.waitProcess()

	return nil
}

// Diarize implements Diarizer. The round trip runs in its own goroutine so a
// cancelled caller context does not leave the caller blocked on a hung
// worker.
func (d *SubprocessDiarizer) Diarize(ctx context.Context, audio []byte) (map[string]string, error) {
	if !d.active.Load() {
		return nil, fmt.Errorf("diarizer not active")
	}

	atomic.AddUint64(&d.requests, 1)

	type reply struct {
		speakers map[string]string
		err      error
	}
	replyCh := make(chan reply, 1)
	go func() {
		speakers, err := d.roundTrip(audio)
		replyCh <- reply{speakers: speakers, err: err}
	}()

	select {
	case r := <-replyCh:
		if r.err != nil {
			atomic.AddUint64(&d.failures, 1)
		}
		return r.speakers, r.err
	case <-ctx.Done():
		atomic.AddUint64(&d.failures, 1)
		return nil, ctx.Err()
	}
}

func (d *SubprocessDiarizer) roundTrip(audio []byte) (map[string]string, error) {
	request := map[string]interface{}{
		"audio":  audio, // raw []byte, msgpack handles this natively
		"format": "wav",
	}
	payload, err := msgpack.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diarize request: %w", err)
	}

	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := d.stdin.Write(prefix); err != nil {
		return nil, fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := d.stdin.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write diarize request: %w", err)
	}

	if _, err := io.ReadFull(d.stdout, prefix); err != nil {
		return nil, fmt.Errorf("failed to read response length: %w", err)
	}
	respLen := binary.BigEndian.Uint32(prefix)
	respData := make([]byte, respLen)
	if _, err := io.ReadFull(d.stdout, respData); err != nil {
		return nil, fmt.Errorf("failed to read diarize response: %w", err)
	}

	var speakers map[string]string
	if err := msgpack.Unmarshal(respData, &speakers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diarize response: %w", err)
	}
	return speakers, nil
}

// logStderr relays the worker's stderr to slog, mapping its log levels
func (d *SubprocessDiarizer) logStderr() {
	defer d.wg.Done()

	scanner := bufio.NewScanner(d.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("diarizer worker error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("diarizer worker warning", "log", line)
		default:
			slog.Debug("diarizer worker log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading diarizer stderr", "error", err)
	}
}

// waitProcess reaps the worker process and prevents zombies
func (d *SubprocessDiarizer) waitProcess() {
	defer d.wg.Done()

	if d.cmd == nil || d.cmd.Process == nil {
		return
	}

	err := d.cmd.Wait()
	if err != nil {
		select {
		case <-d.ctx.Done():
			slog.Debug("diarizer process exited (shutdown)", "pid", d.cmd.Process.Pid)
		default:
			slog.Error("diarizer process exited unexpectedly",
				"pid", d.cmd.Process.Pid,
				"error", err,
			)
		}
		return
	}

	slog.Info("diarizer process exited cleanly", "pid", d.cmd.Process.Pid)
}

// Stop closes stdin to let the worker exit gracefully, then force-kills it
// if it lingers. Idempotent.
func (d *SubprocessDiarizer) Stop() error {
	if !d.active.Load() {
		return nil
	}
	d.active.Store(false)

	slog.Info("stopping diarizer worker")

	if d.cancel != nil {
		d.cancel()
	}
	if d.stdin != nil {
		d.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("diarizer stop timeout, force killing process")
		if d.cmd != nil && d.cmd.Process != nil {
			if err := d.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill diarizer process", "error", err)
			}
		}
	}

	slog.Info("diarizer worker stopped",
		"requests", atomic.LoadUint64(&d.requests),
		"failures", atomic.LoadUint64(&d.failures),
	)
	return nil
}
