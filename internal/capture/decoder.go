package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// decoder is the external decoding boundary: a managed child process whose
// stdout carries raw decoded audio. The session owns the full lifecycle and
// reaps the process on every exit path.
type decoder interface {
	Start(ctx context.Context) (stdout, stderr io.ReadCloser, err error)
	Wait() error
	Pid() int
}

// ffmpegDecoder decodes a stream URL to mono WAV on stdout
type ffmpegDecoder struct {
	path       string
	args       []string
	url        string
	sampleRate int

	cmd *exec.Cmd
}

func newFFmpegDecoder(path string, args []string, url string, sampleRate int) *ffmpegDecoder {
	return &ffmpegDecoder{
		path:       path,
		args:       args,
		url:        url,
		sampleRate: sampleRate,
	}
}

// argv expands the configured args template, defaulting to a WAV pipe
func (d *ffmpegDecoder) argv() []string {
	if len(d.args) == 0 {
		return []string{
			"-i", d.url,
			"-vn",
			"-ac", "1",
			"-ar", strconv.Itoa(d.sampleRate),
			"-f", "wav",
			"pipe:1",
		}
	}
	args := make([]string, len(d.args))
	for i, a := range d.args {
		args[i] = strings.ReplaceAll(a, "{url}", d.url)
	}
	return args
}

func (d *ffmpegDecoder) Start(ctx context.Context) (io.ReadCloser, io.ReadCloser, error) {
	d.cmd = exec.CommandContext(ctx, d.path, d.argv()...)

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start decoder process: %w", err)
	}
	return stdout, stderr, nil
}

func (d *ffmpegDecoder) Wait() error {
	return d.cmd.Wait()
}

func (d *ffmpegDecoder) Pid() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}
