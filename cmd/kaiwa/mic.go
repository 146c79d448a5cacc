package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mkurimoto/kaiwa/internal/config"
	capprov "github.com/mkurimoto/kaiwa/pkg/provider/capture"
)

// micSource returns an AudioSource backed by a recorder subprocess. Each
// capture session launches the recorder and streams its stdout; closing the
// source kills the process. The default invocation is arecord with the
// configured sample rate and channel count, overridable via record_command.
func micSource(cfg config.CaptureConfig) capprov.AudioSource {
	argv := recorderArgv(cfg)
	return func(ctx context.Context) (io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("recorder stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start recorder %q: %w", argv[0], err)
		}
		slog.Debug("recorder started", "cmd", strings.Join(argv, " "))
		return &recorderStream{cmd: cmd, out: out}, nil
	}
}

func recorderArgv(cfg config.CaptureConfig) []string {
	if argv := strings.Fields(cfg.RecordCommand); len(argv) > 0 {
		return argv
	}
	return []string{
		"arecord", "-q",
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(cfg.Channels),
		"-t", "raw",
	}
}

type recorderStream struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

func (r *recorderStream) Read(p []byte) (int, error) {
	return r.out.Read(p)
}

// Close kills the recorder. The recorder has no stop protocol; after a kill
// neither its exit status nor the pipe error is meaningful.
func (r *recorderStream) Close() error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return nil
}
