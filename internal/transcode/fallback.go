package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	logx "streamcast/pkg/logx"
)

// ffmpegEncoder runs the local subprocess fallback. Its output stream is the
// process stdout; closing the returned reader terminates the process.
type ffmpegEncoder struct {
	path string
	log  logx.Logger
}

func (f *ffmpegEncoder) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	args := ffmpegArgs(req)
	f.log.Info("fallback encoder starting",
		logx.String("bin", f.path),
		logx.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, f.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	return &processStream{
		r:      stdout,
		cmd:    cmd,
		stderr: &stderr,
		log:    f.log,
	}, nil
}

type processStream struct {
	r      io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	log    logx.Logger
	closed bool
}

func (p *processStream) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *processStream) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.r.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()
	if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
		p.log.Debug("ffmpeg stderr", logx.String("out", msg))
	}
	// Kill-induced exit errors are expected on early close; only surface
	// errors that are not just the process exiting non-zero.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}
