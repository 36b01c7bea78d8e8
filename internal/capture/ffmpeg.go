package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegRecorder records through an ffmpeg child process with two outputs:
// the fragmented m4a clip file and a raw s16le stream on stdout for volume
// metering. Fragmented mp4 keeps the in-progress file readable for chunked
// transcription.
type FFmpegRecorder struct{}

func NewFFmpegRecorder() *FFmpegRecorder { return &FFmpegRecorder{} }

func (r *FFmpegRecorder) Start(ctx context.Context, cfg Config, clipPath string) (RecordHandle, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		// clip output: mono, low rate, AAC
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", cfg.BitrateKbps),
		"-movflags", "+frag_keyframe+empty_moov",
		"-f", "mp4",
		"-y", clipPath,
		// metering output: raw PCM on stdout
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// Catch immediate exits (bad device, denied source) before declaring
	// the session open.
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegHandle{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegHandle struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (h *ffmpegHandle) Meter() io.Reader { return h.stdout }

func (h *ffmpegHandle) Stop() error {
	h.stopOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-h.waitErr:
			if ok {
				h.stopErr = normalizeExit(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if h.process != nil {
				_ = h.process.Kill()
			}
			err, ok := <-h.waitErr
			if ok {
				h.stopErr = normalizeExit(err)
			}
		}

		if closeErr := h.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if h.stopErr == nil {
				h.stopErr = closeErr
			}
		}

		if h.stopErr != nil && h.stderr != nil && h.stderr.Len() > 0 {
			h.stopErr = fmt.Errorf("%w: %s", h.stopErr, bytes.TrimSpace(h.stderr.Bytes()))
		}
	})
	return h.stopErr
}

func (h *ffmpegHandle) Kill() {
	h.stopOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Kill()
		}
		<-h.waitErr
		_ = h.stdout.Close()
	})
}

// normalizeExit treats an interrupt-driven nonzero exit as a clean stop.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
