package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// PlaybackHandle is one loaded audio resource being played.
type PlaybackHandle interface {
	Pause() error
	Resume() error
	// Stop unloads the resource. Idempotent.
	Stop()
	// Done is closed when playback finishes or is stopped.
	Done() <-chan struct{}
}

// Player loads and plays a fetchable audio resource.
type Player interface {
	Play(ctx context.Context, audioURL string) (PlaybackHandle, error)
}

// FFplayPlayer plays through an ffplay child process. Pause and resume
// suspend and continue the process; ffplay exits on its own when the stream
// ends, which closes the handle's Done channel.
type FFplayPlayer struct {
	Command string
}

func NewFFplayPlayer(command string) *FFplayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFplayPlayer{Command: command}
}

func (p *FFplayPlayer) Play(ctx context.Context, audioURL string) (PlaybackHandle, error) {
	cmd := exec.CommandContext(ctx, p.Command,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		audioURL,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tts: start player: %w", err)
	}

	h := &ffplayHandle{process: cmd.Process, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.mu.Unlock()
		h.closeOnce.Do(func() { close(h.done) })
	}()
	return h, nil
}

type ffplayHandle struct {
	process *os.Process
	done    chan struct{}

	mu        sync.Mutex
	exited    bool
	closeOnce sync.Once
}

func (h *ffplayHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil
	}
	return h.process.Signal(syscall.SIGSTOP)
}

func (h *ffplayHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil
	}
	return h.process.Signal(syscall.SIGCONT)
}

func (h *ffplayHandle) Stop() {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if !exited {
		// A stopped process cannot handle SIGKILL while suspended on some
		// platforms without a SIGCONT first.
		_ = h.process.Signal(syscall.SIGCONT)
		_ = h.process.Kill()
	}
	<-h.done
}

func (h *ffplayHandle) Done() <-chan struct{} { return h.done }
