package permission

import (
	"context"
	"log"
	"os/exec"
	"sync"
	"time"
)

// Status is the last-known microphone authorization state.
type Status int

const (
	Undetermined Status = iota
	Granted
	Denied
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "undetermined"
	}
}

// Gate answers whether the process may open the microphone.
// CheckStatus never prompts; Request may block while the platform shows a
// consent prompt.
type Gate interface {
	CheckStatus() Status
	Request(ctx context.Context) Status
}

// Static always reports a fixed status. Used in tests and on platforms
// without a consent mechanism.
type Static struct{ Status Status }

func (s Static) CheckStatus() Status            { return s.Status }
func (s Static) Request(context.Context) Status { return s.Status }

// ProbeGate determines access by attempting a short capture-device open with
// the recorder command. The result is cached; Request re-probes.
type ProbeGate struct {
	Command string // recorder binary, default "ffmpeg"
	Format  string // input format, e.g. "pulse"
	Device  string // input device, e.g. "default"

	mu     sync.Mutex
	status Status
}

func NewProbeGate(command, format, device string) *ProbeGate {
	if command == "" {
		command = "ffmpeg"
	}
	if format == "" {
		format = "pulse"
	}
	if device == "" {
		device = "default"
	}
	return &ProbeGate{Command: command, Format: format, Device: device}
}

func (g *ProbeGate) CheckStatus() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *ProbeGate) Request(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, g.Command,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", g.Format,
		"-i", g.Device,
		"-t", "0.1",
		"-f", "null", "-",
	)
	err := cmd.Run()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		log.Printf("permission: capture probe failed: %v", err)
		g.status = Denied
	} else {
		g.status = Granted
	}
	return g.status
}
