package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/voicepipe/internal/permission"
)

var (
	// ErrPermissionDenied is returned when the permission gate refuses
	// microphone access. No hardware resource is allocated.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrAlreadyRecording is returned when Start is called while a session
	// is active. The existing session is left untouched.
	ErrAlreadyRecording = errors.New("capture: a recording session is already active")
	// ErrNotRecording is returned by Stop when no session is active.
	ErrNotRecording = errors.New("capture: no active recording session")
)

// Config describes how the microphone is captured. The profile is fixed low:
// mono 16 kHz AAC at ~64 kbps, trading fidelity for clips small enough to
// transit quickly to the transcription endpoint.
type Config struct {
	Command     string // recorder binary, default "ffmpeg"
	InputFormat string // e.g. "pulse"
	InputDevice string // e.g. "default"
	SampleRate  int    // default 16000
	Channels    int    // default 1
	BitrateKbps int    // default 64
	ClipDir     string // directory for in-progress clip files
}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = "ffmpeg"
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BitrateKbps <= 0 {
		c.BitrateKbps = 64
	}
	if c.ClipDir == "" {
		c.ClipDir = os.TempDir()
	}
}

// RecordHandle is one live hardware recording owned by a Session.
type RecordHandle interface {
	// Meter streams s16le PCM at the capture rate for volume metering.
	Meter() io.Reader
	// Stop ends the recording gracefully and releases the device.
	Stop() error
	// Kill tears the recording down immediately, best-effort.
	Kill()
}

// Recorder starts hardware recordings.
type Recorder interface {
	Start(ctx context.Context, cfg Config, clipPath string) (RecordHandle, error)
}

// Session is one open hardware recording. At most one exists per Capture.
type Session struct {
	ID        string
	StartedAt time.Time

	uri    string
	handle RecordHandle

	mu        sync.Mutex
	active    bool
	meterDone chan struct{}
}

// URI returns the path of the in-progress clip file.
func (s *Session) URI() string { return s.uri }

// Active reports whether the hardware recording is still open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Capture owns at most one active recording session and meters its volume.
type Capture struct {
	gate permission.Gate
	rec  Recorder
	cfg  Config

	mu       sync.Mutex
	onVolume func(db float64)
	onPCM    func(pcm []byte)
	current  *Session
}

// New constructs a Capture. onVolume receives a dBFS level roughly every
// 100 ms of captured audio; it may be nil.
func New(gate permission.Gate, rec Recorder, cfg Config, onVolume func(db float64)) *Capture {
	cfg.applyDefaults()
	return &Capture{gate: gate, rec: rec, cfg: cfg, onVolume: onVolume}
}

// SetVolumeHandler replaces the volume callback. Used by the pipeline to
// attach itself after construction.
func (c *Capture) SetVolumeHandler(fn func(db float64)) {
	c.mu.Lock()
	c.onVolume = fn
	c.mu.Unlock()
}

func (c *Capture) volumeHandler() func(db float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onVolume
}

// SetPCMHandler attaches a consumer for the raw metering PCM windows, for
// recognizers that take the audio stream directly.
func (c *Capture) SetPCMHandler(fn func(pcm []byte)) {
	c.mu.Lock()
	c.onPCM = fn
	c.mu.Unlock()
}

func (c *Capture) pcmHandler() func(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onPCM
}

// Start opens a new recording session. It fails with ErrAlreadyRecording if
// one is active and with ErrPermissionDenied if the gate refuses access;
// denial is reported once, the caller decides whether to re-prompt.
func (c *Capture) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	c.mu.Unlock()

	status := c.gate.CheckStatus()
	if status != permission.Granted {
		status = c.gate.Request(ctx)
	}
	if status != permission.Granted {
		return nil, ErrPermissionDenied
	}

	id := uuid.NewString()
	clipPath := clipPathFor(c.cfg.ClipDir, id)
	handle, err := c.rec.Start(ctx, c.cfg, clipPath)
	if err != nil {
		return nil, fmt.Errorf("capture: hardware start failed: %w", err)
	}

	session := &Session{
		ID:        id,
		StartedAt: time.Now(),
		uri:       clipPath,
		handle:    handle,
		active:    true,
		meterDone: make(chan struct{}),
	}

	c.mu.Lock()
	if c.current != nil {
		// Lost the race to a concurrent Start; release what we opened.
		c.mu.Unlock()
		handle.Kill()
		_ = os.Remove(clipPath)
		return nil, ErrAlreadyRecording
	}
	c.current = session
	c.mu.Unlock()

	go c.meterLoop(session)
	return session, nil
}

// Stop ends the active session and returns the clip URI. Device teardown is
// always attempted; an unload failure is logged but does not mask a
// successfully produced clip. Calling Stop with no active session returns
// ErrNotRecording without touching hardware.
func (c *Capture) Stop() (string, error) {
	session := c.take()
	if session == nil {
		return "", ErrNotRecording
	}

	stopErr := session.handle.Stop()
	session.mu.Lock()
	session.active = false
	session.mu.Unlock()
	<-session.meterDone

	if stopErr != nil {
		log.Printf("capture: unload error on stop: %v", stopErr)
	}
	if info, err := os.Stat(session.uri); err != nil || info.Size() == 0 {
		if stopErr != nil {
			return "", fmt.Errorf("capture: stop failed: %w", stopErr)
		}
		return "", fmt.Errorf("capture: no audio captured")
	}
	return session.uri, nil
}

// Cancel discards the active session, best-effort. Errors are swallowed and
// the partial clip is removed. Safe to call with no active session.
func (c *Capture) Cancel() {
	session := c.take()
	if session == nil {
		return
	}
	session.handle.Kill()
	session.mu.Lock()
	session.active = false
	session.mu.Unlock()
	<-session.meterDone
	if err := os.Remove(session.uri); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("capture: could not remove discarded clip: %v", err)
	}
}

// Current returns the active session, or nil.
func (c *Capture) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Capture) take() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.current
	c.current = nil
	return session
}

// meterLoop computes RMS over ~100 ms windows of metering PCM and reports it
// in dBFS. Exits when the recorder closes its metering stream.
func (c *Capture) meterLoop(session *Session) {
	defer close(session.meterDone)

	windowBytes := c.cfg.SampleRate / 10 * 2 * c.cfg.Channels
	buf := make([]byte, windowBytes)
	meter := session.handle.Meter()
	if meter == nil {
		return
	}
	for {
		n, err := io.ReadFull(meter, buf)
		if n >= 2 {
			if fn := c.pcmHandler(); fn != nil {
				// buf is reused; hand consumers their own copy.
				fn(append([]byte(nil), buf[:n]...))
			}
			if fn := c.volumeHandler(); fn != nil {
				fn(rmsDBFS(buf[:n]))
			}
		}
		if err != nil {
			return
		}
	}
}

// rmsDBFS converts a s16le PCM window to an RMS level in dB relative to
// full scale. Silence clamps to -96 dB.
func rmsDBFS(pcm []byte) float64 {
	var sum float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		f := float64(v)
		sum += f * f
		count++
	}
	if count == 0 {
		return -96.0
	}
	rms := math.Sqrt(sum / float64(count))
	if rms < 1 {
		return -96.0
	}
	return 20 * math.Log10(rms/32768.0)
}

func clipPathFor(dir, id string) string {
	return filepath.Join(dir, "clip-"+id+".m4a")
}
