package sad

import (
	"sync"
	"time"

	"github.com/chadiek/voicepipe/internal/recog"
)

// DefaultVolumeThresholdDB is the dBFS level at or above which a volume
// sample counts as speech evidence. Calibrated around normal speaking volume
// on a consumer microphone.
const DefaultVolumeThresholdDB = -45.0

// Config controls the silence windows.
type Config struct {
	// PauseWindow is how long recognized content may go quiet before the
	// turn is considered finished ("user likely finished this clause").
	PauseWindow time.Duration
	// HardStopWindow is the safety net: if no speech evidence at all arrives
	// for this long, the session is force-ended and any buffer flushed.
	HardStopWindow time.Duration
	// VolumeThresholdDB gates volume samples; at or above counts as speech.
	VolumeThresholdDB float64
}

func (c *Config) applyDefaults() {
	if c.PauseWindow <= 0 {
		c.PauseWindow = 2 * time.Second
	}
	if c.HardStopWindow <= 0 {
		c.HardStopWindow = 3 * time.Second
	}
	if c.VolumeThresholdDB == 0 {
		c.VolumeThresholdDB = DefaultVolumeThresholdDB
	}
}

// Events are the detector's outputs. OnPause and OnHardStop are mutually
// exclusive per turn: whichever window elapses first owns ending the turn and
// the other is canceled.
type Events struct {
	OnSpeechDetected  func()
	OnSilenceDetected func()
	OnPause           func()
	OnHardStop        func()
}

// Detector maintains "time of last detected speech" from two evidence
// streams that arrive at different latencies: raw volume (fast) and
// recognized content (slow). Two independent timers keep them from fighting:
// the pause timer reacts to content, the hard-stop timer reacts to raw audio
// silence as an upper bound.
//
// Timer callbacks race with in-flight I/O on purpose; every transition
// re-checks monotonic timestamps and a finalize-once guard rather than
// trusting timer ordering.
type Detector struct {
	cfg Config
	ev  Events

	mu         sync.Mutex
	running    bool
	finalized  bool
	inSpeech   bool
	lastSpeech time.Time
	pauseTimer *time.Timer
	hardTimer  *time.Timer
}

func NewDetector(cfg Config, ev Events) *Detector {
	cfg.applyDefaults()
	return &Detector{cfg: cfg, ev: ev}
}

// Arm starts a new turn. Both windows are measured from now.
func (d *Detector) Arm() {
	d.mu.Lock()
	d.running = true
	d.finalized = false
	d.inSpeech = false
	d.lastSpeech = time.Now()
	d.resetTimersLocked()
	d.mu.Unlock()
}

// OnVolume feeds a capture volume sample in dBFS.
func (d *Detector) OnVolume(db float64) {
	if db >= d.cfg.VolumeThresholdDB {
		d.markSpeech()
	}
}

// OnEvent feeds a recognition event. Non-empty partial or final text is
// speech evidence.
func (d *Detector) OnEvent(ev recog.Event) {
	switch ev.Kind {
	case recog.KindPartial, recog.KindFinal:
		if ev.Text != "" {
			d.markSpeech()
		}
	case recog.KindVolume:
		d.OnVolume(ev.DB)
	}
}

// Stop clears both timers. Safe to call repeatedly and after finalization.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.running = false
	d.stopTimersLocked()
	d.mu.Unlock()
}

func (d *Detector) markSpeech() {
	d.mu.Lock()
	if !d.running || d.finalized {
		d.mu.Unlock()
		return
	}
	d.lastSpeech = time.Now()
	d.resetTimersLocked()
	edge := !d.inSpeech
	d.inSpeech = true
	cb := d.ev.OnSpeechDetected
	d.mu.Unlock()

	if edge && cb != nil {
		cb()
	}
}

// pauseFired runs when the pause window may have elapsed. Late speech
// evidence pushes the timer forward instead of ending the turn.
func (d *Detector) pauseFired() {
	d.finalize(d.cfg.PauseWindow, func(remaining time.Duration) {
		if d.pauseTimer != nil {
			d.pauseTimer.Reset(remaining)
		}
	}, d.ev.OnPause)
}

func (d *Detector) hardFired() {
	d.finalize(d.cfg.HardStopWindow, func(remaining time.Duration) {
		if d.hardTimer != nil {
			d.hardTimer.Reset(remaining)
		}
	}, d.ev.OnHardStop)
}

func (d *Detector) finalize(window time.Duration, rearm func(time.Duration), owner func()) {
	d.mu.Lock()
	if !d.running || d.finalized {
		d.mu.Unlock()
		return
	}
	elapsed := time.Since(d.lastSpeech)
	if elapsed < window {
		remaining := window - elapsed
		if remaining < 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}
		rearm(remaining)
		d.mu.Unlock()
		return
	}
	d.finalized = true
	d.inSpeech = false
	d.stopTimersLocked()
	silence := d.ev.OnSilenceDetected
	d.mu.Unlock()

	if silence != nil {
		silence()
	}
	if owner != nil {
		owner()
	}
}

func (d *Detector) resetTimersLocked() {
	if d.pauseTimer == nil {
		d.pauseTimer = time.AfterFunc(d.cfg.PauseWindow, d.pauseFired)
	} else {
		d.pauseTimer.Stop()
		d.pauseTimer.Reset(d.cfg.PauseWindow)
	}
	if d.hardTimer == nil {
		d.hardTimer = time.AfterFunc(d.cfg.HardStopWindow, d.hardFired)
	} else {
		d.hardTimer.Stop()
		d.hardTimer.Reset(d.cfg.HardStopWindow)
	}
}

func (d *Detector) stopTimersLocked() {
	if d.pauseTimer != nil {
		d.pauseTimer.Stop()
	}
	if d.hardTimer != nil {
		d.hardTimer.Stop()
	}
}
