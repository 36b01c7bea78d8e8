package turn

import (
	"errors"
	"sync"
)

// State is the arbiter's machine state. Listening and Speaking are mutually
// exclusive: at most one of capture and playback may be active.
type State int

const (
	Idle State = iota
	Listening
	Speaking
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	default:
		return "idle"
	}
}

// ErrListening is returned when playback is requested while capture is
// active. Playback is only initiated after a turn completes.
var ErrListening = errors.New("turn: playback rejected while listening")

// Arbiter serializes capture and playback lifetimes for the whole pipeline.
type Arbiter struct {
	mu    sync.Mutex
	state State
}

func NewArbiter() *Arbiter { return &Arbiter{} }

func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// BeginListening transitions to Listening. If playback is active it is
// stopped first (barge-in: the user's speech takes priority), strictly before
// the new capture session exists.
func (a *Arbiter) BeginListening(stopPlayback func()) {
	a.mu.Lock()
	wasSpeaking := a.state == Speaking
	a.state = Listening
	a.mu.Unlock()

	if wasSpeaking && stopPlayback != nil {
		stopPlayback()
	}
}

// BeginSpeaking transitions to Speaking, rejecting the request while a
// capture turn is in progress.
func (a *Arbiter) BeginSpeaking() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Listening {
		return ErrListening
	}
	a.state = Speaking
	return nil
}

// EndTurn returns to Idle only from the given state, so a stale completion
// (e.g. playback finishing after barge-in already moved to Listening) cannot
// clobber the current turn.
func (a *Arbiter) EndTurn(from State) {
	a.mu.Lock()
	if a.state == from {
		a.state = Idle
	}
	a.mu.Unlock()
}

// Reset returns to Idle unconditionally.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	a.state = Idle
	a.mu.Unlock()
}
