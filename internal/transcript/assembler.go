package transcript

import (
	"strings"
	"sync"
)

// Assembler accumulates partial recognition text for the current turn and
// guarantees at-most-once delivery of the completed utterance.
//
// Two dedup fields are deliberate: lastPartial absorbs display churn from
// noisy repeated partials, lastSent absorbs duplicate completion triggers
// (the same text can arrive once from a partial and again from a final, or
// once from the pause timer and again from the hard-stop timer in a narrow
// race).
type Assembler struct {
	mu          sync.Mutex
	buf         string
	lastPartial string
	lastSent    string

	onUpdate func(text string)
}

// NewAssembler constructs an Assembler. onUpdate receives each distinct
// trimmed partial as a live preview; it may be nil.
func NewAssembler(onUpdate func(string)) *Assembler {
	return &Assembler{onUpdate: onUpdate}
}

// OnPartial records an in-progress hypothesis. Unchanged text is dropped.
func (a *Assembler) OnPartial(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	a.mu.Lock()
	if trimmed == a.lastPartial {
		a.mu.Unlock()
		return
	}
	a.buf = trimmed
	a.lastPartial = trimmed
	update := a.onUpdate
	a.mu.Unlock()

	if update != nil {
		update(trimmed)
	}
}

// Complete takes the buffered utterance. It returns ok=false when the buffer
// is empty or equal to the last delivered text, so racing completion triggers
// collapse to a single delivery.
func (a *Assembler) Complete() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(a.buf)
	if text == "" || text == a.lastSent {
		return "", false
	}
	a.lastSent = text
	a.buf = ""
	return text, true
}

// Reset clears all turn state. Call at the start of every new turn.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.buf = ""
	a.lastPartial = ""
	a.lastSent = ""
	a.mu.Unlock()
}

// Pending reports whether undelivered text is buffered.
func (a *Assembler) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := strings.TrimSpace(a.buf)
	return text != "" && text != a.lastSent
}
