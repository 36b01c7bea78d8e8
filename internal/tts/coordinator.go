package tts

import (
	"context"
	"log"
	"sync"

	"github.com/chadiek/voicepipe/internal/prefs"
)

// playbackSession is one loaded synthesized-audio resource. At most one
// exists at a time.
type playbackSession struct {
	text    string
	loading bool
	playing bool
	paused  bool
	handle  PlaybackHandle
}

// Coordinator requests synthesized audio and owns its playback. Synthesis
// and playback failures degrade to a silent turn: they are logged, never
// propagated, because blocking the conversation on a non-critical feature is
// worse than skipping the spoken reply.
type Coordinator struct {
	synth  Synthesizer
	player Player
	prefs  prefs.Store

	mu      sync.Mutex
	current *playbackSession

	// OnFinished runs after a session finishes or is stopped; may be nil.
	OnFinished func()
}

func NewCoordinator(synth Synthesizer, player Player, store prefs.Store) *Coordinator {
	return &Coordinator{synth: synth, player: player, prefs: store}
}

// Enabled reports the persisted speech-output preference.
func (c *Coordinator) Enabled() bool { return c.prefs.SpeechEnabled() }

// ToggleEnabled flips and persists the preference, returning the new state.
func (c *Coordinator) ToggleEnabled() bool {
	next := !c.prefs.SpeechEnabled()
	if err := c.prefs.SetSpeechEnabled(next); err != nil {
		log.Printf("tts: could not persist speech preference: %v", err)
	}
	return next
}

// Speaking reports whether a playback session is loaded.
func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Speak synthesizes text and plays it. A disabled preference makes it a
// no-op unless force is set. Any previously loaded session is unloaded
// first; never two playback sessions.
func (c *Coordinator) Speak(ctx context.Context, text string, force bool) {
	if text == "" {
		return
	}
	if !force && !c.prefs.SpeechEnabled() {
		return
	}

	session := &playbackSession{text: text, loading: true}
	c.mu.Lock()
	replaced := c.current
	c.current = session
	c.mu.Unlock()

	// Unload-before-load. The replaced session is stopped without the
	// finished notification: the coordinator is still occupied, and reporting
	// idle here would let capture start on top of the new playback.
	if replaced != nil && replaced.handle != nil {
		replaced.handle.Stop()
	}

	audioURL, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		log.Printf("tts: synthesis unavailable, skipping spoken output: %v", err)
		c.clear(session)
		return
	}

	handle, err := c.player.Play(ctx, audioURL)
	if err != nil {
		log.Printf("tts: playback failed, skipping spoken output: %v", err)
		c.clear(session)
		return
	}

	c.mu.Lock()
	if c.current != session {
		// A Stop or a newer Speak superseded us while synthesizing.
		c.mu.Unlock()
		handle.Stop()
		return
	}
	session.loading = false
	session.playing = true
	session.handle = handle
	c.mu.Unlock()

	go func() {
		<-handle.Done()
		c.mu.Lock()
		session.playing = false
		c.mu.Unlock()
		c.clear(session)
	}()
}

// Stop unloads the current session. No-op when nothing is loaded.
func (c *Coordinator) Stop() {
	c.unloadCurrent()
}

// Pause suspends playback; no-op when nothing is playing or already paused.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	session := c.current
	var handle PlaybackHandle
	if session != nil && session.playing && !session.paused && session.handle != nil {
		session.paused = true
		handle = session.handle
	}
	c.mu.Unlock()
	if handle != nil {
		if err := handle.Pause(); err != nil {
			log.Printf("tts: pause failed: %v", err)
		}
	}
}

// Resume continues paused playback; no-op otherwise.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	session := c.current
	var handle PlaybackHandle
	if session != nil && session.paused && session.handle != nil {
		session.paused = false
		handle = session.handle
	}
	c.mu.Unlock()
	if handle != nil {
		if err := handle.Resume(); err != nil {
			log.Printf("tts: resume failed: %v", err)
		}
	}
}

// unloadCurrent detaches and stops whatever is loaded.
func (c *Coordinator) unloadCurrent() {
	c.mu.Lock()
	session := c.current
	c.current = nil
	c.mu.Unlock()

	if session == nil {
		return
	}
	if session.handle != nil {
		session.handle.Stop()
	}
	c.notifyFinished()
}

// clear removes session if it is still current, without double-unloading.
func (c *Coordinator) clear(session *playbackSession) {
	c.mu.Lock()
	was := c.current == session
	if was {
		c.current = nil
	}
	c.mu.Unlock()
	if was {
		c.notifyFinished()
	}
}

func (c *Coordinator) notifyFinished() {
	if c.OnFinished != nil {
		c.OnFinished()
	}
}
