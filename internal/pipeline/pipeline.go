package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/chadiek/voicepipe/internal/capture"
	"github.com/chadiek/voicepipe/internal/recog"
	"github.com/chadiek/voicepipe/internal/sad"
	"github.com/chadiek/voicepipe/internal/transcript"
	"github.com/chadiek/voicepipe/internal/tts"
	"github.com/chadiek/voicepipe/internal/turn"
)

// Callbacks is the caller-facing event surface. All fields may be nil.
type Callbacks struct {
	// OnTranscriptUpdate receives each distinct live partial.
	OnTranscriptUpdate func(text string)
	// OnTranscriptComplete receives the final utterance, once per turn.
	OnTranscriptComplete func(text string)
	OnSpeechDetected     func()
	OnSilenceDetected    func()
	// OnError receives genuine faults only; benign silence never lands here.
	OnError func(err error)
}

// Config tunes the pipeline.
type Config struct {
	Language string
	SAD      sad.Config
}

// activeTurn is the per-turn state: one capture session, one detector, one
// assembler. finished guards finalization against the pause/hard-stop race
// and against re-entrant provider Ended events.
type activeTurn struct {
	session  *capture.Session
	detector *sad.Detector
	asm      *transcript.Assembler
	cancel   context.CancelFunc
	finished atomic.Bool
}

// Pipeline wires capture, recognition, silence detection, transcript
// assembly and playback under the turn arbiter's serialization.
type Pipeline struct {
	cfg      Config
	capture  *capture.Capture
	provider recog.Provider
	coord    *tts.Coordinator
	arbiter  *turn.Arbiter
	cb       Callbacks

	// baseCtx outlives any single request; per-turn contexts and playback
	// derive from it so they are not torn down when a handler returns.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.Mutex
	turn *activeTurn
}

// pcmSender is implemented by providers that consume raw capture audio
// directly (the continuous recognizer) rather than reading the clip file.
type pcmSender interface {
	SendPCM(pcm []byte) error
}

// New assembles a Pipeline. It takes over the capture volume handler and the
// coordinator's finished hook.
func New(cap *capture.Capture, provider recog.Provider, coord *tts.Coordinator, cfg Config, cb Callbacks) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		capture:  cap,
		provider: provider,
		coord:    coord,
		arbiter:  turn.NewArbiter(),
		cb:       cb,
	}
	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())
	cap.SetVolumeHandler(p.handleVolume)
	if sender, ok := provider.(pcmSender); ok {
		cap.SetPCMHandler(func(pcm []byte) {
			if p.currentTurn() != nil {
				_ = sender.SendPCM(pcm)
			}
		})
	}
	coord.OnFinished = func() { p.arbiter.EndTurn(turn.Speaking) }
	return p
}

// State returns the arbiter's current state.
func (p *Pipeline) State() turn.State { return p.arbiter.State() }

// StartListening begins a recognition turn. If synthesized speech is
// playing it is stopped first (barge-in), strictly before the capture
// session is created.
func (p *Pipeline) StartListening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.capture.Current() != nil {
		return capture.ErrAlreadyRecording
	}

	p.arbiter.BeginListening(p.coord.Stop)

	// The turn outlives the request that started it. Recorder process,
	// chunk posting and the recognizer session all run on a context tied to
	// the pipeline, canceled only when the turn ends.
	turnCtx, cancel := context.WithCancel(p.baseCtx)

	session, err := p.capture.Start(turnCtx)
	if err != nil {
		cancel()
		p.arbiter.EndTurn(turn.Listening)
		return err
	}

	t := &activeTurn{
		session: session,
		cancel:  cancel,
		asm:     transcript.NewAssembler(p.cb.OnTranscriptUpdate),
	}
	t.detector = sad.NewDetector(p.cfg.SAD, sad.Events{
		OnSpeechDetected:  p.cb.OnSpeechDetected,
		OnSilenceDetected: p.cb.OnSilenceDetected,
		OnPause:           func() { p.finishTurn(t, "pause") },
		OnHardStop:        func() { p.finishTurn(t, "hard-stop") },
	})

	p.mu.Lock()
	p.turn = t
	p.mu.Unlock()

	t.detector.Arm()
	p.provider.Attach(func(ev recog.Event) { p.handleEvent(t, ev) })
	if err := p.provider.Start(turnCtx, p.cfg.Language); err != nil {
		p.abortTurn(t)
		return fmt.Errorf("pipeline: recognition start failed: %w", err)
	}
	return nil
}

// StopListening ends the turn explicitly, delivering any buffered text.
func (p *Pipeline) StopListening() {
	if t := p.currentTurn(); t != nil {
		p.finishTurn(t, "explicit stop")
	}
}

// CancelListening discards the turn: timers cleared, capture torn down,
// nothing delivered. Unconditional and idempotent.
func (p *Pipeline) CancelListening() {
	t := p.currentTurn()
	if t == nil {
		p.arbiter.Reset()
		return
	}
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	t.detector.Stop()
	p.provider.Stop()
	p.capture.Cancel()
	t.cancel()
	p.clearTurn(t)
	p.arbiter.Reset()
}

// Speak plays a synthesized reply. Rejected while listening; playback only
// follows a completed turn.
func (p *Pipeline) Speak(ctx context.Context, text string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if !force && !p.coord.Enabled() {
		return nil
	}
	if err := p.arbiter.BeginSpeaking(); err != nil {
		return err
	}
	// Playback outlives the request that asked for it: synthesis and the
	// player run on the pipeline's context, not the caller's. The
	// coordinator's finished hook returns the arbiter to Idle on every path
	// where a session existed; degrade paths clear it the same way.
	p.coord.Speak(p.baseCtx, text, force)
	if !p.coord.Speaking() {
		p.arbiter.EndTurn(turn.Speaking)
	}
	return nil
}

// ToggleSpeech flips the persisted speech-output preference.
func (p *Pipeline) ToggleSpeech() bool { return p.coord.ToggleEnabled() }

// PauseSpeech and ResumeSpeech proxy the playback coordinator.
func (p *Pipeline) PauseSpeech()  { p.coord.Pause() }
func (p *Pipeline) ResumeSpeech() { p.coord.Resume() }

// Close tears everything down and returns to Idle.
func (p *Pipeline) Close() {
	p.CancelListening()
	p.coord.Stop()
	p.baseCancel()
	p.arbiter.Reset()
}

func (p *Pipeline) handleVolume(db float64) {
	if t := p.currentTurn(); t != nil {
		t.detector.OnVolume(db)
	}
}

func (p *Pipeline) handleEvent(t *activeTurn, ev recog.Event) {
	// Events for a finished or superseded turn are stale; drop them.
	if p.currentTurn() != t || t.finished.Load() {
		if ev.Kind == recog.KindError {
			log.Printf("pipeline: dropping stale recognizer error: %s", ev.Message)
		}
		return
	}

	switch ev.Kind {
	case recog.KindPartial, recog.KindFinal:
		t.asm.OnPartial(ev.Text)
		t.detector.OnEvent(ev)
	case recog.KindVolume:
		t.detector.OnVolume(ev.DB)
	case recog.KindEnded:
		// Benign end of recognition (no-speech, cancelled): finish the
		// turn quietly, no error surfaced.
		p.finishTurn(t, "recognizer ended")
	case recog.KindError:
		if p.cb.OnError != nil {
			p.cb.OnError(fmt.Errorf("recognition failed (%s): %s", ev.ErrorKind, ev.Message))
		}
		p.abortTurn(t)
	}
}

// finishTurn finalizes exactly once: stop recognition and capture, flush the
// assembler, return to Idle. Whichever trigger arrives first wins.
func (p *Pipeline) finishTurn(t *activeTurn, reason string) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	log.Printf("pipeline: turn ended (%s)", reason)

	t.detector.Stop()
	p.provider.Stop()
	if _, err := p.capture.Stop(); err != nil && !errors.Is(err, capture.ErrNotRecording) {
		log.Printf("pipeline: capture stop: %v", err)
	}
	// Cancel after the graceful capture stop so the recorder is interrupted,
	// not context-killed mid-write.
	t.cancel()

	if text, ok := t.asm.Complete(); ok && p.cb.OnTranscriptComplete != nil {
		p.cb.OnTranscriptComplete(text)
	}

	p.clearTurn(t)
	p.arbiter.EndTurn(turn.Listening)
}

// abortTurn tears the session down after a genuine fault; nothing is
// delivered.
func (p *Pipeline) abortTurn(t *activeTurn) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	t.detector.Stop()
	p.provider.Stop()
	p.capture.Cancel()
	t.cancel()
	p.clearTurn(t)
	p.arbiter.EndTurn(turn.Listening)
}

func (p *Pipeline) currentTurn() *activeTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

func (p *Pipeline) clearTurn(t *activeTurn) {
	p.mu.Lock()
	if p.turn == t {
		p.turn = nil
	}
	p.mu.Unlock()
}

// CaptureClipSource adapts the capture session to the chunked provider: a
// snapshot of the in-progress clip file on every request.
type CaptureClipSource struct {
	Capture *capture.Capture
}

func (s CaptureClipSource) Clip() ([]byte, string, bool) {
	session := s.Capture.Current()
	if session == nil || !session.Active() {
		return nil, "", false
	}
	data, err := os.ReadFile(session.URI())
	if err != nil {
		// The session may have been torn down between the check and the
		// read; treat as inactive.
		return nil, "", false
	}
	return data, "clip-" + session.ID + ".m4a", true
}
