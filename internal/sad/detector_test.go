package sad

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/voicepipe/internal/recog"
)

func TestDetector_HardStopFiresWithNoEvidence(t *testing.T) {
	var pauses, hards int32
	d := NewDetector(Config{
		PauseWindow:    200 * time.Millisecond,
		HardStopWindow: 80 * time.Millisecond,
	}, Events{
		OnPause:    func() { atomic.AddInt32(&pauses, 1) },
		OnHardStop: func() { atomic.AddInt32(&hards, 1) },
	})
	d.Arm()
	time.Sleep(200 * time.Millisecond)
	d.Stop()

	if atomic.LoadInt32(&hards) != 1 {
		t.Fatalf("expected exactly one hard-stop, got %d", hards)
	}
	if atomic.LoadInt32(&pauses) != 0 {
		t.Fatalf("hard-stop owner must cancel the pause timer, got %d pauses", pauses)
	}
}

func TestDetector_SpeechEvidenceRearmsTimers(t *testing.T) {
	var ended int32
	d := NewDetector(Config{
		PauseWindow:    120 * time.Millisecond,
		HardStopWindow: 120 * time.Millisecond,
	}, Events{
		OnPause:    func() { atomic.AddInt32(&ended, 1) },
		OnHardStop: func() { atomic.AddInt32(&ended, 1) },
	})
	d.Arm()
	// Keep feeding evidence faster than either window.
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		d.OnEvent(recog.Event{Kind: recog.KindPartial, Text: "still talking"})
	}
	if atomic.LoadInt32(&ended) != 0 {
		t.Fatalf("turn ended despite continuous evidence")
	}
	time.Sleep(220 * time.Millisecond)
	d.Stop()
	if atomic.LoadInt32(&ended) != 1 {
		t.Fatalf("expected exactly one end-of-turn, got %d", ended)
	}
}

func TestDetector_ExactlyOneOwnerUnderNarrowRace(t *testing.T) {
	var ends int32
	d := NewDetector(Config{
		// Both windows nearly coincident to force the race.
		PauseWindow:    100 * time.Millisecond,
		HardStopWindow: 105 * time.Millisecond,
	}, Events{
		OnPause:    func() { atomic.AddInt32(&ends, 1) },
		OnHardStop: func() { atomic.AddInt32(&ends, 1) },
	})
	d.Arm()
	time.Sleep(250 * time.Millisecond)
	d.Stop()
	if got := atomic.LoadInt32(&ends); got != 1 {
		t.Fatalf("expected exactly one owner, got %d", got)
	}
}

func TestDetector_VolumeThreshold(t *testing.T) {
	var speech int32
	d := NewDetector(Config{
		PauseWindow:    time.Second,
		HardStopWindow: time.Second,
	}, Events{
		OnSpeechDetected: func() { atomic.AddInt32(&speech, 1) },
	})
	d.Arm()
	d.OnVolume(-60) // below threshold: background noise
	if atomic.LoadInt32(&speech) != 0 {
		t.Fatalf("quiet sample must not count as speech")
	}
	d.OnVolume(-40)
	d.OnVolume(-38) // still in speech, no second edge
	if atomic.LoadInt32(&speech) != 1 {
		t.Fatalf("expected one speech edge, got %d", speech)
	}
	d.Stop()
}

func TestDetector_StopClearsTimers(t *testing.T) {
	var ends int32
	d := NewDetector(Config{
		PauseWindow:    50 * time.Millisecond,
		HardStopWindow: 50 * time.Millisecond,
	}, Events{
		OnPause:    func() { atomic.AddInt32(&ends, 1) },
		OnHardStop: func() { atomic.AddInt32(&ends, 1) },
	})
	d.Arm()
	d.Stop()
	d.Stop() // idempotent
	time.Sleep(120 * time.Millisecond)
	if atomic.LoadInt32(&ends) != 0 {
		t.Fatalf("timers fired after Stop")
	}
}

func TestDetector_EvidenceAfterFinalizeIgnored(t *testing.T) {
	var speech int32
	done := make(chan struct{})
	d := NewDetector(Config{
		PauseWindow:    40 * time.Millisecond,
		HardStopWindow: 40 * time.Millisecond,
	}, Events{
		OnSpeechDetected: func() { atomic.AddInt32(&speech, 1) },
		OnHardStop:       func() { close(done) },
	})
	d.Arm()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("hard-stop never fired")
	}
	d.OnEvent(recog.Event{Kind: recog.KindPartial, Text: "late"})
	if atomic.LoadInt32(&speech) != 0 {
		t.Fatalf("evidence after finalize must be ignored")
	}
}
