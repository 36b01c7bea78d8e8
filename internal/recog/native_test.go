package recog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recognizerStub upgrades the connection and plays back a scripted set of
// frames, then keeps the socket open until the client closes it.
func recognizerStub(t *testing.T, frames []map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for _, frame := range frames {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		// Drain until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startNative(t *testing.T, srv *httptest.Server) (*Native, *sync.Mutex, *[]Event) {
	t.Helper()
	var mu sync.Mutex
	events := []Event{}
	p := NewNative(wsURL(srv), "key")
	p.Attach(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err := p.Start(context.Background(), "en"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, &mu, &events
}

func waitForKind(t *testing.T, mu *sync.Mutex, events *[]Event, kind EventKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		for _, ev := range *events {
			if ev.Kind == kind {
				mu.Unlock()
				return
			}
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %v event", kind)
}

func TestNative_RelaysPartialsAndFinals(t *testing.T) {
	srv := recognizerStub(t, []map[string]any{
		{"type": "Started"},
		{"type": "Partial", "text": "add two"},
		{"type": "Partial", "text": "add two grams"},
		{"type": "Volume", "db": -38.5},
		{"type": "Final", "text": "add two grams of blue dream"},
		{"type": "End"},
	})
	defer srv.Close()

	p, mu, events := startNative(t, srv)
	defer p.Stop()
	waitForKind(t, mu, events, KindEnded)

	mu.Lock()
	defer mu.Unlock()
	var partials, finals, volumes int
	for _, ev := range *events {
		switch ev.Kind {
		case KindPartial:
			partials++
		case KindFinal:
			finals++
			if ev.Text != "add two grams of blue dream" {
				t.Fatalf("final text %q", ev.Text)
			}
		case KindVolume:
			volumes++
		case KindError:
			t.Fatalf("unexpected error event: %+v", ev)
		}
	}
	if partials != 2 || finals != 1 || volumes != 1 {
		t.Fatalf("partials=%d finals=%d volumes=%d", partials, finals, volumes)
	}
}

func TestNative_BenignErrorsEndQuietly(t *testing.T) {
	for _, code := range []string{"no_speech", "cancelled", "speech_timeout"} {
		srv := recognizerStub(t, []map[string]any{
			{"type": "Error", "code": code},
		})
		p, mu, events := startNative(t, srv)
		waitForKind(t, mu, events, KindEnded)
		p.Stop()
		srv.Close()

		mu.Lock()
		for _, ev := range *events {
			if ev.Kind == KindError {
				mu.Unlock()
				t.Fatalf("benign code %q surfaced as error", code)
			}
		}
		mu.Unlock()
	}
}

func TestNative_GenuineErrorsSurface(t *testing.T) {
	srv := recognizerStub(t, []map[string]any{
		{"type": "Error", "code": "engine_fault", "message": "recognizer crashed"},
	})
	defer srv.Close()

	p, mu, events := startNative(t, srv)
	waitForKind(t, mu, events, KindError)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range *events {
		if ev.Kind == KindError {
			found = true
			if ev.ErrorKind != ErrorKindEngine || ev.Message != "recognizer crashed" {
				t.Fatalf("unexpected error event: %+v", ev)
			}
		}
	}
	if !found {
		t.Fatalf("genuine fault must surface")
	}
}

func TestNative_SendPCMDuringStopDoesNotPanic(t *testing.T) {
	srv := recognizerStub(t, nil)
	defer srv.Close()

	p, _, _ := startNative(t, srv)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pcm := make([]byte, 320)
			for {
				select {
				case <-stop:
					return
				default:
					_ = p.SendPCM(pcm)
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	p.Stop() // closes the audio queue while senders are mid-flight
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	if err := p.SendPCM(make([]byte, 320)); err == nil {
		t.Fatalf("SendPCM after stop must error")
	}
}

func TestNative_StopIdempotent(t *testing.T) {
	srv := recognizerStub(t, nil)
	defer srv.Close()

	p, _, _ := startNative(t, srv)
	p.Stop()
	p.Stop() // must not panic or double-close
	if err := p.SendPCM([]byte{0, 0}); err == nil {
		t.Fatalf("SendPCM after stop must error")
	}
}
