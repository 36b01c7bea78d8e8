package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/chadiek/voicepipe/internal/capture"
	"github.com/chadiek/voicepipe/internal/turn"
)

type fakeController struct {
	state    turn.State
	startErr error
	speakErr error

	starts  int32
	stops   int32
	cancels int32
	speaks  int32
	enabled bool
}

func (f *fakeController) StartListening(ctx context.Context) error {
	atomic.AddInt32(&f.starts, 1)
	if f.startErr == nil {
		f.state = turn.Listening
	}
	return f.startErr
}

func (f *fakeController) StopListening() {
	atomic.AddInt32(&f.stops, 1)
	f.state = turn.Idle
}

func (f *fakeController) CancelListening() {
	atomic.AddInt32(&f.cancels, 1)
	f.state = turn.Idle
}

func (f *fakeController) Speak(ctx context.Context, text string, force bool) error {
	atomic.AddInt32(&f.speaks, 1)
	return f.speakErr
}

func (f *fakeController) ToggleSpeech() bool {
	f.enabled = !f.enabled
	return f.enabled
}

func (f *fakeController) State() turn.State { return f.state }

type fakeBatch struct {
	transcript string
	err        error
	gotName    string
}

func (f *fakeBatch) TranscribeClip(ctx context.Context, clip io.Reader, filename string) (string, error) {
	f.gotName = filename
	_, _ = io.Copy(io.Discard, clip)
	return f.transcript, f.err
}

func serve(t *testing.T, srv *Server, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := NewRouter()
	srv.Register(e)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv := New(&fakeController{}, nil)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if w := serve(t, srv, r); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_ListenStartConflictWhileRecording(t *testing.T) {
	ctrl := &fakeController{startErr: capture.ErrAlreadyRecording}
	srv := New(ctrl, nil)
	r := httptest.NewRequest(http.MethodPost, "/listen/start", nil)
	if w := serve(t, srv, r); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestServer_ListenStartPermissionDenied(t *testing.T) {
	ctrl := &fakeController{startErr: capture.ErrPermissionDenied}
	srv := New(ctrl, nil)
	r := httptest.NewRequest(http.MethodPost, "/listen/start", nil)
	if w := serve(t, srv, r); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestServer_ListenStopReturnsTranscript(t *testing.T) {
	ctrl := &fakeController{}
	srv := New(ctrl, nil)
	srv.RecordPartial("add two")
	srv.RecordFinal("add two grams of blue dream")

	r := httptest.NewRequest(http.MethodPost, "/listen/stop", nil)
	w := serve(t, srv, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["transcript"] != "add two grams of blue dream" {
		t.Fatalf("got transcript %q", resp["transcript"])
	}
	if atomic.LoadInt32(&ctrl.stops) != 1 {
		t.Fatalf("expected one stop call")
	}
}

func TestServer_StatusReflectsState(t *testing.T) {
	ctrl := &fakeController{state: turn.Listening}
	srv := New(ctrl, nil)
	srv.RecordPartial("add two grams")

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := serve(t, srv, r)
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["state"] != "listening" || resp["partial"] != "add two grams" {
		t.Fatalf("unexpected status: %v", resp)
	}
}

func TestServer_SpeakRejectedWhileListening(t *testing.T) {
	ctrl := &fakeController{speakErr: turn.ErrListening}
	srv := New(ctrl, nil)
	r := httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(`{"text":"hello"}`))
	r.Header.Set("Content-Type", "application/json")
	if w := serve(t, srv, r); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestServer_SpeakRequiresText(t *testing.T) {
	srv := New(&fakeController{}, nil)
	r := httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	if w := serve(t, srv, r); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_SpeechToggle(t *testing.T) {
	srv := New(&fakeController{}, nil)
	r := httptest.NewRequest(http.MethodPost, "/speech/toggle", nil)
	w := serve(t, srv, r)
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp["speech_enabled"] {
		t.Fatalf("expected toggle to enable")
	}
}

func TestServer_TranscribeBatchClip(t *testing.T) {
	batch := &fakeBatch{transcript: "hello world"}
	srv := New(&fakeController{}, batch)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("audio", "clip.m4a")
	_, _ = part.Write([]byte("m4a-bytes"))
	_ = mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := serve(t, srv, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["transcript"] != "hello world" || batch.gotName != "clip.m4a" {
		t.Fatalf("unexpected response %v (name=%q)", resp, batch.gotName)
	}
}

func TestServer_TranscribeMissingUpload(t *testing.T) {
	srv := New(&fakeController{}, &fakeBatch{})
	r := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(""))
	if w := serve(t, srv, r); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_TranscribeBackendFailure(t *testing.T) {
	srv := New(&fakeController{}, &fakeBatch{err: errors.New("upstream down")})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("audio", "clip.m4a")
	_, _ = part.Write([]byte("m4a-bytes"))
	_ = mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	if w := serve(t, srv, r); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}
