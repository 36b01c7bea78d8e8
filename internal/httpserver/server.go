package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/voicepipe/internal/capture"
	"github.com/chadiek/voicepipe/internal/turn"
)

// Controller is the pipeline surface the control API drives.
type Controller interface {
	StartListening(ctx context.Context) error
	StopListening()
	CancelListening()
	Speak(ctx context.Context, text string, force bool) error
	ToggleSpeech() bool
	State() turn.State
}

// BatchTranscriber turns one complete clip into one transcript.
type BatchTranscriber interface {
	TranscribeClip(ctx context.Context, clip io.Reader, filename string) (string, error)
}

// Server exposes the voice pipeline over HTTP.
type Server struct {
	ctrl  Controller
	batch BatchTranscriber

	mu          sync.Mutex
	lastPartial string
	lastFinal   string
}

// New constructs the control API over a pipeline controller and an optional
// batch transcriber. The controller may be attached later with SetController
// when its callbacks need the server to exist first.
func New(ctrl Controller, batch BatchTranscriber) *Server {
	return &Server{ctrl: ctrl, batch: batch}
}

// SetController attaches the pipeline. Must happen before Register's routes
// serve traffic.
func (s *Server) SetController(ctrl Controller) { s.ctrl = ctrl }

// RecordPartial and RecordFinal feed the status endpoint. Wired as pipeline
// callbacks by the caller.
func (s *Server) RecordPartial(text string) {
	s.mu.Lock()
	s.lastPartial = text
	s.mu.Unlock()
}

func (s *Server) RecordFinal(text string) {
	s.mu.Lock()
	s.lastFinal = text
	s.lastPartial = ""
	s.mu.Unlock()
}

// Register mounts all routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/status", s.handleStatus)
	e.POST("/listen/start", s.handleListenStart)
	e.POST("/listen/stop", s.handleListenStop)
	e.POST("/listen/cancel", s.handleListenCancel)
	e.POST("/speak", s.handleSpeak)
	e.POST("/speech/toggle", s.handleSpeechToggle)
	e.POST("/transcribe", s.handleTranscribe)
}

func (s *Server) handleStatus(c echo.Context) error {
	s.mu.Lock()
	partial, final := s.lastPartial, s.lastFinal
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{
		"state":           s.ctrl.State().String(),
		"partial":         partial,
		"last_transcript": final,
	})
}

func (s *Server) handleListenStart(c echo.Context) error {
	err := s.ctrl.StartListening(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"state": s.ctrl.State().String()})
	case errors.Is(err, capture.ErrAlreadyRecording):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, capture.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		log.Printf("httpserver: listen start failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleListenStop(c echo.Context) error {
	s.ctrl.StopListening()
	s.mu.Lock()
	final := s.lastFinal
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]string{
		"state":      s.ctrl.State().String(),
		"transcript": final,
	})
}

func (s *Server) handleListenCancel(c echo.Context) error {
	s.ctrl.CancelListening()
	return c.JSON(http.StatusOK, map[string]string{"state": s.ctrl.State().String()})
}

type speakRequest struct {
	Text  string `json:"text"`
	Force bool   `json:"force"`
}

func (s *Server) handleSpeak(c echo.Context) error {
	var req speakRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}
	if err := s.ctrl.Speak(c.Request().Context(), req.Text, req.Force); err != nil {
		if errors.Is(err, turn.ErrListening) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		log.Printf("httpserver: speak failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"state": s.ctrl.State().String()})
}

func (s *Server) handleSpeechToggle(c echo.Context) error {
	enabled := s.ctrl.ToggleSpeech()
	return c.JSON(http.StatusOK, map[string]bool{"speech_enabled": enabled})
}

func (s *Server) handleTranscribe(c echo.Context) error {
	if s.batch == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no transcription backend configured"})
	}
	file, err := c.FormFile("audio")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "multipart field 'audio' is required"})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "could not read upload"})
	}
	defer src.Close()

	text, err := s.batch.TranscribeClip(c.Request().Context(), src, file.Filename)
	if err != nil {
		log.Printf("httpserver: batch transcription failed: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "transcription failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"transcript": text})
}
