package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/voicepipe/internal/capture"
	"github.com/chadiek/voicepipe/internal/config"
	"github.com/chadiek/voicepipe/internal/httpserver"
	"github.com/chadiek/voicepipe/internal/permission"
	"github.com/chadiek/voicepipe/internal/pipeline"
	"github.com/chadiek/voicepipe/internal/prefs"
	"github.com/chadiek/voicepipe/internal/recog"
	"github.com/chadiek/voicepipe/internal/sad"
	"github.com/chadiek/voicepipe/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	gate := permission.NewProbeGate(cfg.RecorderCommand, cfg.InputFormat, cfg.InputDevice)
	cap := capture.New(gate, capture.NewFFmpegRecorder(), capture.Config{
		Command:     cfg.RecorderCommand,
		InputFormat: cfg.InputFormat,
		InputDevice: cfg.InputDevice,
		ClipDir:     cfg.ClipDir,
	}, nil)

	client := recog.NewClient(cfg.StreamURL, cfg.BatchURL, cfg.RecognitionAPIKey)
	var provider recog.Provider
	if cfg.NativeWSURL != "" {
		provider = recog.NewNative(cfg.NativeWSURL, cfg.RecognitionAPIKey)
	} else {
		provider = recog.NewChunked(client, pipeline.CaptureClipSource{Capture: cap}, cfg.ChunkInterval)
	}

	synth := tts.NewSynthClient(cfg.SynthURL, cfg.SynthVoice, cfg.SynthSpeed, cfg.SynthPitch, cfg.RecognitionAPIKey)
	coord := tts.NewCoordinator(synth, tts.NewFFplayPlayer(cfg.PlayerCommand), prefs.NewFileStore(cfg.PrefsPath))

	srv := httpserver.New(nil, client)
	pipe := pipeline.New(cap, provider, coord, pipeline.Config{
		Language: cfg.Language,
		SAD: sad.Config{
			PauseWindow:       cfg.PauseWindow,
			HardStopWindow:    cfg.HardStopWindow,
			VolumeThresholdDB: cfg.VolumeThresholdDB,
		},
	}, pipeline.Callbacks{
		OnTranscriptUpdate:   srv.RecordPartial,
		OnTranscriptComplete: srv.RecordFinal,
		OnError:              func(err error) { log.Printf("pipeline error: %v", err) },
	})
	srv.SetController(pipe)
	defer pipe.Close()

	e := httpserver.NewRouter()
	srv.Register(e)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
