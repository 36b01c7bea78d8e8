package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Recognition backend.
	RecognitionAPIKey string
	StreamURL         string // chunked multipart endpoint
	BatchURL          string // whole-clip endpoint
	NativeWSURL       string // continuous websocket endpoint; empty selects chunked
	Language          string

	// Synthesis backend.
	SynthURL   string
	SynthVoice string
	SynthSpeed float64
	SynthPitch float64

	// Capture.
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	ClipDir         string
	PlayerCommand   string

	// Silence windows.
	PauseWindow       time.Duration
	HardStopWindow    time.Duration
	VolumeThresholdDB float64
	ChunkInterval     time.Duration

	PrefsPath string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	apiKey := os.Getenv("RECOGNITION_API_KEY")
	if apiKey == "" {
		log.Println("Warning: RECOGNITION_API_KEY not set - transcription backend may reject requests")
	}

	streamURL := os.Getenv("RECOGNITION_STREAM_URL")
	if streamURL == "" {
		log.Println("Warning: RECOGNITION_STREAM_URL not set - live transcription will not work")
	}
	batchURL := os.Getenv("RECOGNITION_BATCH_URL")
	if batchURL == "" {
		batchURL = streamURL
	}

	synthURL := os.Getenv("SYNTH_URL")
	if synthURL == "" {
		log.Println("Warning: SYNTH_URL not set - spoken replies will be skipped")
	}

	prefsPath := os.Getenv("PREFS_PATH")
	if prefsPath == "" {
		prefsPath = "voicepipe-prefs.json"
	}

	nativeWSURL := os.Getenv("RECOGNITION_WS_URL")
	// The continuous recognizer reports silence faster than chunk polling can,
	// so its safety net is tighter.
	hardStopDefault := 3 * time.Second
	if nativeWSURL != "" {
		hardStopDefault = 2 * time.Second
	}

	cfg := Config{
		HTTPAddress:       addr,
		RecognitionAPIKey: apiKey,
		StreamURL:         streamURL,
		BatchURL:          batchURL,
		NativeWSURL:       nativeWSURL,
		Language:          envOr("RECOGNITION_LANGUAGE", ""),
		SynthURL:          synthURL,
		SynthVoice:        envOr("SYNTH_VOICE", "ava"),
		SynthSpeed:        envFloat("SYNTH_SPEED", 1.0),
		SynthPitch:        envFloat("SYNTH_PITCH", 1.0),
		RecorderCommand:   envOr("RECORDER_COMMAND", "ffmpeg"),
		InputFormat:       envOr("CAPTURE_FORMAT", "pulse"),
		InputDevice:       envOr("CAPTURE_DEVICE", "default"),
		ClipDir:           envOr("CLIP_DIR", os.TempDir()),
		PlayerCommand:     envOr("PLAYER_COMMAND", "ffplay"),
		PauseWindow:       envDuration("PAUSE_WINDOW", 2*time.Second),
		HardStopWindow:    envDuration("HARD_STOP_WINDOW", hardStopDefault),
		VolumeThresholdDB: envFloat("VOLUME_THRESHOLD_DB", -45.0),
		ChunkInterval:     envDuration("CHUNK_INTERVAL", time.Second),
		PrefsPath:         prefsPath,
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not a duration, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %g", key, v, fallback)
		return fallback
	}
	return f
}
