package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAudioBody is returned when the synthesis backend streams audio bytes in
// the response body instead of naming a fetchable resource. That path is
// currently unsupported; callers log and skip playback.
var ErrAudioBody = errors.New("tts: audio-in-body synthesis response is not supported")

// Synthesizer turns text into a playable audio resource.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audioURL string, err error)
}

// SynthClient posts text to the synthesis endpoint and extracts the audio
// URL from the JSON response.
type SynthClient struct {
	URL        string
	Voice      string
	Speed      float64
	Pitch      float64
	APIKey     string
	HTTPClient *http.Client
}

func NewSynthClient(url, voice string, speed, pitch float64, apiKey string) *SynthClient {
	if speed == 0 {
		speed = 1.0
	}
	if pitch == 0 {
		pitch = 1.0
	}
	return &SynthClient{
		URL:        url,
		Voice:      voice,
		Speed:      speed,
		Pitch:      pitch,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type synthRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
}

type synthResponse struct {
	AudioURL string `json:"audio_url"`
	URL      string `json:"url"`
	Audio    string `json:"audio"`
}

func (r synthResponse) pick() string {
	if r.AudioURL != "" {
		return r.AudioURL
	}
	if r.URL != "" {
		return r.URL
	}
	return r.Audio
}

func (c *SynthClient) Synthesize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(c.URL) == "" {
		return "", errors.New("tts: synthesis endpoint is not configured")
	}

	payload, _ := json.Marshal(synthRequest{Text: text, Voice: c.Voice, Speed: c.Speed, Pitch: c.Pitch})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tts: synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("tts: synthesis status=%d body=%s", resp.StatusCode, string(b))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "audio/") {
		return "", ErrAudioBody
	}

	var sr synthResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("tts: decode synthesis response: %w", err)
	}
	audioURL := sr.pick()
	if audioURL == "" {
		return "", errors.New("tts: synthesis response named no audio resource")
	}
	return audioURL, nil
}
