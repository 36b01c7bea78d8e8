package recog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Client talks to the transcription backend over HTTP. The streaming
// endpoint accepts short in-progress clips flagged partial; the batch
// endpoint accepts one complete clip and returns one transcript.
type Client struct {
	StreamURL  string
	BatchURL   string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(streamURL, batchURL, apiKey string) *Client {
	return &Client{
		StreamURL:  streamURL,
		BatchURL:   batchURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type transcriptionResponse struct {
	Transcript        string `json:"transcript"`
	Text              string `json:"text"`
	PartialTranscript string `json:"partial_transcript"`
}

// pick returns the first non-empty transcript field.
func (r transcriptionResponse) pick() string {
	if r.Transcript != "" {
		return r.Transcript
	}
	if r.Text != "" {
		return r.Text
	}
	return r.PartialTranscript
}

// TranscribeClip posts one complete audio clip to the batch endpoint.
func (c *Client) TranscribeClip(ctx context.Context, clip io.Reader, filename string) (string, error) {
	fields := map[string]string{}
	return c.post(ctx, c.BatchURL, clip, filename, fields)
}

// TranscribeChunk posts an in-progress clip to the streaming endpoint with
// the stream/partial flags set. An empty transcript is not an error.
func (c *Client) TranscribeChunk(ctx context.Context, clip io.Reader, filename, language string) (string, error) {
	fields := map[string]string{
		"stream":  "true",
		"partial": "true",
	}
	if language != "" {
		fields["language"] = language
	}
	return c.post(ctx, c.StreamURL, clip, filename, fields)
}

func (c *Client) post(ctx context.Context, url string, clip io.Reader, filename string, fields map[string]string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, clip); err != nil {
		return "", fmt.Errorf("read clip: %w", err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("transcription status=%d body=%s", resp.StatusCode, string(b))
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return tr.pick(), nil
}
