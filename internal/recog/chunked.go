package recog

import (
	"bytes"
	"context"
	"log"
	"sync"
	"time"
)

// ClipSource exposes the current bytes of an in-progress recording.
type ClipSource interface {
	// Clip returns a snapshot of the recording so far, or ok=false when no
	// recording is active.
	Clip() (data []byte, name string, ok bool)
}

// Chunked is the chunked-streaming strategy: every interval it snapshots the
// in-progress clip and posts it to the streaming endpoint flagged partial.
// A successful response with non-empty text becomes a Partial event. Failed
// chunks are logged and swallowed; one dropped chunk must not abort the turn.
//
// Posts are fire-and-forget relative to the tick: if one is still in flight
// when the next tick fires, the new snapshot still proceeds. The assembler's
// last-distinct-wins rule absorbs any resulting reordering.
type Chunked struct {
	client   *Client
	source   ClipSource
	interval time.Duration

	mu       sync.Mutex
	sink     Sink
	running  bool
	language string
	cancel   context.CancelFunc
}

// NewChunked builds the strategy. interval <= 0 defaults to one second.
func NewChunked(client *Client, source ClipSource, interval time.Duration) *Chunked {
	if interval <= 0 {
		interval = time.Second
	}
	return &Chunked{client: client, source: source, interval: interval}
}

func (p *Chunked) Attach(sink Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *Chunked) Start(ctx context.Context, language string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.language = language
	p.cancel = cancel
	p.mu.Unlock()

	p.emit(Event{Kind: KindStarted})
	go p.loop(runCtx)
	return nil
}

// Stop is idempotent and safe when already stopped. In-flight chunk posts
// are abandoned via context cancellation.
func (p *Chunked) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	sink := p.sink
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sink != nil {
		sink(Event{Kind: KindEnded})
	}
}

func (p *Chunked) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick may race a Stop that already tore the session down;
			// re-check before touching the clip.
			if !p.active() {
				return
			}
			data, name, ok := p.source.Clip()
			if !ok || len(data) == 0 {
				continue
			}
			go p.postChunk(ctx, data, name)
		}
	}
}

func (p *Chunked) postChunk(ctx context.Context, data []byte, name string) {
	text, err := p.client.TranscribeChunk(ctx, bytes.NewReader(data), name, p.languageNow())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("recog: chunk transcription failed (non-fatal): %v", err)
		}
		return
	}
	if text == "" {
		return
	}
	p.emit(Event{Kind: KindPartial, Text: text})
}

func (p *Chunked) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Chunked) languageNow() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// emit delivers an event only while attached and running.
func (p *Chunked) emit(ev Event) {
	p.mu.Lock()
	sink := p.sink
	running := p.running
	p.mu.Unlock()
	if running && sink != nil {
		sink(ev)
	}
}
