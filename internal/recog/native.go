package recog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Native is the native-continuous strategy: it subscribes to a continuous
// recognizer over a websocket and relays its speech-start / partial-results /
// final-results / volume / error callbacks as normalized events.
//
// The recognizer routinely raises "no speech" as an error code even though,
// semantically, it is normal end-of-silence behavior. Those codes are
// filtered into a quiet Ended instead of surfacing a false alarm on every
// pause; only genuine engine or permission faults become Error events.
type Native struct {
	wsURL  string
	apiKey string

	mu      sync.Mutex
	sink    Sink
	running bool
	conn    *websocket.Conn
	audio   chan []byte

	stopOnce  *sync.Once
	closeSend *sync.Once
}

func NewNative(wsURL, apiKey string) *Native {
	return &Native{wsURL: wsURL, apiKey: apiKey}
}

func (p *Native) Attach(sink Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *Native) Start(ctx context.Context, language string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if strings.TrimSpace(p.wsURL) == "" {
		return errors.New("recog: native recognizer URL is not configured")
	}

	u, err := url.Parse(p.wsURL)
	if err != nil {
		return fmt.Errorf("recog: invalid recognizer URL: %w", err)
	}
	q := u.Query()
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Bearer "+p.apiKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			log.Printf("recog: recognizer handshake failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("recog: connect to recognizer: %w", err)
	}

	p.mu.Lock()
	p.running = true
	p.conn = conn
	p.audio = make(chan []byte, 64)
	p.stopOnce = &sync.Once{}
	p.closeSend = &sync.Once{}
	p.mu.Unlock()

	p.emit(Event{Kind: KindStarted})
	go p.readLoop(conn)
	go p.writeLoop(conn, p.audio)
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// SendPCM feeds raw capture PCM to the recognizer. Drops the buffer when the
// session is not running or the queue is full. The non-blocking send happens
// under the mutex so it cannot race Stop closing the queue.
func (p *Native) SendPCM(pcm []byte) error {
	copied := append([]byte(nil), pcm...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.audio == nil {
		return errors.New("recog: recognizer session is not running")
	}
	select {
	case p.audio <- copied:
	default:
		log.Printf("recog: audio queue full, dropping %d bytes", len(pcm))
	}
	return nil
}

// Stop is idempotent and safe when already stopped.
func (p *Native) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	conn := p.conn
	p.conn = nil
	once := p.stopOnce
	audio := p.audio
	p.audio = nil
	// Close the audio queue while still holding the mutex: SendPCM sends
	// under the same lock, so a send on the closed channel is impossible.
	if audio != nil {
		p.closeSend.Do(func() { close(audio) })
	}
	sink := p.sink
	p.mu.Unlock()

	once.Do(func() {
		if conn != nil {
			_ = conn.WriteJSON(map[string]string{"type": "Stop"})
			_ = conn.Close()
		}
		if sink != nil {
			sink(Event{Kind: KindEnded})
		}
	})
}

type recognizerFrame struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	DB      float64 `json:"db"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}

func (p *Native) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if p.active() && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				p.emit(Event{Kind: KindError, ErrorKind: ErrorKindNetwork, Message: err.Error()})
			}
			p.Stop()
			return
		}

		var frame recognizerFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("recog: unparseable recognizer frame: %v", err)
			continue
		}
		p.handleFrame(frame)
	}
}

func (p *Native) handleFrame(frame recognizerFrame) {
	switch strings.ToLower(frame.Type) {
	case "speechstart", "started":
		// Session-start acknowledgement; Started was already emitted.
	case "partial":
		if frame.Text != "" {
			p.emit(Event{Kind: KindPartial, Text: frame.Text})
		}
	case "final":
		if frame.Text != "" {
			p.emit(Event{Kind: KindFinal, Text: frame.Text})
		}
	case "volume":
		p.emit(Event{Kind: KindVolume, DB: frame.DB})
	case "end", "speechend":
		p.Stop()
	case "error":
		if benignCode(frame.Code) {
			// Normal end-of-silence dressed up as an error; end quietly.
			p.Stop()
			return
		}
		kind := ErrorKindEngine
		if strings.Contains(strings.ToLower(frame.Code), "permission") {
			kind = ErrorKindPermission
		}
		msg := frame.Message
		if msg == "" {
			msg = frame.Code
		}
		p.emit(Event{Kind: KindError, ErrorKind: kind, Message: msg})
		p.Stop()
	default:
		log.Printf("recog: unknown recognizer frame type %q", frame.Type)
	}
}

// benignCode reports whether an error code is normal conversational-pause
// behavior rather than a fault.
func benignCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "no_speech", "no-speech", "nospeech", "speech_timeout",
		"cancelled", "canceled", "recognition_cancelled":
		return true
	}
	return false
}

func (p *Native) writeLoop(conn *websocket.Conn, audio <-chan []byte) {
	for chunk := range audio {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			log.Printf("recog: send audio failed: %v", err)
			return
		}
	}
}

func (p *Native) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Native) emit(ev Event) {
	p.mu.Lock()
	sink := p.sink
	running := p.running
	p.mu.Unlock()
	if running && sink != nil {
		sink(ev)
	}
}
