// Package evi implements the client for the empathic voice engine's chat
// WebSocket.
//
// It establishes a bidirectional connection to the engine endpoint and
// exchanges JSON events. Audio travels as base64-encoded linear PCM16 chunks;
// engine-side control events (readiness, caller interruption, transcript
// messages) are surfaced on a single ordered event channel so that a consumer
// observes them in arrival order relative to the audio.
package evi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultBaseURL      = "wss://api.hume.ai/v0/evi/chat"
	defaultSampleRate   = 48000
	defaultPingInterval = 20 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSampleRate sets the PCM sample rate announced in session settings.
func WithSampleRate(hz int) Option {
	return func(p *Provider) { p.sampleRate = hz }
}

// WithPingInterval sets the keepalive ping interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(p *Provider) { p.pingInterval = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider dials engine chat sessions. One Provider serves any number of
// concurrent sessions.
type Provider struct {
	apiKey       string
	configID     string
	baseURL      string
	sampleRate   int
	pingInterval time.Duration
}

// New creates a Provider with the given API key, engine configuration ID and
// options.
func New(apiKey, configID string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		configID:     configID,
		baseURL:      defaultBaseURL,
		sampleRate:   defaultSampleRate,
		pingInterval: defaultPingInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SampleRate returns the PCM sample rate sessions are configured with.
func (p *Provider) SampleRate() int { return p.sampleRate }

// Connect establishes a new engine session. The session settings announcing
// the audio format are sent before Connect returns, so the session accepts
// audio immediately. The engine signals readiness with a metadata event,
// surfaced as EventReady.
func (p *Provider) Connect(ctx context.Context) (*Session, error) {
	wsURL := p.baseURL
	if p.configID != "" {
		wsURL = fmt.Sprintf("%s?config_id=%s", p.baseURL, url.QueryEscape(p.configID))
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"X-Hume-Api-Key": []string{p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evi: dial: %w", err)
	}
	// A single audio_output event can carry several seconds of base64-encoded
	// PCM16, well past the 32KiB default read limit.
	conn.SetReadLimit(1 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionSettings(p.sampleRate); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session settings failed")
		return nil, fmt.Errorf("evi: session settings: %w", err)
	}

	go sess.receiveLoop()
	if p.pingInterval > 0 {
		go sess.pingLoop(p.pingInterval)
	}

	return sess, nil
}

// ── Events ─────────────────────────────────────────────────────────────────────

// EventKind identifies an engine event.
type EventKind int

const (
	// EventAudio carries a decoded PCM16 chunk of engine speech.
	EventAudio EventKind = iota + 1

	// EventReady is the engine's metadata event: the session is live and the
	// engine will start responding to audio.
	EventReady

	// EventInterruption reports that the caller spoke over the engine. Any
	// engine audio already received but not yet played should be discarded.
	EventInterruption

	// EventUserMessage carries the transcript of a caller utterance.
	EventUserMessage

	// EventAssistantMessage carries the transcript of an engine utterance.
	EventAssistantMessage
)

// Event is one engine event in arrival order.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio []byte

	// Text is set for the message kinds.
	Text string

	// ChatID is set for EventReady.
	ChatID string
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionSettingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
}

type audioSettings struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type audioInputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded PCM16
}

type serverEvent struct {
	Type string `json:"type"`

	// audio_output
	Data string `json:"data,omitempty"`

	// chat_metadata
	ChatID string `json:"chat_id,omitempty"`

	// user_message / assistant_message
	Message *serverMessage `json:"message,omitempty"`
}

type serverMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Error events reuse the "message" key for plain error text, so they are
// decoded separately from transcript events.
type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Slug    string `json:"slug"`
	Message string `json:"message"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live engine connection.
type Session struct {
	conn         *websocket.Conn
	events       chan Event
	errorHandler func(error)

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionSettings announces the audio format the session will speak.
func (s *Session) sendSessionSettings(sampleRate int) error {
	return s.writeJSON(sessionSettingsMessage{
		Type: "session_settings",
		Audio: audioSettings{
			Encoding:   "linear16",
			SampleRate: sampleRate,
			Channels:   1,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("evi: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the event channel: it closes it when it exits.
func (s *Session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				// Clean engine hangup, not a failure.
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if evt.Type == "error" {
			s.handleErrorEvent(data)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "audio_output":
		if evt.Data == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Data)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(Event{Kind: EventAudio, Audio: pcm})

	case "chat_metadata":
		s.emit(Event{Kind: EventReady, ChatID: evt.ChatID})

	case "user_interruption":
		s.emit(Event{Kind: EventInterruption})

	case "user_message":
		if evt.Message == nil || evt.Message.Content == "" {
			return
		}
		s.emit(Event{Kind: EventUserMessage, Text: evt.Message.Content})

	case "assistant_message":
		if evt.Message == nil || evt.Message.Content == "" {
			return
		}
		s.emit(Event{Kind: EventAssistantMessage, Text: evt.Message.Content})
	}
}

func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleErrorEvent(data []byte) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}

	var detail serverError
	_ = json.Unmarshal(data, &detail)
	msg := detail.Message
	if msg == "" {
		msg = "unknown error"
	}
	if detail.Code != "" {
		handler(fmt.Errorf("evi: %s (code %s)", msg, detail.Code))
		return
	}
	handler(fmt.Errorf("evi: %s", msg))
}

// pingLoop keeps the connection alive across idle stretches.
func (s *Session) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.conn.Ping(s.ctx); err != nil {
				return
			}
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// SendAudio delivers a raw PCM16 chunk of caller audio to the engine.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("evi: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(audioInputMessage{
		Type: "audio_input",
		Data: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Events returns the ordered engine event channel. It is closed when the
// session ends; check Err afterwards to distinguish failure from closure.
func (s *Session) Events() <-chan Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// OnError registers a callback for non-fatal error events from the engine.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Close terminates the session and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
