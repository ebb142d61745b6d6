package evi_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caavoice/evibridge/pkg/evi"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startEngineServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startEngineServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent waits for one event with a timeout.
func nextEvent(t *testing.T, sess *evi.Session) evi.Event {
	t.Helper()
	select {
	case evt, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return evi.Event{}
}

// ── Connect handshake ─────────────────────────────────────────────────────────

func TestConnect_SendsAPIKeyAndConfigID(t *testing.T) {
	t.Parallel()

	type dialInfo struct {
		apiKey   string
		configID string
	}
	dials := make(chan dialInfo, 1)

	srv := startEngineServer(t, func(conn *websocket.Conn, r *http.Request) {
		dials <- dialInfo{
			apiKey:   r.Header.Get("X-Hume-Api-Key"),
			configID: r.URL.Query().Get("config_id"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("secret-key", "cfg-123", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case d := <-dials:
		if d.apiKey != "secret-key" {
			t.Errorf("api key header = %q; want secret-key", d.apiKey)
		}
		if d.configID != "cfg-123" {
			t.Errorf("config_id = %q; want cfg-123", d.configID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsSessionSettingsFirst(t *testing.T) {
	t.Parallel()

	type settings struct {
		Type  string `json:"type"`
		Audio struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"audio"`
	}
	got := make(chan settings, 1)

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s settings
		readJSON(t, conn, &s)
		got <- s
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)), evi.WithSampleRate(16000))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case s := <-got:
		if s.Type != "session_settings" {
			t.Errorf("first message type = %q; want session_settings", s.Type)
		}
		if s.Audio.Encoding != "linear16" || s.Audio.SampleRate != 16000 || s.Audio.Channels != 1 {
			t.Errorf("audio settings = %+v; want linear16/16000/1", s.Audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := evi.New("key", "cfg", evi.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded against closed port")
	}
}

// ── Event dispatch ────────────────────────────────────────────────────────────

func TestSession_EventOrderPreserved(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "chat_metadata", "chat_id": "chat-1"})
		writeJSON(t, conn, map[string]any{"type": "audio_output", "data": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "user_interruption"})
		writeJSON(t, conn, map[string]any{"type": "audio_output", "data": base64.StdEncoding.EncodeToString(pcm)})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wantKinds := []evi.EventKind{evi.EventReady, evi.EventAudio, evi.EventInterruption, evi.EventAudio}
	for i, want := range wantKinds {
		evt := nextEvent(t, sess)
		if evt.Kind != want {
			t.Fatalf("event %d kind = %v; want %v", i, evt.Kind, want)
		}
		if want == evi.EventAudio && len(evt.Audio) != len(pcm) {
			t.Fatalf("event %d audio = %d bytes; want %d", i, len(evt.Audio), len(pcm))
		}
		if want == evi.EventReady && evt.ChatID != "chat-1" {
			t.Fatalf("event %d chat id = %q; want chat-1", i, evt.ChatID)
		}
	}
}

func TestSession_LargeAudioFrame(t *testing.T) {
	t.Parallel()

	// 2.5s of 24kHz PCM16; base64 pushes the frame well past 32KiB.
	pcm := make([]byte, 120000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "audio_output", "data": base64.StdEncoding.EncodeToString(pcm)})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evt := nextEvent(t, sess)
	if evt.Kind != evi.EventAudio {
		t.Fatalf("event kind = %v; want audio", evt.Kind)
	}
	if len(evt.Audio) != len(pcm) {
		t.Fatalf("audio = %d bytes; want %d", len(evt.Audio), len(pcm))
	}
}

func TestSession_TranscriptMessages(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "user_message", "message": map[string]string{"role": "user", "content": "hello"}})
		writeJSON(t, conn, map[string]any{"type": "assistant_message", "message": map[string]string{"role": "assistant", "content": "hi there"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evt := nextEvent(t, sess)
	if evt.Kind != evi.EventUserMessage || evt.Text != "hello" {
		t.Errorf("first event = %+v; want user message %q", evt, "hello")
	}
	evt = nextEvent(t, sess)
	if evt.Kind != evi.EventAssistantMessage || evt.Text != "hi there" {
		t.Errorf("second event = %+v; want assistant message %q", evt, "hi there")
	}
}

func TestSession_MalformedEventsSkipped(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var raw map[string]any
		readJSON(t, conn, &raw)
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"type": "audio_output", "data": "???not-base64???"})
		writeJSON(t, conn, map[string]any{"type": "chat_metadata", "chat_id": "chat-2"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// The garbage frames must be dropped; the next real event still arrives.
	evt := nextEvent(t, sess)
	if evt.Kind != evi.EventReady || evt.ChatID != "chat-2" {
		t.Errorf("event after garbage = %+v; want ready chat-2", evt)
	}
}

func TestSession_ErrorEventCallsHandler(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session settings
		readJSON(t, conn, &raw) // audio sent once the handler is registered
		writeJSON(t, conn, map[string]any{"type": "error", "code": "E0101", "message": "bad things"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	errCh := make(chan error, 1)
	sess.OnError(func(e error) { errCh <- e })
	if err := sess.SendAudio([]byte{0x00, 0x01}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case e := <-errCh:
		if !strings.Contains(e.Error(), "bad things") || !strings.Contains(e.Error(), "E0101") {
			t.Errorf("handler error = %v; want message and code", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

// ── Sending audio ─────────────────────────────────────────────────────────────

func TestSendAudio_EncodesBase64(t *testing.T) {
	t.Parallel()

	type audioMsg struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	got := make(chan audioMsg, 1)

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		var m audioMsg
		readJSON(t, conn, &m)
		got <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	chunk := []byte{0x10, 0x20, 0x30, 0x40}
	if err := sess.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case m := <-got:
		if m.Type != "audio_input" {
			t.Errorf("type = %q; want audio_input", m.Type)
		}
		if m.Data != base64.StdEncoding.EncodeToString(chunk) {
			t.Errorf("data = %q; want base64 of chunk", m.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSendAudio_Concurrent(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = sess.SendAudio([]byte{0x00, 0x01})
			}
		}()
	}
	wg.Wait()
}

// ── Close semantics ───────────────────────────────────────────────────────────

func TestClose_IdempotentAndRejectsSend(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0x00, 0x01}); err == nil {
		t.Error("SendAudio after Close succeeded")
	}
}

func TestClose_DrainsEventChannel(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := evi.New("key", "cfg", evi.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("expected closed event channel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: event channel never closed")
	}
}
