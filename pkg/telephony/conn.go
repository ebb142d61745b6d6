package telephony

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Conn is an accepted media stream connection. Reads decode inbound frames;
// writes encode the playback controls. Writes are safe for concurrent use.
type Conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
}

// Accept upgrades an HTTP request to a media stream connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept websocket: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and decodes the next inbound frame. Decode errors carry
// ErrUnknownFrame or ErrProtocolViolation; transport errors are returned
// as-is.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: non-text message", ErrProtocolViolation)
	}
	return DecodeFrame(data)
}

// WriteMedia sends a mu-law audio chunk to the provider for playback.
func (c *Conn) WriteMedia(ctx context.Context, streamSID string, payload []byte) error {
	data, err := EncodeMedia(streamSID, payload)
	if err != nil {
		return fmt.Errorf("telephony: encode media frame: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// WriteMark sends a playback marker.
func (c *Conn) WriteMark(ctx context.Context, streamSID, name string) error {
	data, err := EncodeMark(streamSID, name)
	if err != nil {
		return fmt.Errorf("telephony: encode mark frame: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// WriteClear tells the provider to discard its buffered playback audio.
// Used when the caller barges in over engine speech.
func (c *Conn) WriteClear(ctx context.Context, streamSID string) error {
	data, err := EncodeClear(streamSID)
	if err != nil {
		return fmt.Errorf("telephony: encode clear frame: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying WebSocket with a normal closure. It is safe
// to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
