package xunfei

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DialTimeout      = 10 * time.Second
	WriteWait        = 10 * time.Second
	CloseGracePeriod = time.Second
)

// ErrClosed is returned by ReadFrame once the service has closed the
// connection normally.
var ErrClosed = errors.New("xunfei: connection closed by upstream")

// Client is a single RTASR websocket connection. Reads must come from one
// goroutine; writes are serialized internally.
type Client struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a signed RTASR endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to rtasr (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to rtasr: %w", err)
	}

	return &Client{conn: conn}, nil
}

// SendAudio writes one PCM chunk as a binary frame.
func (c *Client) SendAudio(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// EndStream tells the service no more audio will follow.
func (c *Client) EndStream() error {
	msg, err := json.Marshal(map[string]bool{"end": true})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send end of stream: %w", err)
	}
	return nil
}

// ReadFrame blocks until the next text frame arrives. Decoding failures
// wrap ErrParse; anything else is a transport error.
func (c *Client) ReadFrame() (Frame, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, ErrClosed
			}
			return Frame{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return ParseFrame(data)
	}
}

// Close sends a close frame and releases the connection. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(CloseGracePeriod))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
