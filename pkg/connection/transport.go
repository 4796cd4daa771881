// Package connection owns the transport lifecycle: the connection state
// machine, outbound queueing, reconnection with backoff and jitter, and
// subscription restoration.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloseNormal is the close code that never triggers a reconnect.
const CloseNormal = 1000

// closeAbnormal is reported when the peer vanishes without a close
// handshake.
const closeAbnormal = 1006

// Transport is a bidirectional message channel. Implementations fire
// the registered handlers from a single goroutine.
type Transport interface {
	// Open attempts the connection. The open handler fires on success.
	Open(ctx context.Context) error
	// Send writes one message frame.
	Send(data []byte, binary bool) error
	// Close performs the close handshake. Safe to call at any time.
	Close(code int, reason string) error

	OnOpen(fn func())
	OnClose(fn func(code int, reason string))
	OnMessage(fn func(data []byte, binary bool))
	OnError(fn func(err error))
}

// ErrInvalidURL is returned for transport URLs outside ws:// and wss://.
var ErrInvalidURL = fmt.Errorf("transport URL must use ws or wss scheme")

// WebSocketTransport is the gorilla/websocket Transport.
type WebSocketTransport struct {
	url       string
	protocols []string
	dialer    *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	onOpen    func()
	onClose   func(code int, reason string)
	onMessage func(data []byte, binary bool)
	onError   func(err error)
}

// NewWebSocketTransport validates the URL and constructs a transport.
func NewWebSocketTransport(rawURL string, protocols []string) (*WebSocketTransport, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("transport URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing transport URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, ErrInvalidURL
	}
	return &WebSocketTransport{
		url:       rawURL,
		protocols: protocols,
		dialer: &websocket.Dialer{
			Subprotocols:     protocols,
			HandshakeTimeout: 45 * time.Second,
		},
	}, nil
}

func (t *WebSocketTransport) OnOpen(fn func())                          { t.onOpen = fn }
func (t *WebSocketTransport) OnClose(fn func(code int, reason string))  { t.onClose = fn }
func (t *WebSocketTransport) OnMessage(fn func(data []byte, binary bool)) { t.onMessage = fn }
func (t *WebSocketTransport) OnError(fn func(err error))                { t.onError = fn }

// Open dials the server and starts the read pump.
func (t *WebSocketTransport) Open(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if t.onError != nil {
			t.onError(err)
		}
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	if t.onOpen != nil {
		t.onOpen()
	}
	go t.readPump(conn)
	return nil
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeAbnormal, err.Error()
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code, reason = closeErr.Code, closeErr.Text
			} else if t.onError != nil {
				t.onError(err)
			}
			if t.onClose != nil {
				t.onClose(code, reason)
			}
			return
		}
		if t.onMessage != nil {
			t.onMessage(data, messageType == websocket.BinaryMessage)
		}
	}
}

// Send writes one frame. Text frames carry JSON messages, binary frames
// pass through untouched.
func (t *WebSocketTransport) Send(data []byte, binary bool) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport is not open")
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return conn.WriteMessage(messageType, data)
}

// Close performs the websocket close handshake. Idempotent.
func (t *WebSocketTransport) Close(code int, reason string) error {
	t.mu.Lock()
	conn := t.conn
	alreadyClosed := t.closed
	t.closed = true
	t.conn = nil
	t.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return conn.Close()
}
