package browser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol spoken by broadway viewers.
const Subprotocol = "broadway"

const (
	closeGracePeriod = time.Second

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second
)

// Message is a single WebSocket frame. Type is one of the websocket message
// types (websocket.TextMessage, websocket.BinaryMessage).
type Message struct {
	Type int
	Data []byte
}

// Channel is a bidirectional message connection. Receive and Send return an
// error wrapping ErrChannelClosed once the underlying connection is gone.
type Channel interface {
	// Receive blocks until a message arrives or ctx is done, in which case
	// ctx.Err() is returned and the Channel remains usable.
	Receive(ctx context.Context) (Message, error)
	Send(ctx context.Context, msg Message) error
	Close() error
}

// WebSocketChannel is a Channel over a gorilla WebSocket connection. A single
// read loop owns the connection's read side so Receive can be cancelled
// without corrupting the connection.
type WebSocketChannel struct {
	conn *websocket.Conn

	incoming chan Message
	done     chan struct{}
	err      error

	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	pongWait   time.Duration
	pingPeriod time.Duration
}

// ChannelOption configures a WebSocketChannel.
type ChannelOption func(*WebSocketChannel)

// WithPongWait sets how long the peer may stay silent, pongs included,
// before the Channel is considered closed. Pings are sent at 9/10 of d.
func WithPongWait(d time.Duration) ChannelOption {
	return func(c *WebSocketChannel) {
		c.pongWait = d
		c.pingPeriod = (d * 9) / 10
	}
}

// NewWebSocketChannel wraps conn and starts reading from it. The peer is
// pinged periodically and a peer that stops answering closes the Channel.
func NewWebSocketChannel(conn *websocket.Conn, opts ...ChannelOption) *WebSocketChannel {
	c := &WebSocketChannel{
		conn:     conn,
		incoming: make(chan Message),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}

	WithPongWait(defaultPongWait)(c)

	for _, opt := range opts {
		opt(c)
	}

	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})

	go c.readLoop()
	go c.pingLoop()

	return c
}

// DialWebSocket opens a Channel to the socket endpoint at address, which may
// be an http(s) or ws(s) URL.
func DialWebSocket(ctx context.Context, address string, opts ...ChannelOption) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}

	conn, _, err := dialer.DialContext(ctx, toWebSocketURL(address), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return NewWebSocketChannel(conn, opts...), nil
}

func (c *WebSocketChannel) extendReadDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
}

func (c *WebSocketChannel) readLoop() {
	defer close(c.done)

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}

		select {
		case c.incoming <- Message{Type: typ, Data: data}:
		case <-c.closed:
			c.err = websocket.ErrCloseSent
			return
		}

		// Pongs are only handled while reading.
		c.extendReadDeadline()
	}
}

func (c *WebSocketChannel) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(writeWait),
			); err != nil {
				return
			}
		case <-c.done:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *WebSocketChannel) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return Message{}, fmt.Errorf("%w: %w", ErrChannelClosed, c.err)
	case <-c.closed:
		return Message{}, ErrChannelClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *WebSocketChannel) Send(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(msg.Type, msg.Data); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	return nil
}

// Close sends a close frame to the peer and closes the connection. Closing a
// closed Channel is a no-op. Close does not wait for a pending Send.
func (c *WebSocketChannel) Close() error {
	var err error

	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)

		close(c.closed)

		err = c.conn.Close()
	})

	return err
}

func toWebSocketURL(address string) string {
	switch {
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	default:
		return address
	}
}
