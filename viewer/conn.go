package viewer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned when sending on a closed viewer connection.
var ErrConnClosed = errors.New("viewer: connection closed")

// Conn is one live viewer connection.
type Conn interface {
	// Send writes msg as one JSON message.
	Send(msg any) error
	// Close closes the connection. Closing twice is a no-op.
	Close() error
}

const defaultWriteTimeout = 10 * time.Second

// wsConn is a Conn over a gorilla WebSocket. Writes are serialized since
// broadcasts and the session loop may send concurrently.
type wsConn struct {
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:           ws,
		remoteAddr:   ws.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (c *wsConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("failed to send close frame", "remoteAddr", c.remoteAddr, "error", err)
	}
	return c.ws.Close()
}

// readUntilClosed discards inbound messages until the peer goes away or the
// connection is closed.
func (c *wsConn) readUntilClosed() error {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return err
		}
	}
}
