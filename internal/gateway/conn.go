package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/auth"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/gateway/protocol"
)

// ErrSendQueueFull is returned when a connection's outbound queue is at
// capacity. The caller treats the client as unresponsive.
var ErrSendQueueFull = errors.New("send queue full")

// ErrConnClosed is returned when sending on a connection that has begun
// teardown.
var ErrConnClosed = errors.New("connection closed")

// Conn is one authenticated WebSocket connection. All outbound frames go
// through a bounded queue drained by a single write pump, so any goroutine
// may call Send without racing the socket.
type Conn struct {
	id       string
	ws       *websocket.Conn
	identity auth.Identity
	cfg      config.GatewayConfig
	logger   *zap.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closeMsg  []byte
}

func newConn(ws *websocket.Conn, identity auth.Identity, cfg config.GatewayConfig, logger *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		ws:       ws,
		identity: identity,
		cfg:      cfg,
		logger:   logger.With(zap.String("conn_id", id), zap.Int64("player_id", identity.PlayerID)),
		send:     make(chan []byte, cfg.SendQueueSize),
		closed:   make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Identity returns the verified identity this connection authenticated as.
func (c *Conn) Identity() auth.Identity { return c.identity }

// Send queues a frame for delivery. Never blocks.
//
// Postcondition: Returns nil if the frame was queued, ErrSendQueueFull if
// the client is not draining its queue, or ErrConnClosed during teardown.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// CloseWithCode begins teardown, delivering the given close code to the
// client. Safe to call multiple times; only the first code wins.
//
// Postcondition: The write pump drains, sends the close frame and closes
// the socket, which in turn unblocks the read loop.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(c.closed)
	})
}

// writePump owns all writes to the socket: queued frames, keepalive pings
// and the final close frame. Runs until teardown or a write error.
func (c *Conn) writePump() {
	pingPeriod := c.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("closing socket", zap.Error(err))
		}
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.CloseMessage, c.closeMsg); err != nil {
				c.logger.Debug("close frame failed", zap.Error(err))
			}
			return
		}
	}
}

// sendOrDrop queues a frame and force-closes the connection if the queue
// is full.
func (c *Conn) sendOrDrop(frame []byte) {
	if err := c.Send(frame); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			c.logger.Warn("send queue overflow, dropping connection")
			c.CloseWithCode(protocol.CloseServerDisconnect, "send queue overflow")
		}
	}
}
