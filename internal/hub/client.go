package hub

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/entity"
	"github.com/stafflink/rosterhub/internal/registry"
)

const (
	sendQueueSize  = 64
	writeDeadline  = 10 * time.Second
	readDeadline   = 60 * time.Second
	maxMessageSize = 1 << 20
)

// wsClient is one websocket connection. The read pump feeds decoded messages
// to the hub; the write pump drains the outbound queue. TrySend never blocks,
// so one slow client cannot stall a broadcast.
type wsClient struct {
	id     entity.ClientID
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	logger *zap.Logger
}

func newWSClient(id entity.ClientID, conn *websocket.Conn, logger *zap.Logger) *wsClient {
	return &wsClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// TrySend enqueues the message without blocking.
func (c *wsClient) TrySend(message []byte) error {
	select {
	case <-c.closed:
		return registry.ErrClientClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	default:
		return registry.ErrSendQueueFull
	}
}

// Close marks the client dead and closes the socket. Safe to call more than
// once.
func (c *wsClient) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

// readPump reads inbound frames and hands them to the hub until the
// connection errors or closes.
func (c *wsClient) readPump(h *Hub) {
	defer h.Disconnect(c.id)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.String("client_id", c.id.String()), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		h.Inbound(c.id, raw)
	}
}

// writePump drains the outbound queue and keeps the transport-level
// heartbeat alive.
func (c *wsClient) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("write failed", zap.String("client_id", c.id.String()), zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
