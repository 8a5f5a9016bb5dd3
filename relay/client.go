package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

// client is one peer's websocket connection
type client struct {
	hub         *Hub
	id          common.PeerID
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newClient(h *Hub, id common.PeerID, conn *websocket.Conn, remoteAddr string) *client {
	return &client{
		hub:         h,
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, h.config.SendBuffer),
		done:        make(chan struct{}),
	}
}

func (c *client) info() PeerInfo {
	return PeerInfo{
		ID:          c.id,
		ConnectedAt: c.connectedAt,
		RemoteAddr:  c.remoteAddr,
	}
}

// enqueue queues a frame for the peer without blocking
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close asks the writer to send a close frame and drop the connection
func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *client) readLoop() {
	pongWait := 2 * c.hub.config.PingInterval

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("Peer connection read failed", zap.String("peer_id", c.id.String()), zap.Error(err))
			}
			return
		}
		// Any frame proves liveness
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.route(c, data)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("Peer connection write failed", zap.String("peer_id", c.id.String()), zap.Error(err))
				c.close("")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.hub.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close("")
				return
			}

		case <-c.done:
			if c.reason != "" {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
				c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.config.WriteTimeout))
			}
			return
		}
	}
}
