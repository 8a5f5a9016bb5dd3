package signaling

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

// supervise keeps one transport open for peerID until ctx is done.
// It is the only place a reconnect is scheduled.
func (c *Channel) supervise(ctx context.Context, peerID common.PeerID, done chan struct{}) {
	defer close(done)

	b := backoff.NewConstantBackOff(c.config.ReconnectDelay)

	for {
		conn, err := c.dial(ctx, peerID)
		if err != nil {
			c.logger.Warn("Failed to connect to signaling relay",
				zap.String("peer_id", peerID.String()),
				zap.Error(err))
		} else {
			c.setConn(conn)
			c.logger.Info("Signaling channel online", zap.String("peer_id", peerID.String()))

			err = c.readLoop(ctx, conn)

			c.clearConn(conn)
			conn.Close()
			c.logger.Info("Signaling channel offline",
				zap.String("peer_id", peerID.String()),
				zap.Error(err))
		}

		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		metrics.SignalingReconnects.Inc()
		c.logger.Debug("Scheduling signaling reconnect", zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Channel) dial(ctx context.Context, peerID common.PeerID) (*websocket.Conn, error) {
	endpoint, err := c.endpoint(peerID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()

	conn, _, err := c.config.Dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop reads frames until the connection breaks or ctx is done
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pongWait := 2 * c.config.PingInterval

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblock ReadMessage
				c.writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
					c.logger.Debug("Failed to write ping", zap.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}
