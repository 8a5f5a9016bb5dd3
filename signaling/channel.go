package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

// ErrNotOpen is returned by Send while the transport is down
var ErrNotOpen = errors.New("signaling channel is not open")

// Handler receives every inbound envelope
type Handler func(env *Envelope)

// Config contains configuration for the signaling channel
type Config struct {
	// URL is the relay base URL, e.g. ws://localhost:8080
	URL string

	// ReconnectDelay is the fixed wait between a close and the next dial
	ReconnectDelay time.Duration

	// PingInterval is how often keepalive pings are written
	PingInterval time.Duration

	// WriteTimeout bounds every frame write
	WriteTimeout time.Duration

	// Dialer overrides the websocket dialer
	Dialer *websocket.Dialer
}

// DefaultConfig returns the default signaling configuration
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080",
		ReconnectDelay: 3 * time.Second,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Channel is a persistent websocket transport to the relay for one peer identity
type Channel struct {
	logger *zap.Logger
	config Config

	mu             sync.RWMutex
	conn           *websocket.Conn
	peerID         common.PeerID
	cancel         context.CancelFunc
	done           chan struct{}
	online         chan struct{}
	handlers       []Handler
	statusHandlers []func(online bool)

	writeMu sync.Mutex
}

// NewChannel creates a new signaling channel. Call Connect to open it.
func NewChannel(logger *zap.Logger, config Config) *Channel {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	return &Channel{
		logger: logger,
		config: config,
		online: make(chan struct{}),
	}
}

// Connect opens the transport for peerID. A previous transport is closed first.
// Dial failures are not returned; the channel keeps retrying until ctx is done or Close is called.
func (c *Channel) Connect(ctx context.Context, peerID common.PeerID) error {
	if peerID == "" {
		return errors.New("peer id is required")
	}
	if _, err := c.endpoint(peerID); err != nil {
		return err
	}

	c.stopSupervisor()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.peerID = peerID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.supervise(ctx, peerID, done)

	c.logger.Info("Signaling channel started",
		zap.String("peer_id", peerID.String()),
		zap.String("url", c.config.URL))

	return nil
}

// Close stops the channel and closes the transport
func (c *Channel) Close() error {
	c.stopSupervisor()
	return nil
}

// PeerID returns the identity the channel is registered under
func (c *Channel) PeerID() common.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// IsOpen reports whether the transport is currently open
func (c *Channel) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// WaitOnline blocks until the transport is open or ctx is done
func (c *Channel) WaitOnline(ctx context.Context) error {
	c.mu.RLock()
	online := c.online
	c.mu.RUnlock()

	select {
	case <-online:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds a handler for inbound envelopes. Handlers run on the read goroutine.
func (c *Channel) Subscribe(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnStatus adds a handler for online/offline transitions
func (c *Channel) OnStatus(f func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandlers = append(c.statusHandlers, f)
}

// Send writes env to the relay. While the transport is down the envelope is
// dropped, logged and ErrNotOpen is returned.
func (c *Channel) Send(env *Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.logger.Warn("Dropping envelope, signaling channel is not open",
			zap.String("type", env.Type),
			zap.String("receiver", env.Receiver.String()))
		return ErrNotOpen
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("Failed to write envelope",
			zap.String("type", env.Type),
			zap.String("receiver", env.Receiver.String()),
			zap.Error(err))
		// The read loop sees the broken connection and schedules the reconnect
		conn.Close()
		return fmt.Errorf("failed to send envelope: %w", err)
	}

	c.logger.Debug("Sent envelope",
		zap.String("type", env.Type),
		zap.String("receiver", env.Receiver.String()))

	return nil
}

func (c *Channel) endpoint(peerID common.PeerID) (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid signaling url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/" + url.PathEscape(peerID.String())
	return u.String(), nil
}

func (c *Channel) stopSupervisor() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.online)
	handlers := append([]func(bool){}, c.statusHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(true)
	}
}

func (c *Channel) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.online = make(chan struct{})
	handlers := append([]func(bool){}, c.statusHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(false)
	}
}

func (c *Channel) dispatch(data []byte) {
	env, err := Decode(data)
	if err != nil {
		c.logger.Warn("Discarding malformed signaling frame", zap.Error(err))
		return
	}

	c.mu.RLock()
	handlers := append([]Handler{}, c.handlers...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}
