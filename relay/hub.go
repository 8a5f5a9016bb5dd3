// Package relay forwards signaling envelopes between peers connected over
// websockets at /chat/{peerIdentity}. It never sees file data.
package relay

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/signaling"
)

// PathPrefix is the route peers connect on
const PathPrefix = "/chat/"

// Forwarding outcomes recorded in metrics
const (
	OutcomeForwarded   = "forwarded"
	OutcomeUnavailable = "unavailable"
	OutcomeMalformed   = "malformed"
	OutcomeSpoofed     = "spoofed"
	OutcomeOverflow    = "overflow"
)

// ErrHubClosed is returned when connecting to a closed hub
var ErrHubClosed = errors.New("relay hub is closed")

// Config contains configuration for the relay hub
type Config struct {
	// PingInterval is how often each connection is pinged
	PingInterval time.Duration

	// WriteTimeout bounds every frame write
	WriteTimeout time.Duration

	// MaxMessageSize is the largest inbound frame accepted
	MaxMessageSize int64

	// SendBuffer is the number of frames queued per peer before frames are dropped
	SendBuffer int
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

// PeerInfo describes a connected peer
type PeerInfo struct {
	ID          common.PeerID `json:"id"`
	ConnectedAt time.Time     `json:"connectedAt"`
	RemoteAddr  string        `json:"remoteAddr"`
}

// Hub routes envelopes between connected peers by identity
type Hub struct {
	logger   *zap.Logger
	config   Config
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	peers  map[common.PeerID]*client
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger, config Config) *Hub {
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}

	return &Hub{
		logger: logger,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[common.PeerID]*client),
	}
}

// ServeHTTP upgrades /chat/{peerIdentity} requests and serves the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := peerFromPath(r.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.String("peer_id", id.String()), zap.Error(err))
		return
	}

	c := newClient(h, id, conn, r.RemoteAddr)
	if !h.register(c) {
		conn.Close()
		return
	}

	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()

	c.readLoop()
	h.unregister(c)
}

// OnlinePeers returns the connected peers sorted by identity
func (h *Hub) OnlinePeers() []PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]PeerInfo, 0, len(h.peers))
	for _, c := range h.peers {
		peers = append(peers, c.info())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Peer returns the connection details for id
func (h *Hub) Peer(id common.PeerID) (PeerInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return c.info(), true
}

// Close disconnects every peer and refuses new connections
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	peers := make([]*client, 0, len(h.peers))
	for _, c := range h.peers {
		peers = append(peers, c)
	}
	h.peers = make(map[common.PeerID]*client)
	h.mu.Unlock()

	for _, c := range peers {
		c.close("relay shutting down")
	}
	h.wg.Wait()
	metrics.RelayConnectedPeers.Set(0)

	h.logger.Info("Relay hub closed", zap.Int("disconnected", len(peers)))
}

// register adds c, replacing and closing any previous connection for the same identity
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	previous := h.peers[c.id]
	h.peers[c.id] = c
	// Writers are counted under the lock Close takes
	h.wg.Add(1)
	count := len(h.peers)
	h.mu.Unlock()

	metrics.RelayConnectedPeers.Set(float64(count))
	if previous != nil {
		previous.close("replaced by a new connection")
		h.logger.Info("Replaced peer connection", zap.String("peer_id", c.id.String()))
	}

	h.logger.Info("Peer connected",
		zap.String("peer_id", c.id.String()),
		zap.String("remote_addr", c.remoteAddr),
		zap.Int("peers", count))
	return true
}

// unregister removes c unless it was already replaced
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current := h.peers[c.id] == c
	if current {
		delete(h.peers, c.id)
	}
	count := len(h.peers)
	h.mu.Unlock()

	c.close("")
	if current {
		metrics.RelayConnectedPeers.Set(float64(count))
		h.logger.Info("Peer disconnected", zap.String("peer_id", c.id.String()), zap.Int("peers", count))
	}
}

// route forwards a frame read from c to the envelope's receiver
func (h *Hub) route(from *client, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		metrics.RelayForwarded.WithLabelValues(OutcomeMalformed).Inc()
		h.logger.Debug("Dropping malformed frame", zap.String("peer_id", from.id.String()), zap.Error(err))
		return
	}
	if env.Sender != from.id {
		metrics.RelayForwarded.WithLabelValues(OutcomeSpoofed).Inc()
		h.logger.Warn("Dropping frame with forged sender",
			zap.String("peer_id", from.id.String()),
			zap.String("sender", env.Sender.String()))
		return
	}
	if env.Receiver == "" {
		metrics.RelayForwarded.WithLabelValues(OutcomeMalformed).Inc()
		return
	}

	h.mu.RLock()
	target := h.peers[env.Receiver]
	h.mu.RUnlock()

	if target == nil {
		metrics.RelayForwarded.WithLabelValues(OutcomeUnavailable).Inc()
		h.logger.Debug("Receiver offline",
			zap.String("sender", env.Sender.String()),
			zap.String("receiver", env.Receiver.String()),
			zap.String("type", env.Type))

		// Only the steps that open a negotiation are answered
		if env.Type == signaling.TypeConnectionRequest || env.Type == signaling.TypeOffer {
			reply := signaling.NewEnvelope(signaling.TypePeerUnavailable, env.Receiver, env.Sender)
			if data, err := reply.Encode(); err == nil {
				from.enqueue(data)
			}
		}
		return
	}

	// Forward the frame as received so fields unknown here survive
	if target.enqueue(data) {
		metrics.RelayForwarded.WithLabelValues(OutcomeForwarded).Inc()
	} else {
		metrics.RelayForwarded.WithLabelValues(OutcomeOverflow).Inc()
		h.logger.Warn("Dropping frame for slow peer", zap.String("receiver", target.id.String()))
	}
}

func peerFromPath(u *url.URL) (common.PeerID, error) {
	path := u.EscapedPath()
	if !strings.HasPrefix(path, PathPrefix) {
		return "", errors.New("expected " + PathPrefix + "{peerIdentity}")
	}
	raw := strings.TrimPrefix(path, PathPrefix)
	if raw == "" || strings.Contains(raw, "/") {
		return "", errors.New("invalid peer identity")
	}
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		return "", errors.New("invalid peer identity")
	}
	return common.PeerID(id), nil
}
