// Package session ties negotiation and chunked transfer together behind the
// operations a UI drives, and owns the TransferState snapshot it renders.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/negotiation"
	"github.com/TFMV/furyshare/signaling"
	"github.com/TFMV/furyshare/transfer"
)

var (
	// ErrEmptyPeer is returned when a connection is initiated without a peer identity
	ErrEmptyPeer = errors.New("peer identity is empty")
	// ErrSelfConnect is returned when a connection targets the local identity
	ErrSelfConnect = errors.New("cannot connect to self")
	// ErrSignalingOffline is returned when the signaling channel is not open
	ErrSignalingOffline = errors.New("signaling channel is offline")
	// ErrNotConnected is returned when no data channel is open
	ErrNotConnected = errors.New("not connected to a peer")
	// ErrNoFile is returned when no file is selected
	ErrNoFile = errors.New("no file selected")
	// ErrSessionActive is returned when a session with the peer is already pending or open
	ErrSessionActive = errors.New("session with peer already active")
	// ErrNoSuchRequest is returned when no pending request exists for the sender
	ErrNoSuchRequest = errors.New("no pending connection request from peer")
	// ErrTransferInProgress is returned when a transfer is already running
	ErrTransferInProgress = errors.New("transfer already in progress")
	// ErrAcceptanceTimeout is reported when a connection request is not answered in time
	ErrAcceptanceTimeout = errors.New("connection request was not answered")
	// ErrConnectTimeout is reported when an accepted connection does not open in time
	ErrConnectTimeout = errors.New("data channel did not open in time")
	// ErrRejected is reported when the remote peer declines a request
	ErrRejected = errors.New("connection request rejected")
	// ErrPeerUnavailable is reported when the relay cannot reach the peer
	ErrPeerUnavailable = errors.New("peer is not connected to the relay")
	// ErrReplaced is reported when a pending attempt gives way to another peer's channel
	ErrReplaced = errors.New("connection attempt replaced by another peer")
	// ErrStopped is returned for operations on a stopped controller
	ErrStopped = errors.New("controller stopped")
)

// Signaling is the part of the signaling channel the controller uses
type Signaling interface {
	Send(env *signaling.Envelope) error
	IsOpen() bool
}

// Config contains configuration for a Controller
type Config struct {
	// Local is the identity this controller answers for
	Local common.PeerID

	// Name is sent with connection requests
	Name string

	// AcceptanceTimeout bounds the wait for the remote user's consent
	AcceptanceTimeout time.Duration

	// ConnectTimeout bounds the wait between consent and the channel opening
	ConnectTimeout time.Duration

	// Label is the data channel label
	Label string

	// MaxFileSize is the largest inbound file accepted
	MaxFileSize int64

	// DedupWindow is how long inbound envelopes are remembered for duplicate suppression
	DedupWindow time.Duration

	Transfer transfer.SenderConfig
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		AcceptanceTimeout: 45 * time.Second,
		ConnectTimeout:    30 * time.Second,
		Label:             negotiation.DefaultLabel,
		MaxFileSize:       transfer.DefaultMaxFileSize,
		DedupWindow:       signaling.DefaultDedupWindow,
		Transfer:          transfer.DefaultSenderConfig(),
	}
}

// Controller is the transfer session controller for one sharing context.
// Every mutation runs on a single event loop; public operations block until
// their step has run. The published TransferState is replaced atomically after
// each step.
type Controller struct {
	logger    *zap.Logger
	config    Config
	connector common.Connector
	signal    Signaling
	blobs     *file.BlobStore

	loop   *common.Loop
	events *common.Loop
	wg     sync.WaitGroup

	sender   *transfer.Sender
	receiver *transfer.Receiver
	dedup    *signaling.Deduper

	// Owned by the loop
	state      common.TransferState
	outbound   *common.OutboundFile
	sessions   map[common.PeerID]*negotiation.Session
	timers     map[common.PeerID]*time.Timer
	active     common.PeerID
	waitingFor common.PeerID
	sendCancel context.CancelFunc
	sendGen    uint64
	discarding bool
	stopped    bool
	pending    []Notice

	mu        sync.RWMutex
	published common.TransferState
	onUpdate  []func(common.TransferState)
	onNotice  []func(Notice)
}

// NewController creates a new Controller. The signaling channel's inbound
// envelopes must be routed to HandleEnvelope.
func NewController(logger *zap.Logger, config Config, connector common.Connector, signal Signaling, blobs *file.BlobStore) *Controller {
	defaults := DefaultConfig()
	if config.AcceptanceTimeout <= 0 {
		config.AcceptanceTimeout = defaults.AcceptanceTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.Label == "" {
		config.Label = defaults.Label
	}
	if blobs == nil {
		blobs = file.NewBlobStore(logger)
	}

	empty := common.TransferState{}.Clone()
	c := &Controller{
		logger:    logger.With(zap.String("peer_id", config.Local.String())),
		config:    config,
		connector: connector,
		signal:    signal,
		blobs:     blobs,
		loop:      common.NewLoop(),
		events:    common.NewLoop(),
		sender:    transfer.NewSender(logger, config.Transfer),
		receiver:  transfer.NewReceiver(logger, blobs, config.MaxFileSize),
		dedup:     signaling.NewDeduper(config.DedupWindow),
		state:     empty,
		published: empty.Clone(),
		sessions:  make(map[common.PeerID]*negotiation.Session),
		timers:    make(map[common.PeerID]*time.Timer),
	}
	return c
}

// Local returns the local peer identity
func (c *Controller) Local() common.PeerID {
	return c.config.Local
}

// Blobs returns the store holding received files
func (c *Controller) Blobs() *file.BlobStore {
	return c.blobs
}

// OnUpdate registers f to receive every new TransferState snapshot.
// Handlers run in order on a notification goroutine and may call back into the controller.
func (c *Controller) OnUpdate(f func(common.TransferState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, f)
}

// OnNotice registers f to receive user-facing notifications
func (c *Controller) OnNotice(f func(Notice)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotice = append(c.onNotice, f)
}

// State returns the current TransferState snapshot
func (c *Controller) State() common.TransferState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.Clone()
}

// IsConnected reports whether a data channel to the active peer is open
func (c *Controller) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.IsConnected
}

// Stop cancels any transfer, closes every session and releases received files
func (c *Controller) Stop() {
	c.loop.Do(func() {
		if c.stopped {
			return
		}
		c.stopped = true

		c.abortSend()
		for remote := range c.sessions {
			c.closeSession(remote)
		}
		if c.state.ReceivedFile != nil {
			c.blobs.Revoke(c.state.ReceivedFile.URL)
		}
		c.receiver.Reset()
		c.logger.Info("Transfer controller stopped")
	})

	c.wg.Wait()
	c.loop.Close()
	c.events.Close()
}

// do runs f on the loop, publishes the resulting state and returns f's error
func (c *Controller) do(f func() error) error {
	var err error
	ok := c.loop.Do(func() {
		if c.stopped {
			err = ErrStopped
			return
		}
		err = f()
		c.publish()
	})
	if !ok {
		return ErrStopped
	}
	return err
}

// post schedules f on the loop and publishes the resulting state
func (c *Controller) post(f func()) {
	c.loop.Post(func() {
		if c.stopped {
			return
		}
		f()
		c.publish()
	})
}

// publish swaps in a copy of the loop's state if it changed, then delivers
// the notices raised during the step
func (c *Controller) publish() {
	notices := c.pending
	c.pending = nil

	c.mu.Lock()
	changed := !c.published.Equal(c.state)
	var snapshot common.TransferState
	if changed {
		snapshot = c.state.Clone()
		c.published = snapshot
	}
	updateHandlers := append([]func(common.TransferState){}, c.onUpdate...)
	noticeHandlers := append([]func(Notice){}, c.onNotice...)
	c.mu.Unlock()

	if !changed && len(notices) == 0 {
		return
	}
	c.events.Post(func() {
		if changed {
			for _, h := range updateHandlers {
				h(snapshot.Clone())
			}
		}
		for _, n := range notices {
			for _, h := range noticeHandlers {
				h(n)
			}
		}
	})
}

// notify logs n and queues it for delivery once the current step is published
func (c *Controller) notify(n Notice) {
	fields := []zap.Field{zap.String("notice", n.Kind.String())}
	if n.Peer != "" {
		fields = append(fields, zap.String("remote", n.Peer.String()))
	}
	if n.Err != nil {
		fields = append(fields, zap.Error(n.Err))
		c.logger.Warn(n.Message, fields...)
	} else {
		c.logger.Info(n.Message, fields...)
	}

	c.pending = append(c.pending, n)
}

// reject reports a synchronously rejected operation
func (c *Controller) reject(peer common.PeerID, err error) error {
	c.notify(Notice{Kind: NoticeError, Peer: peer, Message: err.Error(), Err: err})
	return err
}

// liveSession returns the session for remote unless it has ended
func (c *Controller) liveSession(remote common.PeerID) *negotiation.Session {
	sess, ok := c.sessions[remote]
	if !ok || sess.State().Terminal() {
		return nil
	}
	return sess
}

func (c *Controller) newSession(remote common.PeerID) *negotiation.Session {
	sess := negotiation.NewSession(negotiation.Config{
		Local:     c.config.Local,
		Remote:    remote,
		LocalName: c.config.Name,
		Label:     c.config.Label,
		Connector: c.connector,
		Signaler:  c.signal,
		Post:      c.post,
		Logger:    c.logger,
		Handlers: negotiation.Handlers{
			OnOpen:    func(dc common.DataChannel) { c.handleOpen(remote, dc) },
			OnClose:   func() { c.handleClose(remote) },
			OnFailed:  func(err error) { c.handleFailed(remote, err) },
			OnMessage: c.handleFrameFrom(remote),
		},
	})
	c.sessions[remote] = sess
	return sess
}

// closeSession tears down the session with remote without invoking its handlers
func (c *Controller) closeSession(remote common.PeerID) {
	sess, ok := c.sessions[remote]
	if !ok {
		return
	}
	sess.Close()
	c.forget(remote)
}

// forget drops every reference to the session with remote
func (c *Controller) forget(remote common.PeerID) {
	delete(c.sessions, remote)
	c.disarm(remote)
	c.removeRequest(remote)

	if c.waitingFor == remote {
		c.waitingFor = ""
		c.state.IsWaitingForAcceptance = false
	}
	if c.active == remote {
		c.active = ""
		c.abortSend()
		c.abortReceive()
		c.state.IsConnected = false
		c.state.IsTransferring = false
	}
}

// arm starts the timer expiring the attempt with remote
func (c *Controller) arm(remote common.PeerID, d time.Duration, reason error) {
	c.disarm(remote)

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.post(func() {
			if c.timers[remote] != t {
				return
			}
			delete(c.timers, remote)
			c.expire(remote, reason)
		})
	})
	c.timers[remote] = t
}

func (c *Controller) disarm(remote common.PeerID) {
	if t, ok := c.timers[remote]; ok {
		t.Stop()
		delete(c.timers, remote)
	}
}

func (c *Controller) expire(remote common.PeerID, reason error) {
	sess := c.liveSession(remote)
	if sess == nil || sess.State() == negotiation.StateConnected {
		return
	}
	c.closeSession(remote)
	c.notify(Notice{Kind: NoticeTimeout, Peer: remote, Message: "Connection attempt expired", Err: reason})
}

func (c *Controller) addRequest(req common.ConnectionRequest) {
	for i, existing := range c.state.ConnectionRequests {
		if existing.Sender == req.Sender {
			c.state.ConnectionRequests[i] = req
			return
		}
	}
	c.state.ConnectionRequests = append(c.state.ConnectionRequests, req)
}

func (c *Controller) removeRequest(sender common.PeerID) bool {
	for i, existing := range c.state.ConnectionRequests {
		if existing.Sender == sender {
			c.state.ConnectionRequests = append(c.state.ConnectionRequests[:i], c.state.ConnectionRequests[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Controller) hasRequest(sender common.PeerID) bool {
	for _, existing := range c.state.ConnectionRequests {
		if existing.Sender == sender {
			return true
		}
	}
	return false
}
