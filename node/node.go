// Package node wires a signaling channel, a WebRTC connector and a session
// controller into a runnable file sharing client.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/session"
	"github.com/TFMV/furyshare/signaling"
)

// ErrNoReceivedFile is returned by SaveReceived when nothing has been received
var ErrNoReceivedFile = errors.New("no received file")

// Node is a furyshare client bound to one peer identity
type Node struct {
	logger     *zap.Logger
	config     Config
	storage    *file.StorageManager
	identity   *file.Identity
	channel    *signaling.Channel
	controller *session.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	subscribers map[int]chan session.Notice
	nextSub     int
	stopOnce    sync.Once
}

// Option customizes a Node
type Option func(*options)

type options struct {
	connector common.Connector
}

// WithConnector replaces the pion WebRTC connector
func WithConnector(c common.Connector) Option {
	return func(o *options) {
		o.connector = c
	}
}

// NewNode creates a new Node. The peer identity is config.PeerID when set,
// otherwise the identity persisted under the storage directory.
func NewNode(logger *zap.Logger, config Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	storage, err := file.NewStorageManager(logger, config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}

	var identity *file.Identity
	if config.PeerID != "" {
		identity = &file.Identity{
			PeerID:    config.PeerID.String(),
			Name:      config.Name,
			CreatedAt: time.Now().UTC(),
		}
	} else {
		identity, err = storage.LoadOrCreateIdentity(config.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load peer identity: %w", err)
		}
	}

	connector := o.connector
	if connector == nil {
		connector = NewConnector(logger, config.WebRTC)
	}

	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		logger:      logger,
		config:      config,
		storage:     storage,
		identity:    identity,
		channel:     signaling.NewChannel(logger, config.Signaling),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[int]chan session.Notice),
	}

	sessionConfig := config.Session
	sessionConfig.Local = n.ID()
	sessionConfig.Name = identity.Name
	n.controller = session.NewController(logger, sessionConfig, connector, n.channel, file.NewBlobStore(logger))
	n.controller.OnNotice(n.broadcast)

	return n, nil
}

// Start connects to the signaling relay and begins serving the controller.
// SIGINT and SIGTERM stop the node.
func (n *Node) Start() error {
	n.logger.Info("Starting furyshare node",
		zap.String("peer_id", n.ID().String()),
		zap.String("name", n.identity.Name))

	n.channel.Subscribe(n.controller.HandleEnvelope)
	n.channel.OnStatus(func(online bool) {
		if online {
			n.logger.Info("Signaling relay online")
		} else {
			n.logger.Warn("Signaling relay offline, reconnecting")
		}
	})

	if err := n.channel.Connect(n.ctx, n.ID()); err != nil {
		return fmt.Errorf("failed to connect signaling channel: %w", err)
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			n.logger.Info("Received shutdown signal")
			n.cancel()
		case <-n.ctx.Done():
		}
	}()

	return nil
}

// WaitOnline blocks until the signaling channel is open
func (n *Node) WaitOnline(ctx context.Context) error {
	return n.channel.WaitOnline(ctx)
}

// Stop stops the controller and closes the signaling channel
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info("Stopping node")
		n.cancel()
		n.controller.Stop()
		n.channel.Close()
		n.Wait()

		n.mu.Lock()
		for id, ch := range n.subscribers {
			close(ch)
			delete(n.subscribers, id)
		}
		n.mu.Unlock()
	})
}

// Wait waits for the node's goroutines to exit
func (n *Node) Wait() {
	n.wg.Wait()
	n.logger.Info("Node stopped")
}

// Done is closed once the node is shutting down
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// ID returns the node's peer identity
func (n *Node) ID() common.PeerID {
	return common.PeerID(n.identity.PeerID)
}

// Controller returns the session controller
func (n *Node) Controller() *session.Controller {
	return n.controller
}

// Channel returns the signaling channel
func (n *Node) Channel() *signaling.Channel {
	return n.channel
}

// Storage returns the storage manager
func (n *Node) Storage() *file.StorageManager {
	return n.storage
}

// SaveReceived writes the most recently received file into dir, or the
// downloads directory when dir is empty, and returns its path
func (n *Node) SaveReceived(dir string) (string, error) {
	received := n.controller.State().ReceivedFile
	if received == nil {
		return "", ErrNoReceivedFile
	}
	return n.controller.Blobs().SaveTo(n.storage, received.URL, dir)
}

// Subscribe returns a channel carrying every notice raised after the call.
// The channel is closed by the returned cancel func or when the node stops.
func (n *Node) Subscribe() (<-chan session.Notice, func()) {
	ch := make(chan session.Notice, 256)

	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subscribers[id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subscribers[id]; ok {
			close(ch)
			delete(n.subscribers, id)
		}
	}
}

func (n *Node) broadcast(notice session.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- notice:
		default:
			n.logger.Warn("Dropping notice for slow subscriber", zap.String("kind", notice.Kind.String()))
		}
	}
}
