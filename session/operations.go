package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/negotiation"
	"github.com/TFMV/furyshare/signaling"
)

// SelectFile stores the file to send next. It has no network effect.
func (c *Controller) SelectFile(f *common.OutboundFile) error {
	return c.do(func() error {
		if f == nil || f.Name == "" {
			return c.reject("", ErrNoFile)
		}
		if c.sendCancel != nil {
			return c.reject("", ErrTransferInProgress)
		}

		selected := *f
		c.outbound = &selected
		info := selected.FileInfo
		c.state.File = &info
		if !c.state.IsTransferring {
			c.state.Progress = 0
		}

		c.logger.Info("File selected",
			zap.String("file_name", info.Name),
			zap.Int64("file_size", info.Size))
		return nil
	})
}

// InitiateConnection asks remote for consent to open a data channel
func (c *Controller) InitiateConnection(remote common.PeerID) error {
	return c.do(func() error {
		if remote == "" {
			return c.reject(remote, ErrEmptyPeer)
		}
		if remote == c.config.Local {
			return c.reject(remote, ErrSelfConnect)
		}
		if !c.signal.IsOpen() {
			return c.reject(remote, ErrSignalingOffline)
		}

		if sess := c.liveSession(remote); sess != nil {
			// The peer already asked us; initiating is consent
			if sess.State() == negotiation.StateRequestPendingInbound {
				if err := c.replaceActive(remote); err != nil {
					return c.reject(remote, err)
				}
				return c.accept(remote, sess)
			}
			return c.reject(remote, fmt.Errorf("%w: %s", ErrSessionActive, sess.State()))
		}
		if err := c.replaceActive(remote); err != nil {
			return c.reject(remote, err)
		}

		sess := c.newSession(remote)
		c.waitingFor = remote
		c.state.IsWaitingForAcceptance = true

		// Failures are reported through the session's OnFailed handler
		if err := sess.Request(); err != nil {
			return err
		}
		c.arm(remote, c.config.AcceptanceTimeout, ErrAcceptanceTimeout)
		return nil
	})
}

// AcceptConnectionRequest consents to the pending request from sender
func (c *Controller) AcceptConnectionRequest(sender common.PeerID) error {
	return c.do(func() error {
		sess := c.liveSession(sender)
		if !c.hasRequest(sender) || sess == nil {
			return c.reject(sender, ErrNoSuchRequest)
		}
		if err := c.replaceActive(sender); err != nil {
			return c.reject(sender, err)
		}
		return c.accept(sender, sess)
	})
}

func (c *Controller) accept(sender common.PeerID, sess *negotiation.Session) error {
	c.removeRequest(sender)
	if err := sess.Accept(); err != nil {
		return err
	}
	c.arm(sender, c.config.ConnectTimeout, ErrConnectTimeout)
	return nil
}

// RejectConnectionRequest declines the pending request from sender and tells the sender
func (c *Controller) RejectConnectionRequest(sender common.PeerID) error {
	return c.do(func() error {
		if !c.hasRequest(sender) {
			return c.reject(sender, ErrNoSuchRequest)
		}
		c.closeSession(sender)

		env := signaling.NewEnvelope(signaling.TypeConnectionRejected, c.config.Local, sender)
		if err := c.signal.Send(env); err != nil {
			c.logger.Debug("Rejection not delivered", zap.String("remote", sender.String()), zap.Error(err))
		}

		c.logger.Info("Rejected connection request", zap.String("remote", sender.String()))
		return nil
	})
}

// SendFile starts streaming the selected file to the connected peer. The
// transfer runs in the background until it completes, fails, ctx ends or
// CancelFileTransfer is called; outcomes arrive as notices.
func (c *Controller) SendFile(ctx context.Context) error {
	return c.do(func() error {
		if c.outbound == nil {
			return c.reject("", ErrNoFile)
		}
		sess := c.liveSession(c.active)
		if sess == nil || sess.DataChannel() == nil {
			return c.reject(c.active, ErrNotConnected)
		}
		if c.sendCancel != nil || c.receiver.Active() {
			return c.reject(c.active, ErrTransferInProgress)
		}

		ctx, cancel := context.WithCancel(ctx)
		c.sendCancel = cancel
		c.sendGen++
		gen := c.sendGen
		remote := c.active
		dc := sess.DataChannel()
		f := *c.outbound

		c.state.IsTransferring = true
		c.state.Progress = 0

		transferID := uuid.New().String()
		c.logger.Info("Starting file transfer",
			zap.String("transfer_id", transferID),
			zap.String("remote", remote.String()),
			zap.String("file_name", f.Name),
			zap.Int64("file_size", f.Size))

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			err := c.sender.Send(ctx, dc, f, func(p int) {
				c.post(func() {
					if c.sendGen == gen {
						c.state.Progress = p
					}
				})
			})
			c.post(func() { c.finishSend(gen, remote, f.Name, err) })
		}()
		return nil
	})
}

func (c *Controller) finishSend(gen uint64, remote common.PeerID, name string, err error) {
	if c.sendGen != gen || c.sendCancel == nil {
		return
	}
	c.sendCancel()
	c.sendCancel = nil
	c.state.IsTransferring = false

	if err != nil {
		c.notify(Notice{Kind: NoticeTransferFailed, Peer: remote, Message: "File transfer failed", Err: err})
		return
	}
	c.state.Progress = 100
	c.notify(Notice{Kind: NoticeTransferComplete, Peer: remote, Message: fmt.Sprintf("Sent %s", name)})
}

// CancelFileTransfer stops any outbound or inbound transfer. It is safe to call at any time.
func (c *Controller) CancelFileTransfer() error {
	err := c.do(func() error {
		sending, receiving := c.sendCancel != nil, c.receiver.Active()
		if !sending && !receiving {
			return nil
		}

		c.abortSend()
		if receiving {
			c.abortReceive()
			// Frames still in flight for the dropped file are ignored
			c.discarding = true
		}
		c.state.IsTransferring = false
		c.state.Progress = 0

		c.notify(Notice{Kind: NoticeTransferCancelled, Peer: c.active, Message: "File transfer cancelled"})
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Disconnect closes the session with the active peer, if any
func (c *Controller) Disconnect() error {
	return c.do(func() error {
		remote := c.active
		if remote == "" {
			remote = c.waitingFor
		}
		if remote == "" {
			return nil
		}
		connected := c.active == remote
		c.closeSession(remote)
		if connected {
			c.notify(Notice{Kind: NoticeDisconnected, Peer: remote, Message: "Disconnected"})
		}
		return nil
	})
}

// replaceActive closes a session with a peer other than remote so remote can take over
func (c *Controller) replaceActive(remote common.PeerID) error {
	for _, other := range []common.PeerID{c.active, c.waitingFor} {
		if other == "" || other == remote {
			continue
		}
		if other == c.active && (c.sendCancel != nil || c.receiver.Active()) {
			return ErrTransferInProgress
		}
		connected := other == c.active
		c.closeSession(other)
		if connected {
			c.notify(Notice{Kind: NoticeDisconnected, Peer: other, Message: "Disconnected"})
		}
	}
	return nil
}

func (c *Controller) abortSend() {
	if c.sendCancel == nil {
		return
	}
	c.sendCancel()
	c.sendCancel = nil
	c.sendGen++
}

func (c *Controller) abortReceive() {
	if c.receiver.Active() {
		c.logger.Info("Discarding partially received file",
			zap.Int64("received", c.receiver.Received()))
	}
	c.receiver.Reset()
}
