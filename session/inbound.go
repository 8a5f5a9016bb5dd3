package session

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/negotiation"
	"github.com/TFMV/furyshare/signaling"
	"github.com/TFMV/furyshare/transfer"
)

// HandleEnvelope processes an inbound signaling envelope. It never blocks and
// is safe to use directly as a signaling.Handler.
func (c *Controller) HandleEnvelope(env *signaling.Envelope) {
	c.post(func() {
		c.handleEnvelope(env)
	})
}

func (c *Controller) handleEnvelope(env *signaling.Envelope) {
	// The transport is shared with other features
	if !env.Known() {
		return
	}
	if env.Receiver != c.config.Local {
		c.logger.Debug("Discarding envelope for another peer",
			zap.String("type", env.Type),
			zap.String("receiver", env.Receiver.String()))
		return
	}
	if err := env.Validate(); err != nil {
		c.logger.Warn("Discarding invalid envelope", zap.String("type", env.Type), zap.Error(err))
		return
	}
	if c.dedup.Seen(env) {
		c.logger.Debug("Discarding duplicate envelope",
			zap.String("type", env.Type),
			zap.String("sender", env.Sender.String()))
		return
	}

	switch env.Type {
	case signaling.TypeConnectionRequest:
		c.handleRequest(env)
	case signaling.TypeConnectionAccepted:
		c.handleAccepted(env.Sender)
	case signaling.TypeConnectionRejected:
		c.handleRejected(env.Sender)
	case signaling.TypePeerUnavailable:
		c.handleUnavailable(env.Sender)
	case signaling.TypeOffer:
		c.handleOffer(env.Sender, *env.Offer)
	case signaling.TypeAnswer:
		c.handleAnswer(env.Sender, *env.Answer)
	case signaling.TypeCandidate:
		c.handleCandidate(env.Sender, *env.Candidate)
	}
}

func (c *Controller) handleRequest(env *signaling.Envelope) {
	remote := env.Sender
	if remote == c.config.Local {
		return
	}

	if sess := c.liveSession(remote); sess != nil {
		switch sess.State() {
		case negotiation.StateRequestPendingInbound:
			// Repeated request overwrites the pending one
		case negotiation.StateRequestPendingOutbound:
			yielded, err := sess.ReceiveRequest()
			if errors.Is(err, negotiation.ErrGlare) {
				return
			}
			if err != nil {
				c.logger.Warn("Failed to resolve request glare", zap.Error(err))
				return
			}
			if yielded {
				c.arm(remote, c.config.ConnectTimeout, ErrConnectTimeout)
			}
			return
		default:
			// The peer restarted its side; start over from its request
			connected := sess.State() == negotiation.StateConnected
			c.closeSession(remote)
			if connected {
				c.notify(Notice{Kind: NoticeDisconnected, Peer: remote, Message: "Peer restarted the connection"})
			}
		}
	}

	sess := c.liveSession(remote)
	if sess == nil {
		sess = c.newSession(remote)
		if _, err := sess.ReceiveRequest(); err != nil {
			c.logger.Warn("Failed to record connection request", zap.Error(err))
			c.forget(remote)
			return
		}
	}

	req := common.ConnectionRequest{
		Sender:     remote,
		Receiver:   env.Receiver,
		SenderName: env.SenderName,
	}
	c.addRequest(req)

	message := fmt.Sprintf("Connection request from %s", remote)
	if req.SenderName != "" {
		message = fmt.Sprintf("Connection request from %s (%s)", req.SenderName, remote)
	}
	c.notify(Notice{Kind: NoticeConnectionRequest, Peer: remote, Message: message, Request: &req})
}

func (c *Controller) handleAccepted(remote common.PeerID) {
	sess := c.liveSession(remote)
	if sess == nil || sess.State() != negotiation.StateRequestPendingOutbound {
		c.logger.Debug("Ignoring unexpected acceptance", zap.String("remote", remote.String()))
		return
	}

	c.arm(remote, c.config.ConnectTimeout, ErrConnectTimeout)
	// Failures are reported through OnFailed
	_ = sess.HandleAccepted()
}

func (c *Controller) handleRejected(remote common.PeerID) {
	sess := c.liveSession(remote)
	if sess == nil || sess.State() != negotiation.StateRequestPendingOutbound {
		return
	}
	c.closeSession(remote)
	c.notify(Notice{Kind: NoticeRejected, Peer: remote, Message: "Connection request rejected", Err: ErrRejected})
}

func (c *Controller) handleUnavailable(remote common.PeerID) {
	sess := c.liveSession(remote)
	if sess == nil {
		return
	}
	switch sess.State() {
	case negotiation.StateRequestPendingOutbound, negotiation.StateOffering:
		c.closeSession(remote)
		c.notify(Notice{Kind: NoticePeerUnavailable, Peer: remote, Message: "Peer is offline", Err: ErrPeerUnavailable})
	}
}

func (c *Controller) handleOffer(remote common.PeerID, offer webrtc.SessionDescription) {
	// An offer without a prior request is valid, but it never displaces the
	// active peer or an attempt the local user started
	for _, other := range []common.PeerID{c.active, c.waitingFor} {
		if other != "" && other != remote {
			c.logger.Warn("Ignoring offer while engaged with another peer",
				zap.String("remote", remote.String()),
				zap.String("engaged", other.String()))
			return
		}
	}
	if remote != c.active && (c.sendCancel != nil || c.receiver.Active()) {
		c.logger.Warn("Ignoring offer during a transfer", zap.String("remote", remote.String()))
		return
	}

	sess := c.liveSession(remote)
	if sess == nil {
		sess = c.newSession(remote)
	}
	if _, armed := c.timers[remote]; !armed {
		c.arm(remote, c.config.ConnectTimeout, ErrConnectTimeout)
	}
	c.removeRequest(remote)

	err := sess.HandleOffer(offer)
	switch {
	case err == nil, errors.Is(err, negotiation.ErrGlare):
	case errors.Is(err, negotiation.ErrIllegalTransition):
		c.logger.Warn("Ignoring offer", zap.String("remote", remote.String()), zap.Error(err))
		if sess.State() == negotiation.StateIdle {
			c.forget(remote)
		}
	}
}

func (c *Controller) handleAnswer(remote common.PeerID, answer webrtc.SessionDescription) {
	sess := c.liveSession(remote)
	if sess == nil {
		c.logger.Debug("Ignoring answer without a session", zap.String("remote", remote.String()))
		return
	}
	if err := sess.HandleAnswer(answer); errors.Is(err, negotiation.ErrIllegalTransition) {
		c.logger.Warn("Ignoring answer", zap.String("remote", remote.String()), zap.Error(err))
	}
}

func (c *Controller) handleCandidate(remote common.PeerID, candidate webrtc.ICECandidateInit) {
	sess := c.liveSession(remote)
	if sess == nil {
		c.logger.Debug("Ignoring candidate without a session", zap.String("remote", remote.String()))
		return
	}
	_ = sess.HandleCandidate(candidate)
}

func (c *Controller) handleOpen(remote common.PeerID, dc common.DataChannel) {
	c.disarm(remote)
	if c.active != "" && c.active != remote {
		c.closeSession(c.active)
	}
	if c.waitingFor != "" && c.waitingFor != remote {
		other := c.waitingFor
		c.closeSession(other)
		c.notify(Notice{Kind: NoticeNegotiationFailed, Peer: other, Message: "Connection attempt replaced", Err: ErrReplaced})
	}

	c.active = remote
	c.waitingFor = ""
	c.discarding = false
	c.receiver.Reset()
	c.state.IsConnected = true
	c.state.IsWaitingForAcceptance = false

	c.notify(Notice{Kind: NoticeConnected, Peer: remote, Message: fmt.Sprintf("Connected over %s", dc.Label())})
}

func (c *Controller) handleClose(remote common.PeerID) {
	interrupted := c.active == remote && (c.sendCancel != nil || c.receiver.Active())
	c.forget(remote)

	if interrupted {
		c.state.Progress = 0
		c.notify(Notice{Kind: NoticeTransferFailed, Peer: remote, Message: "Transfer interrupted", Err: transfer.ErrChannelClosed})
	}
	c.notify(Notice{Kind: NoticeDisconnected, Peer: remote, Message: "Data channel closed"})
}

func (c *Controller) handleFailed(remote common.PeerID, err error) {
	interrupted := c.active == remote && (c.sendCancel != nil || c.receiver.Active())
	c.forget(remote)

	if interrupted {
		c.state.Progress = 0
		c.notify(Notice{Kind: NoticeTransferFailed, Peer: remote, Message: "Transfer interrupted", Err: err})
	}
	c.notify(Notice{Kind: NoticeNegotiationFailed, Peer: remote, Message: "Connection failed", Err: err})
}

// handleFrameFrom returns the data channel message handler for remote's session
func (c *Controller) handleFrameFrom(remote common.PeerID) func(webrtc.DataChannelMessage) {
	return func(msg webrtc.DataChannelMessage) {
		if remote != c.active {
			return
		}
		c.handleFrame(remote, msg)
	}
}

func (c *Controller) handleFrame(remote common.PeerID, msg webrtc.DataChannelMessage) {
	if c.discarding {
		if !msg.IsString {
			return
		}
		frame, err := transfer.DecodeFrame(msg.Data)
		if err != nil || frame.Type != transfer.FrameFileInfo {
			return
		}
		c.discarding = false
	}

	update, err := c.receiver.Handle(msg)
	if err != nil {
		// The rest of the rejected file is dropped until the next file-info
		c.discarding = true
		c.state.IsTransferring = false
		c.state.Progress = 0
		c.notify(Notice{Kind: NoticeTransferFailed, Peer: remote, Message: "Inbound transfer aborted", Err: err})
		return
	}
	if update == nil {
		return
	}

	switch update.Kind {
	case transfer.UpdateStarted:
		c.state.IsTransferring = true
		c.state.Progress = 0
		c.notify(Notice{
			Kind:    NoticeTransferStarted,
			Peer:    remote,
			Message: fmt.Sprintf("Receiving %s (%d bytes)", update.Info.Name, update.Info.Size),
		})

	case transfer.UpdateProgress:
		c.state.Progress = update.Progress

	case transfer.UpdateComplete:
		if c.state.ReceivedFile != nil {
			c.blobs.Revoke(c.state.ReceivedFile.URL)
		}
		received := *update.File
		c.state.ReceivedFile = &received
		c.state.IsTransferring = false
		c.state.Progress = 100
		c.notify(Notice{
			Kind:    NoticeFileReceived,
			Peer:    remote,
			Message: fmt.Sprintf("Received %s", received.Name),
			File:    &received,
		})
	}
}
