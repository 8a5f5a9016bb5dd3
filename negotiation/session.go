package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/signaling"
)

// DefaultLabel is the data channel label used for transfers
const DefaultLabel = "file-transfer"

var (
	// ErrGlare is returned when both peers requested each other and the local side keeps the offerer role
	ErrGlare = errors.New("simultaneous connection attempt")
	// ErrSessionClosed is returned for operations on a closed or failed session
	ErrSessionClosed = errors.New("negotiation session is closed")
	// ErrPeerConnectionFailed is reported when the transport fails
	ErrPeerConnectionFailed = errors.New("peer connection failed")
	// ErrChannelClosedEarly is reported when the data channel closes before it opened
	ErrChannelClosedEarly = errors.New("data channel closed before opening")
)

// Signaler delivers envelopes to the remote peer
type Signaler interface {
	Send(env *signaling.Envelope) error
}

// Handlers receive session lifecycle events. They run on the owner's event loop.
type Handlers struct {
	OnOpen    func(dc common.DataChannel)
	OnClose   func()
	OnFailed  func(err error)
	OnMessage func(msg webrtc.DataChannelMessage)
}

// Config contains configuration for a negotiation session
type Config struct {
	Local     common.PeerID
	Remote    common.PeerID
	LocalName string
	Label     string
	Connector common.Connector
	Signaler  Signaler

	// Post schedules f on the owner's event loop. All Session methods must be
	// called from that loop; WebRTC callbacks are routed back onto it through Post.
	Post func(f func())

	Logger   *zap.Logger
	Handlers Handlers
}

// Session negotiates one data channel with one remote peer
type Session struct {
	cfg     Config
	logger  *zap.Logger
	state   State
	offerer bool

	pc        common.PeerConnection
	dc        common.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewSession creates a new idle session
func NewSession(cfg Config) *Session {
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		cfg: cfg,
		logger: cfg.Logger.With(
			zap.String("local", cfg.Local.String()),
			zap.String("remote", cfg.Remote.String())),
		state: StateIdle,
	}
}

// Remote returns the remote peer identity
func (s *Session) Remote() common.PeerID {
	return s.cfg.Remote
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Offerer reports whether the local side creates the offer
func (s *Session) Offerer() bool {
	return s.offerer
}

// DataChannel returns the channel while connected, nil otherwise
func (s *Session) DataChannel() common.DataChannel {
	if s.state != StateConnected {
		return nil
	}
	return s.dc
}

// PendingCandidates returns the number of remote candidates waiting for a remote description
func (s *Session) PendingCandidates() int {
	return len(s.pending)
}

// Request sends a connection request to the remote peer
func (s *Session) Request() error {
	if err := s.transition(EventConnect); err != nil {
		return err
	}

	env := signaling.NewEnvelope(signaling.TypeConnectionRequest, s.cfg.Local, s.cfg.Remote)
	env.SenderName = s.cfg.LocalName
	if err := s.cfg.Signaler.Send(env); err != nil {
		s.fail(fmt.Errorf("failed to send connection request: %w", err), false)
		return err
	}

	s.logger.Info("Sent connection request")
	return nil
}

// ReceiveRequest records an inbound connection request. When both sides
// requested each other, the larger identity yields: its request turns into an
// accepted inbound one and yielded is true. The smaller identity gets ErrGlare
// and keeps waiting for the acceptance.
func (s *Session) ReceiveRequest() (yielded bool, err error) {
	switch s.state {
	case StateRequestPendingInbound:
		return false, nil
	case StateRequestPendingOutbound:
		if s.cfg.Local < s.cfg.Remote {
			s.logger.Info("Connection request glare, keeping offerer role")
			return false, ErrGlare
		}
		if err := s.transition(EventRequestReceived); err != nil {
			return false, err
		}
		s.logger.Info("Connection request glare, yielding offerer role")
		if err := s.Accept(); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, s.transition(EventRequestReceived)
}

// Accept consents to an inbound request; the remote side will send the offer
func (s *Session) Accept() error {
	if err := s.transition(EventAccept); err != nil {
		return err
	}

	env := signaling.NewEnvelope(signaling.TypeConnectionAccepted, s.cfg.Local, s.cfg.Remote)
	if err := s.cfg.Signaler.Send(env); err != nil {
		s.fail(fmt.Errorf("failed to send connection acceptance: %w", err), false)
		return err
	}

	s.logger.Info("Accepted connection request")
	return nil
}

// HandleAccepted creates the peer connection, the data channel and the offer
func (s *Session) HandleAccepted() error {
	if err := s.transition(EventAcceptedReceived); err != nil {
		return err
	}
	s.offerer = true

	_, span := otel.Tracer("furyshare").Start(context.Background(), "negotiation.offer")
	span.SetAttributes(attribute.String("remote", s.cfg.Remote.String()))
	defer span.End()

	if err := s.createPeerConnection(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err, true)
		return err
	}

	// Create the ordered data channel before the offer so it is negotiated
	dc, err := s.pc.CreateDataChannel(s.cfg.Label)
	if err != nil {
		err = fmt.Errorf("failed to create data channel: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err, true)
		return err
	}
	s.attach(dc)

	// Create offer, applied as the local description before it is sent
	offer, err := s.pc.CreateOffer()
	if err != nil {
		err = fmt.Errorf("failed to create offer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err, false)
		return err
	}

	env := signaling.NewEnvelope(signaling.TypeOffer, s.cfg.Local, s.cfg.Remote)
	env.Offer = &offer
	if err := s.cfg.Signaler.Send(env); err != nil {
		err = fmt.Errorf("failed to send offer: %w", err)
		s.fail(err, false)
		return err
	}

	s.logger.Info("Sent offer")
	return nil
}

// HandleOffer applies a remote offer and replies with an answer
func (s *Session) HandleOffer(offer webrtc.SessionDescription) error {
	if s.state == StateOffering && s.offerer {
		if s.cfg.Local < s.cfg.Remote {
			s.logger.Info("Offer glare, ignoring remote offer")
			return ErrGlare
		}
		// Restart as the answering side, keeping candidates already received
		s.logger.Info("Offer glare, restarting as answerer")
		pending := s.pending
		s.teardown()
		s.pending = pending
		s.offerer = false
	}

	if err := s.transition(EventOfferReceived); err != nil {
		return err
	}

	_, span := otel.Tracer("furyshare").Start(context.Background(), "negotiation.answer")
	span.SetAttributes(attribute.String("remote", s.cfg.Remote.String()))
	defer span.End()

	if s.pc == nil {
		if err := s.createPeerConnection(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.fail(err, true)
			return err
		}
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		err = fmt.Errorf("failed to set remote description: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err, false)
		return err
	}
	s.remoteSet = true
	if err := s.flushCandidates(); err != nil {
		return err
	}

	// Create answer, applied as the local description before it is sent
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		err = fmt.Errorf("failed to create answer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err, false)
		return err
	}

	env := signaling.NewEnvelope(signaling.TypeAnswer, s.cfg.Local, s.cfg.Remote)
	env.Answer = &answer
	if err := s.cfg.Signaler.Send(env); err != nil {
		err = fmt.Errorf("failed to send answer: %w", err)
		s.fail(err, false)
		return err
	}

	s.logger.Info("Sent answer")
	return nil
}

// HandleAnswer applies the remote answer to a local offer
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	if !s.offerer {
		return fmt.Errorf("%w: answer without a local offer", ErrIllegalTransition)
	}
	if err := s.transition(EventAnswerReceived); err != nil {
		return err
	}

	if err := s.pc.SetRemoteDescription(answer); err != nil {
		err = fmt.Errorf("failed to set remote description: %w", err)
		s.fail(err, false)
		return err
	}
	s.remoteSet = true

	s.logger.Info("Applied answer")
	return s.flushCandidates()
}

// HandleCandidate applies a remote candidate, queueing it until the remote description is set
func (s *Session) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if s.pc == nil || !s.remoteSet {
		s.pending = append(s.pending, candidate)
		s.logger.Debug("Queued remote candidate", zap.Int("queued", len(s.pending)))
		return nil
	}

	if err := s.pc.AddICECandidate(candidate); err != nil {
		err = fmt.Errorf("failed to add ICE candidate: %w", err)
		s.fail(err, false)
		return err
	}
	return nil
}

// Fail abandons the session with err and reports it through OnFailed
func (s *Session) Fail(err error) {
	s.fail(err, false)
}

// Close tears the session down without invoking handlers
func (s *Session) Close() {
	if s.state.Terminal() {
		return
	}

	if s.state == StateConnected {
		s.state, _ = Transition(s.state, EventChannelClosed)
		metrics.ActiveSessions.Dec()
	} else {
		s.state, _ = Transition(s.state, EventCancel)
	}
	s.teardown()

	s.logger.Info("Negotiation session closed", zap.String("state", s.state.String()))
}

func (s *Session) transition(ev Event) error {
	next, err := Transition(s.state, ev)
	if err != nil {
		s.logger.Debug("Rejected negotiation event", zap.Error(err))
		return err
	}
	s.logger.Debug("Negotiation transition",
		zap.String("from", s.state.String()),
		zap.String("to", next.String()),
		zap.String("event", ev.String()))
	s.state = next
	return nil
}

func (s *Session) createPeerConnection() error {
	pc, err := s.cfg.Connector.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.pc = pc

	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		s.cfg.Post(func() {
			if s.pc != pc || s.state.Terminal() {
				return
			}
			env := signaling.NewEnvelope(signaling.TypeCandidate, s.cfg.Local, s.cfg.Remote)
			env.Candidate = &candidate
			if err := s.cfg.Signaler.Send(env); err != nil {
				s.logger.Warn("Failed to send ICE candidate", zap.Error(err))
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.cfg.Post(func() {
			if s.pc != pc {
				return
			}
			// Informational only; the data channel open event decides Connected
			s.logger.Debug("Peer connection state changed", zap.String("state", state.String()))
			if state == webrtc.PeerConnectionStateFailed {
				s.fail(ErrPeerConnectionFailed, false)
			}
		})
	})

	pc.OnDataChannel(func(dc common.DataChannel) {
		s.cfg.Post(func() {
			if s.pc != pc || s.state.Terminal() {
				dc.Close()
				return
			}
			if s.dc != nil {
				s.logger.Warn("Closing extra data channel", zap.String("label", dc.Label()))
				dc.Close()
				return
			}
			s.attach(dc)
		})
	})

	return nil
}

func (s *Session) attach(dc common.DataChannel) {
	s.dc = dc

	dc.OnOpen(func() {
		s.cfg.Post(func() {
			if s.dc != dc {
				return
			}
			if err := s.transition(EventChannelOpen); err != nil {
				return
			}
			metrics.ActiveSessions.Inc()
			s.logger.Info("Data channel open", zap.String("label", dc.Label()))
			if s.cfg.Handlers.OnOpen != nil {
				s.cfg.Handlers.OnOpen(dc)
			}
		})
	})

	dc.OnClose(func() {
		s.cfg.Post(func() {
			if s.dc != dc || s.state.Terminal() {
				return
			}
			wasConnected := s.state == StateConnected
			s.state, _ = Transition(s.state, EventChannelClosed)
			s.teardown()

			if !wasConnected {
				metrics.NegotiationFailures.Inc()
				if s.cfg.Handlers.OnFailed != nil {
					s.cfg.Handlers.OnFailed(ErrChannelClosedEarly)
				}
				return
			}

			metrics.ActiveSessions.Dec()
			s.logger.Info("Data channel closed")
			if s.cfg.Handlers.OnClose != nil {
				s.cfg.Handlers.OnClose()
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.cfg.Post(func() {
			if s.dc != dc || s.state != StateConnected {
				return
			}
			if s.cfg.Handlers.OnMessage != nil {
				s.cfg.Handlers.OnMessage(msg)
			}
		})
	})
}

func (s *Session) flushCandidates() error {
	pending := s.pending
	s.pending = nil

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			err = fmt.Errorf("failed to add queued ICE candidate: %w", err)
			s.fail(err, false)
			return err
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("Flushed queued candidates", zap.Int("count", len(pending)))
	}
	return nil
}

// fail abandons the session. fatal marks resource exhaustion.
func (s *Session) fail(err error, fatal bool) {
	if s.state.Terminal() {
		return
	}
	wasConnected := s.state == StateConnected

	s.state, _ = Transition(s.state, EventFailure)
	s.teardown()

	if wasConnected {
		metrics.ActiveSessions.Dec()
	}
	metrics.NegotiationFailures.Inc()

	s.logger.Warn("Negotiation failed", zap.Bool("fatal", fatal), zap.Error(err))
	if s.cfg.Handlers.OnFailed != nil {
		s.cfg.Handlers.OnFailed(err)
	}
}

func (s *Session) teardown() {
	if s.dc != nil {
		s.dc.Close()
		s.dc = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Debug("Failed to close peer connection", zap.Error(err))
		}
		s.pc = nil
	}
	s.remoteSet = false
	s.pending = nil
}
