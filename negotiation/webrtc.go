package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

// WebRTCConfig contains configuration for WebRTC connections
type WebRTCConfig struct {
	STUNServers []string `json:"stun_servers"`
	TURNServers []string `json:"turn_servers"`
	Username    string   `json:"username"`
	Credential  string   `json:"credential"`
}

// DefaultWebRTCConfig returns a default WebRTC configuration
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		TURNServers: []string{},
	}
}

// ICEServers builds the ICE server list
func (c WebRTCConfig) ICEServers() []webrtc.ICEServer {
	iceServers := []webrtc.ICEServer{}

	// Add STUN servers
	if len(c.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: c.STUNServers,
		})
	}

	// Add TURN servers if configured
	if len(c.TURNServers) > 0 && c.Username != "" && c.Credential != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.Username,
			Credential: c.Credential,
		})
	}

	return iceServers
}

// WebRTCConnector creates pion peer connections
type WebRTCConnector struct {
	logger *zap.Logger
	config WebRTCConfig
}

// NewWebRTCConnector creates a new WebRTC connector
func NewWebRTCConnector(logger *zap.Logger, config WebRTCConfig) *WebRTCConnector {
	return &WebRTCConnector{
		logger: logger,
		config: config,
	}
}

// NewPeerConnection creates a new peer connection
func (c *WebRTCConnector) NewPeerConnection() (common.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:         c.config.ICEServers(),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyBalanced,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return &pionPeerConnection{logger: c.logger, pc: pc}, nil
}

// pionPeerConnection adapts *webrtc.PeerConnection to common.PeerConnection
type pionPeerConnection struct {
	logger *zap.Logger
	pc     *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) CreateDataChannel(label string) (common.DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeerConnection) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		p.logger.Debug("ICE candidate generated", zap.String("candidate", candidate.String()))
		f(candidate.ToJSON())
	})
}

func (p *pionPeerConnection) OnDataChannel(f func(dc common.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
