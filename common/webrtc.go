package common

import (
	"github.com/pion/webrtc/v3"
)

// DataChannel is the subset of a WebRTC data channel used for transfers.
// *webrtc.DataChannel satisfies it.
type DataChannel interface {
	// Label returns the channel label
	Label() string

	// OnOpen sets the handler fired once the channel can carry data
	OnOpen(f func())

	// OnClose sets the handler fired when the channel closes
	OnClose(f func())

	// OnMessage sets the handler for inbound messages
	OnMessage(f func(msg webrtc.DataChannelMessage))

	// Send sends a binary message
	Send(data []byte) error

	// SendText sends a text message
	SendText(s string) error

	// BufferedAmount returns the number of bytes queued but not yet sent
	BufferedAmount() uint64

	// SetBufferedAmountLowThreshold sets the level that fires OnBufferedAmountLow
	SetBufferedAmountLowThreshold(th uint64)

	// OnBufferedAmountLow sets the handler fired when the queue drains below the threshold
	OnBufferedAmountLow(f func())

	// ReadyState returns the channel state
	ReadyState() webrtc.DataChannelState

	// Close closes the channel
	Close() error
}

// PeerConnection is the subset of a WebRTC peer connection used during negotiation
type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description
	CreateOffer() (webrtc.SessionDescription, error)

	// CreateAnswer creates an answer and applies it as the local description
	CreateAnswer() (webrtc.SessionDescription, error)

	// SetRemoteDescription applies the remote session description
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// AddICECandidate applies a remote connectivity candidate
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// CreateDataChannel creates an ordered data channel
	CreateDataChannel(label string) (DataChannel, error)

	// OnICECandidate sets the handler for locally gathered candidates
	OnICECandidate(f func(candidate webrtc.ICECandidateInit))

	// OnDataChannel sets the handler for channels opened by the remote side
	OnDataChannel(f func(dc DataChannel))

	// OnConnectionStateChange sets the handler for transport state changes
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))

	// Close tears the connection down
	Close() error
}

// Connector creates peer connections
type Connector interface {
	NewPeerConnection() (PeerConnection, error)
}
