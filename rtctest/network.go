// Package rtctest provides in-memory WebRTC peer connections and data channels
// for tests. Callbacks fire asynchronously, in order, from a single wire goroutine.
package rtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/TFMV/furyshare/common"
)

const sdpPrefix = "fake:"

// Failure injects errors into the network
type Failure struct {
	NewPeerConnection    error
	CreateOffer          error
	SetRemoteDescription error
	AddICECandidate      error
}

// Network links fake peer connections by the ids embedded in their descriptions
type Network struct {
	wire *common.Loop

	mu       sync.Mutex
	peers    map[string]*PeerConnection
	channels []*DataChannel
	next     int
	failure  Failure
}

// NewNetwork creates a new Network
func NewNetwork() *Network {
	return &Network{
		wire:  common.NewLoop(),
		peers: make(map[string]*PeerConnection),
	}
}

// Close stops event delivery
func (n *Network) Close() {
	n.wire.Close()
}

// SetFailure sets the errors returned by subsequent operations
func (n *Network) SetFailure(f Failure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failure = f
}

// Connector returns a connector creating peer connections on this network
func (n *Network) Connector() common.Connector {
	return connector{n: n}
}

// Flush waits until every callback scheduled so far has fired
func (n *Network) Flush() {
	n.wire.Do(func() {})
}

// PeerConnections returns the number of peer connections created
func (n *Network) PeerConnections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// DataChannels returns every data channel created on the network, local and remote ends
func (n *Network) DataChannels() []*DataChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*DataChannel(nil), n.channels...)
}

// OpenChannelPairs returns the number of linked channel pairs that are open
func (n *Network) OpenChannelPairs() int {
	var open int
	for _, dc := range n.DataChannels() {
		if dc.ReadyState() == webrtc.DataChannelStateOpen && dc.local {
			open++
		}
	}
	return open
}

// Pipe returns two linked, open data channels without any negotiation
func (n *Network) Pipe(label string) (*DataChannel, *DataChannel) {
	a := newDataChannel(n, label, true)
	b := newDataChannel(n, label, false)
	a.link(b)
	a.open()
	b.open()
	return a, b
}

func (n *Network) post(f func()) {
	n.wire.Post(f)
}

func (n *Network) failures() Failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failure
}

func (n *Network) lookup(id string) *PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *Network) track(dc *DataChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, dc)
}

type connector struct {
	n *Network
}

func (c connector) NewPeerConnection() (common.PeerConnection, error) {
	if err := c.n.failures().NewPeerConnection; err != nil {
		return nil, err
	}

	c.n.mu.Lock()
	c.n.next++
	pc := &PeerConnection{
		net: c.n,
		id:  fmt.Sprintf("pc%d", c.n.next),
	}
	c.n.peers[pc.id] = pc
	c.n.mu.Unlock()

	return pc, nil
}

// PeerConnection is a fake common.PeerConnection
type PeerConnection struct {
	net *Network
	id  string

	mu            sync.Mutex
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	remoteID      string
	channels      []*DataChannel
	candidates    []webrtc.ICECandidateInit
	onCandidate   func(webrtc.ICECandidateInit)
	onDataChannel func(common.DataChannel)
	onState       func(webrtc.PeerConnectionState)
	closed        bool
}

// ID returns the id embedded in this connection's descriptions
func (p *PeerConnection) ID() string {
	return p.id
}

// Candidates returns the remote candidates applied so far
func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := p.net.failures().CreateOffer; err != nil {
		return webrtc.SessionDescription{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("peer connection closed")
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpPrefix + p.id}
	p.local = &offer
	p.mu.Unlock()

	p.gather()
	return offer, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("peer connection closed")
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpPrefix + p.id}
	p.local = &answer
	p.mu.Unlock()

	p.gather()
	return answer, nil
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.net.failures().SetRemoteDescription; err != nil {
		return err
	}
	if !strings.HasPrefix(desc.SDP, sdpPrefix) {
		return fmt.Errorf("malformed session description %q", desc.SDP)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("peer connection closed")
	}
	if desc.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		p.mu.Unlock()
		return errors.New("answer without local offer")
	}
	p.remote = &desc
	p.remoteID = strings.TrimPrefix(desc.SDP, sdpPrefix)
	isAnswer := desc.Type == webrtc.SDPTypeAnswer
	p.mu.Unlock()

	if isAnswer {
		p.link()
	}
	return nil
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.net.failures().AddICECandidate; err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *PeerConnection) CreateDataChannel(label string) (common.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("peer connection closed")
	}
	dc := newDataChannel(p.net, label, true)
	p.channels = append(p.channels, dc)
	return dc, nil
}

func (p *PeerConnection) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *PeerConnection) OnDataChannel(f func(dc common.DataChannel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDataChannel = f
}

func (p *PeerConnection) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	channels := p.channels
	p.mu.Unlock()

	for _, dc := range channels {
		dc.Close()
	}
	p.emitState(webrtc.PeerConnectionStateClosed)
	return nil
}

// Fail drives the connection into the failed state
func (p *PeerConnection) Fail() {
	p.emitState(webrtc.PeerConnectionStateFailed)
}

func (p *PeerConnection) gather() {
	for i := 1; i <= 2; i++ {
		candidate := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s %d udp 1 127.0.0.1 %d typ host", p.id, i, 5000+i)}
		p.net.post(func() {
			p.mu.Lock()
			f, closed := p.onCandidate, p.closed
			p.mu.Unlock()
			if f != nil && !closed {
				f(candidate)
			}
		})
	}
}

func (p *PeerConnection) emitState(state webrtc.PeerConnectionState) {
	p.net.post(func() {
		p.mu.Lock()
		f := p.onState
		p.mu.Unlock()
		if f != nil {
			f(state)
		}
	})
}

// link connects the offering side to the answering side and opens the channels
func (p *PeerConnection) link() {
	p.mu.Lock()
	remoteID := p.remoteID
	channels := append([]*DataChannel(nil), p.channels...)
	p.mu.Unlock()

	remote := p.net.lookup(remoteID)
	if remote == nil {
		p.emitState(webrtc.PeerConnectionStateFailed)
		return
	}

	remote.mu.Lock()
	if remote.closed || remote.remoteID != p.id {
		remote.mu.Unlock()
		p.emitState(webrtc.PeerConnectionStateFailed)
		return
	}
	remote.mu.Unlock()

	p.emitState(webrtc.PeerConnectionStateConnected)
	remote.emitState(webrtc.PeerConnectionStateConnected)

	for _, dc := range channels {
		twin := newDataChannel(p.net, dc.label, false)
		dc.link(twin)

		remote.mu.Lock()
		remote.channels = append(remote.channels, twin)
		remote.mu.Unlock()

		p.net.post(func() {
			remote.mu.Lock()
			f := remote.onDataChannel
			remote.mu.Unlock()
			if f != nil {
				f(twin)
			}
		})
		p.net.post(func() {
			dc.open()
			twin.open()
		})
	}
}
