package negotiation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/rtctest"
	"github.com/TFMV/furyshare/signaling"
)

// testPeer owns one session and routes its envelopes to the other peer
type testPeer struct {
	t        *testing.T
	loop     *common.Loop
	sess     *Session
	other    *testPeer
	opened   chan common.DataChannel
	closed   chan struct{}
	failed   chan error
	messages chan webrtc.DataChannelMessage

	mu   sync.Mutex
	sent []*signaling.Envelope
	drop map[string]bool
}

func newTestPeer(t *testing.T, net *rtctest.Network, local, remote common.PeerID) *testPeer {
	logger, _ := zap.NewDevelopment()
	p := &testPeer{
		t:        t,
		loop:     common.NewLoop(),
		opened:   make(chan common.DataChannel, 4),
		closed:   make(chan struct{}, 4),
		failed:   make(chan error, 4),
		messages: make(chan webrtc.DataChannelMessage, 16),
		drop:     make(map[string]bool),
	}
	p.sess = NewSession(Config{
		Local:     local,
		Remote:    remote,
		LocalName: string(local),
		Connector: net.Connector(),
		Signaler:  p,
		Post:      p.loop.Post,
		Logger:    logger,
		Handlers: Handlers{
			OnOpen:    func(dc common.DataChannel) { p.opened <- dc },
			OnClose:   func() { p.closed <- struct{}{} },
			OnFailed:  func(err error) { p.failed <- err },
			OnMessage: func(msg webrtc.DataChannelMessage) { p.messages <- msg },
		},
	})
	t.Cleanup(p.loop.Close)
	return p
}

func link(a, b *testPeer) {
	a.other = b
	b.other = a
}

func (p *testPeer) Send(env *signaling.Envelope) error {
	p.mu.Lock()
	p.sent = append(p.sent, env)
	drop := p.drop[env.Type]
	p.mu.Unlock()

	if p.other != nil && !drop {
		other := p.other
		other.loop.Post(func() { other.dispatch(env) })
	}
	return nil
}

func (p *testPeer) dispatch(env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeConnectionRequest:
		p.sess.ReceiveRequest()
	case signaling.TypeConnectionAccepted:
		p.sess.HandleAccepted()
	case signaling.TypeOffer:
		p.sess.HandleOffer(*env.Offer)
	case signaling.TypeAnswer:
		p.sess.HandleAnswer(*env.Answer)
	case signaling.TypeCandidate:
		p.sess.HandleCandidate(*env.Candidate)
	}
}

func (p *testPeer) do(f func()) {
	p.loop.Do(f)
}

func (p *testPeer) state() State {
	var s State
	p.do(func() { s = p.sess.State() })
	return s
}

func (p *testPeer) sentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.sent))
	for _, env := range p.sent {
		types = append(types, env.Type)
	}
	return types
}

func (p *testPeer) sentOfType(typ string) *signaling.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, env := range p.sent {
		if env.Type == typ {
			return env
		}
	}
	p.t.Fatalf("no %s envelope sent", typ)
	return nil
}

func (p *testPeer) waitOpen() common.DataChannel {
	select {
	case dc := <-p.opened:
		return dc
	case err := <-p.failed:
		p.t.Fatalf("session failed: %v", err)
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for data channel")
	}
	return nil
}

func TestSessionHappyPath(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")
	bob := newTestPeer(t, net, "bob", "alice")
	link(alice, bob)

	var err error
	alice.do(func() { err = alice.sess.Request() })
	require.NoError(t, err)
	assert.Equal(t, StateRequestPendingOutbound, alice.state())

	// Nothing is created until consent
	assert.Eventually(t, func() bool { return bob.state() == StateRequestPendingInbound }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, net.PeerConnections())

	bob.do(func() { err = bob.sess.Accept() })
	require.NoError(t, err)

	aliceDC := alice.waitOpen()
	bobDC := bob.waitOpen()

	assert.Equal(t, StateConnected, alice.state())
	assert.Equal(t, StateConnected, bob.state())
	assert.Equal(t, DefaultLabel, aliceDC.Label())
	assert.Equal(t, DefaultLabel, bobDC.Label())
	assert.Equal(t, 1, net.OpenChannelPairs())
	assert.Equal(t, 2, net.PeerConnections())

	var offerer bool
	alice.do(func() { offerer = alice.sess.Offerer() })
	assert.True(t, offerer)

	assert.Equal(t, []string{signaling.TypeConnectionRequest, signaling.TypeOffer}, alice.sentTypes()[:2])
	assert.Contains(t, alice.sentTypes(), signaling.TypeCandidate)
	assert.Equal(t, []string{signaling.TypeConnectionAccepted, signaling.TypeAnswer}, bob.sentTypes()[:2])

	// Messages flow once connected
	require.NoError(t, aliceDC.SendText("hello"))
	select {
	case msg := <-bob.messages:
		assert.True(t, msg.IsString)
		assert.Equal(t, "hello", string(msg.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	// Remote close moves both sides to Closed
	bob.do(func() { bob.sess.DataChannel().Close() })
	select {
	case <-alice.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("alice never saw the close")
	}
	assert.Equal(t, StateClosed, alice.state())
	assert.Eventually(t, func() bool { return bob.state() == StateClosed }, 5*time.Second, 10*time.Millisecond)

	var dc common.DataChannel
	alice.do(func() { dc = alice.sess.DataChannel() })
	assert.Nil(t, dc)
}

func TestSessionQueuesEarlyCandidates(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	bob := newTestPeer(t, net, "bob", "alice")

	// Build a remote offer directly on the network
	remote, err := net.Connector().NewPeerConnection()
	require.NoError(t, err)
	_, err = remote.CreateDataChannel(DefaultLabel)
	require.NoError(t, err)
	offer, err := remote.CreateOffer()
	require.NoError(t, err)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:early 1 udp 1 10.0.0.1 9 typ host"}

	bob.do(func() {
		assert.NoError(t, bob.sess.HandleCandidate(candidate))
		assert.NoError(t, bob.sess.HandleCandidate(candidate))
		assert.Equal(t, 2, bob.sess.PendingCandidates())

		assert.NoError(t, bob.sess.HandleOffer(offer))
		assert.Equal(t, 0, bob.sess.PendingCandidates())
		assert.Equal(t, StateAnswering, bob.sess.State())

		fake := bob.sess.pc.(*rtctest.PeerConnection)
		assert.Len(t, fake.Candidates(), 2)

		// Later candidates are applied directly
		assert.NoError(t, bob.sess.HandleCandidate(candidate))
		assert.Len(t, fake.Candidates(), 3)
	})

	assert.Equal(t, []string{signaling.TypeAnswer}, bob.sentTypes()[:1])
}

func TestSessionAnswerWithoutOffer(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")

	var err error
	alice.do(func() {
		err = alice.sess.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake:pc9"})
	})
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, StateIdle, alice.state())

	// Still illegal while waiting for consent
	alice.do(func() { assert.NoError(t, alice.sess.Request()) })
	alice.do(func() {
		err = alice.sess.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake:pc9"})
	})
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, StateRequestPendingOutbound, alice.state())
}

func TestSessionMalformedOffer(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	bob := newTestPeer(t, net, "bob", "alice")

	var err error
	bob.do(func() {
		err = bob.sess.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
	})
	assert.Error(t, err)
	assert.Equal(t, StateFailed, bob.state())

	select {
	case <-bob.failed:
	case <-time.After(time.Second):
		t.Fatal("OnFailed not called")
	}

	// A failed session accepts nothing further
	bob.do(func() { err = bob.sess.Request() })
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	bob.do(func() { err = bob.sess.HandleCandidate(webrtc.ICECandidateInit{Candidate: "c"}) })
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSessionPeerConnectionFailure(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")
	net.SetFailure(rtctest.Failure{NewPeerConnection: errors.New("out of file descriptors")})

	var err error
	alice.do(func() {
		assert.NoError(t, alice.sess.Request())
		err = alice.sess.HandleAccepted()
	})
	assert.Error(t, err)
	assert.Equal(t, StateFailed, alice.state())
}

func TestSessionTransportFailure(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")
	alice.do(func() {
		assert.NoError(t, alice.sess.Request())
		assert.NoError(t, alice.sess.HandleAccepted())
	})

	var fake *rtctest.PeerConnection
	alice.do(func() { fake = alice.sess.pc.(*rtctest.PeerConnection) })
	fake.Fail()

	select {
	case err := <-alice.failed:
		assert.True(t, errors.Is(err, ErrPeerConnectionFailed))
	case <-time.After(5 * time.Second):
		t.Fatal("transport failure not reported")
	}
	assert.Equal(t, StateFailed, alice.state())
}

func TestSessionRequestGlare(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")
	bob := newTestPeer(t, net, "bob", "alice")

	// Both request before either sees the other's request
	alice.do(func() { assert.NoError(t, alice.sess.Request()) })
	bob.do(func() { assert.NoError(t, bob.sess.Request()) })

	var aliceErr error
	var bobYielded bool
	alice.do(func() { _, aliceErr = alice.sess.ReceiveRequest() })
	assert.True(t, errors.Is(aliceErr, ErrGlare))
	assert.Equal(t, StateRequestPendingOutbound, alice.state())

	link(alice, bob)
	bob.do(func() {
		var err error
		bobYielded, err = bob.sess.ReceiveRequest()
		assert.NoError(t, err)
	})
	assert.True(t, bobYielded)

	alice.waitOpen()
	bob.waitOpen()
	assert.Equal(t, 1, net.OpenChannelPairs())

	var offerer bool
	alice.do(func() { offerer = alice.sess.Offerer() })
	assert.True(t, offerer, "the smaller identity stays offerer")
}

func TestSessionOfferGlare(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")
	bob := newTestPeer(t, net, "bob", "alice")

	// Both sides believe they were accepted and create offers
	alice.do(func() {
		assert.NoError(t, alice.sess.Request())
		assert.NoError(t, alice.sess.HandleAccepted())
	})
	bob.do(func() {
		assert.NoError(t, bob.sess.Request())
		assert.NoError(t, bob.sess.HandleAccepted())
	})

	aliceOffer := alice.sentOfType(signaling.TypeOffer).Offer
	bobOffer := bob.sentOfType(signaling.TypeOffer).Offer
	link(alice, bob)

	var err error
	alice.do(func() { err = alice.sess.HandleOffer(*bobOffer) })
	assert.True(t, errors.Is(err, ErrGlare))

	bob.do(func() { err = bob.sess.HandleOffer(*aliceOffer) })
	require.NoError(t, err)

	alice.waitOpen()
	bob.waitOpen()
	assert.Equal(t, 1, net.OpenChannelPairs())
}

func TestSessionClose(t *testing.T) {
	net := rtctest.NewNetwork()
	defer net.Close()

	alice := newTestPeer(t, net, "alice", "bob")
	alice.do(func() {
		assert.NoError(t, alice.sess.Request())
		alice.sess.Close()
		alice.sess.Close()
	})
	assert.Equal(t, StateFailed, alice.state())

	select {
	case <-alice.failed:
		t.Fatal("Close must not report a failure")
	case <-time.After(50 * time.Millisecond):
	}
}
