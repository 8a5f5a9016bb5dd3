package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
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
	"github.com/TFMV/furyshare/transfer"
)

const waitTimeout = 5 * time.Second

// testHub routes envelopes between controllers the way the relay does
type testHub struct {
	mu      sync.Mutex
	peers   map[common.PeerID]*Controller
	offline bool
	held    bool
	queue   []*signaling.Envelope
	sent    []*signaling.Envelope
}

func newTestHub() *testHub {
	return &testHub{peers: make(map[common.PeerID]*Controller)}
}

func (h *testHub) link() *hubLink {
	return &hubLink{hub: h}
}

func (h *testHub) setOffline(offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = offline
}

// hold queues envelopes until release
func (h *testHub) hold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held = true
}

func (h *testHub) release() {
	h.mu.Lock()
	h.held = false
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, env := range queue {
		h.deliver(env)
	}
}

// discard drops the envelopes queued since hold
func (h *testHub) discard() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held = false
	h.queue = nil
}

func (h *testHub) sentOfType(typ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for _, env := range h.sent {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (h *testHub) route(env *signaling.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	decoded, err := signaling.Decode(data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.sent = append(h.sent, decoded)
	if h.held {
		h.queue = append(h.queue, decoded)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.deliver(decoded)
	return nil
}

func (h *testHub) deliver(env *signaling.Envelope) {
	h.mu.Lock()
	target := h.peers[env.Receiver]
	origin := h.peers[env.Sender]
	h.mu.Unlock()

	if target != nil {
		target.HandleEnvelope(env)
		return
	}
	if origin != nil && (env.Type == signaling.TypeConnectionRequest || env.Type == signaling.TypeOffer) {
		origin.HandleEnvelope(signaling.NewEnvelope(signaling.TypePeerUnavailable, env.Receiver, env.Sender))
	}
}

type hubLink struct {
	hub *testHub
}

func (l *hubLink) Send(env *signaling.Envelope) error {
	if !l.IsOpen() {
		return signaling.ErrNotOpen
	}
	return l.hub.route(env)
}

func (l *hubLink) IsOpen() bool {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	return !l.hub.offline
}

type testPeer struct {
	ctrl    *Controller
	notices chan Notice

	mu       sync.Mutex
	updates  int
	progress []int
}

func newTestPeer(t *testing.T, hub *testHub, net *rtctest.Network, id common.PeerID, mutate func(*Config)) *testPeer {
	config := DefaultConfig()
	config.Local = id
	config.Name = string(id) + "-device"
	if mutate != nil {
		mutate(&config)
	}

	p := &testPeer{
		ctrl:    NewController(zap.NewNop(), config, net.Connector(), hub.link(), nil),
		notices: make(chan Notice, 256),
	}
	p.ctrl.OnNotice(func(n Notice) { p.notices <- n })
	p.ctrl.OnUpdate(func(s common.TransferState) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.updates++
		p.progress = append(p.progress, s.Progress)
	})

	hub.mu.Lock()
	hub.peers[id] = p.ctrl
	hub.mu.Unlock()

	t.Cleanup(p.ctrl.Stop)
	return p
}

// waitNotice returns the next notice of kind, skipping others
func (p *testPeer) waitNotice(t *testing.T, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n := <-p.notices:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s notice", p.ctrl.Local(), kind)
			return Notice{}
		}
	}
}

// settle waits until every step and notification queued so far has run
func (p *testPeer) settle() {
	p.ctrl.loop.Do(func() {})
	p.ctrl.events.Do(func() {})
}

func (p *testPeer) updateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

func (p *testPeer) progressSeen() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.progress...)
}

func (h *testHub) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func sessionCount(c *Controller) int {
	var n int
	c.loop.Do(func() { n = len(c.sessions) })
	return n
}

// activeChannel returns the open channel to the active peer
func activeChannel(c *Controller) common.DataChannel {
	var dc common.DataChannel
	c.loop.Do(func() {
		if sess := c.liveSession(c.active); sess != nil {
			dc = sess.DataChannel()
		}
	})
	return dc
}

func activePeer(c *Controller) common.PeerID {
	var remote common.PeerID
	c.loop.Do(func() { remote = c.active })
	return remote
}

// offerTo makes from send an offer to remote that remote never consented to
func offerTo(t *testing.T, hub *testHub, from *testPeer, remote common.PeerID) {
	t.Helper()
	hub.hold()
	require.NoError(t, from.ctrl.InitiateConnection(remote))
	hub.discard()
	from.ctrl.HandleEnvelope(signaling.NewEnvelope(signaling.TypeConnectionAccepted, remote, from.ctrl.Local()))
	from.settle()
}

func newNetwork(t *testing.T) *rtctest.Network {
	net := rtctest.NewNetwork()
	t.Cleanup(net.Close)
	return net
}

func connect(t *testing.T, alice, bob *testPeer) {
	t.Helper()
	require.NoError(t, alice.ctrl.InitiateConnection(bob.ctrl.Local()))
	bob.waitNotice(t, NoticeConnectionRequest)
	require.NoError(t, bob.ctrl.AcceptConnectionRequest(alice.ctrl.Local()))
	alice.waitNotice(t, NoticeConnected)
	bob.waitNotice(t, NoticeConnected)
	require.True(t, alice.ctrl.IsConnected())
	require.True(t, bob.ctrl.IsConnected())
}

func randomFile(t *testing.T, name string, size int) (*common.OutboundFile, []byte) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return &common.OutboundFile{
		FileInfo: common.FileInfo{Name: name, Type: "application/octet-stream", Size: int64(size)},
		Data:     bytes.NewReader(data),
	}, data
}

func TestEndToEnd(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	assert.True(t, alice.ctrl.State().IsWaitingForAcceptance)

	n := bob.waitNotice(t, NoticeConnectionRequest)
	require.NotNil(t, n.Request)
	assert.Equal(t, common.PeerID("alice"), n.Request.Sender)
	assert.Equal(t, "alice-device", n.Request.SenderName)

	requests := bob.ctrl.State().ConnectionRequests
	require.Len(t, requests, 1)
	assert.Equal(t, common.PeerID("alice"), requests[0].Sender)

	require.NoError(t, bob.ctrl.AcceptConnectionRequest("alice"))
	assert.Empty(t, bob.ctrl.State().ConnectionRequests)

	alice.waitNotice(t, NoticeConnected)
	bob.waitNotice(t, NoticeConnected)

	assert.True(t, alice.ctrl.IsConnected())
	assert.True(t, bob.ctrl.IsConnected())
	assert.False(t, alice.ctrl.State().IsWaitingForAcceptance)
	assert.Equal(t, 1, net.OpenChannelPairs())
	assert.Equal(t, 1, hub.sentOfType(signaling.TypeOffer))
	assert.Equal(t, 1, hub.sentOfType(signaling.TypeAnswer))
	assert.Positive(t, hub.sentOfType(signaling.TypeCandidate))

	f, data := randomFile(t, "report.bin", 50000)
	require.NoError(t, alice.ctrl.SelectFile(f))
	require.NoError(t, alice.ctrl.SendFile(context.Background()))

	alice.waitNotice(t, NoticeTransferComplete)
	received := bob.waitNotice(t, NoticeFileReceived)
	require.NotNil(t, received.File)

	alice.settle()
	bob.settle()

	state := bob.ctrl.State()
	require.NotNil(t, state.ReceivedFile)
	assert.Equal(t, int64(50000), state.ReceivedFile.Size)
	assert.Equal(t, "report.bin", state.ReceivedFile.Name)
	assert.False(t, state.IsTransferring)
	assert.Equal(t, 100, state.Progress)

	r, _, err := bob.ctrl.Blobs().Open(state.ReceivedFile.URL)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received bytes differ")

	// Sender progress never goes backwards and ends at 100
	progress := alice.progressSeen()
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.Equal(t, 100, alice.ctrl.State().Progress)
	assert.False(t, alice.ctrl.State().IsTransferring)

	// Stopping releases the received blob
	bob.ctrl.Stop()
	assert.Equal(t, 0, bob.ctrl.Blobs().Len())
}

func TestSendFileNotConnected(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)

	f := &common.OutboundFile{
		FileInfo: common.FileInfo{Name: "a.txt", Type: "text/plain", Size: 100},
		Data:     bytes.NewReader(make([]byte, 100)),
	}
	require.NoError(t, alice.ctrl.SelectFile(f))
	before := alice.ctrl.State()

	err := alice.ctrl.SendFile(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected))

	n := alice.waitNotice(t, NoticeError)
	assert.True(t, errors.Is(n.Err, ErrNotConnected))

	after := alice.ctrl.State()
	assert.False(t, after.IsTransferring)
	assert.True(t, before.Equal(after))
	assert.Empty(t, net.DataChannels())
	assert.Equal(t, 0, hub.sentCount())
}

func TestSelectFile(t *testing.T) {
	hub := newTestHub()
	alice := newTestPeer(t, hub, newNetwork(t), "alice", nil)

	assert.True(t, errors.Is(alice.ctrl.SelectFile(nil), ErrNoFile))
	assert.True(t, errors.Is(alice.ctrl.SendFile(context.Background()), ErrNoFile))

	f, _ := randomFile(t, "x.bin", 10)
	require.NoError(t, alice.ctrl.SelectFile(f))
	state := alice.ctrl.State()
	require.NotNil(t, state.File)
	assert.Equal(t, "x.bin", state.File.Name)
	assert.Equal(t, int64(10), state.File.Size)
}

func TestInitiateConnectionConsentErrors(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)

	t.Run("EmptyPeer", func(t *testing.T) {
		err := alice.ctrl.InitiateConnection("")
		assert.True(t, errors.Is(err, ErrEmptyPeer))
		n := alice.waitNotice(t, NoticeError)
		assert.True(t, errors.Is(n.Err, ErrEmptyPeer))
	})

	t.Run("Self", func(t *testing.T) {
		assert.True(t, errors.Is(alice.ctrl.InitiateConnection("alice"), ErrSelfConnect))
	})

	t.Run("Offline", func(t *testing.T) {
		hub.setOffline(true)
		defer hub.setOffline(false)

		err := alice.ctrl.InitiateConnection("bob")
		assert.True(t, errors.Is(err, ErrSignalingOffline))
		assert.False(t, alice.ctrl.State().IsWaitingForAcceptance)
	})

	assert.Equal(t, 0, hub.sentCount())
	assert.Equal(t, 0, net.PeerConnections())
}

func TestInitiateTwice(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	assert.True(t, errors.Is(alice.ctrl.InitiateConnection("bob"), ErrSessionActive))
	assert.Equal(t, 1, hub.sentOfType(signaling.TypeConnectionRequest))

	bob.waitNotice(t, NoticeConnectionRequest)
	require.NoError(t, bob.ctrl.AcceptConnectionRequest("alice"))
	alice.waitNotice(t, NoticeConnected)
	bob.waitNotice(t, NoticeConnected)

	channels := len(net.DataChannels())
	assert.True(t, errors.Is(alice.ctrl.InitiateConnection("bob"), ErrSessionActive))
	net.Flush()
	assert.Len(t, net.DataChannels(), channels)
	assert.Equal(t, 1, net.OpenChannelPairs())
	assert.True(t, alice.ctrl.IsConnected())
}

func TestCancelFileTransferIdle(t *testing.T) {
	hub := newTestHub()
	alice := newTestPeer(t, hub, newNetwork(t), "alice", nil)

	alice.settle()
	before := alice.ctrl.State()
	updates := alice.updateCount()

	assert.NoError(t, alice.ctrl.CancelFileTransfer())
	assert.NoError(t, alice.ctrl.CancelFileTransfer())
	alice.settle()

	assert.True(t, before.Equal(alice.ctrl.State()))
	assert.Equal(t, updates, alice.updateCount())

	alice.ctrl.Stop()
	assert.NoError(t, alice.ctrl.CancelFileTransfer())
}

func TestDuplicateEnvelope(t *testing.T) {
	hub := newTestHub()
	bob := newTestPeer(t, hub, newNetwork(t), "bob", nil)
	bob.settle()
	updates := bob.updateCount()

	env := signaling.NewEnvelope(signaling.TypeConnectionRequest, "mallory", "bob")
	env.SenderName = "Mallory"
	bob.ctrl.HandleEnvelope(env)
	bob.ctrl.HandleEnvelope(env)
	bob.settle()

	assert.Equal(t, updates+1, bob.updateCount())
	assert.Len(t, bob.ctrl.State().ConnectionRequests, 1)
	bob.waitNotice(t, NoticeConnectionRequest)
	select {
	case n := <-bob.notices:
		t.Fatalf("unexpected notice %s", n.Kind)
	default:
	}

	// A new request from the same sender replaces the pending one
	again := signaling.NewEnvelope(signaling.TypeConnectionRequest, "mallory", "bob")
	again.Timestamp = env.Timestamp + 1
	again.SenderName = "Mallory's laptop"
	bob.ctrl.HandleEnvelope(again)
	bob.settle()

	requests := bob.ctrl.State().ConnectionRequests
	require.Len(t, requests, 1)
	assert.Equal(t, "Mallory's laptop", requests[0].SenderName)
}

func TestEnvelopeFiltering(t *testing.T) {
	hub := newTestHub()
	bob := newTestPeer(t, hub, newNetwork(t), "bob", nil)

	// Addressed to someone else
	bob.ctrl.HandleEnvelope(signaling.NewEnvelope(signaling.TypeConnectionRequest, "mallory", "carol"))
	// Chat traffic sharing the transport
	bob.ctrl.HandleEnvelope(&signaling.Envelope{Type: "chat-message", Sender: "mallory", Receiver: "bob"})
	// Offer without a description
	bob.ctrl.HandleEnvelope(signaling.NewEnvelope(signaling.TypeOffer, "mallory", "bob"))
	// Answer without a session
	answer := signaling.NewEnvelope(signaling.TypeAnswer, "mallory", "bob")
	answer.Answer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake:pc9"}
	bob.ctrl.HandleEnvelope(answer)
	bob.settle()

	assert.Empty(t, bob.ctrl.State().ConnectionRequests)
	assert.Equal(t, 0, sessionCount(bob.ctrl))
}

func TestAcceptAndRejectUnknownRequest(t *testing.T) {
	hub := newTestHub()
	bob := newTestPeer(t, hub, newNetwork(t), "bob", nil)

	assert.True(t, errors.Is(bob.ctrl.AcceptConnectionRequest("alice"), ErrNoSuchRequest))
	assert.True(t, errors.Is(bob.ctrl.RejectConnectionRequest("alice"), ErrNoSuchRequest))
	assert.Equal(t, 0, hub.sentCount())
}

func TestRejectConnectionRequest(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)
	require.NoError(t, bob.ctrl.RejectConnectionRequest("alice"))
	assert.Empty(t, bob.ctrl.State().ConnectionRequests)

	n := alice.waitNotice(t, NoticeRejected)
	assert.True(t, errors.Is(n.Err, ErrRejected))
	alice.settle()
	assert.False(t, alice.ctrl.State().IsWaitingForAcceptance)
	assert.Equal(t, 0, net.PeerConnections())

	// A fresh attempt is allowed afterwards
	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)
}

func TestAcceptanceTimeout(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", func(c *Config) { c.AcceptanceTimeout = 50 * time.Millisecond })
	bob := newTestPeer(t, hub, net, "bob", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)

	n := alice.waitNotice(t, NoticeTimeout)
	assert.True(t, errors.Is(n.Err, ErrAcceptanceTimeout))
	alice.settle()
	assert.False(t, alice.ctrl.State().IsWaitingForAcceptance)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
}

func TestConnectTimeout(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", func(c *Config) { c.ConnectTimeout = 100 * time.Millisecond })

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)

	// The acceptance never reaches alice, so no offer follows
	hub.hold()
	require.NoError(t, bob.ctrl.AcceptConnectionRequest("alice"))

	n := bob.waitNotice(t, NoticeTimeout)
	assert.True(t, errors.Is(n.Err, ErrConnectTimeout))
	bob.settle()
	assert.Equal(t, 0, sessionCount(bob.ctrl))
	assert.False(t, bob.ctrl.IsConnected())
}

func TestPeerUnavailable(t *testing.T) {
	hub := newTestHub()
	alice := newTestPeer(t, hub, newNetwork(t), "alice", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("nobody"))
	n := alice.waitNotice(t, NoticePeerUnavailable)
	assert.Equal(t, common.PeerID("nobody"), n.Peer)
	alice.settle()
	assert.False(t, alice.ctrl.State().IsWaitingForAcceptance)
}

func TestRequestGlare(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)

	hub.hold()
	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	require.NoError(t, bob.ctrl.InitiateConnection("alice"))
	hub.release()

	alice.waitNotice(t, NoticeConnected)
	bob.waitNotice(t, NoticeConnected)
	alice.settle()
	bob.settle()

	assert.Equal(t, 1, net.OpenChannelPairs())
	assert.Equal(t, 1, hub.sentOfType(signaling.TypeOffer))
	for _, p := range []*testPeer{alice, bob} {
		state := p.ctrl.State()
		assert.True(t, state.IsConnected)
		assert.False(t, state.IsWaitingForAcceptance)
		assert.Empty(t, state.ConnectionRequests)
	}
}

func TestInitiateToRequester(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)

	// Initiating toward a peer that already asked counts as consent
	require.NoError(t, bob.ctrl.InitiateConnection("alice"))
	alice.waitNotice(t, NoticeConnected)
	bob.waitNotice(t, NoticeConnected)
	assert.Equal(t, 1, hub.sentOfType(signaling.TypeConnectionRequest))
}

func TestCancelMidTransfer(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	small := func(c *Config) {
		c.Transfer = transfer.SenderConfig{
			ChunkSize:    transfer.ChunkSize,
			HighWater:    2 * transfer.ChunkSize,
			LowWater:     transfer.ChunkSize,
			PollInterval: 5 * time.Millisecond,
		}
	}
	alice := newTestPeer(t, hub, net, "alice", small)
	bob := newTestPeer(t, hub, net, "bob", small)
	connect(t, alice, bob)

	for _, dc := range net.DataChannels() {
		dc.SetDeliveryPaused(true)
	}

	big, _ := randomFile(t, "big.bin", 64*transfer.ChunkSize)
	require.NoError(t, alice.ctrl.SelectFile(big))
	require.NoError(t, alice.ctrl.SendFile(context.Background()))
	assert.True(t, alice.ctrl.State().IsTransferring)

	sentBinary := func() int {
		var n int
		for _, dc := range net.DataChannels() {
			n += dc.BinarySent()
		}
		return n
	}
	assert.Eventually(t, func() bool { return sentBinary() > 0 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, alice.ctrl.CancelFileTransfer())
	alice.waitNotice(t, NoticeTransferCancelled)
	require.NoError(t, alice.ctrl.CancelFileTransfer())

	state := alice.ctrl.State()
	assert.False(t, state.IsTransferring)
	assert.Equal(t, 0, state.Progress)
	assert.True(t, state.IsConnected)

	stalled := sentBinary()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stalled, sentBinary())
	assert.Less(t, stalled, 64)

	// The receiver never exposes the partial file; the next file replaces it
	for _, dc := range net.DataChannels() {
		dc.SetDeliveryPaused(false)
	}
	next, data := randomFile(t, "next.bin", 3*transfer.ChunkSize+5)
	require.NoError(t, alice.ctrl.SelectFile(next))
	require.NoError(t, alice.ctrl.SendFile(context.Background()))

	n := bob.waitNotice(t, NoticeFileReceived)
	assert.Equal(t, "next.bin", n.File.Name)
	assert.Equal(t, int64(len(data)), n.File.Size)
	assert.Equal(t, 1, bob.ctrl.Blobs().Len())
}

func TestReceiverCancel(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)
	connect(t, alice, bob)

	// Announce a file but never finish it
	dc := activeChannel(alice.ctrl)
	require.NotNil(t, dc)
	info, err := transfer.EncodeFileInfo(common.FileInfo{Name: "slow.bin", Type: "application/octet-stream", Size: 1000})
	require.NoError(t, err)
	require.NoError(t, dc.SendText(info))
	require.NoError(t, dc.Send(make([]byte, 100)))

	bob.waitNotice(t, NoticeTransferStarted)
	assert.Eventually(t, func() bool { return bob.ctrl.State().Progress == 10 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, bob.ctrl.CancelFileTransfer())
	bob.waitNotice(t, NoticeTransferCancelled)
	assert.False(t, bob.ctrl.State().IsTransferring)

	// Leftover frames of the dropped file are ignored silently
	require.NoError(t, dc.Send(make([]byte, 900)))
	require.NoError(t, dc.SendText(transfer.EncodeFileComplete()))
	net.Flush()
	bob.settle()

	state := bob.ctrl.State()
	assert.Nil(t, state.ReceivedFile)
	assert.False(t, state.IsTransferring)
	assert.Equal(t, 0, bob.ctrl.Blobs().Len())
	assert.True(t, state.IsConnected)
}

func TestSizeMismatch(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)
	connect(t, alice, bob)

	dc := activeChannel(alice.ctrl)
	require.NotNil(t, dc)
	info, err := transfer.EncodeFileInfo(common.FileInfo{Name: "short.bin", Type: "application/octet-stream", Size: 1000})
	require.NoError(t, err)
	require.NoError(t, dc.SendText(info))
	require.NoError(t, dc.Send(make([]byte, 10)))
	require.NoError(t, dc.SendText(transfer.EncodeFileComplete()))

	n := bob.waitNotice(t, NoticeTransferFailed)
	assert.True(t, errors.Is(n.Err, transfer.ErrSizeMismatch))
	bob.settle()

	state := bob.ctrl.State()
	assert.Nil(t, state.ReceivedFile)
	assert.False(t, state.IsTransferring)
	assert.Equal(t, 0, bob.ctrl.Blobs().Len())
}

func TestRemoteDisconnect(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)
	connect(t, alice, bob)

	require.NoError(t, bob.ctrl.Disconnect())
	bob.waitNotice(t, NoticeDisconnected)
	alice.waitNotice(t, NoticeDisconnected)
	alice.settle()

	assert.False(t, alice.ctrl.IsConnected())
	assert.False(t, bob.ctrl.IsConnected())
	assert.True(t, errors.Is(alice.ctrl.SendFile(context.Background()), ErrNoFile))

	f, _ := randomFile(t, "late.bin", 10)
	require.NoError(t, alice.ctrl.SelectFile(f))
	assert.True(t, errors.Is(alice.ctrl.SendFile(context.Background()), ErrNotConnected))

	// Reconnecting after a close starts from scratch
	connect(t, alice, bob)
	assert.Equal(t, 1, net.OpenChannelPairs())
}

func TestNegotiationFailure(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", func(c *Config) { c.ConnectTimeout = 200 * time.Millisecond })
	bob := newTestPeer(t, hub, net, "bob", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)

	net.SetFailure(rtctest.Failure{SetRemoteDescription: errors.New("bad sdp")})
	require.NoError(t, bob.ctrl.AcceptConnectionRequest("alice"))

	n := bob.waitNotice(t, NoticeNegotiationFailed)
	assert.ErrorContains(t, n.Err, "bad sdp")

	timeout := alice.waitNotice(t, NoticeTimeout)
	assert.True(t, errors.Is(timeout.Err, ErrConnectTimeout))

	alice.settle()
	bob.settle()
	assert.False(t, alice.ctrl.IsConnected())
	assert.False(t, bob.ctrl.IsConnected())
	assert.False(t, alice.ctrl.State().IsWaitingForAcceptance)
}

func TestOfferWithoutRequest(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)

	offerTo(t, hub, alice, "bob")

	alice.waitNotice(t, NoticeConnected)
	bob.waitNotice(t, NoticeConnected)
	bob.settle()

	assert.Equal(t, 1, net.OpenChannelPairs())
	assert.Equal(t, 1, hub.sentOfType(signaling.TypeAnswer))
	assert.Equal(t, common.PeerID("alice"), activePeer(bob.ctrl))
	assert.Empty(t, bob.ctrl.State().ConnectionRequests)
	assert.True(t, bob.ctrl.IsConnected())
}

func TestOfferDoesNotDisplaceActivePeer(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)
	carol := newTestPeer(t, hub, net, "carol", func(c *Config) { c.ConnectTimeout = 100 * time.Millisecond })
	connect(t, alice, bob)

	// carol asks first, then offers before alice answers the request
	require.NoError(t, carol.ctrl.InitiateConnection("alice"))
	alice.waitNotice(t, NoticeConnectionRequest)
	carol.ctrl.HandleEnvelope(signaling.NewEnvelope(signaling.TypeConnectionAccepted, "alice", "carol"))
	carol.settle()
	alice.settle()
	net.Flush()
	alice.settle()

	assert.Equal(t, 1, hub.sentOfType(signaling.TypeAnswer))
	assert.Equal(t, common.PeerID("bob"), activePeer(alice.ctrl))
	assert.Equal(t, 1, net.OpenChannelPairs())
	assert.True(t, alice.ctrl.IsConnected())
	assert.True(t, bob.ctrl.IsConnected())

	// The request is still waiting for alice's decision
	requests := alice.ctrl.State().ConnectionRequests
	require.Len(t, requests, 1)
	assert.Equal(t, common.PeerID("carol"), requests[0].Sender)

	n := carol.waitNotice(t, NoticeTimeout)
	assert.True(t, errors.Is(n.Err, ErrConnectTimeout))
	assert.False(t, carol.ctrl.IsConnected())
}

func TestOfferDoesNotDisplacePendingAttempt(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)
	carol := newTestPeer(t, hub, net, "carol", func(c *Config) { c.ConnectTimeout = 100 * time.Millisecond })

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)

	offerTo(t, hub, carol, "alice")
	alice.settle()
	net.Flush()
	alice.settle()

	state := alice.ctrl.State()
	assert.True(t, state.IsWaitingForAcceptance)
	assert.False(t, state.IsConnected)
	assert.Equal(t, 0, hub.sentOfType(signaling.TypeAnswer))
	carol.waitNotice(t, NoticeTimeout)

	// bob's acceptance still completes the attempt
	require.NoError(t, bob.ctrl.AcceptConnectionRequest("alice"))
	alice.waitNotice(t, NoticeConnected)
	assert.Equal(t, common.PeerID("bob"), activePeer(alice.ctrl))
}

func TestAcceptingRequesterDropsPendingAttempt(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", nil)
	carol := newTestPeer(t, hub, net, "carol", nil)

	require.NoError(t, alice.ctrl.InitiateConnection("bob"))
	bob.waitNotice(t, NoticeConnectionRequest)
	require.NoError(t, carol.ctrl.InitiateConnection("alice"))
	alice.waitNotice(t, NoticeConnectionRequest)

	// Initiating toward carol consents to carol's request and gives up on bob
	require.NoError(t, alice.ctrl.InitiateConnection("carol"))
	alice.waitNotice(t, NoticeConnected)
	carol.waitNotice(t, NoticeConnected)
	alice.settle()

	state := alice.ctrl.State()
	assert.True(t, state.IsConnected)
	assert.False(t, state.IsWaitingForAcceptance)
	assert.Equal(t, common.PeerID("carol"), activePeer(alice.ctrl))
	assert.Equal(t, 1, sessionCount(alice.ctrl))
}

func TestRejectedInboundFileFailsOnce(t *testing.T) {
	hub := newTestHub()
	net := newNetwork(t)
	alice := newTestPeer(t, hub, net, "alice", nil)
	bob := newTestPeer(t, hub, net, "bob", func(c *Config) { c.MaxFileSize = 1000 })
	connect(t, alice, bob)

	big, _ := randomFile(t, "big.bin", 50000)
	require.NoError(t, alice.ctrl.SelectFile(big))
	require.NoError(t, alice.ctrl.SendFile(context.Background()))
	alice.waitNotice(t, NoticeTransferComplete)
	net.Flush()
	bob.settle()

	var failures []Notice
	for done := false; !done; {
		select {
		case n := <-bob.notices:
			if n.Kind == NoticeTransferFailed {
				failures = append(failures, n)
			}
		default:
			done = true
		}
	}
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0].Err, transfer.ErrFileTooLarge))

	state := bob.ctrl.State()
	assert.Nil(t, state.ReceivedFile)
	assert.False(t, state.IsTransferring)
	assert.True(t, state.IsConnected)

	// The next file within the limit is received normally
	small, data := randomFile(t, "small.bin", 500)
	require.NoError(t, alice.ctrl.SelectFile(small))
	require.NoError(t, alice.ctrl.SendFile(context.Background()))
	n := bob.waitNotice(t, NoticeFileReceived)
	assert.Equal(t, int64(len(data)), n.File.Size)
}
