package rtctest

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
)

// DataChannel is a fake common.DataChannel. Sent messages sit in an in-flight
// queue that counts toward BufferedAmount until the wire delivers them.
type DataChannel struct {
	net   *Network
	label string
	local bool

	mu           sync.Mutex
	state        webrtc.DataChannelState
	peer         *DataChannel
	onOpen       func()
	onClose      func()
	onMessage    func(webrtc.DataChannelMessage)
	onLow        func()
	inbox        []webrtc.DataChannelMessage
	inflight     []webrtc.DataChannelMessage
	buffered     uint64
	lowThreshold uint64
	paused       bool
	sent         []webrtc.DataChannelMessage
	maxBuffered  uint64
}

func newDataChannel(n *Network, label string, local bool) *DataChannel {
	dc := &DataChannel{
		net:   n,
		label: label,
		local: local,
		state: webrtc.DataChannelStateConnecting,
	}
	n.track(dc)
	return dc
}

// Sent returns every message sent on this end
func (d *DataChannel) Sent() []webrtc.DataChannelMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]webrtc.DataChannelMessage(nil), d.sent...)
}

// BinarySent returns the number of binary messages sent on this end
func (d *DataChannel) BinarySent() int {
	var n int
	for _, msg := range d.Sent() {
		if !msg.IsString {
			n++
		}
	}
	return n
}

// MaxBufferedAmount returns the highest BufferedAmount observed
func (d *DataChannel) MaxBufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxBuffered
}

// SetDeliveryPaused holds sent messages in flight while paused
func (d *DataChannel) SetDeliveryPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	pending := len(d.inflight)
	d.mu.Unlock()

	if !paused {
		for i := 0; i < pending; i++ {
			d.net.post(d.deliverOne)
		}
	}
}

func (d *DataChannel) Label() string {
	return d.label
}

func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	open := d.state == webrtc.DataChannelStateOpen
	d.mu.Unlock()

	// An already open channel fires immediately, like pion does
	if open {
		d.net.post(f)
	}
}

func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

func (d *DataChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMessage = f
	inbox := d.inbox
	d.inbox = nil
	d.mu.Unlock()

	for _, msg := range inbox {
		msg := msg
		d.net.post(func() { f(msg) })
	}
}

func (d *DataChannel) Send(data []byte) error {
	return d.send(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
}

func (d *DataChannel) SendText(s string) error {
	return d.send(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (d *DataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *DataChannel) SetBufferedAmountLowThreshold(th uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lowThreshold = th
}

func (d *DataChannel) OnBufferedAmountLow(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLow = f
}

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) Close() error {
	if !d.markClosed() {
		return nil
	}

	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()

	if peer != nil && peer.markClosed() {
		d.net.post(peer.fireClose)
	}
	d.net.post(d.fireClose)
	return nil
}

func (d *DataChannel) link(twin *DataChannel) {
	d.mu.Lock()
	d.peer = twin
	d.mu.Unlock()

	twin.mu.Lock()
	twin.peer = d
	twin.mu.Unlock()
}

func (d *DataChannel) open() {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateConnecting {
		d.mu.Unlock()
		return
	}
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()

	if f != nil {
		f()
	}
}

func (d *DataChannel) markClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == webrtc.DataChannelStateClosed {
		return false
	}
	d.state = webrtc.DataChannelStateClosed
	d.inflight = nil
	d.buffered = 0
	return true
}

func (d *DataChannel) fireClose() {
	d.mu.Lock()
	f := d.onClose
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *DataChannel) send(msg webrtc.DataChannelMessage) error {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateOpen {
		d.mu.Unlock()
		return errors.New("data channel is not open")
	}
	d.sent = append(d.sent, msg)
	d.inflight = append(d.inflight, msg)
	d.buffered += uint64(len(msg.Data))
	if d.buffered > d.maxBuffered {
		d.maxBuffered = d.buffered
	}
	paused := d.paused
	d.mu.Unlock()

	if !paused {
		d.net.post(d.deliverOne)
	}
	return nil
}

func (d *DataChannel) deliverOne() {
	d.mu.Lock()
	if d.paused || len(d.inflight) == 0 {
		d.mu.Unlock()
		return
	}
	msg := d.inflight[0]
	d.inflight = d.inflight[1:]
	before := d.buffered
	d.buffered -= uint64(len(msg.Data))
	var low func()
	if before > d.lowThreshold && d.buffered <= d.lowThreshold {
		low = d.onLow
	}
	peer := d.peer
	d.mu.Unlock()

	if peer != nil {
		peer.receive(msg)
	}
	if low != nil {
		low()
	}
}

func (d *DataChannel) receive(msg webrtc.DataChannelMessage) {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateOpen {
		d.mu.Unlock()
		return
	}
	f := d.onMessage
	if f == nil {
		d.inbox = append(d.inbox, msg)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	f(msg)
}
