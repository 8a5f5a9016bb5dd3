package signaling

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// DefaultDedupWindow is how long a seen envelope is remembered
const DefaultDedupWindow = 10 * time.Second

// Deduper drops envelopes that were already seen. Two envelopes are the same
// when sender, receiver, type, payload and timestamp all match.
type Deduper struct {
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
	seen   map[string]time.Time
}

// NewDeduper creates a new Deduper remembering envelopes for window
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Seen records env and reports whether an identical envelope arrived within the window
func (d *Deduper) Seen(env *Envelope) bool {
	key := fingerprint(env)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = now
	return false
}

func fingerprint(env *Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.Type))
	h.Write([]byte{0})
	h.Write([]byte(env.Sender))
	h.Write([]byte{0})
	h.Write([]byte(env.Receiver))
	h.Write([]byte{0})

	payload := struct {
		SenderName string                     `json:"n,omitempty"`
		Offer      *webrtc.SessionDescription `json:"o,omitempty"`
		Answer     *webrtc.SessionDescription `json:"a,omitempty"`
		Candidate  *webrtc.ICECandidateInit   `json:"c,omitempty"`
		Timestamp  int64                      `json:"t,omitempty"`
	}{env.SenderName, env.Offer, env.Answer, env.Candidate, env.Timestamp}
	data, _ := json.Marshal(payload)
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}
