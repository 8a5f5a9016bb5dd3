package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/TFMV/furyshare/common"
)

// Envelope types
const (
	TypeConnectionRequest  = "connection-request"
	TypeConnectionAccepted = "connection-accepted"
	TypeConnectionRejected = "connection-rejected"
	TypeOffer              = "offer"
	TypeAnswer             = "answer"
	TypeCandidate          = "candidate"
	TypePeerUnavailable    = "peer-unavailable"
)

var (
	// ErrMissingType is returned for envelopes without a type tag
	ErrMissingType = errors.New("envelope has no type")
	// ErrMissingPayload is returned when an offer, answer or candidate has no payload
	ErrMissingPayload = errors.New("envelope has no payload")
)

// Envelope is a signaling message addressed from one peer identity to another.
// Envelopes with types this package does not know are still decoded so other
// features sharing the transport can consume them.
type Envelope struct {
	Type       string                     `json:"type"`
	Sender     common.PeerID              `json:"sender"`
	Receiver   common.PeerID              `json:"receiver"`
	SenderName string                     `json:"senderName,omitempty"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Timestamp  int64                      `json:"timestamp,omitempty"`

	// Raw holds the frame as received
	Raw json.RawMessage `json:"-"`
}

// NewEnvelope creates an envelope stamped with the current time
func NewEnvelope(typ string, sender, receiver common.PeerID) *Envelope {
	return &Envelope{
		Type:      typ,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: time.Now().UnixNano(),
	}
}

// Decode parses a raw frame into an envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return &env, nil
}

// Encode marshals the envelope
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Known reports whether the type belongs to the peer connection flow
func (e *Envelope) Known() bool {
	switch e.Type {
	case TypeConnectionRequest, TypeConnectionAccepted, TypeConnectionRejected,
		TypeOffer, TypeAnswer, TypeCandidate, TypePeerUnavailable:
		return true
	}
	return false
}

// Validate checks that a known envelope carries the payload its type requires
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	if e.Sender == "" || e.Receiver == "" {
		return fmt.Errorf("%s envelope is not addressed", e.Type)
	}

	switch e.Type {
	case TypeOffer:
		if e.Offer == nil || e.Offer.SDP == "" {
			return fmt.Errorf("%w: offer", ErrMissingPayload)
		}
	case TypeAnswer:
		if e.Answer == nil || e.Answer.SDP == "" {
			return fmt.Errorf("%w: answer", ErrMissingPayload)
		}
	case TypeCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: candidate", ErrMissingPayload)
		}
	}
	return nil
}
