package negotiation

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when an event is not valid in the current state
var ErrIllegalTransition = errors.New("illegal negotiation transition")

// State is the state of a negotiation session
type State int

const (
	// StateIdle indicates nothing has happened yet
	StateIdle State = iota
	// StateRequestPendingOutbound indicates a connection request was sent and awaits consent
	StateRequestPendingOutbound
	// StateRequestPendingInbound indicates a connection request arrived and awaits the local user
	StateRequestPendingInbound
	// StateOffering indicates consent was given and the offer/answer exchange has begun
	StateOffering
	// StateAnswering indicates a remote offer was applied and an answer sent
	StateAnswering
	// StateConnecting indicates both descriptions are applied and the channel is opening
	StateConnecting
	// StateConnected indicates the data channel is open
	StateConnected
	// StateClosed indicates the channel closed normally
	StateClosed
	// StateFailed indicates the attempt was abandoned
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestPendingOutbound:
		return "request-pending-outbound"
	case StateRequestPendingInbound:
		return "request-pending-inbound"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can no longer change state
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Pending reports whether the session is past consent but not yet connected
func (s State) Pending() bool {
	switch s {
	case StateRequestPendingOutbound, StateOffering, StateAnswering, StateConnecting:
		return true
	}
	return false
}

// Event drives a state transition
type Event int

const (
	// EventConnect is the local user initiating a connection
	EventConnect Event = iota
	// EventRequestReceived is an inbound connection-request
	EventRequestReceived
	// EventAccept is the local user accepting an inbound request
	EventAccept
	// EventAcceptedReceived is an inbound connection-accepted
	EventAcceptedReceived
	// EventOfferReceived is an inbound offer being answered
	EventOfferReceived
	// EventAnswerReceived is an inbound answer being applied
	EventAnswerReceived
	// EventChannelOpen is the data channel open event
	EventChannelOpen
	// EventChannelClosed is the data channel or transport closing
	EventChannelClosed
	// EventFailure is a negotiation or transport error
	EventFailure
	// EventCancel is an explicit local cancel
	EventCancel
)

// String returns a string representation of the event
func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventRequestReceived:
		return "request-received"
	case EventAccept:
		return "accept"
	case EventAcceptedReceived:
		return "accepted-received"
	case EventOfferReceived:
		return "offer-received"
	case EventAnswerReceived:
		return "answer-received"
	case EventChannelOpen:
		return "channel-open"
	case EventChannelClosed:
		return "channel-closed"
	case EventFailure:
		return "failure"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Transition returns the state reached by applying ev in from
func Transition(from State, ev Event) (State, error) {
	switch ev {
	case EventFailure, EventCancel:
		if !from.Terminal() {
			return StateFailed, nil
		}
	case EventChannelClosed:
		if from == StateConnected {
			return StateClosed, nil
		}
		if !from.Terminal() {
			return StateFailed, nil
		}
	}

	switch from {
	case StateIdle:
		switch ev {
		case EventConnect:
			return StateRequestPendingOutbound, nil
		case EventRequestReceived:
			return StateRequestPendingInbound, nil
		case EventOfferReceived:
			return StateAnswering, nil
		}
	case StateRequestPendingOutbound:
		switch ev {
		case EventAcceptedReceived:
			return StateOffering, nil
		case EventRequestReceived:
			// glare, the larger identity yields and answers the other side
			return StateRequestPendingInbound, nil
		}
	case StateRequestPendingInbound:
		switch ev {
		case EventAccept:
			return StateOffering, nil
		case EventOfferReceived:
			return StateAnswering, nil
		}
	case StateOffering:
		switch ev {
		case EventOfferReceived:
			return StateAnswering, nil
		case EventAnswerReceived:
			return StateConnecting, nil
		}
	case StateAnswering, StateConnecting:
		if ev == EventChannelOpen {
			return StateConnected, nil
		}
	}

	return from, fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, ev, from)
}
