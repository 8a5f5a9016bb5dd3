package common

import (
	"io"
)

// PeerID is the opaque identity a client registers under on the signaling relay
type PeerID string

// String returns the identity as a plain string
func (p PeerID) String() string {
	return string(p)
}

// ConnectionRequest is an inbound request for consent to open a data channel
type ConnectionRequest struct {
	Sender     PeerID `json:"sender"`
	Receiver   PeerID `json:"receiver"`
	SenderName string `json:"senderName,omitempty"`
}

// FileInfo is the metadata triple announced before a file is streamed
type FileInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// OutboundFile is a file selected for sending
type OutboundFile struct {
	FileInfo
	Data io.ReaderAt
}

// ReceivedFile is a fully reassembled inbound file
type ReceivedFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// TransferState is the snapshot a UI renders for one sharing context.
// Values handed out by the controller are copies and never change afterwards.
type TransferState struct {
	File                   *FileInfo           `json:"file"`
	Progress               int                 `json:"progress"`
	IsTransferring         bool                `json:"isTransferring"`
	ReceivedFile           *ReceivedFile       `json:"receivedFile"`
	IsWaitingForAcceptance bool                `json:"isWaitingForAcceptance"`
	ConnectionRequests     []ConnectionRequest `json:"connectionRequests"`
	IsConnected            bool                `json:"isConnected"`
}

// Clone returns a deep copy of the state
func (s TransferState) Clone() TransferState {
	out := s
	if s.File != nil {
		f := *s.File
		out.File = &f
	}
	if s.ReceivedFile != nil {
		r := *s.ReceivedFile
		out.ReceivedFile = &r
	}
	out.ConnectionRequests = make([]ConnectionRequest, len(s.ConnectionRequests))
	copy(out.ConnectionRequests, s.ConnectionRequests)
	return out
}

// Equal reports whether two snapshots carry the same values
func (s TransferState) Equal(o TransferState) bool {
	if s.Progress != o.Progress ||
		s.IsTransferring != o.IsTransferring ||
		s.IsWaitingForAcceptance != o.IsWaitingForAcceptance ||
		s.IsConnected != o.IsConnected {
		return false
	}
	if (s.File == nil) != (o.File == nil) || (s.File != nil && *s.File != *o.File) {
		return false
	}
	if (s.ReceivedFile == nil) != (o.ReceivedFile == nil) || (s.ReceivedFile != nil && *s.ReceivedFile != *o.ReceivedFile) {
		return false
	}
	if len(s.ConnectionRequests) != len(o.ConnectionRequests) {
		return false
	}
	for i := range s.ConnectionRequests {
		if s.ConnectionRequests[i] != o.ConnectionRequests[i] {
			return false
		}
	}
	return true
}
