package session

import (
	"github.com/TFMV/furyshare/common"
)

// NoticeKind classifies a user-facing notification
type NoticeKind int

const (
	// NoticeError is a rejected operation (consent errors and misuse)
	NoticeError NoticeKind = iota
	// NoticeConnectionRequest is an inbound request awaiting consent
	NoticeConnectionRequest
	// NoticeConnected means a data channel opened
	NoticeConnected
	// NoticeDisconnected means an open data channel closed
	NoticeDisconnected
	// NoticeRejected means the remote peer declined our request
	NoticeRejected
	// NoticeTimeout means a request or connection attempt expired
	NoticeTimeout
	// NoticePeerUnavailable means the relay could not reach the peer
	NoticePeerUnavailable
	// NoticeNegotiationFailed means the negotiation was abandoned
	NoticeNegotiationFailed
	// NoticeTransferStarted means an inbound file was announced
	NoticeTransferStarted
	// NoticeTransferComplete means an outbound file was fully sent
	NoticeTransferComplete
	// NoticeTransferCancelled means the local user cancelled a transfer
	NoticeTransferCancelled
	// NoticeTransferFailed means a transfer was aborted
	NoticeTransferFailed
	// NoticeFileReceived means an inbound file was reassembled
	NoticeFileReceived
)

var noticeNames = map[NoticeKind]string{
	NoticeError:             "error",
	NoticeConnectionRequest: "connection-request",
	NoticeConnected:         "connected",
	NoticeDisconnected:      "disconnected",
	NoticeRejected:          "rejected",
	NoticeTimeout:           "timeout",
	NoticePeerUnavailable:   "peer-unavailable",
	NoticeNegotiationFailed: "negotiation-failed",
	NoticeTransferStarted:   "transfer-started",
	NoticeTransferComplete:  "transfer-complete",
	NoticeTransferCancelled: "transfer-cancelled",
	NoticeTransferFailed:    "transfer-failed",
	NoticeFileReceived:      "file-received",
}

func (k NoticeKind) String() string {
	if name, ok := noticeNames[k]; ok {
		return name
	}
	return "unknown"
}

// Notice is a notification for the UI. Err is set for failures.
type Notice struct {
	Kind    NoticeKind
	Peer    common.PeerID
	Message string
	Err     error

	// Request is set for NoticeConnectionRequest
	Request *common.ConnectionRequest
	// File is set for NoticeFileReceived
	File *common.ReceivedFile
}
