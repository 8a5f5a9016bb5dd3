package transfer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
)

var (
	// ErrUnexpectedChunk is returned for a binary frame with no file announced
	ErrUnexpectedChunk = errors.New("binary frame before file-info")
	// ErrUnexpectedComplete is returned for file-complete with no file announced
	ErrUnexpectedComplete = errors.New("file-complete before file-info")
	// ErrSizeMismatch is returned when the received bytes differ from the declared size
	ErrSizeMismatch = errors.New("received size does not match declared size")
	// ErrFileTooLarge is returned when a file exceeds the configured maximum
	ErrFileTooLarge = errors.New("file exceeds maximum size")
)

// DefaultMaxFileSize is the largest file accepted by default (1GB)
const DefaultMaxFileSize = 1 << 30

// BlobStore holds completed files behind transient URLs
type BlobStore interface {
	Put(info common.FileInfo, parts [][]byte) common.ReceivedFile
}

// UpdateKind classifies a receiver update
type UpdateKind int

const (
	// UpdateStarted means a file-info frame started a new file
	UpdateStarted UpdateKind = iota
	// UpdateProgress means a binary frame was appended
	UpdateProgress
	// UpdateComplete means the file was reassembled
	UpdateComplete
)

// Update describes what an inbound frame changed
type Update struct {
	Kind     UpdateKind
	Info     common.FileInfo
	Progress int
	File     *common.ReceivedFile
}

// Receiver reassembles inbound frames into files
type Receiver struct {
	logger      *zap.Logger
	store       BlobStore
	maxFileSize int64

	info     *common.FileInfo
	parts    [][]byte
	received int64
}

// NewReceiver creates a new Receiver storing completed files in store
func NewReceiver(logger *zap.Logger, store BlobStore, maxFileSize int64) *Receiver {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Receiver{
		logger:      logger,
		store:       store,
		maxFileSize: maxFileSize,
	}
}

// Active reports whether a file is being received
func (r *Receiver) Active() bool {
	return r.info != nil
}

// Received returns the number of bytes accumulated for the current file
func (r *Receiver) Received() int64 {
	return r.received
}

// Reset discards any partially received file
func (r *Receiver) Reset() {
	r.info = nil
	r.parts = nil
	r.received = 0
}

// Handle processes one inbound message. A nil update means nothing changed.
func (r *Receiver) Handle(msg webrtc.DataChannelMessage) (*Update, error) {
	if !msg.IsString {
		return r.handleChunk(msg.Data)
	}

	frame, err := DecodeFrame(msg.Data)
	if err != nil {
		return nil, err
	}

	switch frame.Type {
	case FrameFileInfo:
		return r.handleFileInfo(*frame.FileInfo)
	case FrameFileComplete:
		return r.handleComplete()
	default:
		r.logger.Debug("Ignoring unknown control frame", zap.String("type", frame.Type))
		return nil, nil
	}
}

func (r *Receiver) handleFileInfo(info common.FileInfo) (*Update, error) {
	r.Reset()

	if info.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrMalformedFrame, info.Size)
	}
	if info.Size > r.maxFileSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, info.Size, r.maxFileSize)
	}

	r.info = &info

	r.logger.Info("Receiving file",
		zap.String("file_name", info.Name),
		zap.String("mime_type", info.Type),
		zap.Int64("file_size", info.Size))

	return &Update{Kind: UpdateStarted, Info: info, Progress: 0}, nil
}

func (r *Receiver) handleChunk(data []byte) (*Update, error) {
	if r.info == nil {
		return nil, ErrUnexpectedChunk
	}
	if total := r.received + int64(len(data)); total > r.info.Size {
		size := r.info.Size
		r.Reset()
		return nil, fmt.Errorf("%w: got at least %d bytes, want %d", ErrSizeMismatch, total, size)
	}

	r.parts = append(r.parts, data)
	r.received += int64(len(data))
	metrics.BytesReceived.Add(float64(len(data)))

	return &Update{
		Kind:     UpdateProgress,
		Info:     *r.info,
		Progress: Percent(r.received, r.info.Size),
	}, nil
}

func (r *Receiver) handleComplete() (*Update, error) {
	if r.info == nil {
		return nil, ErrUnexpectedComplete
	}
	info := *r.info

	if r.received != info.Size {
		received := r.received
		r.Reset()
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, received, info.Size)
	}

	received := r.store.Put(info, r.parts)
	r.Reset()

	r.logger.Info("File received",
		zap.String("file_name", received.Name),
		zap.Int64("file_size", received.Size),
		zap.String("url", received.URL))

	return &Update{Kind: UpdateComplete, Info: info, Progress: 100, File: &received}, nil
}
