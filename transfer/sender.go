package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/metrics"
)

var (
	// ErrChannelNotOpen is returned when a send starts on a channel that is not open
	ErrChannelNotOpen = errors.New("data channel is not open")
	// ErrChannelClosed is returned when the channel closes mid-transfer
	ErrChannelClosed = errors.New("data channel closed during transfer")
)

// SenderConfig contains configuration for outbound transfers
type SenderConfig struct {
	// ChunkSize is the size of each binary frame
	ChunkSize int

	// HighWater is the buffered amount above which sending pauses
	HighWater uint64

	// LowWater is the buffered amount at which sending resumes
	LowWater uint64

	// PollInterval re-checks the buffered amount when no low event arrives
	PollInterval time.Duration
}

// DefaultSenderConfig returns the default sender configuration
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		ChunkSize:    ChunkSize,
		HighWater:    1024 * 1024,
		LowWater:     256 * 1024,
		PollInterval: 50 * time.Millisecond,
	}
}

// Sender streams files over a data channel
type Sender struct {
	logger *zap.Logger
	config SenderConfig
}

// NewSender creates a new Sender
func NewSender(logger *zap.Logger, config SenderConfig) *Sender {
	defaults := DefaultSenderConfig()
	if config.ChunkSize <= 0 || config.ChunkSize > ChunkSize {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.HighWater == 0 {
		config.HighWater = defaults.HighWater
	}
	if config.LowWater == 0 || config.LowWater > config.HighWater {
		config.LowWater = config.HighWater / 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	return &Sender{
		logger: logger,
		config: config,
	}
}

// Send streams f over dc: a file-info frame, the binary slices, then file-complete.
// progress receives non-decreasing percentages ending at 100. Cancelling ctx stops
// the send before the next slice.
func (s *Sender) Send(ctx context.Context, dc common.DataChannel, f common.OutboundFile, progress func(int)) error {
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if progress == nil {
		progress = func(int) {}
	}

	ctx, span := otel.Tracer("furyshare").Start(ctx, "transfer.send")
	span.SetAttributes(
		attribute.String("file.name", f.Name),
		attribute.Int64("file.size", f.Size),
		attribute.String("channel", dc.Label()),
	)
	defer span.End()

	start := time.Now()
	err := s.send(ctx, dc, f, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("File transfer aborted",
			zap.String("file_name", f.Name),
			zap.Error(err))
		return err
	}

	metrics.TransferDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("File sent",
		zap.String("file_name", f.Name),
		zap.Int64("file_size", f.Size),
		zap.Duration("duration", time.Since(start)))

	return nil
}

func (s *Sender) send(ctx context.Context, dc common.DataChannel, f common.OutboundFile, progress func(int)) error {
	low := make(chan struct{}, 1)
	dc.SetBufferedAmountLowThreshold(s.config.LowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})
	defer dc.OnBufferedAmountLow(func() {})

	// Announce the file
	info, err := EncodeFileInfo(f.FileInfo)
	if err != nil {
		return err
	}
	if err := dc.SendText(info); err != nil {
		return fmt.Errorf("failed to send file info: %w", err)
	}

	data := f.Data
	if data == nil {
		data = emptyReader{}
	}
	chunker := file.NewChunker(data, f.Size, s.config.ChunkSize)
	reported := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if err := s.waitForRoom(ctx, dc, low); err != nil {
			return err
		}

		if err := dc.Send(chunk.Data); err != nil {
			if dc.ReadyState() != webrtc.DataChannelStateOpen {
				return fmt.Errorf("%w: chunk %d: %v", ErrChannelClosed, chunk.Index, err)
			}
			return fmt.Errorf("failed to send chunk %d: %w", chunk.Index, err)
		}
		metrics.BytesSent.Add(float64(len(chunk.Data)))

		if p := Percent(chunker.Offset(), f.Size); p > reported {
			reported = p
			progress(p)
		}
	}

	if err := dc.SendText(EncodeFileComplete()); err != nil {
		return fmt.Errorf("failed to send file complete: %w", err)
	}
	if reported < 100 {
		progress(100)
	}

	s.logger.Debug("File stream complete",
		zap.String("file_name", f.Name),
		zap.Int("chunks", chunker.TotalChunks()),
		zap.String("sha256", chunker.Hash()))

	return nil
}

// waitForRoom blocks while the channel's send buffer is above the high water mark
func (s *Sender) waitForRoom(ctx context.Context, dc common.DataChannel, low <-chan struct{}) error {
	if dc.BufferedAmount() <= s.config.HighWater {
		return nil
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for dc.BufferedAmount() > s.config.HighWater {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			return ErrChannelClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-low:
		case <-ticker.C:
		}
	}
	return nil
}

type emptyReader struct{}

func (emptyReader) ReadAt([]byte, int64) (int, error) {
	return 0, io.EOF
}
