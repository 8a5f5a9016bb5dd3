package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/TFMV/furyshare/common"
)

// Control frame types
const (
	FrameFileInfo     = "file-info"
	FrameFileComplete = "file-complete"
)

// ChunkSize is the size of each binary frame
const ChunkSize = 16 * 1024

// ErrMalformedFrame is returned for control frames that cannot be parsed
var ErrMalformedFrame = errors.New("malformed control frame")

// Frame is a text control frame on the data channel
type Frame struct {
	Type     string           `json:"type"`
	FileInfo *common.FileInfo `json:"fileInfo,omitempty"`
}

// EncodeFileInfo builds the file-info frame announcing info
func EncodeFileInfo(info common.FileInfo) (string, error) {
	data, err := json.Marshal(Frame{Type: FrameFileInfo, FileInfo: &info})
	if err != nil {
		return "", fmt.Errorf("failed to marshal file info: %w", err)
	}
	return string(data), nil
}

// EncodeFileComplete builds the file-complete frame
func EncodeFileComplete() string {
	data, _ := json.Marshal(Frame{Type: FrameFileComplete})
	return string(data)
}

// DecodeFrame parses a text control frame
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if frame.Type == FrameFileInfo && frame.FileInfo == nil {
		return nil, fmt.Errorf("%w: file-info without fileInfo", ErrMalformedFrame)
	}
	return &frame, nil
}

// Percent returns round(done/total*100) clamped to [0,100]. An empty total is complete.
func Percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
