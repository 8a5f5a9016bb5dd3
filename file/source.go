package file

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/TFMV/furyshare/common"
)

const defaultMimeType = "application/octet-stream"

// Source is a local file opened for sending
type Source struct {
	common.OutboundFile
	f *os.File
}

// OpenSource opens path and describes it as an outbound file
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &Source{
		OutboundFile: common.OutboundFile{
			FileInfo: common.FileInfo{
				Name: filepath.Base(path),
				Type: MimeType(path),
				Size: info.Size(),
			},
			Data: f,
		},
		f: f,
	}, nil
}

// Close closes the underlying file
func (s *Source) Close() error {
	return s.f.Close()
}

// MimeType guesses a mime type from the file extension
func MimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return defaultMimeType
}
