package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

// BlobURLPrefix prefixes every transient blob reference
const BlobURLPrefix = "blob:furyshare/"

// ErrBlobNotFound is returned for unknown or revoked blob URLs
var ErrBlobNotFound = errors.New("blob not found")

// Blob is an immutable in-memory received file
type Blob struct {
	Info      common.FileInfo
	Hash      string
	CreatedAt time.Time
	data      []byte
}

// BlobStore holds reassembled files behind transient URLs until they are revoked
type BlobStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	blobs  map[string]*Blob
}

// NewBlobStore creates a new BlobStore
func NewBlobStore(logger *zap.Logger) *BlobStore {
	return &BlobStore{
		logger: logger,
		blobs:  make(map[string]*Blob),
	}
}

// Put concatenates parts into a single blob typed by info and returns its reference
func (bs *BlobStore) Put(info common.FileInfo, parts [][]byte) common.ReceivedFile {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	data := make([]byte, 0, total)
	for _, p := range parts {
		data = append(data, p...)
	}

	url := BlobURLPrefix + uuid.New().String()
	blob := &Blob{
		Info:      common.FileInfo{Name: info.Name, Type: info.Type, Size: int64(len(data))},
		Hash:      HashBytes(data),
		CreatedAt: time.Now(),
		data:      data,
	}

	bs.mu.Lock()
	bs.blobs[url] = blob
	bs.mu.Unlock()

	bs.logger.Debug("Stored blob",
		zap.String("url", url),
		zap.String("file_name", info.Name),
		zap.Int("size", len(data)),
		zap.String("hash", blob.Hash))

	return common.ReceivedFile{
		Name: info.Name,
		Type: info.Type,
		URL:  url,
		Size: int64(len(data)),
	}
}

// Open returns a reader over the blob behind url
func (bs *BlobStore) Open(url string) (io.ReadSeeker, *Blob, error) {
	bs.mu.RLock()
	blob, ok := bs.blobs[url]
	bs.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, url)
	}
	return bytes.NewReader(blob.data), blob, nil
}

// Revoke releases the blob behind url. Unknown URLs are ignored.
func (bs *BlobStore) Revoke(url string) {
	bs.mu.Lock()
	_, ok := bs.blobs[url]
	delete(bs.blobs, url)
	bs.mu.Unlock()

	if ok {
		bs.logger.Debug("Revoked blob", zap.String("url", url))
	}
}

// Len returns the number of live blobs
func (bs *BlobStore) Len() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.blobs)
}

// SaveTo writes the blob behind url to dir through the storage manager
func (bs *BlobStore) SaveTo(sm *StorageManager, url, dir string) (string, error) {
	r, blob, err := bs.Open(url)
	if err != nil {
		return "", err
	}
	return sm.SaveFile(dir, blob.Info.Name, r)
}
