package file

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
)

const (
	// DefaultChunkSize is the default size of each chunk in bytes (16KB)
	DefaultChunkSize = 16 * 1024
)

// Chunk is one fixed-size slice of a source
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// Chunker reads a source sequentially in fixed-size slices
type Chunker struct {
	src       io.ReaderAt
	size      int64
	chunkSize int
	offset    int64
	index     int
	hasher    hash.Hash
}

// NewChunker creates a new Chunker over size bytes of src
func NewChunker(src io.ReaderAt, size int64, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		src:       src,
		size:      size,
		chunkSize: chunkSize,
		hasher:    sha256.New(),
	}
}

// TotalChunks returns the number of slices the source splits into
func (c *Chunker) TotalChunks() int {
	return int(math.Ceil(float64(c.size) / float64(c.chunkSize)))
}

// Offset returns the number of bytes handed out so far
func (c *Chunker) Offset() int64 {
	return c.offset
}

// Size returns the total number of bytes the chunker will read
func (c *Chunker) Size() int64 {
	return c.size
}

// Next returns the next slice, or io.EOF once the whole source has been read
func (c *Chunker) Next() (*Chunk, error) {
	if c.offset >= c.size {
		return nil, io.EOF
	}

	size := c.chunkSize
	if c.offset+int64(size) > c.size {
		size = int(c.size - c.offset)
	}

	buffer := make([]byte, size)
	n, err := c.src.ReadAt(buffer, c.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read chunk %d: %w", c.index, err)
	}
	if n < size {
		return nil, fmt.Errorf("failed to read chunk %d: short read of %d bytes, want %d", c.index, n, size)
	}

	c.hasher.Write(buffer)

	chunk := &Chunk{
		Index:  c.index,
		Offset: c.offset,
		Data:   buffer,
	}
	c.offset += int64(size)
	c.index++

	return chunk, nil
}

// Hash returns the hex SHA-256 of every byte returned by Next so far
func (c *Chunker) Hash() string {
	return hex.EncodeToString(c.hasher.Sum(nil))
}

// HashBytes returns the hex SHA-256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
