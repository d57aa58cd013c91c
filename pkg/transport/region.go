package transport

import (
	"fmt"
	"io"
	"os"
)

// FileRegion is a byte range of a file-like source sent as a message body
// without loading it into memory. At most MaxWriteChunk bytes are read per
// TransferTo call.
type FileRegion struct {
	refCounted
	src         io.ReaderAt
	offset      int64
	count       int64
	transferred int64

	// chunk caches the last read window so a partially accepted write does
	// not read the same bytes from the source again.
	chunk    []byte
	chunkPos int64
}

// NewFileRegion creates a region over [offset, offset+count) of src. If src
// is also an io.Closer it is closed when the region is freed.
func NewFileRegion(src io.ReaderAt, offset, count int64) *FileRegion {
	r := &FileRegion{src: src, offset: offset, count: count}
	r.init(func() error {
		r.chunk = nil
		if c, ok := src.(io.Closer); ok {
			return c.Close()
		}
		return nil
	})
	return r
}

// OpenFileRegion opens path and returns a region covering the whole file
func OpenFileRegion(path string) (*FileRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file region: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file region: %w", err)
	}
	return NewFileRegion(f, 0, info.Size()), nil
}

// Count returns the region length in bytes
func (r *FileRegion) Count() int64 { return r.count }

// Transferred returns how many bytes of the region were written so far
func (r *FileRegion) Transferred() int64 { return r.transferred }

// TransferTo writes the next part of the region. position must equal
// Transferred().
func (r *FileRegion) TransferTo(target WritableChannel, position int64) (int64, error) {
	if r.RefCount() <= 0 {
		return 0, ErrReleased
	}
	if position != r.transferred {
		return 0, fmt.Errorf("%w: region position %d, transferred %d", ErrInvalidPosition, position, r.transferred)
	}
	if position >= r.count {
		return 0, nil
	}

	if position < r.chunkPos || position >= r.chunkPos+int64(len(r.chunk)) {
		size := min(r.count-position, MaxWriteChunk)
		if cap(r.chunk) < int(size) {
			r.chunk = make([]byte, size)
		}
		r.chunk = r.chunk[:size]
		n, err := r.src.ReadAt(r.chunk, r.offset+position)
		if n < len(r.chunk) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			r.chunk = r.chunk[:0]
			return 0, fmt.Errorf("failed to read file region at %d: %w", r.offset+position, err)
		}
		r.chunkPos = position
	}

	n, err := target.Write(r.chunk[position-r.chunkPos:])
	r.transferred += int64(n)
	return int64(n), err
}
