package transport

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
)

var (
	// ErrRefCount is returned when a buffer is retained or released after
	// its count already reached zero.
	ErrRefCount = errors.New("illegal reference count")

	// ErrReleased is returned when a released message is transferred again
	ErrReleased = errors.New("message already released")

	// ErrInvalidPosition signals a driver loop that lost track of progress
	ErrInvalidPosition = errors.New("invalid transfer position")

	// ErrInvalidBody is returned by NewMessage for unsupported bodies
	ErrInvalidBody = errors.New("body must be a byte buffer or a file region")
)

// Buffer is an explicitly reference-counted resource. The creator owns the
// first reference; the resource is freed exactly once, when the last
// reference is released.
type Buffer interface {
	Retain() error
	Release() error
	RefCount() int32
}

type refCounted struct {
	cnt  atomic.Int32
	free func() error
}

func (r *refCounted) init(free func() error) {
	r.cnt.Store(1)
	r.free = free
}

// Retain adds a reference
func (r *refCounted) Retain() error {
	for {
		n := r.cnt.Load()
		if n <= 0 {
			return fmt.Errorf("%w: retain at count %d", ErrRefCount, n)
		}
		if r.cnt.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and frees the resource when it was the last one
func (r *refCounted) Release() error {
	for {
		n := r.cnt.Load()
		if n <= 0 {
			return fmt.Errorf("%w: release at count %d", ErrRefCount, n)
		}
		if r.cnt.CompareAndSwap(n, n-1) {
			if n == 1 && r.free != nil {
				return r.free()
			}
			return nil
		}
	}
}

// RefCount returns the current number of references
func (r *refCounted) RefCount() int32 {
	return r.cnt.Load()
}

// ByteBuffer is an in-memory buffer with a reader index. The optional free
// hook runs once when the last reference is released, which is how callers
// tie an external allocation to the buffer's lifetime.
type ByteBuffer struct {
	refCounted
	data        []byte
	readerIndex int
}

// NewByteBuffer wraps data without copying it
func NewByteBuffer(data []byte) *ByteBuffer {
	return NewManagedByteBuffer(data, nil)
}

// NewManagedByteBuffer wraps data and calls free when the buffer is freed
func NewManagedByteBuffer(data []byte, free func() error) *ByteBuffer {
	b := &ByteBuffer{data: data}
	b.init(func() error {
		b.data = nil
		b.readerIndex = 0
		if free != nil {
			return free()
		}
		return nil
	})
	return b
}

// Readable returns the number of bytes not yet consumed
func (b *ByteBuffer) Readable() int {
	return len(b.data) - b.readerIndex
}

// Unread returns the bytes not yet consumed
func (b *ByteBuffer) Unread() []byte {
	return b.data[b.readerIndex:]
}

// Skip advances the reader index by n bytes
func (b *ByteBuffer) Skip(n int) {
	b.readerIndex = min(b.readerIndex+n, len(b.data))
}
