package transport

import (
	"errors"
	"fmt"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/metrics"
)

// MaxWriteChunk caps how many body bytes a single transfer hands to the
// channel. Larger bodies take more calls but bound the copy per call.
const MaxWriteChunk = 256 * 1024

// WritableChannel is the destination of a transfer. A short write with a nil
// error means the channel is temporarily full and the caller should retry
// later with the remaining bytes.
type WritableChannel interface {
	Write(p []byte) (int, error)
}

// Message is a header followed by a body, transferred as one logical unit
// over one or more non-blocking writes. It owns the header, the body and an
// optional managed buffer, and releases them in that order when its own
// reference count drops to zero.
type Message struct {
	refCounted
	managed      Buffer
	header       *ByteBuffer
	body         Buffer
	headerLength int64
	bodyLength   int64
	transferred  int64
	// regionStart is what a file region body had transferred before it
	// was handed over
	regionStart int64
}

// NewMessage takes ownership of header, body and managed. The body must be
// a *ByteBuffer or a *FileRegion holding exactly bodyLength bytes. On error
// ownership stays with the caller.
func NewMessage(managed Buffer, header *ByteBuffer, body Buffer, bodyLength int64) (*Message, error) {
	if header == nil {
		return nil, errors.New("message header must not be nil")
	}
	switch b := body.(type) {
	case *ByteBuffer:
		if int64(b.Readable()) != bodyLength {
			return nil, fmt.Errorf("%w: buffer holds %d bytes, declared %d", ErrInvalidBody, b.Readable(), bodyLength)
		}
	case *FileRegion:
		if b.Count()-b.Transferred() != bodyLength {
			return nil, fmt.Errorf("%w: region holds %d bytes, declared %d", ErrInvalidBody, b.Count()-b.Transferred(), bodyLength)
		}
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidBody, body)
	}

	m := &Message{
		managed:      managed,
		header:       header,
		body:         body,
		headerLength: int64(header.Readable()),
		bodyLength:   bodyLength,
	}
	if region, ok := body.(*FileRegion); ok {
		m.regionStart = region.Transferred()
	}
	m.init(m.deallocate)
	return m, nil
}

// Length returns the total number of bytes of header plus body
func (m *Message) Length() int64 {
	return m.headerLength + m.bodyLength
}

// Progress returns how many bytes have been accepted by the channel so far
func (m *Message) Progress() int64 {
	return m.transferred
}

// Done reports whether every byte has been transferred
func (m *Message) Done() bool {
	return m.transferred == m.Length()
}

// TransferTo writes the next part of the message to target. position must
// equal Progress(). The header is written first; if the channel does not
// take all of it the call returns without touching the body. Zero bytes
// written with a nil error is backpressure, not failure.
func (m *Message) TransferTo(target WritableChannel, position int64) (int64, error) {
	if m.RefCount() <= 0 {
		return 0, ErrReleased
	}
	if position != m.transferred {
		return 0, fmt.Errorf("%w: position %d, transferred %d", ErrInvalidPosition, position, m.transferred)
	}

	var written int64
	if m.header.Readable() > 0 {
		n, err := copyByteBuffer(m.header, target)
		written += n
		m.transferred += n
		if err != nil || m.header.Readable() > 0 {
			return written, err
		}
	}

	var (
		n   int64
		err error
	)
	switch b := m.body.(type) {
	case *FileRegion:
		n, err = b.TransferTo(target, m.regionStart+m.transferred-m.headerLength)
	case *ByteBuffer:
		n, err = copyByteBuffer(b, target)
	}
	written += n
	m.transferred += n
	return written, err
}

func copyByteBuffer(buf *ByteBuffer, target WritableChannel) (int64, error) {
	size := min(buf.Readable(), MaxWriteChunk)
	if size == 0 {
		return 0, nil
	}
	n, err := target.Write(buf.Unread()[:size])
	buf.Skip(n)
	return int64(n), err
}

func (m *Message) deallocate() error {
	owned := []struct {
		name string
		buf  Buffer
	}{
		{"header", m.header},
		{"body", m.body},
		{"managed", m.managed},
	}

	logger := log.WithComponent("transport")
	var errs []error
	for _, o := range owned {
		if o.buf == nil {
			continue
		}
		if err := safeRelease(o.buf); err != nil {
			metrics.TransportReleaseFailures.WithLabelValues(o.name).Inc()
			logger.Warn().
				Err(err).
				Str("resource", o.name).
				Msg("Failed to release message resource")
			errs = append(errs, fmt.Errorf("failed to release %s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

func safeRelease(b Buffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during release: %v", r)
		}
	}()
	return b.Release()
}
