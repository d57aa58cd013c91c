package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum
// message size.
var ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

// maxHeaderLength bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderLength = 64 * 1024

// Frame kinds
const (
	FrameSend    = "send"
	FrameAsk     = "ask"
	FrameReply   = "reply"
	FrameFailure = "failure"
)

// FrameHeader describes one frame. It is encoded as a 4-byte big-endian
// length followed by JSON, and carries the length of the body after it.
type FrameHeader struct {
	Kind       string `json:"kind"`
	ID         uint64 `json:"id,omitempty"`
	To         string `json:"to,omitempty"`
	From       string `json:"from,omitempty"`
	Type       string `json:"type,omitempty"`
	BodyLength int64  `json:"bodyLength"`
}

func encodeHeader(h FrameHeader) (*ByteBuffer, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame header: %w", err)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	return NewByteBuffer(buf), nil
}

// EncodeFrame builds a message carrying body. maxSize <= 0 disables the
// size check.
func EncodeFrame(h FrameHeader, body []byte, maxSize int) (*Message, error) {
	h.BodyLength = int64(len(body))
	header, err := encodeHeader(h)
	if err != nil {
		return nil, err
	}
	if total := int64(header.Readable()) + h.BodyLength; maxSize > 0 && total > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, total, maxSize)
	}
	return NewMessage(nil, header, NewByteBuffer(body), h.BodyLength)
}

// EncodeRegionFrame builds a message whose body is streamed from region.
// The message takes ownership of region.
func EncodeRegionFrame(h FrameHeader, region *FileRegion, maxSize int) (*Message, error) {
	h.BodyLength = region.Count() - region.Transferred()
	header, err := encodeHeader(h)
	if err != nil {
		return nil, err
	}
	if total := int64(header.Readable()) + h.BodyLength; maxSize > 0 && total > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, total, maxSize)
	}
	return NewMessage(nil, header, region, h.BodyLength)
}

// ReadFrame reads one frame from r. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func ReadFrame(r io.Reader, maxSize int) (FrameHeader, []byte, error) {
	var h FrameHeader

	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return h, nil, err
	}
	headerLength := binary.BigEndian.Uint32(prefix[:])
	if headerLength == 0 || headerLength > maxHeaderLength {
		return h, nil, fmt.Errorf("invalid frame header length %d", headerLength)
	}

	data := make([]byte, headerLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return h, nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, nil, fmt.Errorf("failed to decode frame header: %w", err)
	}
	if h.BodyLength < 0 {
		return h, nil, fmt.Errorf("invalid frame body length %d", h.BodyLength)
	}
	if total := 4 + int64(headerLength) + h.BodyLength; maxSize > 0 && total > int64(maxSize) {
		return h, nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, total, maxSize)
	}

	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return h, body, nil
}
