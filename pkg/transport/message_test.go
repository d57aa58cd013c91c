package transport

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stingyChannel accepts at most pattern[i] bytes on the i-th call, cycling
type stingyChannel struct {
	out      bytes.Buffer
	pattern  []int
	calls    int
	maxOffer int
}

func (c *stingyChannel) Write(p []byte) (int, error) {
	c.maxOffer = max(c.maxOffer, len(p))
	n := min(len(p), c.pattern[c.calls%len(c.pattern)])
	c.calls++
	c.out.Write(p[:n])
	return n, nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(b)
	require.NoError(t, err)
	return b
}

func drain(t *testing.T, msg *Message, ch WritableChannel) {
	t.Helper()
	for i := 0; !msg.Done(); i++ {
		require.Less(t, i, 1_000_000, "transfer did not converge")
		_, err := msg.TransferTo(ch, msg.Progress())
		require.NoError(t, err)
	}
}

func TestMessageFramingCompleteness(t *testing.T) {
	header := []byte("header-bytes")
	body := randomBytes(t, 3*MaxWriteChunk+17)

	tests := []struct {
		name    string
		pattern []int
	}{
		{name: "unbounded channel", pattern: []int{1 << 30}},
		{name: "one byte at a time then large", pattern: []int{1, 0, 5, 1 << 20}},
		{name: "alternating backpressure", pattern: []int{0, 4096, 0, 0, 100000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(nil, NewByteBuffer(append([]byte(nil), header...)), NewByteBuffer(body), int64(len(body)))
			require.NoError(t, err)
			defer msg.Release()

			ch := &stingyChannel{pattern: tt.pattern}
			drain(t, msg, ch)

			assert.Equal(t, int64(len(header)+len(body)), msg.Length())
			assert.Equal(t, msg.Length(), msg.Progress())
			assert.Equal(t, append(append([]byte(nil), header...), body...), ch.out.Bytes())
			assert.LessOrEqual(t, ch.maxOffer, MaxWriteChunk)
		})
	}
}

func TestMessageFileRegionBody(t *testing.T) {
	body := randomBytes(t, 2*MaxWriteChunk+3)
	path := filepath.Join(t.TempDir(), "block")
	require.NoError(t, os.WriteFile(path, body, 0600))

	region, err := OpenFileRegion(path)
	require.NoError(t, err)

	msg, err := NewMessage(nil, NewByteBuffer([]byte("hdr")), region, int64(len(body)))
	require.NoError(t, err)

	ch := &stingyChannel{pattern: []int{2, 0, 70000, 1 << 20}}
	drain(t, msg, ch)

	assert.Equal(t, append([]byte("hdr"), body...), ch.out.Bytes())
	assert.LessOrEqual(t, ch.maxOffer, MaxWriteChunk)
	assert.Equal(t, int64(len(body)), region.Transferred())

	require.NoError(t, msg.Release())
	assert.Equal(t, int32(0), region.RefCount())
}

func TestMessagePartlySentFileRegion(t *testing.T) {
	body := randomBytes(t, MaxWriteChunk+100)
	path := filepath.Join(t.TempDir(), "block")
	require.NoError(t, os.WriteFile(path, body, 0600))

	region, err := OpenFileRegion(path)
	require.NoError(t, err)
	n, err := region.TransferTo(&stingyChannel{pattern: []int{10}}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)

	msg, err := NewMessage(nil, NewByteBuffer([]byte("hdr")), region, int64(len(body))-n)
	require.NoError(t, err)

	ch := &stingyChannel{pattern: []int{7, 1 << 20}}
	drain(t, msg, ch)

	assert.Equal(t, append([]byte("hdr"), body[n:]...), ch.out.Bytes())
	assert.Equal(t, int64(len(body)), region.Transferred())
	require.NoError(t, msg.Release())
}

func TestMessagePartialHeaderReturnsEarly(t *testing.T) {
	msg, err := NewMessage(nil, NewByteBuffer([]byte("0123456789")), NewByteBuffer([]byte("body")), 4)
	require.NoError(t, err)
	defer msg.Release()

	ch := &stingyChannel{pattern: []int{3}}
	n, err := msg.TransferTo(ch, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "012", ch.out.String())
	assert.Equal(t, 1, ch.calls, "body must not be attempted while the header is partial")
}

func TestMessageZeroProgressIsNotAnError(t *testing.T) {
	msg, err := NewMessage(nil, NewByteBuffer([]byte("h")), NewByteBuffer([]byte("b")), 1)
	require.NoError(t, err)
	defer msg.Release()

	n, err := msg.TransferTo(&stingyChannel{pattern: []int{0}}, 0)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, msg.Progress())
}

func TestMessagePositionMismatch(t *testing.T) {
	msg, err := NewMessage(nil, NewByteBuffer([]byte("h")), NewByteBuffer([]byte("b")), 1)
	require.NoError(t, err)
	defer msg.Release()

	_, err = msg.TransferTo(&stingyChannel{pattern: []int{10}}, 1)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestNewMessageRejectsInvalidBody(t *testing.T) {
	tests := []struct {
		name   string
		body   Buffer
		length int64
	}{
		{name: "nil body", body: nil, length: 0},
		{name: "message as body", body: &Message{}, length: 0},
		{name: "length mismatch", body: NewByteBuffer([]byte("abc")), length: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage(nil, NewByteBuffer([]byte("h")), tt.body, tt.length)
			assert.ErrorIs(t, err, ErrInvalidBody)
		})
	}
}

func TestMessageReleaseExactlyOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		freed []string
	)
	hook := func(name string) func() error {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			freed = append(freed, name)
			return nil
		}
	}

	msg, err := NewMessage(
		NewManagedByteBuffer(nil, hook("managed")),
		NewManagedByteBuffer([]byte("h"), hook("header")),
		NewManagedByteBuffer([]byte("b"), hook("body")),
		1,
	)
	require.NoError(t, err)

	const holders = 64
	for i := 1; i < holders; i++ {
		require.NoError(t, msg.Retain())
	}

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, msg.Release())
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"header", "body", "managed"}, freed)
	assert.ErrorIs(t, msg.Release(), ErrRefCount)
	assert.ErrorIs(t, msg.Retain(), ErrRefCount)

	_, err = msg.TransferTo(&stingyChannel{pattern: []int{1}}, 0)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestMessageReleaseFailureDoesNotBlockOthers(t *testing.T) {
	var freed []string
	msg, err := NewMessage(
		NewManagedByteBuffer(nil, func() error { freed = append(freed, "managed"); return nil }),
		NewManagedByteBuffer([]byte("h"), func() error { return errors.New("header boom") }),
		NewManagedByteBuffer([]byte("b"), func() error { panic("body boom") }),
		1,
	)
	require.NoError(t, err)

	err = msg.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header boom")
	assert.Contains(t, err.Error(), "body boom")
	assert.Equal(t, []string{"managed"}, freed)
}

func TestWriteFullyWaitsOnBackpressure(t *testing.T) {
	body := randomBytes(t, MaxWriteChunk+1)
	msg, err := NewMessage(nil, NewByteBuffer([]byte("hdr")), NewByteBuffer(body), int64(len(body)))
	require.NoError(t, err)
	defer msg.Release()

	ch := &stingyChannel{pattern: []int{0, 0, 0, 1000, 0, 1 << 20}}
	err = WriteFully(context.Background(), msg, ch, &backoff.ZeroBackOff{})
	require.NoError(t, err)
	assert.Equal(t, append([]byte("hdr"), body...), ch.out.Bytes())
}

func TestWriteFullyStalled(t *testing.T) {
	msg, err := NewMessage(nil, NewByteBuffer([]byte("hdr")), NewByteBuffer([]byte("b")), 1)
	require.NoError(t, err)
	defer msg.Release()

	err = WriteFully(context.Background(), msg, &stingyChannel{pattern: []int{0}},
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3))
	assert.ErrorIs(t, err, ErrStalled)
}

func TestWriteFullyHonoursContext(t *testing.T) {
	msg, err := NewMessage(nil, NewByteBuffer([]byte("hdr")), NewByteBuffer([]byte("b")), 1)
	require.NoError(t, err)
	defer msg.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = WriteFully(ctx, msg, &stingyChannel{pattern: []int{0}}, backoff.NewConstantBackOff(5*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
