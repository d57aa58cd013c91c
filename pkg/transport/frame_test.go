package transport

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	ch := &stingyChannel{pattern: []int{7}}

	for i, body := range [][]byte{[]byte(`{"workerId":"w1"}`), {}} {
		msg, err := EncodeFrame(FrameHeader{Kind: FrameAsk, ID: uint64(i + 1), To: "Master", Type: "RegisterWorker"}, body, 1<<20)
		require.NoError(t, err)
		require.NoError(t, WriteFully(context.Background(), msg, ch, nil))
		require.NoError(t, msg.Release())
	}

	h, body, err := ReadFrame(&ch.out, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, FrameAsk, h.Kind)
	assert.Equal(t, uint64(1), h.ID)
	assert.Equal(t, "Master", h.To)
	assert.Equal(t, "RegisterWorker", h.Type)
	assert.Equal(t, `{"workerId":"w1"}`, string(body))

	h, body, err = ReadFrame(&ch.out, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.ID)
	assert.Empty(t, body)

	_, _, err = ReadFrame(&ch.out, 1<<20)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameRegionRoundTrip(t *testing.T) {
	data := randomBytes(t, MaxWriteChunk+10)
	path := filepath.Join(t.TempDir(), "region")
	require.NoError(t, os.WriteFile(path, data, 0600))
	region, err := OpenFileRegion(path)
	require.NoError(t, err)

	msg, err := EncodeRegionFrame(FrameHeader{Kind: FrameSend, Type: "Block"}, region, 0)
	require.NoError(t, err)
	ch := &stingyChannel{pattern: []int{1 << 20}}
	require.NoError(t, WriteFully(context.Background(), msg, ch, nil))
	require.NoError(t, msg.Release())

	h, body, err := ReadFrame(&ch.out, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), h.BodyLength)
	assert.Equal(t, data, body)
}

func TestFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(FrameHeader{Kind: FrameSend}, make([]byte, 1024), 512)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	msg, err := EncodeFrame(FrameHeader{Kind: FrameSend}, make([]byte, 1024), 0)
	require.NoError(t, err)
	ch := &stingyChannel{pattern: []int{1 << 20}}
	require.NoError(t, WriteFully(context.Background(), msg, ch, nil))
	require.NoError(t, msg.Release())

	_, _, err = ReadFrame(&ch.out, 512)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsCorruptPrefix(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	assert.Error(t, err)

	_, _, err = ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), 0)
	assert.Error(t, err)
}
