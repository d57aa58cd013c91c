package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/spindle/pkg/metrics"
)

// ErrStalled is returned by WriteFully when the backoff policy gives up on a
// channel that keeps accepting zero bytes.
var ErrStalled = errors.New("channel stalled")

// NewWriteBackOff returns the default wait policy used between zero-byte
// transfers. It never stops on its own; the context bounds the wait.
func NewWriteBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// WriteFully drives msg to completion on target. A transfer that makes no
// progress waits according to bo instead of spinning; progress resets it.
// The message is not released here.
func WriteFully(ctx context.Context, msg *Message, target WritableChannel, bo backoff.BackOff) error {
	if bo == nil {
		bo = NewWriteBackOff()
	}
	bo.Reset()

	for !msg.Done() {
		n, err := msg.TransferTo(target, msg.Progress())
		if n > 0 {
			metrics.TransportBytesWritten.Add(float64(n))
		}
		if err != nil {
			return err
		}
		if n > 0 {
			bo.Reset()
			continue
		}

		metrics.TransportBackpressureWaits.Inc()
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w after %d of %d bytes", ErrStalled, msg.Progress(), msg.Length())
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	metrics.TransportFramesWritten.Inc()
	return nil
}

// ConnChannel adapts a net.Conn to WritableChannel. A write that hits the
// deadline reports the bytes it managed to write and no error.
type ConnChannel struct {
	Conn         net.Conn
	WriteTimeout time.Duration
}

func (c *ConnChannel) Write(p []byte) (int, error) {
	timeout := c.WriteTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}
