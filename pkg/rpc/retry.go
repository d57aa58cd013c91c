package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotAccepted is returned by RetryAsk when no target accepted before the
// backoff policy gave up
var ErrNotAccepted = errors.New("no target accepted the request")

// RetryAsk asks every target in turn until accept returns true for a reply,
// waiting according to bo between rounds. accept also sees failed asks, with
// a nil reply.
func RetryAsk(ctx context.Context, targets []*Ref, msg any, bo backoff.BackOff, accept func(target *Ref, reply any, err error) bool) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrNotAccepted)
	}

	round := func() error {
		for _, target := range targets {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			reply, err := target.Ask(ctx, msg)
			if accept(target, reply, err) {
				return nil
			}
		}
		return ErrNotAccepted
	}
	return backoff.Retry(round, backoff.WithContext(bo, ctx))
}
