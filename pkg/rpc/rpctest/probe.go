// Package rpctest provides a recording endpoint for role tests.
package rpctest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/spindle/pkg/rpc"
)

// Probe stands in for a remote role. It records every message and answers
// asks with OnAsk, or true when OnAsk is nil.
type Probe struct {
	OnAsk func(msg any) (any, error)

	mu       sync.Mutex
	received []any
}

// New registers a probe under name on env and returns it with its ref
func New(t testing.TB, env *rpc.Env, name string) (*Probe, *rpc.Ref) {
	t.Helper()
	p := &Probe{}
	ref, err := env.Setup(name, p)
	require.NoError(t, err)
	return p, ref
}

func (p *Probe) OnStart(self *rpc.Ref) {}
func (p *Probe) OnStop()               {}

func (p *Probe) Receive(msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, msg)
}

func (p *Probe) ReceiveAndReply(msg any, call *rpc.Call) {
	p.Receive(msg)
	if p.OnAsk == nil {
		call.Reply(true)
		return
	}
	reply, err := p.OnAsk(msg)
	if err != nil {
		call.Fail(err)
		return
	}
	call.Reply(reply)
}

// Messages returns a copy of everything received so far
func (p *Probe) Messages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.received...)
}

// Reset forgets recorded messages
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = nil
}

// Of returns the recorded messages of type T in arrival order
func Of[T any](p *Probe) []T {
	var out []T
	for _, msg := range p.Messages() {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor waits until the probe has received a T matching cond and returns
// the first such message. A nil cond matches any T.
func WaitFor[T any](t testing.TB, p *Probe, cond func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, m := range Of[T](p) {
			if cond == nil || cond(m) {
				found = m
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no %T received", found)
	return found
}
