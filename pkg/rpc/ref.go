package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrEndpointExists   = errors.New("endpoint already registered")
	ErrEndpointStopped  = errors.New("endpoint stopped")
	ErrEnvStopped       = errors.New("rpc environment stopped")
	ErrUnboundRef       = errors.New("role reference is not bound to an environment")
	ErrAskTimeout       = errors.New("ask timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// RemoteError is a failure raised by the endpoint that handled an ask
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote failure: " + e.Message
}

// Ref is an opaque handle to a role's mailbox. Only the logical name and
// address are serialized; a ref decoded off the wire is bound to the
// environment that received it.
type Ref struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`

	env *Env
}

// Send delivers msg without waiting for it to be processed
func (r *Ref) Send(msg any) error {
	if r == nil || r.env == nil {
		return ErrUnboundRef
	}
	return r.env.send(r, msg)
}

// Ask delivers msg and waits for the reply. Without a deadline on ctx the
// environment's ask timeout applies.
func (r *Ref) Ask(ctx context.Context, msg any) (any, error) {
	if r == nil || r.env == nil {
		return nil, ErrUnboundRef
	}
	return r.env.ask(ctx, r, msg)
}

// Equal compares refs by logical identity
func (r *Ref) Equal(other *Ref) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Name == other.Name && r.Address == other.Address
}

func (r *Ref) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.Name + "@" + r.Address.URL()
}

// AskAs asks and converts the reply to T
func AskAs[T any](ctx context.Context, ref *Ref, msg any) (T, error) {
	var zero T
	reply, err := ref.Ask(ctx, msg)
	if err != nil {
		return zero, err
	}
	v, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected reply %T to %T from %s", reply, msg, ref)
	}
	return v, nil
}

// Endpoint is a role's message handler. The dispatcher calls its methods
// from one goroutine at a time, in mailbox order: OnStart first, OnStop
// last.
type Endpoint interface {
	OnStart(self *Ref)
	Receive(msg any)
	ReceiveAndReply(msg any, call *Call)
	OnStop()
}

// Call is the reply side of an ask. Reply and Fail may be called from any
// goroutine; only the first call has an effect.
type Call struct {
	once sync.Once
	done func(reply any, err error)
}

func newCall(done func(reply any, err error)) *Call {
	return &Call{done: done}
}

// Reply completes the ask with v
func (c *Call) Reply(v any) {
	c.once.Do(func() { c.done(v, nil) })
}

// Fail completes the ask with err
func (c *Call) Fail(err error) {
	c.once.Do(func() { c.done(nil, err) })
}
