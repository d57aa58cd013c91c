package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/metrics"
)

// outbound carries messages to endpoints hosted by other environments
type outbound interface {
	send(to *Ref, msg any) error
	ask(ctx context.Context, to *Ref, msg any) (any, error)
	close()
}

// Env hosts the endpoints of one process address and routes messages to
// local mailboxes or through its network.
type Env struct {
	cfg     Config
	addr    Address
	disp    *dispatcher
	out     outbound
	logger  zerolog.Logger
	stopped atomic.Bool
}

func newEnv(cfg Config, addr Address) *Env {
	logger := log.WithComponent("rpc").With().Str("address", addr.HostPort()).Logger()
	return &Env{
		cfg:    cfg,
		addr:   addr,
		disp:   newDispatcher(cfg.DispatcherThreads, logger),
		logger: logger,
	}
}

// Address returns the address endpoints of this environment are reached at
func (e *Env) Address() Address {
	return e.addr
}

// Config returns the environment configuration
func (e *Env) Config() Config {
	return e.cfg
}

// Setup registers an endpoint under name and returns its ref. OnStart is
// the first call the endpoint receives.
func (e *Env) Setup(name string, ep Endpoint) (*Ref, error) {
	ref := e.Ref(name, e.addr)
	if err := e.disp.register(name, ep, ref); err != nil {
		return nil, fmt.Errorf("failed to setup endpoint %s: %w", name, err)
	}
	return ref, nil
}

// Ref returns a reference bound to this environment
func (e *Env) Ref(name string, addr Address) *Ref {
	return &Ref{Name: name, Address: addr, env: e}
}

// Rebind returns a copy of ref bound to this environment, as needed for
// refs read back from storage.
func (e *Env) Rebind(ref *Ref) *Ref {
	if ref == nil {
		return nil
	}
	return e.Ref(ref.Name, ref.Address)
}

// Stop unregisters a local endpoint. Messages already queued are still
// delivered before OnStop. It does not wait and is safe to call from the
// endpoint itself.
func (e *Env) Stop(ref *Ref) {
	if ref == nil || ref.Address != e.addr {
		return
	}
	e.disp.unregister(ref.Name)
}

// Shutdown stops every endpoint, waits for their OnStop and closes the
// network. It must not be called from an endpoint.
func (e *Env) Shutdown() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.disp.shutdown()
	if e.out != nil {
		e.out.close()
	}
	e.logger.Debug().Msg("RPC environment stopped")
}

func (e *Env) send(to *Ref, msg any) error {
	if e.stopped.Load() {
		return ErrEnvStopped
	}
	if to.Address == e.addr {
		return e.disp.post(to.Name, envelope{kind: envMessage, msg: msg})
	}
	if e.out == nil {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, to)
	}
	return e.out.send(to, msg)
}

func (e *Env) ask(ctx context.Context, to *Ref, msg any) (any, error) {
	if e.stopped.Load() {
		return nil, ErrEnvStopped
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AskTimeout)
		defer cancel()
	}
	if to.Address == e.addr {
		return e.localAsk(ctx, to.Name, msg)
	}
	if e.out == nil {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, to)
	}
	return e.out.ask(ctx, to, msg)
}

type askResult struct {
	reply any
	err   error
}

func (e *Env) localAsk(ctx context.Context, name string, msg any) (any, error) {
	ch := make(chan askResult, 1)
	call := newCall(func(reply any, err error) {
		ch <- askResult{reply: reply, err: err}
	})
	if err := e.disp.post(name, envelope{kind: envMessage, msg: msg, call: call}); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		metrics.AskTimeouts.Inc()
		return nil, fmt.Errorf("%w: %T to %s: %w", ErrAskTimeout, msg, name, ctx.Err())
	}
}

// bindRefs binds every *Ref reachable from a decoded message to e
func (e *Env) bindRefs(v any) {
	bindValue(reflect.ValueOf(v), e)
}

var refType = reflect.TypeOf((*Ref)(nil))

func bindValue(v reflect.Value, env *Env) {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		if v.Type() == refType {
			v.Interface().(*Ref).env = env
			return
		}
		bindValue(v.Elem(), env)
	case reflect.Interface:
		if !v.IsNil() {
			bindValue(v.Elem(), env)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				bindValue(v.Field(i), env)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			bindValue(v.Index(i), env)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			bindValue(iter.Value(), env)
		}
	}
}
