package rpc

import (
	"context"
	"fmt"
	"sync"
)

// LocalNetwork connects environments living in the same process. Messages
// are handed over in memory, in order, without serialization, which makes
// role interactions deterministic to test.
type LocalNetwork struct {
	mu   sync.RWMutex
	envs map[Address]*Env
}

// NewLocalNetwork creates an empty in-memory network
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{envs: make(map[Address]*Env)}
}

// NewEnv creates an environment reachable at addr on this network
func (n *LocalNetwork) NewEnv(cfg Config, addr Address) (*Env, error) {
	if cfg.DispatcherThreads < 1 {
		cfg.DispatcherThreads = 1
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = DefaultConfig().AskTimeout
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.envs[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	env := newEnv(cfg, addr)
	env.out = &localOutbound{network: n, self: addr}
	n.envs[addr] = env
	return env, nil
}

func (n *LocalNetwork) lookup(addr Address) *Env {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.envs[addr]
}

func (n *LocalNetwork) remove(addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.envs, addr)
}

type localOutbound struct {
	network *LocalNetwork
	self    Address
}

func (o *localOutbound) send(to *Ref, msg any) error {
	peer := o.network.lookup(to.Address)
	if peer == nil || peer.stopped.Load() {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, to)
	}
	return peer.disp.post(to.Name, envelope{kind: envMessage, msg: msg})
}

func (o *localOutbound) ask(ctx context.Context, to *Ref, msg any) (any, error) {
	peer := o.network.lookup(to.Address)
	if peer == nil || peer.stopped.Load() {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, to)
	}
	return peer.localAsk(ctx, to.Name, msg)
}

func (o *localOutbound) close() {
	o.network.remove(o.self)
}
