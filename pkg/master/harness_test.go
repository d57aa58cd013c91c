package master

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/rpc/rpctest"
	"github.com/cuemby/spindle/pkg/types"
)

const testTimeout = 60 * time.Second

type harness struct {
	t       *testing.T
	network *rpc.LocalNetwork
	clock   *clock.Mock
	env     *rpc.Env
	master  *Master
	ref     *rpc.Ref
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{t: t, network: rpc.NewLocalNetwork(), clock: clock.NewMock()}
	h.start("master", mutate)
	return h
}

// start launches a master at host:7077 on the harness network
func (h *harness) start(host string, mutate func(cfg *Config)) {
	h.t.Helper()
	h.env = h.newEnv(host, 7077)

	cfg := DefaultConfig()
	cfg.WorkerTimeout = testTimeout
	cfg.Clock = h.clock
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(h.env, cfg)
	require.NoError(h.t, err)
	ref, err := m.Start()
	require.NoError(h.t, err)
	h.master, h.ref = m, ref

	env := h.env
	h.t.Cleanup(func() {
		m.Stop()
		env.Shutdown()
	})
}

func (h *harness) newEnv(host string, port int) *rpc.Env {
	h.t.Helper()
	env, err := h.network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: host, Port: port})
	require.NoError(h.t, err)
	h.t.Cleanup(env.Shutdown)
	return env
}

func (h *harness) ask(msg any) any {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := h.ref.Ask(ctx, msg)
	require.NoError(h.t, err)
	return reply
}

func (h *harness) send(msg any) {
	h.t.Helper()
	require.NoError(h.t, h.ref.Send(msg))
}

func (h *harness) state() *messages.MasterStateResponse {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := State(ctx, h.ref)
	require.NoError(h.t, err)
	return state
}

type testWorker struct {
	id    string
	probe *rpctest.Probe
	ref   *rpc.Ref
	env   *rpc.Env
}

func (h *harness) newWorker(id string, port int) *testWorker {
	h.t.Helper()
	env := h.newEnv("worker-host-"+id, port)
	probe, ref := rpctest.New(h.t, env, "Worker")
	return &testWorker{id: id, probe: probe, ref: ref, env: env}
}

func (w *testWorker) registration(cores, memoryMB int) *messages.RegisterWorker {
	return &messages.RegisterWorker{
		WorkerID: w.id,
		Host:     w.ref.Address.Host,
		Port:     w.ref.Address.Port,
		Cores:    cores,
		MemoryMB: memoryMB,
		Worker:   w.ref,
	}
}

// registerWorker registers a worker probe and returns it
func (h *harness) registerWorker(id string, cores, memoryMB int) *testWorker {
	h.t.Helper()
	w := h.newWorker(id, 7078)
	reply := h.ask(w.registration(cores, memoryMB))
	require.IsType(h.t, &messages.RegisteredWorker{}, reply)
	return w
}

type testApp struct {
	id    string
	probe *rpctest.Probe
	ref   *rpc.Ref
}

var appPorts = 4040

// registerApp registers an application client probe on its own address
func (h *harness) registerApp(desc types.ApplicationDescription) *testApp {
	h.t.Helper()
	appPorts++
	env := h.newEnv(fmt.Sprintf("driver-%d", appPorts), appPorts)
	probe, ref := rpctest.New(h.t, env, "AppClient")

	reply := h.ask(&messages.RegisterApplication{Desc: desc, Driver: ref})
	registered, ok := reply.(*messages.RegisteredApplication)
	require.True(h.t, ok, "unexpected reply %T", reply)
	return &testApp{id: registered.AppID, probe: probe, ref: ref}
}

// flushMarker is sent to a probe after everything the master sent it
type flushMarker struct {
	seq int64
}

var flushSeq atomic.Int64

// flush waits until the probe has seen every message the master sent it
// before the call
func (h *harness) flush(probe *rpctest.Probe, ref *rpc.Ref) {
	h.t.Helper()
	h.state()
	seq := flushSeq.Inc()
	require.NoError(h.t, ref.Send(&flushMarker{seq: seq}))
	rpctest.WaitFor(h.t, probe, func(m *flushMarker) bool { return m.seq == seq })
}

func findWorker(state *messages.MasterStateResponse, id string) *messages.WorkerSummary {
	for i := range state.Workers {
		if state.Workers[i].ID == id {
			return &state.Workers[i]
		}
	}
	return nil
}

func findApp(apps []messages.AppSummary, id string) *messages.AppSummary {
	for i := range apps {
		if apps[i].ID == id {
			return &apps[i]
		}
	}
	return nil
}

func intPtr(v int) *int { return &v }
