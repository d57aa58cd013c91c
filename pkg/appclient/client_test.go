package appclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/rpc/rpctest"
	"github.com/cuemby/spindle/pkg/types"
)

// recordingListener records listener calls as short strings
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *recordingListener) Connected(appID string) { l.record("connected %s", appID) }
func (l *recordingListener) Disconnected()          { l.record("disconnected") }
func (l *recordingListener) Dead(reason string)     { l.record("dead") }

func (l *recordingListener) ExecutorAdded(fullID, workerID, hostPort string, cores, memoryMB int) {
	l.record("added %s on %s cores=%d", fullID, workerID, cores)
}

func (l *recordingListener) ExecutorRemoved(fullID, message string, exitStatus *int, workerLost bool) {
	l.record("removed %s lost=%t", fullID, workerLost)
}

func (l *recordingListener) WorkerRemoved(workerID, host, message string) {
	l.record("worker removed %s", workerID)
}

func (l *recordingListener) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) waitFor(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range l.recorded() {
			if e == event {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "listener never saw %q", event)
}

type harness struct {
	t         *testing.T
	network   *rpc.LocalNetwork
	master    *rpctest.Probe
	masterRef *rpc.Ref
	listener  *recordingListener
	client    *Client
	ref       *rpc.Ref
}

func newHarness(t *testing.T, mutate func(h *harness, cfg *Config)) *harness {
	t.Helper()
	h := &harness{t: t, network: rpc.NewLocalNetwork(), listener: &recordingListener{}}
	h.master, h.masterRef = h.newMaster("master")

	cfg := DefaultConfig()
	cfg.Masters = []rpc.Address{h.masterRef.Address}
	cfg.Desc = types.ApplicationDescription{Name: "pi", MemoryPerExecutorMB: 512}
	cfg.RegistrationRetryInterval = 10 * time.Millisecond
	cfg.Listener = h.listener
	if mutate != nil {
		mutate(h, &cfg)
	}

	c, err := New(h.newEnv("driver", 4040), cfg)
	require.NoError(t, err)
	ref, err := c.Start()
	require.NoError(t, err)
	h.client, h.ref = c, ref
	return h
}

func (h *harness) newEnv(host string, port int) *rpc.Env {
	h.t.Helper()
	env, err := h.network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: host, Port: port})
	require.NoError(h.t, err)
	h.t.Cleanup(env.Shutdown)
	return env
}

// newMaster starts a master probe that admits the application as app-1
func (h *harness) newMaster(host string) (*rpctest.Probe, *rpc.Ref) {
	probe, ref := rpctest.New(h.t, h.newEnv(host, 7077), messages.MasterEndpoint)
	probe.OnAsk = func(msg any) (any, error) {
		if _, ok := msg.(*messages.RegisterApplication); ok {
			return &messages.RegisteredApplication{AppID: "app-1", Master: ref}, nil
		}
		return true, nil
	}
	return probe, ref
}

func (h *harness) send(msg any) {
	h.t.Helper()
	require.NoError(h.t, h.ref.Send(msg))
}

func (h *harness) view() *View {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.client.View(ctx)
	require.NoError(h.t, err)
	return v
}

func (h *harness) waitConnected() {
	h.t.Helper()
	h.listener.waitFor(h.t, "connected app-1")
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Masters = []rpc.Address{{Host: "master", Port: 7077}}
		cfg.Desc = types.ApplicationDescription{Name: "pi", MemoryPerExecutorMB: 512}
		cfg.Listener = &recordingListener{}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(cfg *Config) {}},
		{name: "no masters", mutate: func(cfg *Config) { cfg.Masters = nil }, wantErr: true},
		{name: "no name", mutate: func(cfg *Config) { cfg.Desc.Name = "" }, wantErr: true},
		{name: "no memory", mutate: func(cfg *Config) { cfg.Desc.MemoryPerExecutorMB = 0 }, wantErr: true},
		{name: "no listener", mutate: func(cfg *Config) { cfg.Listener = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestRegistration(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	reg := rpctest.WaitFor[*messages.RegisterApplication](t, h.master, nil)
	assert.Equal(t, "pi", reg.Desc.Name)
	assert.True(t, reg.Driver.Equal(h.ref))

	v := h.view()
	assert.Equal(t, StateRegistered, v.State)
	assert.Equal(t, "app-1", v.AppID)
	assert.Equal(t, h.masterRef.Address.URL(), v.MasterURL)
}

func TestRegistrationTriesEveryMaster(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		standby, standbyRef := rpctest.New(t, h.newEnv("standby", 7077), messages.MasterEndpoint)
		standby.OnAsk = func(msg any) (any, error) { return nil, errors.New("master is in standby") }
		cfg.Masters = []rpc.Address{standbyRef.Address, h.masterRef.Address}
	})

	h.waitConnected()
	assert.Equal(t, h.masterRef.Address.URL(), h.view().MasterURL)
}

func TestRegistrationGivesUp(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		cfg.Masters = []rpc.Address{{Host: "nowhere", Port: 7077}}
		cfg.RegistrationTimeout = 50 * time.Millisecond
	})

	h.listener.waitFor(t, "dead")
	require.Eventually(t, func() bool {
		_, err := h.client.View(context.Background())
		return err != nil
	}, 5*time.Second, 5*time.Millisecond, "client keeps running after giving up")
}

func TestExecutorView(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	h.send(&messages.ExecutorAdded{ID: 0, WorkerID: "worker-1", HostPort: "10.0.0.1:7078", Cores: 2, MemoryMB: 512})
	h.send(&messages.ExecutorAdded{ID: 1, WorkerID: "worker-2", HostPort: "10.0.0.2:7078", Cores: 2, MemoryMB: 512})
	h.send(&messages.ExecutorUpdated{ID: 0, State: types.ExecutorRunning})
	assert.Equal(t, []string{"app-1/0", "app-1/1"}, h.view().Executors)

	exit := 1
	h.send(&messages.ExecutorUpdated{ID: 1, State: types.ExecutorExited, ExitStatus: &exit})
	h.send(&messages.ExecutorUpdated{ID: 0, State: types.ExecutorLost, WorkerLost: true})
	h.send(&messages.WorkerRemoved{ID: "worker-1", Host: "10.0.0.1", Message: "worker timed out"})

	assert.Empty(t, h.view().Executors)
	assert.Equal(t, []string{
		"connected app-1",
		"added app-1/0 on worker-1 cores=2",
		"added app-1/1 on worker-2 cores=2",
		"removed app-1/1 lost=false",
		"removed app-1/0 lost=true",
		"worker removed worker-1",
	}, h.listener.recorded())
}

func TestExecutorAddedBeforeRegistrationReply(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.master.OnAsk = func(msg any) (any, error) {
			reg, ok := msg.(*messages.RegisterApplication)
			if !ok {
				return true, nil
			}
			// the master grants executors right after admitting the application
			err := reg.Driver.Send(&messages.ExecutorAdded{ID: 0, WorkerID: "worker-1", HostPort: "10.0.0.1:7078", Cores: 2, MemoryMB: 512})
			if err != nil {
				return nil, err
			}
			return &messages.RegisteredApplication{AppID: "app-1", Master: h.masterRef}, nil
		}
	})

	h.listener.waitFor(t, "added app-1/0 on worker-1 cores=2")
	assert.Equal(t, []string{"connected app-1", "added app-1/0 on worker-1 cores=2"}, h.listener.recorded())
	assert.Equal(t, []string{"app-1/0"}, h.view().Executors)
}

func TestRequestAndKillExecutors(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()
	ctx := context.Background()

	ok, err := h.client.RequestTotalExecutors(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	req := rpctest.WaitFor[*messages.RequestExecutors](t, h.master, nil)
	assert.Equal(t, "app-1", req.AppID)
	assert.Equal(t, 4, req.RequestedTotal)

	h.send(&messages.ExecutorAdded{ID: 3, WorkerID: "worker-1", Cores: 1, MemoryMB: 512})
	ok, err = h.client.KillExecutors(ctx, []string{"3"})
	require.NoError(t, err)
	assert.True(t, ok)
	kill := rpctest.WaitFor[*messages.KillExecutors](t, h.master, nil)
	assert.Equal(t, "app-1", kill.AppID)
	assert.Equal(t, []string{"3"}, kill.ExecutorIDs)
	assert.Equal(t, []string{"3"}, h.view().PendingKills)

	h.send(&messages.ExecutorUpdated{ID: 3, State: types.ExecutorKilled})
	assert.Empty(t, h.view().PendingKills)
}

func TestRequestsBeforeRegistration(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.master.OnAsk = func(msg any) (any, error) { return nil, errors.New("master is in standby") }
	})

	ok, err := h.client.RequestTotalExecutors(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rpctest.Of[*messages.RequestExecutors](h.master))
}

func TestUnreachableMasterDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	h.master.OnAsk = func(msg any) (any, error) { return nil, errors.New("connection reset") }
	ok, err := h.client.RequestTotalExecutors(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, ok)
	h.listener.waitFor(t, "disconnected")
}

func TestMasterChangedIsAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	leader, leaderRef := h.newMaster("master-2")
	h.send(&messages.MasterChanged{Master: leaderRef})

	ack := rpctest.WaitFor[*messages.MasterChangeAcknowledged](t, leader, nil)
	assert.Equal(t, "app-1", ack.AppID)
	assert.Equal(t, leaderRef.Address.URL(), h.view().MasterURL)

	_, err := h.client.RequestTotalExecutors(context.Background(), 1)
	require.NoError(t, err)
	rpctest.WaitFor[*messages.RequestExecutors](t, leader, nil)
}

func TestStop(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	require.NoError(t, h.client.Stop(context.Background()))

	unregister := rpctest.WaitFor[*messages.UnregisterApplication](t, h.master, nil)
	assert.Equal(t, "app-1", unregister.AppID)
	h.listener.waitFor(t, "dead")

	// stopping again is a no-op
	require.Eventually(t, func() bool {
		return h.client.Stop(context.Background()) == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, rpctest.Of[*messages.UnregisterApplication](h.master), 1)
}

func TestApplicationRemoved(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	h.send(&messages.ApplicationRemoved{Message: "max executor failures reached"})

	h.listener.waitFor(t, "dead")
	assert.Empty(t, rpctest.Of[*messages.UnregisterApplication](h.master))
}

func TestUnexpectedMessageIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected()

	h.send(&messages.LaunchTask{})
	_, err := h.ref.Ask(context.Background(), &messages.RetrieveAppConfig{})
	assert.Error(t, err)
	assert.Equal(t, StateRegistered, h.view().State)
}
