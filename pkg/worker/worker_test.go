package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/rpc/rpctest"
	"github.com/cuemby/spindle/pkg/types"
)

type fakeProcess struct {
	spec   ProcessSpec
	exit   chan int
	once   sync.Once
	killed atomic.Int32
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Inc()
	p.exitWith(137)
	return nil
}

func (p *fakeProcess) exitWith(code int) {
	p.once.Do(func() { p.exit <- code })
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(_ context.Context, spec ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcess{spec: spec, exit: make(chan int, 1)}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

type harness struct {
	t         *testing.T
	network   *rpc.LocalNetwork
	clock     *clock.Mock
	launcher  *fakeLauncher
	master    *rpctest.Probe
	masterRef *rpc.Ref
	worker    *Worker
	ref       *rpc.Ref
}

// newHarness starts a worker registered with an accepting master probe
func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := newStoppedHarness(t)
	h.start(mutate)
	return h
}

// newStoppedHarness prepares the master probe without starting a worker
func newStoppedHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, network: rpc.NewLocalNetwork(), clock: clock.NewMock(), launcher: &fakeLauncher{}}
	h.master, h.masterRef = h.newMaster("master")
	return h
}

func (h *harness) start(mutate func(cfg *Config)) {
	t := h.t
	t.Helper()
	env := h.newEnv("worker-host", 7078)
	cfg := DefaultConfig()
	cfg.ID = "worker-1"
	cfg.Cores = 8
	cfg.MemoryMB = 8192
	cfg.Masters = []rpc.Address{h.masterRef.Address}
	cfg.RegistrationRetryInterval = 10 * time.Millisecond
	cfg.Launcher = h.launcher
	cfg.Clock = h.clock
	if mutate != nil {
		mutate(&cfg)
	}

	w, err := New(env, cfg)
	require.NoError(t, err)
	ref, err := w.Start()
	require.NoError(t, err)
	h.worker, h.ref = w, ref
}

func (h *harness) newEnv(host string, port int) *rpc.Env {
	h.t.Helper()
	env, err := h.network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: host, Port: port})
	require.NoError(h.t, err)
	h.t.Cleanup(env.Shutdown)
	return env
}

// newMaster starts a master probe that admits every worker
func (h *harness) newMaster(host string) (*rpctest.Probe, *rpc.Ref) {
	probe, ref := rpctest.New(h.t, h.newEnv(host, 7077), messages.MasterEndpoint)
	probe.OnAsk = func(msg any) (any, error) {
		return &messages.RegisteredWorker{Master: ref}, nil
	}
	return probe, ref
}

func (h *harness) send(msg any) {
	h.t.Helper()
	require.NoError(h.t, h.ref.Send(msg))
}

func (h *harness) state() *messages.WorkerStateResponse {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := Snapshot(ctx, h.ref)
	require.NoError(h.t, err)
	return state
}

func (h *harness) waitRegistered() {
	h.t.Helper()
	rpctest.WaitFor[*messages.WorkerLatestState](h.t, h.master, nil)
	require.Equal(h.t, string(StateRegistered), h.state().State)
}

func (h *harness) launchExecutor(appID string, execID int) *messages.LaunchExecutor {
	h.t.Helper()
	msg := &messages.LaunchExecutor{
		MasterURL: h.masterRef.Address.URL(),
		AppID:     appID,
		ExecID:    execID,
		AppDesc: types.ApplicationDescription{
			Name: "pi",
			Command: types.Command{
				Path: "/bin/executor",
				Args: []string{"--app", "{{APP_ID}}", "--id", "{{EXECUTOR_ID}}", "--cores", "{{CORES}}"},
			},
		},
		Cores:    2,
		MemoryMB: 1024,
	}
	h.send(msg)
	return msg
}

func executorState(appID string, execID int, state types.ExecutorState) func(*messages.ExecutorStateChanged) bool {
	return func(m *messages.ExecutorStateChanged) bool {
		return m.AppID == appID && m.ExecID == execID && m.State == state
	}
}

func driverState(id string, state types.DriverState) func(*messages.DriverStateChanged) bool {
	return func(m *messages.DriverStateChanged) bool {
		return m.DriverID == id && m.State == state
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Cores = 4
		cfg.MemoryMB = 1024
		cfg.Masters = []rpc.Address{{Host: "master", Port: 7077}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(cfg *Config) {}},
		{name: "no cores", mutate: func(cfg *Config) { cfg.Cores = 0 }, wantErr: true},
		{name: "no memory", mutate: func(cfg *Config) { cfg.MemoryMB = -1 }, wantErr: true},
		{name: "no masters", mutate: func(cfg *Config) { cfg.Masters = nil }, wantErr: true},
		{name: "no timeout", mutate: func(cfg *Config) { cfg.WorkerTimeout = 0 }, wantErr: true},
		{name: "no retry interval", mutate: func(cfg *Config) { cfg.RegistrationRetryInterval = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, 15*time.Second, valid().HeartbeatInterval())
}

func TestGeneratedID(t *testing.T) {
	network := rpc.NewLocalNetwork()
	env, err := network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: "10.0.0.5", Port: 7078})
	require.NoError(t, err)
	t.Cleanup(env.Shutdown)

	cfg := DefaultConfig()
	cfg.Cores = 1
	cfg.MemoryMB = 512
	cfg.Masters = []rpc.Address{{Host: "master", Port: 7077}}
	cfg.Clock = clock.NewMock()

	w, err := New(env, cfg)
	require.NoError(t, err)
	assert.Equal(t, "worker-19700101000000-10.0.0.5-7078", w.ID())
}

func TestRegistration(t *testing.T) {
	h := newHarness(t, nil)

	reg := rpctest.WaitFor[*messages.RegisterWorker](t, h.master, nil)
	assert.Equal(t, "worker-1", reg.WorkerID)
	assert.Equal(t, "worker-host", reg.Host)
	assert.Equal(t, 7078, reg.Port)
	assert.Equal(t, 8, reg.Cores)
	assert.Equal(t, 8192, reg.MemoryMB)
	assert.True(t, reg.Worker.Equal(h.ref))

	latest := rpctest.WaitFor[*messages.WorkerLatestState](t, h.master, nil)
	assert.Equal(t, "worker-1", latest.WorkerID)
	assert.Empty(t, latest.Executors)

	state := h.state()
	assert.Equal(t, string(StateRegistered), state.State)
	assert.Equal(t, h.masterRef.Address.URL(), state.MasterURL)
}

func TestRegistrationSkipsStandbyMaster(t *testing.T) {
	h := &harness{t: t, network: rpc.NewLocalNetwork(), clock: clock.NewMock(), launcher: &fakeLauncher{}}
	standby, standbyRef := rpctest.New(t, h.newEnv("standby", 7077), messages.MasterEndpoint)
	standby.OnAsk = func(msg any) (any, error) { return &messages.MasterInStandby{}, nil }
	h.master, h.masterRef = h.newMaster("leader")

	env := h.newEnv("worker-host", 7078)
	cfg := DefaultConfig()
	cfg.ID = "worker-1"
	cfg.Cores = 2
	cfg.MemoryMB = 1024
	cfg.Masters = []rpc.Address{standbyRef.Address, h.masterRef.Address}
	cfg.Launcher = h.launcher
	cfg.Clock = h.clock

	w, err := New(env, cfg)
	require.NoError(t, err)
	h.ref, err = w.Start()
	require.NoError(t, err)
	h.worker = w

	h.waitRegistered()
	assert.Len(t, rpctest.Of[*messages.RegisterWorker](standby), 1)
	assert.Empty(t, rpctest.Of[*messages.WorkerLatestState](standby))
}

func TestRegistrationFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, cfg *Config)
	}{
		{
			name: "rejected",
			setup: func(h *harness, cfg *Config) {
				h.master.OnAsk = func(msg any) (any, error) {
					return &messages.RegisterWorkerFailed{Message: "duplicate worker address"}, nil
				}
			},
		},
		{
			name: "no master reachable",
			setup: func(h *harness, cfg *Config) {
				cfg.Masters = []rpc.Address{{Host: "nowhere", Port: 7077}}
				cfg.RegistrationTimeout = 50 * time.Millisecond
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &harness{t: t, network: rpc.NewLocalNetwork(), clock: clock.NewMock(), launcher: &fakeLauncher{}}
			h.master, h.masterRef = h.newMaster("master")

			cfg := DefaultConfig()
			cfg.ID = "worker-1"
			cfg.Cores = 2
			cfg.MemoryMB = 1024
			cfg.Masters = []rpc.Address{h.masterRef.Address}
			cfg.RegistrationRetryInterval = 10 * time.Millisecond
			cfg.Clock = h.clock
			cfg.Launcher = h.launcher
			tt.setup(h, &cfg)

			w, err := New(h.newEnv("worker-host", 7078), cfg)
			require.NoError(t, err)
			h.ref, err = w.Start()
			require.NoError(t, err)

			select {
			case err := <-w.Failures():
				assert.True(t, errors.Is(err, ErrRegistrationFailed))
			case <-time.After(5 * time.Second):
				t.Fatal("registration failure not reported")
			}
			assert.Equal(t, string(StateUnregistered), h.state().State)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()
	assert.Empty(t, rpctest.Of[*messages.WorkerHeartbeat](h.master))

	h.clock.Add(DefaultConfig().HeartbeatInterval())

	hb := rpctest.WaitFor[*messages.WorkerHeartbeat](t, h.master, nil)
	assert.Equal(t, "worker-1", hb.WorkerID)
	assert.True(t, hb.Worker.Equal(h.ref))
}

func TestLaunchExecutor(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()

	h.launchExecutor("app-1", 0)

	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorRunning))
	procs := h.launcher.launched()
	require.Len(t, procs, 1)
	spec := procs[0].spec
	assert.Equal(t, KindExecutor, spec.Kind)
	assert.Equal(t, "app-1/0", spec.ID)
	assert.Equal(t, []string{"--app", "app-1", "--id", "0", "--cores", "2"}, spec.Command.Args)
	assert.Equal(t, "1024", spec.Command.Env["SPINDLE_MEMORY_MB"])

	state := h.state()
	assert.Equal(t, 2, state.CoresUsed)
	assert.Equal(t, 1024, state.MemoryUsed)
	require.Len(t, state.Executors, 1)
	assert.Equal(t, types.ExecutorRunning, state.Executors[0].State)

	// a second launch of the same executor keeps the running process
	h.launchExecutor("app-1", 0)
	dup := rpctest.WaitFor(t, h.master, func(m *messages.ExecutorStateChanged) bool { return m.Message != "" })
	assert.Equal(t, types.ExecutorRunning, dup.State)
	assert.Len(t, h.launcher.launched(), 1)
	assert.Equal(t, 2, h.state().CoresUsed)

	procs[0].exitWith(0)

	exited := rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorExited))
	require.NotNil(t, exited.ExitStatus)
	assert.Equal(t, 0, *exited.ExitStatus)

	state = h.state()
	assert.Zero(t, state.CoresUsed)
	assert.Zero(t, state.MemoryUsed)
	assert.Empty(t, state.Executors)
	require.Len(t, state.FinishedExecutors, 1)
	assert.Equal(t, types.ExecutorExited, state.FinishedExecutors[0].State)
}

func TestLaunchExecutorFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()
	h.launcher.err = errors.New("exec format error")

	h.launchExecutor("app-1", 3)

	failed := rpctest.WaitFor(t, h.master, executorState("app-1", 3, types.ExecutorFailed))
	assert.Contains(t, failed.Message, "exec format error")
	assert.Zero(t, h.state().CoresUsed)
}

func TestCommandsFromInactiveMasterAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()

	h.send(&messages.LaunchExecutor{MasterURL: "spindle://old-master:7077", AppID: "app-1", Cores: 1, MemoryMB: 128})
	h.launchExecutor("app-1", 1)
	rpctest.WaitFor(t, h.master, executorState("app-1", 1, types.ExecutorRunning))
	h.send(&messages.KillExecutor{MasterURL: "spindle://old-master:7077", AppID: "app-1", ExecID: 1})

	state := h.state()
	require.Len(t, state.Executors, 1)
	assert.Equal(t, 1, state.Executors[0].ExecID)
	assert.Len(t, h.launcher.launched(), 1)
	assert.Zero(t, h.launcher.launched()[0].killed.Load())
}

func TestLaunchBeforeRegistrationReply(t *testing.T) {
	h := newStoppedHarness(t)
	h.master.OnAsk = func(msg any) (any, error) {
		reg := msg.(*messages.RegisterWorker)
		// the master schedules right after admitting the worker, so its
		// launch reaches the mailbox ahead of the reply
		err := reg.Worker.Send(&messages.LaunchExecutor{
			MasterURL: h.masterRef.Address.URL(),
			AppID:     "app-1",
			ExecID:    0,
			Cores:     2,
			MemoryMB:  1024,
		})
		if err != nil {
			return nil, err
		}
		return &messages.RegisteredWorker{Master: h.masterRef}, nil
	}
	h.start(nil)

	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorRunning))
	assert.Len(t, h.launcher.launched(), 1)

	state := h.state()
	assert.Equal(t, string(StateRegistered), state.State)
	assert.Equal(t, 2, state.CoresUsed)
}

func TestKillExecutor(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()
	h.launchExecutor("app-1", 0)
	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorRunning))

	kill := &messages.KillExecutor{MasterURL: h.masterRef.Address.URL(), AppID: "app-1", ExecID: 0}
	h.send(kill)
	h.send(kill)
	h.send(&messages.KillExecutor{MasterURL: h.masterRef.Address.URL(), AppID: "app-1", ExecID: 9})

	killed := rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorKilled))
	assert.Nil(t, killed.ExitStatus)
	assert.Equal(t, int32(1), h.launcher.launched()[0].killed.Load())
	assert.Empty(t, h.state().Executors)
}

func TestDriverLifecycle(t *testing.T) {
	tests := []struct {
		name  string
		run   func(h *harness, p *fakeProcess)
		state types.DriverState
	}{
		{name: "finished", run: func(h *harness, p *fakeProcess) { p.exitWith(0) }, state: types.DriverFinished},
		{name: "failed", run: func(h *harness, p *fakeProcess) { p.exitWith(2) }, state: types.DriverFailed},
		{
			name: "killed",
			run: func(h *harness, p *fakeProcess) {
				h.send(&messages.KillDriver{DriverID: "driver-1"})
			},
			state: types.DriverKilled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.waitRegistered()

			h.send(&messages.LaunchDriver{
				DriverID: "driver-1",
				Desc: types.DriverDescription{
					Cores:    1,
					MemoryMB: 512,
					Command:  types.Command{Path: "/bin/driver", Args: []string{"{{DRIVER_ID}}"}},
				},
			})
			require.Eventually(t, func() bool { return len(h.launcher.launched()) == 1 }, 5*time.Second, 5*time.Millisecond)
			p := h.launcher.launched()[0]
			assert.Equal(t, []string{"driver-1"}, p.spec.Command.Args)

			state := h.state()
			assert.Equal(t, []string{"driver-1"}, state.DriverIDs)
			assert.Equal(t, 1, state.CoresUsed)

			tt.run(h, p)

			rpctest.WaitFor(t, h.master, driverState("driver-1", tt.state))
			state = h.state()
			assert.Empty(t, state.DriverIDs)
			assert.Equal(t, []string{"driver-1"}, state.FinishedDriverIDs)
			assert.Zero(t, state.CoresUsed)
		})
	}
}

func TestSupervisedDriverIsRestarted(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()

	h.send(&messages.LaunchDriver{
		DriverID: "driver-1",
		Desc:     types.DriverDescription{Cores: 1, MemoryMB: 512, Supervise: true, Command: types.Command{Path: "/bin/driver"}},
	})
	require.Eventually(t, func() bool { return len(h.launcher.launched()) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.launcher.launched()[0].exitWith(1)

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return len(h.launcher.launched()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, rpctest.Of[*messages.DriverStateChanged](h.master), "restarts are not reported")
	assert.Equal(t, []string{"driver-1"}, h.state().DriverIDs)

	h.send(&messages.KillDriver{DriverID: "driver-1"})
	rpctest.WaitFor(t, h.master, driverState("driver-1", types.DriverKilled))
	assert.Equal(t, int32(1), h.launcher.launched()[1].killed.Load())
}

func TestDuplicateDriverLaunch(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()

	launch := &messages.LaunchDriver{DriverID: "driver-1", Desc: types.DriverDescription{Cores: 1, MemoryMB: 512, Command: types.Command{Path: "/bin/driver"}}}
	h.send(launch)
	h.send(launch)

	running := rpctest.WaitFor(t, h.master, driverState("driver-1", types.DriverRunning))
	assert.Empty(t, running.Exception)
	assert.Len(t, h.launcher.launched(), 1)
	assert.Equal(t, 1, h.state().CoresUsed)
}

func TestReconnectReportsRunningProcesses(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()
	h.launchExecutor("app-1", 0)
	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorRunning))

	h.send(&messages.ReconnectWorker{Master: h.masterRef})

	resp := rpctest.WaitFor[*messages.WorkerSchedulerStateResponse](t, h.master, nil)
	assert.Equal(t, "worker-1", resp.WorkerID)
	require.Len(t, resp.Executors, 1)
	assert.Equal(t, "app-1", resp.Executors[0].AppID)
	assert.Len(t, rpctest.Of[*messages.RegisterWorker](h.master), 2)
	assert.Zero(t, h.launcher.launched()[0].killed.Load(), "processes survive a reconnect")
}

func TestMasterChanged(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()
	h.launchExecutor("app-1", 0)
	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorRunning))

	leader, leaderRef := h.newMaster("master-2")
	h.send(&messages.MasterChanged{Master: leaderRef, MasterWebUIURL: "http://master-2:8080"})

	resp := rpctest.WaitFor[*messages.WorkerSchedulerStateResponse](t, leader, nil)
	require.Len(t, resp.Executors, 1)
	assert.Equal(t, leaderRef.Address.URL(), h.state().MasterURL)

	// the old master no longer commands this worker
	h.send(&messages.KillExecutor{MasterURL: h.masterRef.Address.URL(), AppID: "app-1", ExecID: 0})
	assert.Len(t, h.state().Executors, 1)

	h.clock.Add(DefaultConfig().HeartbeatInterval())
	rpctest.WaitFor[*messages.WorkerHeartbeat](t, leader, nil)
}

func TestApplicationFinishedCleansUp(t *testing.T) {
	workDir := t.TempDir()
	h := newHarness(t, func(cfg *Config) {
		cfg.WorkDir = workDir
		cfg.CleanupAppDirs = true
	})
	h.waitRegistered()

	h.launchExecutor("app-1", 0)
	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorRunning))
	appDir := filepath.Join(workDir, "app-1")
	assert.DirExists(t, filepath.Join(appDir, "0"))

	// still running, nothing removed
	h.send(&messages.ApplicationFinished{AppID: "app-1"})
	h.state()
	assert.DirExists(t, appDir)

	h.launcher.launched()[0].exitWith(0)
	rpctest.WaitFor(t, h.master, executorState("app-1", 0, types.ExecutorExited))
	h.send(&messages.ApplicationFinished{AppID: "app-1"})
	h.state()
	_, err := os.Stat(appDir)
	assert.True(t, os.IsNotExist(err))
}

func TestStopKillsProcesses(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()
	h.launchExecutor("app-1", 0)
	h.send(&messages.LaunchDriver{DriverID: "driver-1", Desc: types.DriverDescription{Cores: 1, MemoryMB: 256, Command: types.Command{Path: "/bin/driver"}}})
	require.Eventually(t, func() bool { return len(h.launcher.launched()) == 2 }, 5*time.Second, 5*time.Millisecond)

	h.worker.Stop()

	require.Eventually(t, func() bool {
		for _, p := range h.launcher.launched() {
			if p.killed.Load() == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUnexpectedAskFails(t *testing.T) {
	h := newHarness(t, nil)
	h.waitRegistered()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.ref.Ask(ctx, &messages.KillDriver{DriverID: "driver-1"})
	require.Error(t, err)

	// the worker keeps serving
	assert.Equal(t, string(StateRegistered), h.state().State)
}

func TestSubstitute(t *testing.T) {
	cmd := types.Command{
		Path: "/opt/{{APP_ID}}/bin/run",
		Args: []string{"--executor-id", "{{EXECUTOR_ID}}", "--literal", "{{UNKNOWN}}"},
		Env:  map[string]string{"JAVA_OPTS": "-Xmx{{MEMORY_MB}}m"},
	}

	out := substitute(cmd, map[string]string{"APP_ID": "app-1", "EXECUTOR_ID": "4", "MEMORY_MB": "512"})

	assert.Equal(t, "/opt/app-1/bin/run", out.Path)
	assert.Equal(t, []string{"--executor-id", "4", "--literal", "{{UNKNOWN}}"}, out.Args)
	assert.Equal(t, map[string]string{
		"JAVA_OPTS":           "-Xmx512m",
		"SPINDLE_APP_ID":      "app-1",
		"SPINDLE_EXECUTOR_ID": "4",
		"SPINDLE_MEMORY_MB":   "512",
	}, out.Env)
	assert.Equal(t, "{{EXECUTOR_ID}}", cmd.Args[1], "input is not modified")
}
