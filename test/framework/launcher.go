package framework

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/executor"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
	"github.com/cuemby/spindle/pkg/worker"
)

// ExecutorCommand is the launch command of the cluster's applications. The
// worker fills in everything but the driver URL, which the driver's
// backend fills in at registration.
func ExecutorCommand() types.Command {
	return types.Command{
		Path: "spindle-executor",
		Args: []string{
			"--driver-url", "{{DRIVER_URL}}",
			"--executor-id", "{{EXECUTOR_ID}}",
			"--app-id", "{{APP_ID}}",
			"--hostname", "{{HOSTNAME}}",
			"--cores", "{{CORES}}",
		},
	}
}

// ExecutorConfig parses the arguments of ExecutorCommand after
// substitution
func ExecutorConfig(args []string) (executor.Config, error) {
	fs := pflag.NewFlagSet("executor", pflag.ContinueOnError)
	driverURL := fs.String("driver-url", "", "")
	id := fs.String("executor-id", "", "")
	appID := fs.String("app-id", "", "")
	hostname := fs.String("hostname", "", "")
	cores := fs.Int("cores", 0, "")
	if err := fs.Parse(args); err != nil {
		return executor.Config{}, err
	}

	driver, err := rpc.ParseAddress(*driverURL)
	if err != nil {
		return executor.Config{}, fmt.Errorf("invalid driver url: %w", err)
	}
	return executor.Config{
		ExecutorID: *id,
		AppID:      *appID,
		Hostname:   *hostname,
		Cores:      *cores,
		Driver:     driver,
	}, nil
}

// Launcher starts executors as executor backends on the cluster network
// and drivers as stand-in processes. A driver runs until killed, or for
// the duration in its RUN_FOR environment variable and then exits with
// EXIT_CODE.
type Launcher struct {
	network *rpc.LocalNetwork
	runner  executor.TaskRunner

	mu       sync.Mutex
	nextPort int
	launched []worker.ProcessSpec
}

// NewLauncher creates a launcher whose executors run tasks with runner
func NewLauncher(network *rpc.LocalNetwork, runner executor.TaskRunner) *Launcher {
	return &Launcher{network: network, runner: runner, nextPort: 30000}
}

func (l *Launcher) Launch(_ context.Context, spec worker.ProcessSpec) (worker.Process, error) {
	l.mu.Lock()
	l.launched = append(l.launched, spec)
	l.nextPort++
	port := l.nextPort
	l.mu.Unlock()

	switch spec.Kind {
	case worker.KindExecutor:
		return l.launchExecutor(spec, port)
	case worker.KindDriver:
		return newDriverProcess(spec)
	}
	return nil, fmt.Errorf("unknown process kind %q", spec.Kind)
}

// Launched returns every launch so far, in order
func (l *Launcher) Launched() []worker.ProcessSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]worker.ProcessSpec(nil), l.launched...)
}

func (l *Launcher) launchExecutor(spec worker.ProcessSpec, port int) (worker.Process, error) {
	cfg, err := ExecutorConfig(spec.Command.Args)
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", spec.ID, err)
	}
	cfg.Runner = l.runner

	env, err := l.network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: cfg.Hostname, Port: port})
	if err != nil {
		return nil, err
	}
	backend, err := executor.New(env, cfg)
	if err != nil {
		env.Shutdown()
		return nil, err
	}
	if _, err := backend.Start(); err != nil {
		env.Shutdown()
		return nil, err
	}
	return &executorProcess{env: env, backend: backend}, nil
}

type executorProcess struct {
	env     *rpc.Env
	backend *executor.Backend
	killed  atomic.Bool
}

// Wait exits 0 when the driver stopped the executor, 1 when it failed and
// 137 when it was killed
func (p *executorProcess) Wait() (int, error) {
	err := p.backend.Wait(context.Background())
	p.env.Shutdown()
	switch {
	case p.killed.Load():
		return 137, nil
	case err != nil:
		return 1, nil
	}
	return 0, nil
}

func (p *executorProcess) Kill() error {
	p.killed.Store(true)
	p.env.Shutdown()
	return nil
}

type driverProcess struct {
	done chan struct{}
	once sync.Once
	code int
}

func newDriverProcess(spec worker.ProcessSpec) (*driverProcess, error) {
	p := &driverProcess{done: make(chan struct{})}
	runFor := spec.Command.Env["RUN_FOR"]
	if runFor == "" {
		return p, nil
	}

	d, err := time.ParseDuration(runFor)
	if err != nil {
		return nil, fmt.Errorf("driver %s: invalid RUN_FOR: %w", spec.ID, err)
	}
	code := 0
	if v := spec.Command.Env["EXIT_CODE"]; v != "" {
		if code, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("driver %s: invalid EXIT_CODE: %w", spec.ID, err)
		}
	}
	time.AfterFunc(d, func() { p.exitWith(code) })
	return p, nil
}

func (p *driverProcess) exitWith(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *driverProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *driverProcess) Kill() error {
	p.exitWith(137)
	return nil
}
