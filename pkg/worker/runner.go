package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
)

// executorRunner tracks one executor process. Only the worker mailbox
// touches state; the process wait goroutine reads killed.
type executorRunner struct {
	appID    string
	execID   int
	appDesc  types.ApplicationDescription
	cores    int
	memoryMB int
	workDir  string
	state    types.ExecutorState

	process Process
	killed  atomic.Bool
}

func (r *executorRunner) fullID() string {
	return fmt.Sprintf("%s/%d", r.appID, r.execID)
}

func (r *executorRunner) describe() types.ExecutorDescription {
	return types.ExecutorDescription{
		AppID:    r.appID,
		ExecID:   r.execID,
		Cores:    r.cores,
		MemoryMB: r.memoryMB,
		State:    r.state,
	}
}

// exitState maps a process exit onto the state reported to the master
func (r *executorRunner) exitState(code int, err error) *messages.ExecutorStateChanged {
	msg := &messages.ExecutorStateChanged{AppID: r.appID, ExecID: r.execID}
	switch {
	case r.killed.Load():
		msg.State = types.ExecutorKilled
		msg.Message = "killed by the worker"
	case err != nil:
		msg.State = types.ExecutorFailed
		msg.Message = err.Error()
	default:
		msg.State = types.ExecutorExited
		msg.Message = "command exited with code " + strconv.Itoa(code)
		msg.ExitStatus = &code
	}
	return msg
}

// driverRunner tracks one driver process. A supervised driver that fails is
// restarted in place; process changes under mu.
type driverRunner struct {
	id      string
	desc    types.DriverDescription
	workDir string
	state   types.DriverState

	mu      sync.Mutex
	process Process
	killed  atomic.Bool
	killCh  chan struct{}
	once    sync.Once
}

func (r *driverRunner) setProcess(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process = p
}

func (r *driverRunner) kill() error {
	r.killed.Store(true)
	r.once.Do(func() { close(r.killCh) })
	r.mu.Lock()
	p := r.process
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Kill()
}

func (r *driverRunner) exitState(code int, err error) *messages.DriverStateChanged {
	msg := &messages.DriverStateChanged{DriverID: r.id}
	switch {
	case r.killed.Load():
		msg.State = types.DriverKilled
	case err != nil:
		msg.State = types.DriverError
		msg.Exception = err.Error()
	case code == 0:
		msg.State = types.DriverFinished
	default:
		msg.State = types.DriverFailed
		msg.Exception = "driver exited with code " + strconv.Itoa(code)
	}
	return msg
}

// driverRestartBackOff spaces the restarts of a supervised driver. A driver
// that ran longer than driverStableAfter starts over from the first interval.
func driverRestartBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	return b
}

const driverStableAfter = 5 * time.Second

// awaitExecutor reports the exit of an executor process to the worker
func (w *Worker) awaitExecutor(r *executorRunner) {
	defer w.wg.Done()
	code, err := r.process.Wait()
	w.deliver(r.exitState(code, err))
}

// superviseDriver waits for a driver process and restarts it while it
// fails and is supervised
func (w *Worker) superviseDriver(r *driverRunner, spec ProcessSpec, process Process) {
	defer w.wg.Done()
	bo := driverRestartBackOff()

	for {
		started := w.clock.Now()
		code, err := process.Wait()
		msg := r.exitState(code, err)
		if msg.State != types.DriverFailed || !r.desc.Supervise {
			w.deliver(msg)
			return
		}

		if w.clock.Since(started) > driverStableAfter {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		w.logger.Warn().Str("driver_id", r.id).Int("exit_code", code).Dur("restart_in", wait).
			Msg("Supervised driver failed, restarting")

		select {
		case <-w.clock.After(wait):
		case <-r.killCh:
			w.deliver(r.exitState(code, nil))
			return
		case <-w.stopCh:
			return
		}

		process, err = w.launcher.Launch(context.Background(), spec)
		if err != nil {
			w.deliver(&messages.DriverStateChanged{DriverID: r.id, State: types.DriverError, Exception: err.Error()})
			return
		}
		r.setProcess(process)
		if r.killed.Load() {
			// killed while restarting
			process.Kill()
		}
	}
}

// deliver hands a runner report to the worker mailbox
func (w *Worker) deliver(msg any) {
	if err := w.self.Send(msg); err != nil {
		w.logger.Debug().Err(err).Str("message", messages.TypeName(msg)).Msg("Worker gone, dropping runner report")
	}
}

// substitute fills the placeholders a launch command may carry
func substitute(cmd types.Command, vars map[string]string) types.Command {
	replace := func(s string) string {
		for k, v := range vars {
			s = strings.ReplaceAll(s, "{{"+k+"}}", v)
		}
		return s
	}

	out := types.Command{Path: replace(cmd.Path), Env: make(map[string]string, len(cmd.Env)+len(vars))}
	for _, arg := range cmd.Args {
		out.Args = append(out.Args, replace(arg))
	}
	for k, v := range cmd.Env {
		out.Env[k] = replace(v)
	}
	for k, v := range vars {
		out.Env["SPINDLE_"+k] = v
	}
	return out
}
