package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/shuffle"
	"github.com/cuemby/spindle/pkg/types"
)

// ErrRegistrationFailed is returned by Wait when the driver rejected the
// executor
var ErrRegistrationFailed = errors.New("executor registration failed")

// TaskRunner runs one task. It returns the serialized result, or an error;
// a *shuffle.FetchFailedError keeps its provenance on the way to the
// driver. Run must return promptly once ctx is cancelled.
type TaskRunner interface {
	Run(ctx context.Context, task *messages.TaskDescription) ([]byte, error)
}

// TaskRunnerFunc adapts a function to TaskRunner
type TaskRunnerFunc func(ctx context.Context, task *messages.TaskDescription) ([]byte, error)

func (f TaskRunnerFunc) Run(ctx context.Context, task *messages.TaskDescription) ([]byte, error) {
	return f(ctx, task)
}

// Config holds executor backend configuration
type Config struct {
	ExecutorID string
	AppID      string
	Hostname   string
	Cores      int
	// Driver is the address of the driver endpoint
	Driver  rpc.Address
	LogURLs map[string]string
	Runner  TaskRunner
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ExecutorID == "" {
		return fmt.Errorf("executor id is required")
	}
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if c.Driver.IsZero() {
		return fmt.Errorf("driver address is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("task runner is required")
	}
	return nil
}

type runningTask struct {
	cancel context.CancelFunc
	reason string
}

// taskDone is delivered by a task goroutine when Run returns
type taskDone struct {
	taskID int64
	data   []byte
	err    error
}

type registered struct {
	props map[string]string
}

type registrationFailed struct {
	err error
}

// Backend is the executor endpoint. It registers with the driver, runs the
// tasks it is sent and reports their status back.
type Backend struct {
	cfg    Config
	env    *rpc.Env
	logger zerolog.Logger

	self       *rpc.Ref
	driver     *rpc.Ref
	registered atomic.Bool
	props      map[string]string
	tasks      map[int64]*runningTask

	// awaitingReply is set once RegisterExecutor is on its way. The driver
	// may launch tasks before the reply reaches the mailbox; those wait in
	// early.
	awaitingReply atomic.Bool
	early         []*messages.LaunchTask

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	exitOnce sync.Once
	exitErr  error
	done     chan struct{}
}

// New creates an executor backend hosted by env
func New(env *rpc.Env, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		cfg:    cfg,
		env:    env,
		logger: log.WithExecutorID(cfg.ExecutorID).With().Str("app_id", cfg.AppID).Logger(),
		tasks:  make(map[int64]*runningTask),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start registers the endpoint, which then registers with the driver
func (b *Backend) Start() (*rpc.Ref, error) {
	return b.env.Setup(messages.ExecutorEndpoint, b)
}

// Wait blocks until the executor exits and returns why. A shutdown asked
// for by the driver returns nil.
func (b *Backend) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registered reports whether the driver accepted the executor
func (b *Backend) Registered() bool {
	return b.registered.Load()
}

func (b *Backend) OnStart(self *rpc.Ref) {
	b.self = self
	b.driver = b.env.Ref(messages.DriverEndpoint, b.cfg.Driver)
	b.logger.Info().Str("driver", b.driver.String()).Int("cores", b.cfg.Cores).Msg("Connecting to driver")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(b.register())
	}()
}

// register fetches the application config and registers with the driver
func (b *Backend) register() any {
	ctx := b.ctx
	appCfg, err := rpc.AskAs[*messages.AppConfig](ctx, b.driver, &messages.RetrieveAppConfig{})
	if err != nil {
		return &registrationFailed{err: fmt.Errorf("failed to retrieve app config: %w", err)}
	}

	b.awaitingReply.Store(true)
	reply, err := b.driver.Ask(ctx, &messages.RegisterExecutor{
		ExecutorID: b.cfg.ExecutorID,
		Executor:   b.self,
		Hostname:   b.cfg.Hostname,
		Cores:      b.cfg.Cores,
		LogURLs:    b.cfg.LogURLs,
	})
	if err != nil {
		metrics.RegistrationAttempts.WithLabelValues("executor", "error").Inc()
		return &registrationFailed{err: fmt.Errorf("failed to register with driver: %w", err)}
	}
	switch reply := reply.(type) {
	case *messages.RegisteredExecutor:
		metrics.RegistrationAttempts.WithLabelValues("executor", "accepted").Inc()
		return &registered{props: appCfg.Props}
	case *messages.RegisterExecutorFailed:
		metrics.RegistrationAttempts.WithLabelValues("executor", "rejected").Inc()
		return &registrationFailed{err: fmt.Errorf("%w: %s", ErrRegistrationFailed, reply.Message)}
	default:
		return &registrationFailed{err: fmt.Errorf("%w: unexpected reply %s", ErrRegistrationFailed, messages.TypeName(reply))}
	}
}

func (b *Backend) OnStop() {
	for _, id := range b.sortedTaskIDs() {
		b.tasks[id].cancel()
	}
	b.cancel()
	b.wg.Wait()
	b.exit(nil)
	b.logger.Info().Msg("Executor stopped")
}

func (b *Backend) Receive(msg any) {
	metrics.MessagesDispatched.WithLabelValues("executor").Inc()

	switch msg := msg.(type) {
	case *registered:
		b.registered.Store(true)
		b.props = msg.props
		b.logger.Info().Int("props", len(msg.props)).Msg("Successfully registered with driver")
		early := b.early
		b.early = nil
		for _, launch := range early {
			b.launchTask(launch)
		}
	case *registrationFailed:
		b.logger.Error().Err(msg.err).Msg("Executor registration failed")
		b.shutdown(msg.err)
	case *messages.LaunchTask:
		b.launchTask(msg)
	case *messages.KillTask:
		b.killTask(msg)
	case *taskDone:
		b.taskDone(msg)
	case *messages.StopExecutor:
		b.logger.Info().Msg("Driver commanded a shutdown")
		if err := b.self.Send(&messages.Shutdown{}); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to queue shutdown")
		}
	case *messages.Shutdown:
		b.shutdown(nil)
	default:
		metrics.ProtocolViolations.WithLabelValues("executor").Inc()
		b.logger.Warn().Str("message", messages.TypeName(msg)).Msg("Dropping unexpected message")
	}
}

func (b *Backend) ReceiveAndReply(msg any, call *rpc.Call) {
	metrics.ProtocolViolations.WithLabelValues("executor").Inc()
	b.logger.Warn().Str("message", messages.TypeName(msg)).Msg("Dropping unexpected ask")
	call.Fail(fmt.Errorf("executor does not answer %s", messages.TypeName(msg)))
}

func (b *Backend) launchTask(msg *messages.LaunchTask) {
	if !b.registered.Load() {
		if b.awaitingReply.Load() {
			b.early = append(b.early, msg)
			return
		}
		err := errors.New("received LaunchTask before registration completed")
		b.logger.Error().Err(err).Msg("Exiting")
		b.shutdown(err)
		return
	}
	task, err := messages.DecodeTaskDescription(msg.Data)
	if err != nil {
		b.logger.Error().Err(err).Msg("Dropping undecodable task")
		return
	}
	if _, dup := b.tasks[task.TaskID]; dup {
		b.logger.Warn().Int64("task_id", task.TaskID).Msg("Task already running")
		return
	}

	ctx, cancel := context.WithCancel(b.ctx)
	b.tasks[task.TaskID] = &runningTask{cancel: cancel}
	b.logger.Info().Int64("task_id", task.TaskID).Str("name", task.Name).Msg("Got assigned task")
	b.statusUpdate(task.TaskID, types.TaskRunning, nil)

	runner := b.cfg.Runner
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		data, err := runner.Run(ctx, task)
		b.deliver(&taskDone{taskID: task.TaskID, data: data, err: err})
	}()
}

// killTask is a no-op for tasks that are not running here
func (b *Backend) killTask(msg *messages.KillTask) {
	t, ok := b.tasks[msg.TaskID]
	if !ok {
		b.logger.Debug().Int64("task_id", msg.TaskID).Msg("Asked to kill unknown task")
		return
	}
	b.logger.Info().Int64("task_id", msg.TaskID).Str("reason", msg.Reason).Msg("Killing task")
	if t.reason == "" {
		t.reason = msg.Reason
		if t.reason == "" {
			t.reason = "killed"
		}
	}
	t.cancel()
}

func (b *Backend) taskDone(msg *taskDone) {
	t, ok := b.tasks[msg.taskID]
	if !ok {
		return
	}
	delete(b.tasks, msg.taskID)
	t.cancel()

	switch {
	case t.reason != "":
		data, _ := shuffle.EncodeFailure(&shuffle.TaskKilledError{Reason: t.reason})
		b.statusUpdate(msg.taskID, types.TaskKilled, data)
	case msg.err != nil:
		b.logger.Warn().Err(msg.err).Int64("task_id", msg.taskID).Msg("Task failed")
		data, err := shuffle.EncodeFailure(msg.err)
		if err != nil {
			b.logger.Error().Err(err).Int64("task_id", msg.taskID).Msg("Failed to encode task failure")
		}
		b.statusUpdate(msg.taskID, types.TaskFailed, data)
	default:
		b.statusUpdate(msg.taskID, types.TaskFinished, msg.data)
	}
}

func (b *Backend) statusUpdate(taskID int64, state types.TaskState, data []byte) {
	update := &messages.StatusUpdate{ExecutorID: b.cfg.ExecutorID, TaskID: taskID, State: state, Data: data}
	if err := b.driver.Send(update); err != nil {
		b.logger.Warn().Err(err).Int64("task_id", taskID).Str("state", string(state)).Msg("Failed to send status update")
	}
}

func (b *Backend) deliver(msg any) {
	if err := b.self.Send(msg); err != nil {
		b.logger.Debug().Err(err).Str("message", messages.TypeName(msg)).Msg("Executor gone, dropping report")
	}
}

// shutdown stops the endpoint; err becomes the result of Wait
func (b *Backend) shutdown(err error) {
	b.env.Stop(b.self)
	b.exit(err)
}

func (b *Backend) exit(err error) {
	b.exitOnce.Do(func() {
		b.exitErr = err
		close(b.done)
	})
}

func (b *Backend) sortedTaskIDs() []int64 {
	ids := make([]int64, 0, len(b.tasks))
	for id := range b.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
