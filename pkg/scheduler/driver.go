package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/shuffle"
	"github.com/cuemby/spindle/pkg/types"
)

type executorData struct {
	ref        *rpc.Ref
	host       string
	totalCores int
	freeCores  int
	logURLs    map[string]string
}

// ExecutorSummary describes one registered executor
type ExecutorSummary struct {
	ID         string
	Host       string
	TotalCores int
	FreeCores  int
}

// requestState asks the driver endpoint for its executor table
type requestState struct{}

// Driver is the driver-side endpoint executors register with. It offers
// their free cores to the TaskScheduler and carries tasks and status
// updates between the two.
type Driver struct {
	cfg       Config
	env       *rpc.Env
	clock     clock.Clock
	scheduler TaskScheduler
	logger    zerolog.Logger

	self      *rpc.Ref
	executors map[string]*executorData
	stopping  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDriver creates a driver endpoint hosted by env
func NewDriver(env *rpc.Env, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	d := &Driver{
		cfg:       cfg,
		env:       env,
		clock:     cfg.Clock,
		scheduler: cfg.Scheduler,
		logger:    log.WithComponent("driver"),
		executors: make(map[string]*executorData),
		stopCh:    make(chan struct{}),
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	return d, nil
}

// Start registers the endpoint under its well-known name
func (d *Driver) Start() (*rpc.Ref, error) {
	return d.env.Setup(messages.DriverEndpoint, d)
}

// Executors returns the registered executors sorted by id
func Executors(ctx context.Context, driver *rpc.Ref) ([]ExecutorSummary, error) {
	return rpc.AskAs[[]ExecutorSummary](ctx, driver, &requestState{})
}

func (d *Driver) OnStart(self *rpc.Ref) {
	d.self = self
	ticker := d.clock.Ticker(d.cfg.ReviveInterval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := self.Send(&messages.ReviveOffers{}); err != nil {
					return
				}
			case <-d.stopCh:
				return
			}
		}
	}()
	d.logger.Info().Str("address", self.String()).Msg("Driver endpoint started")
}

func (d *Driver) OnStop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info().Msg("Driver endpoint stopped")
}

func (d *Driver) Receive(msg any) {
	metrics.MessagesDispatched.WithLabelValues("driver").Inc()

	switch msg := msg.(type) {
	case *messages.StatusUpdate:
		d.statusUpdate(msg)
	case *messages.ReviveOffers:
		d.makeOffers()
	case *messages.KillTask:
		d.killTask(msg)
	case *messages.RemoveExecutor:
		d.removeExecutor(msg.ExecutorID, msg.Reason)
	case *messages.RemoveWorker:
		d.logger.Info().Str("worker_id", msg.WorkerID).Str("host", msg.Host).Msg("Worker removed")
		d.scheduler.WorkerRemoved(msg.WorkerID, msg.Host, msg.Message)
	case *messages.KillExecutorsOnHost:
		d.killExecutorsOnHost(msg.Host)
	case *messages.StopExecutors:
		d.stopExecutors()
	default:
		d.violation(msg)
	}
}

func (d *Driver) ReceiveAndReply(msg any, call *rpc.Call) {
	metrics.MessagesDispatched.WithLabelValues("driver").Inc()

	switch msg := msg.(type) {
	case *messages.RegisterExecutor:
		d.registerExecutor(msg, call)
	case *messages.RetrieveAppConfig:
		call.Reply(&messages.AppConfig{Props: d.cfg.AppProps, IOEncryptionKey: d.cfg.IOEncryptionKey})
	case *messages.StopDriver:
		d.stopping = true
		call.Reply(true)
		d.env.Stop(d.self)
	case *messages.RemoveExecutor:
		d.removeExecutor(msg.ExecutorID, msg.Reason)
		call.Reply(true)
	case *requestState:
		call.Reply(d.summaries())
	default:
		d.violation(msg)
		call.Fail(fmt.Errorf("driver does not answer %s", messages.TypeName(msg)))
	}
}

func (d *Driver) violation(msg any) {
	metrics.ProtocolViolations.WithLabelValues("driver").Inc()
	d.logger.Warn().Str("message", messages.TypeName(msg)).Msg("Dropping unexpected message")
}

func (d *Driver) registerExecutor(msg *messages.RegisterExecutor, call *rpc.Call) {
	logger := d.logger.With().Str("executor_id", msg.ExecutorID).Logger()
	switch {
	case d.stopping:
		call.Reply(&messages.RegisterExecutorFailed{Message: "driver is stopping"})
		return
	case d.executors[msg.ExecutorID] != nil:
		logger.Warn().Msg("Rejecting duplicate executor registration")
		call.Reply(&messages.RegisterExecutorFailed{Message: "duplicate executor id: " + msg.ExecutorID})
		return
	case msg.Executor == nil || msg.Cores <= 0:
		d.violation(msg)
		call.Reply(&messages.RegisterExecutorFailed{Message: "executor registered without reference or cores"})
		return
	}

	d.executors[msg.ExecutorID] = &executorData{
		ref:        d.env.Rebind(msg.Executor),
		host:       msg.Hostname,
		totalCores: msg.Cores,
		freeCores:  msg.Cores,
		logURLs:    msg.LogURLs,
	}
	logger.Info().Str("host", msg.Hostname).Int("cores", msg.Cores).Msg("Registered executor")
	call.Reply(&messages.RegisteredExecutor{})
	d.makeOffers(msg.ExecutorID)
}

// makeOffers offers the free cores of the given executors, or of all of
// them when none is given
func (d *Driver) makeOffers(executorIDs ...string) {
	if d.stopping {
		return
	}
	if len(executorIDs) == 0 {
		executorIDs = d.sortedIDs()
	}

	var offers []WorkerOffer
	for _, id := range executorIDs {
		exec, ok := d.executors[id]
		if !ok || exec.freeCores < d.cfg.CPUsPerTask {
			continue
		}
		offers = append(offers, WorkerOffer{ExecutorID: id, Host: exec.host, Cores: exec.freeCores})
	}
	if len(offers) == 0 {
		return
	}
	d.launchTasks(d.scheduler.ResourceOffers(offers))
}

func (d *Driver) launchTasks(tasks []*messages.TaskDescription) {
	for _, task := range tasks {
		exec, ok := d.executors[task.ExecutorID]
		if !ok {
			d.logger.Error().Int64("task_id", task.TaskID).Str("executor_id", task.ExecutorID).Msg("Task scheduled on unknown executor")
			d.failTask(task.TaskID, fmt.Errorf("executor %s is not registered", task.ExecutorID))
			continue
		}

		data, err := task.Encode()
		if err != nil {
			d.failTask(task.TaskID, err)
			continue
		}
		if len(data) >= d.cfg.MaxMessageSizeBytes {
			d.logger.Error().Int64("task_id", task.TaskID).Int("size", len(data)).Int("max", d.cfg.MaxMessageSizeBytes).Msg("Serialized task exceeds max message size")
			d.failTask(task.TaskID, fmt.Errorf("serialized task %d was %d bytes, which exceeds the max message size of %d bytes",
				task.TaskID, len(data), d.cfg.MaxMessageSizeBytes))
			continue
		}

		exec.freeCores -= d.cfg.CPUsPerTask
		if err := exec.ref.Send(&messages.LaunchTask{Data: data}); err != nil {
			d.logger.Warn().Err(err).Int64("task_id", task.TaskID).Str("executor_id", task.ExecutorID).Msg("Failed to send task")
		}
		metrics.TasksLaunched.Inc()
		d.logger.Debug().Int64("task_id", task.TaskID).Str("executor_id", task.ExecutorID).Msg("Launched task")
	}
}

// failTask reports a task that never reached an executor
func (d *Driver) failTask(taskID int64, cause error) {
	data, err := shuffle.EncodeFailure(cause)
	if err != nil {
		d.logger.Error().Err(err).Int64("task_id", taskID).Msg("Failed to encode task failure")
	}
	d.scheduler.StatusUpdate(taskID, types.TaskFailed, data)
}

func (d *Driver) statusUpdate(msg *messages.StatusUpdate) {
	d.scheduler.StatusUpdate(msg.TaskID, msg.State, msg.Data)
	if !msg.State.IsFinished() {
		return
	}
	exec, ok := d.executors[msg.ExecutorID]
	if !ok {
		// the executor was removed while the task ran
		d.logger.Warn().Int64("task_id", msg.TaskID).Str("executor_id", msg.ExecutorID).Str("state", string(msg.State)).
			Msg("Ignored task status update from unknown executor")
		return
	}
	exec.freeCores = min(exec.freeCores+d.cfg.CPUsPerTask, exec.totalCores)
	d.makeOffers(msg.ExecutorID)
}

func (d *Driver) killTask(msg *messages.KillTask) {
	exec, ok := d.executors[msg.ExecutorID]
	if !ok {
		d.logger.Warn().Int64("task_id", msg.TaskID).Str("executor_id", msg.ExecutorID).Msg("Attempted to kill task on unknown executor")
		return
	}
	if err := exec.ref.Send(msg); err != nil {
		d.logger.Warn().Err(err).Int64("task_id", msg.TaskID).Msg("Failed to send task kill")
	}
}

// removeExecutor is a no-op for unknown executors
func (d *Driver) removeExecutor(executorID, reason string) {
	if _, ok := d.executors[executorID]; !ok {
		d.logger.Debug().Str("executor_id", executorID).Msg("Asked to remove non-existent executor")
		return
	}
	delete(d.executors, executorID)
	d.logger.Info().Str("executor_id", executorID).Str("reason", reason).Msg("Removed executor")
	d.scheduler.ExecutorLost(executorID, reason)
}

func (d *Driver) killExecutorsOnHost(host string) {
	var ids []string
	for _, id := range d.sortedIDs() {
		if d.executors[id].host == host {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	if d.cfg.Killer == nil {
		d.logger.Warn().Str("host", host).Strs("executors", ids).Msg("No executor killer, cannot kill executors on host")
		return
	}

	d.logger.Info().Str("host", host).Strs("executors", ids).Msg("Killing executors on host")
	killer, logger := d.cfg.Killer, d.logger
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := killer.KillExecutors(context.Background(), ids); err != nil {
			logger.Warn().Err(err).Str("host", host).Msg("Failed to kill executors on host")
		}
	}()
}

func (d *Driver) stopExecutors() {
	d.logger.Info().Int("executors", len(d.executors)).Msg("Asking each executor to shut down")
	for _, id := range d.sortedIDs() {
		if err := d.executors[id].ref.Send(&messages.StopExecutor{}); err != nil {
			d.logger.Warn().Err(err).Str("executor_id", id).Msg("Failed to stop executor")
		}
	}
}

func (d *Driver) sortedIDs() []string {
	ids := make([]string, 0, len(d.executors))
	for id := range d.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Driver) summaries() []ExecutorSummary {
	out := make([]ExecutorSummary, 0, len(d.executors))
	for _, id := range d.sortedIDs() {
		exec := d.executors[id]
		out = append(out, ExecutorSummary{ID: id, Host: exec.host, TotalCores: exec.totalCores, FreeCores: exec.freeCores})
	}
	return out
}
