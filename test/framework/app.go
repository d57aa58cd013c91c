package framework

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/spindle/pkg/appclient"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/scheduler"
	"github.com/cuemby/spindle/pkg/types"
)

// AppSpec describes an application submitted with SubmitApp
type AppSpec struct {
	Name             string
	MaxCores         int
	CoresPerExecutor int
	MemoryMB         int
}

// App is an application driver running against the cluster: a driver
// endpoint with its standalone backend and a FIFO task queue
type App struct {
	Spec    AppSpec
	Driver  *rpc.Ref
	Backend *scheduler.StandaloneBackend
	Tasks   *TaskQueue

	env *rpc.Env
}

// SubmitApp starts a driver for spec and registers the application with
// the cluster. The driver is stopped when the test ends.
func (c *Cluster) SubmitApp(spec AppSpec) (*App, error) {
	if spec.MemoryMB == 0 {
		spec.MemoryMB = 512
	}
	c.nextApp++
	env, err := c.Network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: "driver-" + spec.Name, Port: 4040 + c.nextApp})
	if err != nil {
		return nil, err
	}
	app := &App{Spec: spec, Tasks: NewTaskQueue(), env: env}

	acfg := appclient.DefaultConfig()
	acfg.Masters = c.masterAddresses()
	acfg.RegistrationRetryInterval = c.Config.RetryInterval
	acfg.Desc = types.ApplicationDescription{
		Name:                spec.Name,
		MaxCores:            spec.MaxCores,
		MemoryPerExecutorMB: spec.MemoryMB,
		CoresPerExecutor:    spec.CoresPerExecutor,
		Command:             ExecutorCommand(),
	}
	app.Backend = scheduler.NewStandaloneBackend(env, acfg)

	dcfg := scheduler.DefaultConfig()
	dcfg.ReviveInterval = 100 * time.Millisecond
	dcfg.Scheduler = app.Tasks
	dcfg.Killer = app.Backend
	driver, err := scheduler.NewDriver(env, dcfg)
	if err != nil {
		env.Shutdown()
		return nil, err
	}
	if app.Driver, err = driver.Start(); err != nil {
		env.Shutdown()
		return nil, err
	}
	if err := app.Backend.Start(app.Driver); err != nil {
		env.Shutdown()
		return nil, err
	}

	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app, nil
}

// Stop stops the executors, unregisters the application and shuts the
// driver down
func (a *App) Stop(ctx context.Context) error {
	err := a.Backend.Stop(ctx)
	a.env.Shutdown()
	return err
}

// ID returns the application id, empty until registered
func (a *App) ID() string {
	return a.Backend.AppID()
}

// Executors returns the executors registered with the driver
func (a *App) Executors(ctx context.Context) ([]scheduler.ExecutorSummary, error) {
	return scheduler.Executors(ctx, a.Driver)
}

// TaskQueue hands queued tasks to the first offers with free cores and
// records how each one ends. Tasks running on a lost executor are queued
// again.
type TaskQueue struct {
	mu      sync.Mutex
	nextID  int64
	pending []*messages.TaskDescription
	running map[int64]*messages.TaskDescription
	states  map[int64]types.TaskState
	results map[int64][]byte
	lost    []string
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		running: make(map[int64]*messages.TaskDescription),
		states:  make(map[int64]types.TaskState),
		results: make(map[int64][]byte),
	}
}

// Submit queues one task per payload and returns the task ids
func (q *TaskQueue) Submit(payloads ...string) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int64, 0, len(payloads))
	for _, payload := range payloads {
		q.nextID++
		q.pending = append(q.pending, &messages.TaskDescription{
			TaskID:  q.nextID,
			Name:    fmt.Sprintf("task %d", q.nextID),
			Index:   int(q.nextID),
			Payload: []byte(payload),
		})
		q.states[q.nextID] = types.TaskLaunching
		ids = append(ids, q.nextID)
	}
	return ids
}

func (q *TaskQueue) ResourceOffers(offers []scheduler.WorkerOffer) []*messages.TaskDescription {
	q.mu.Lock()
	defer q.mu.Unlock()

	var launched []*messages.TaskDescription
	for _, offer := range offers {
		for free := offer.Cores; free > 0 && len(q.pending) > 0; free-- {
			task := q.pending[0]
			q.pending = q.pending[1:]
			task.ExecutorID = offer.ExecutorID
			task.Attempt++
			q.running[task.TaskID] = task
			launched = append(launched, task)
		}
	}
	return launched
}

func (q *TaskQueue) StatusUpdate(taskID int64, state types.TaskState, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.states[taskID] = state
	if state.IsFinished() {
		delete(q.running, taskID)
		q.results[taskID] = data
	}
}

func (q *TaskQueue) ExecutorLost(executorID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lost = append(q.lost, executorID)
	for id, task := range q.running {
		if task.ExecutorID == executorID {
			delete(q.running, id)
			q.states[id] = types.TaskLaunching
			q.pending = append(q.pending, task)
		}
	}
}

func (q *TaskQueue) WorkerRemoved(workerID, host, message string) {}

// State returns the last state of a task
func (q *TaskQueue) State(taskID int64) types.TaskState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states[taskID]
}

// Result returns the data a finished task reported
func (q *TaskQueue) Result(taskID int64) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.results[taskID]
}

// LostExecutors returns the executors reported lost, in order
func (q *TaskQueue) LostExecutors() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.lost...)
}
