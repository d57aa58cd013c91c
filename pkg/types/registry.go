package types

import (
	"fmt"
	"math"
	"time"

	"github.com/cuemby/spindle/pkg/rpc"
)

// WorkerInfo is the master's record of a registered worker. Only the
// identity fields are persisted; runtime accounting is rebuilt on recovery.
type WorkerInfo struct {
	ID       string   `json:"id"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Cores    int      `json:"cores"`
	MemoryMB int      `json:"memoryMB"`
	Ref      *rpc.Ref `json:"ref"`

	State         WorkerState              `json:"-"`
	CoresUsed     int                      `json:"-"`
	MemoryUsed    int                      `json:"-"`
	LastHeartbeat time.Time                `json:"-"`
	Executors     map[string]*ExecutorInfo `json:"-"`
	Drivers       map[string]*DriverInfo   `json:"-"`
}

// NewWorkerInfo creates an alive worker record with empty accounting
func NewWorkerInfo(id, host string, port, cores, memoryMB int, ref *rpc.Ref) *WorkerInfo {
	w := &WorkerInfo{ID: id, Host: host, Port: port, Cores: cores, MemoryMB: memoryMB, Ref: ref}
	w.Init()
	return w
}

// Init resets runtime accounting, as after a recovery read.
func (w *WorkerInfo) Init() {
	w.State = WorkerAlive
	w.CoresUsed = 0
	w.MemoryUsed = 0
	w.Executors = make(map[string]*ExecutorInfo)
	w.Drivers = make(map[string]*DriverInfo)
}

// Address returns the address the worker registered with
func (w *WorkerInfo) Address() rpc.Address {
	return rpc.Address{Host: w.Host, Port: w.Port}
}

func (w *WorkerInfo) CoresFree() int  { return w.Cores - w.CoresUsed }
func (w *WorkerInfo) MemoryFree() int { return w.MemoryMB - w.MemoryUsed }

// AddExecutor attaches an executor and charges its resources
func (w *WorkerInfo) AddExecutor(exec *ExecutorInfo) {
	w.Executors[exec.FullID()] = exec
	w.CoresUsed += exec.Cores
	w.MemoryUsed += exec.MemoryMB
}

// RemoveExecutor detaches an executor and releases its resources
func (w *WorkerInfo) RemoveExecutor(exec *ExecutorInfo) {
	if _, ok := w.Executors[exec.FullID()]; !ok {
		return
	}
	delete(w.Executors, exec.FullID())
	w.CoresUsed -= exec.Cores
	w.MemoryUsed -= exec.MemoryMB
}

// HasExecutorFor reports whether the worker hosts an executor of app
func (w *WorkerInfo) HasExecutorFor(app *ApplicationInfo) bool {
	for _, exec := range w.Executors {
		if exec.App == app {
			return true
		}
	}
	return false
}

func (w *WorkerInfo) AddDriver(driver *DriverInfo) {
	w.Drivers[driver.ID] = driver
	w.CoresUsed += driver.Desc.Cores
	w.MemoryUsed += driver.Desc.MemoryMB
}

func (w *WorkerInfo) RemoveDriver(driver *DriverInfo) {
	if _, ok := w.Drivers[driver.ID]; !ok {
		return
	}
	delete(w.Drivers, driver.ID)
	w.CoresUsed -= driver.Desc.Cores
	w.MemoryUsed -= driver.Desc.MemoryMB
}

// IsAlive reports whether the worker can receive new work
func (w *WorkerInfo) IsAlive() bool {
	return w.State == WorkerAlive
}

// ApplicationInfo is the master's record of a registered application
type ApplicationInfo struct {
	ID         string                 `json:"id"`
	Desc       ApplicationDescription `json:"desc"`
	Driver     *rpc.Ref               `json:"driver"`
	SubmitDate time.Time              `json:"submitDate"`
	StartTime  time.Time              `json:"startTime"`

	State            ApplicationState      `json:"-"`
	Executors        map[int]*ExecutorInfo `json:"-"`
	RemovedExecutors []*ExecutorInfo       `json:"-"`
	CoresGranted     int                   `json:"-"`
	EndTime          time.Time             `json:"-"`
	ExecutorLimit    int                   `json:"-"`
	RetryCount       int                   `json:"-"`
	nextExecutorID   int
}

// NewApplicationInfo creates a waiting application record
func NewApplicationInfo(id string, desc ApplicationDescription, driver *rpc.Ref, now time.Time) *ApplicationInfo {
	app := &ApplicationInfo{ID: id, Desc: desc, Driver: driver, SubmitDate: now, StartTime: now}
	app.Init()
	return app
}

// Init resets runtime accounting, as after a recovery read.
func (a *ApplicationInfo) Init() {
	a.State = AppWaiting
	a.Executors = make(map[int]*ExecutorInfo)
	a.RemovedExecutors = nil
	a.CoresGranted = 0
	a.EndTime = time.Time{}
	a.RetryCount = 0
	a.nextExecutorID = 0
	a.ExecutorLimit = math.MaxInt
	if a.Desc.InitialExecutorLimit != nil {
		a.ExecutorLimit = *a.Desc.InitialExecutorLimit
	}
}

// CoresLeft returns how many more cores the application may be granted
func (a *ApplicationInfo) CoresLeft() int {
	if a.Desc.MaxCores <= 0 {
		return math.MaxInt - a.CoresGranted
	}
	return a.Desc.MaxCores - a.CoresGranted
}

// AddExecutor creates and attaches a new executor. A non-nil id re-attaches
// an executor reported during recovery and keeps the id counter ahead of it.
func (a *ApplicationInfo) AddExecutor(worker *WorkerInfo, cores, memoryMB int, id *int) *ExecutorInfo {
	execID := a.nextExecutorID
	if id != nil {
		execID = *id
	}
	if execID >= a.nextExecutorID {
		a.nextExecutorID = execID + 1
	}
	exec := &ExecutorInfo{
		ID:       execID,
		App:      a,
		Worker:   worker,
		Cores:    cores,
		MemoryMB: memoryMB,
		State:    ExecutorLaunching,
	}
	a.Executors[execID] = exec
	a.CoresGranted += cores
	return exec
}

// RemoveExecutor detaches an executor and keeps it in the removed history
func (a *ApplicationInfo) RemoveExecutor(exec *ExecutorInfo) {
	if _, ok := a.Executors[exec.ID]; !ok {
		return
	}
	a.RemovedExecutors = append(a.RemovedExecutors, exec)
	a.CoresGranted -= exec.Cores
	delete(a.Executors, exec.ID)
}

// MarkFinished moves the application into a terminal state
func (a *ApplicationInfo) MarkFinished(state ApplicationState, now time.Time) {
	a.State = state
	a.EndTime = now
}

func (a *ApplicationInfo) IsFinished() bool {
	return a.State != AppWaiting && a.State != AppRunning && a.State != AppUnknown
}

// ExecutorInfo is the master's record of a launched executor. It is never
// persisted; workers report their executors again after a failover.
type ExecutorInfo struct {
	ID       int
	App      *ApplicationInfo
	Worker   *WorkerInfo
	Cores    int
	MemoryMB int
	State    ExecutorState
}

// FullID returns the cluster-unique "appId/execId" key
func (e *ExecutorInfo) FullID() string {
	return fmt.Sprintf("%s/%d", e.App.ID, e.ID)
}

// Describe returns the value snapshot used in worker reports
func (e *ExecutorInfo) Describe() ExecutorDescription {
	return ExecutorDescription{
		AppID:    e.App.ID,
		ExecID:   e.ID,
		Cores:    e.Cores,
		MemoryMB: e.MemoryMB,
		State:    e.State,
	}
}

// DriverInfo is the master's record of a submitted driver
type DriverInfo struct {
	ID         string            `json:"id"`
	Desc       DriverDescription `json:"desc"`
	SubmitDate time.Time         `json:"submitDate"`
	StartTime  time.Time         `json:"startTime"`

	State     DriverState `json:"-"`
	Worker    *WorkerInfo `json:"-"`
	Exception string      `json:"-"`
}

// NewDriverInfo creates a submitted driver record
func NewDriverInfo(id string, desc DriverDescription, now time.Time) *DriverInfo {
	d := &DriverInfo{ID: id, Desc: desc, SubmitDate: now, StartTime: now}
	d.Init()
	return d
}

func (d *DriverInfo) Init() {
	d.State = DriverSubmitted
	d.Worker = nil
	d.Exception = ""
}
