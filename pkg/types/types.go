package types

// ExecutorState represents the lifecycle state of an executor process
type ExecutorState string

const (
	ExecutorLaunching ExecutorState = "LAUNCHING"
	ExecutorRunning   ExecutorState = "RUNNING"
	ExecutorKilled    ExecutorState = "KILLED"
	ExecutorFailed    ExecutorState = "FAILED"
	ExecutorLost      ExecutorState = "LOST"
	ExecutorExited    ExecutorState = "EXITED"
)

// IsFinished reports whether the executor has terminated
func (s ExecutorState) IsFinished() bool {
	switch s {
	case ExecutorKilled, ExecutorFailed, ExecutorLost, ExecutorExited:
		return true
	}
	return false
}

// DriverState represents the lifecycle state of a driver process
type DriverState string

const (
	DriverSubmitted   DriverState = "SUBMITTED"
	DriverRunning     DriverState = "RUNNING"
	DriverFinished    DriverState = "FINISHED"
	DriverRelaunching DriverState = "RELAUNCHING"
	DriverUnknown     DriverState = "UNKNOWN"
	DriverKilled      DriverState = "KILLED"
	DriverFailed      DriverState = "FAILED"
	DriverError       DriverState = "ERROR"
)

// IsFinished reports whether the driver has terminated
func (s DriverState) IsFinished() bool {
	switch s {
	case DriverFinished, DriverKilled, DriverFailed, DriverError:
		return true
	}
	return false
}

// WorkerState is the master's view of a worker
type WorkerState string

const (
	WorkerAlive          WorkerState = "ALIVE"
	WorkerDead           WorkerState = "DEAD"
	WorkerDecommissioned WorkerState = "DECOMMISSIONED"
	WorkerUnknown        WorkerState = "UNKNOWN"
)

// ApplicationState is the master's view of an application
type ApplicationState string

const (
	AppWaiting  ApplicationState = "WAITING"
	AppRunning  ApplicationState = "RUNNING"
	AppFinished ApplicationState = "FINISHED"
	AppFailed   ApplicationState = "FAILED"
	AppKilled   ApplicationState = "KILLED"
	AppUnknown  ApplicationState = "UNKNOWN"
)

// RecoveryState is the leadership state of a master
type RecoveryState string

const (
	RecoveryStandby            RecoveryState = "STANDBY"
	RecoveryAlive              RecoveryState = "ALIVE"
	RecoveryRecovering         RecoveryState = "RECOVERING"
	RecoveryCompletingRecovery RecoveryState = "COMPLETING_RECOVERY"
)

// TaskState represents the state of a single task on an executor
type TaskState string

const (
	TaskLaunching TaskState = "LAUNCHING"
	TaskRunning   TaskState = "RUNNING"
	TaskFinished  TaskState = "FINISHED"
	TaskFailed    TaskState = "FAILED"
	TaskKilled    TaskState = "KILLED"
	TaskLost      TaskState = "LOST"
)

// IsFinished reports whether the task no longer occupies executor cores
func (s TaskState) IsFinished() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost:
		return true
	}
	return false
}

// Command describes a process to launch on a worker
type Command struct {
	Path string            `json:"path"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// ApplicationDescription holds the resource requirements of an application
type ApplicationDescription struct {
	Name                string  `json:"name"`
	MaxCores            int     `json:"maxCores,omitempty"` // 0 means unbounded
	MemoryPerExecutorMB int     `json:"memoryPerExecutorMB"`
	CoresPerExecutor    int     `json:"coresPerExecutor,omitempty"` // 0 means one executor per worker taking all free cores
	Command             Command `json:"command"`
	// InitialExecutorLimit caps executors before the first RequestExecutors.
	InitialExecutorLimit *int   `json:"initialExecutorLimit,omitempty"`
	User                 string `json:"user,omitempty"`
}

// DriverDescription is the launch specification of a cluster-mode driver
type DriverDescription struct {
	JarURL    string  `json:"jarUrl"`
	MemoryMB  int     `json:"memoryMB"`
	Cores     int     `json:"cores"`
	Supervise bool    `json:"supervise"`
	Command   Command `json:"command"`
}

// ExecutorDescription is a worker's snapshot of one hosted executor
type ExecutorDescription struct {
	AppID    string        `json:"appId"`
	ExecID   int           `json:"execId"`
	Cores    int           `json:"cores"`
	MemoryMB int           `json:"memoryMB"`
	State    ExecutorState `json:"state"`
}
