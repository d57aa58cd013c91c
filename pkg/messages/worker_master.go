package messages

import (
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// RegisterWorker asks the master to admit a worker
type RegisterWorker struct {
	workerMaster
	WorkerID      string      `json:"workerId"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	Cores         int         `json:"cores"`
	MemoryMB      int         `json:"memoryMB"`
	Worker        *rpc.Ref    `json:"worker"`
	MasterAddress rpc.Address `json:"masterAddress"`
}

// RegisteredWorker accepts a registration
type RegisteredWorker struct {
	workerMaster
	Master         *rpc.Ref `json:"master"`
	MasterWebUIURL string   `json:"masterWebUiUrl,omitempty"`
	// Duplicate is set when the registration superseded a live entry
	Duplicate bool `json:"duplicate,omitempty"`
}

// RegisterWorkerFailed rejects a registration
type RegisterWorkerFailed struct {
	workerMaster
	Message string `json:"message"`
}

// MasterInStandby answers registrations sent to a master without leadership
type MasterInStandby struct {
	workerMaster
}

// WorkerHeartbeat is the periodic liveness signal of a worker
type WorkerHeartbeat struct {
	workerMaster
	WorkerID string   `json:"workerId"`
	Worker   *rpc.Ref `json:"worker"`
}

// WorkerLatestState reports a worker's executors and drivers right after
// it registered, so the master can kill what it does not know about.
type WorkerLatestState struct {
	workerMaster
	WorkerID  string                      `json:"workerId"`
	Executors []types.ExecutorDescription `json:"executors"`
	DriverIDs []string                    `json:"driverIds"`
}

// LaunchExecutor instructs a worker to start an executor
type LaunchExecutor struct {
	workerMaster
	MasterURL string                       `json:"masterUrl"`
	AppID     string                       `json:"appId"`
	ExecID    int                          `json:"execId"`
	AppDesc   types.ApplicationDescription `json:"appDesc"`
	Cores     int                          `json:"cores"`
	MemoryMB  int                          `json:"memoryMB"`
}

// LaunchDriver instructs a worker to start a driver
type LaunchDriver struct {
	workerMaster
	DriverID string                  `json:"driverId"`
	Desc     types.DriverDescription `json:"desc"`
}

// KillExecutor instructs a worker to stop an executor
type KillExecutor struct {
	workerMaster
	MasterURL string `json:"masterUrl"`
	AppID     string `json:"appId"`
	ExecID    int    `json:"execId"`
}

// KillDriver instructs a worker to stop a driver
type KillDriver struct {
	workerMaster
	DriverID string `json:"driverId"`
}

// ExecutorStateChanged reports an executor state change upward
type ExecutorStateChanged struct {
	workerMaster
	AppID      string              `json:"appId"`
	ExecID     int                 `json:"execId"`
	State      types.ExecutorState `json:"state"`
	Message    string              `json:"message,omitempty"`
	ExitStatus *int                `json:"exitStatus,omitempty"`
}

// DriverStateChanged reports a driver state change upward
type DriverStateChanged struct {
	workerMaster
	DriverID  string            `json:"driverId"`
	State     types.DriverState `json:"state"`
	Exception string            `json:"exception,omitempty"`
}

// ApplicationFinished tells a worker it may clean up an application
type ApplicationFinished struct {
	workerMaster
	AppID string `json:"appId"`
}
