package messages

import (
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

type RegisterApplication struct {
	appClient
	Desc   types.ApplicationDescription `json:"desc"`
	Driver *rpc.Ref                     `json:"driver"`
}

type RegisteredApplication struct {
	appClient
	AppID  string   `json:"appId"`
	Master *rpc.Ref `json:"master"`
}

type UnregisterApplication struct {
	appClient
	AppID string `json:"appId"`
}

// ApplicationRemoved tells the client its application is gone for good
type ApplicationRemoved struct {
	appClient
	Message string `json:"message"`
}

// RequestExecutors sets the total number of executors an application wants.
// The reply is a bool.
type RequestExecutors struct {
	appClient
	AppID          string `json:"appId"`
	RequestedTotal int    `json:"requestedTotal"`
}

// KillExecutors asks the master to kill executors of an application. The
// reply is a bool.
type KillExecutors struct {
	appClient
	AppID       string   `json:"appId"`
	ExecutorIDs []string `json:"executorIds"`
}

type ExecutorAdded struct {
	appClient
	ID       int    `json:"id"`
	WorkerID string `json:"workerId"`
	HostPort string `json:"hostPort"`
	Cores    int    `json:"cores"`
	MemoryMB int    `json:"memoryMB"`
}

type ExecutorUpdated struct {
	appClient
	ID         int                 `json:"id"`
	State      types.ExecutorState `json:"state"`
	Message    string              `json:"message,omitempty"`
	ExitStatus *int                `json:"exitStatus,omitempty"`
	WorkerLost bool                `json:"workerLost"`
}

type WorkerRemoved struct {
	appClient
	ID      string `json:"id"`
	Host    string `json:"host"`
	Message string `json:"message"`
}

type RequestSubmitDriver struct {
	appClient
	Desc types.DriverDescription `json:"desc"`
}

type SubmitDriverResponse struct {
	appClient
	Master   *rpc.Ref `json:"master"`
	Success  bool     `json:"success"`
	DriverID string   `json:"driverId,omitempty"`
	Message  string   `json:"message"`
}

type RequestKillDriver struct {
	appClient
	DriverID string `json:"driverId"`
}

type KillDriverResponse struct {
	appClient
	Master   *rpc.Ref `json:"master"`
	DriverID string   `json:"driverId"`
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
}

type RequestDriverStatus struct {
	appClient
	DriverID string `json:"driverId"`
}

type DriverStatusResponse struct {
	appClient
	Found          bool              `json:"found"`
	State          types.DriverState `json:"state,omitempty"`
	WorkerID       string            `json:"workerId,omitempty"`
	WorkerHostPort string            `json:"workerHostPort,omitempty"`
	Exception      string            `json:"exception,omitempty"`
}

// RequestMasterState asks for a snapshot of the master registry
type RequestMasterState struct {
	appClient
}

type MasterStateResponse struct {
	appClient
	URL              string              `json:"url"`
	Status           types.RecoveryState `json:"status"`
	Workers          []WorkerSummary     `json:"workers"`
	ActiveApps       []AppSummary        `json:"activeApps"`
	CompletedApps    []AppSummary        `json:"completedApps"`
	ActiveDrivers    []DriverSummary     `json:"activeDrivers"`
	CompletedDrivers []DriverSummary     `json:"completedDrivers"`
}

type WorkerSummary struct {
	ID         string                      `json:"id"`
	HostPort   string                      `json:"hostPort"`
	State      types.WorkerState           `json:"state"`
	Cores      int                         `json:"cores"`
	CoresUsed  int                         `json:"coresUsed"`
	MemoryMB   int                         `json:"memoryMB"`
	MemoryUsed int                         `json:"memoryUsed"`
	Executors  []types.ExecutorDescription `json:"executors"`
	DriverIDs  []string                    `json:"driverIds"`
}

type AppSummary struct {
	ID           string                      `json:"id"`
	Name         string                      `json:"name"`
	State        types.ApplicationState      `json:"state"`
	CoresGranted int                         `json:"coresGranted"`
	Executors    []types.ExecutorDescription `json:"executors"`
}

type DriverSummary struct {
	ID       string            `json:"id"`
	State    types.DriverState `json:"state"`
	WorkerID string            `json:"workerId,omitempty"`
}
