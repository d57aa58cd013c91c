package messages

import (
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// MasterChanged is broadcast by a newly elected master to every worker and
// application client it recovered.
type MasterChanged struct {
	failover
	Master         *rpc.Ref `json:"master"`
	MasterWebUIURL string   `json:"masterWebUiUrl,omitempty"`
}

// ReconnectWorker tells a worker the master does not know it any more
type ReconnectWorker struct {
	failover
	Master *rpc.Ref `json:"master"`
}

// WorkerSchedulerStateResponse is a worker's answer to MasterChanged
type WorkerSchedulerStateResponse struct {
	failover
	WorkerID  string                      `json:"workerId"`
	Executors []types.ExecutorDescription `json:"executors"`
	DriverIDs []string                    `json:"driverIds"`
}

// MasterChangeAcknowledged is an application client's answer to MasterChanged
type MasterChangeAcknowledged struct {
	failover
	AppID string `json:"appId"`
}
