package messages

import "github.com/cuemby/spindle/pkg/types"

// SendHeartbeat is the worker's heartbeat tick
type SendHeartbeat struct {
	local
}

// CheckForWorkerTimeOut is the master's liveness sweep tick
type CheckForWorkerTimeOut struct {
	local
}

// CompleteRecovery ends the recovery window of a new leader
type CompleteRecovery struct {
	local
}

// ElectedLeader is delivered by the election agent
type ElectedLeader struct {
	local
}

// RevokedLeadership is delivered by the election agent
type RevokedLeadership struct {
	local
}

// StopAppClient stops an application client
type StopAppClient struct {
	local
}

// RequestWorkerState asks a worker for a snapshot of its local table
type RequestWorkerState struct {
	local
}

type WorkerStateResponse struct {
	local
	WorkerID          string
	Host              string
	Port              int
	MasterURL         string
	State             string
	Cores             int
	CoresUsed         int
	MemoryMB          int
	MemoryUsed        int
	Executors         []types.ExecutorDescription
	FinishedExecutors []types.ExecutorDescription
	DriverIDs         []string
	FinishedDriverIDs []string
}
