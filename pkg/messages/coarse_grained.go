package messages

import (
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// RegisterExecutor is sent by an executor to its driver. The reply is
// RegisteredExecutor or RegisterExecutorFailed.
type RegisterExecutor struct {
	coarseGrained
	ExecutorID string            `json:"executorId"`
	Executor   *rpc.Ref          `json:"executor"`
	Hostname   string            `json:"hostname"`
	Cores      int               `json:"cores"`
	LogURLs    map[string]string `json:"logUrls,omitempty"`
}

type RegisteredExecutor struct {
	coarseGrained
}

type RegisterExecutorFailed struct {
	coarseGrained
	Message string `json:"message"`
}

// LaunchTask carries an encoded TaskDescription
type LaunchTask struct {
	coarseGrained
	Data []byte `json:"data"`
}

type KillTask struct {
	coarseGrained
	TaskID          int64  `json:"taskId"`
	ExecutorID      string `json:"executorId"`
	InterruptThread bool   `json:"interruptThread"`
	Reason          string `json:"reason"`
}

type StatusUpdate struct {
	coarseGrained
	ExecutorID string          `json:"executorId"`
	TaskID     int64           `json:"taskId"`
	State      types.TaskState `json:"state"`
	Data       []byte          `json:"data,omitempty"`
}

// ReviveOffers asks the driver backend to offer free executor cores again
type ReviveOffers struct {
	coarseGrained
}

type StopDriver struct {
	coarseGrained
}

type StopExecutor struct {
	coarseGrained
}

// StopExecutors asks the driver backend to stop every executor
type StopExecutors struct {
	coarseGrained
}

type Shutdown struct {
	coarseGrained
}

type RemoveExecutor struct {
	coarseGrained
	ExecutorID string `json:"executorId"`
	Reason     string `json:"reason"`
}

type RemoveWorker struct {
	coarseGrained
	WorkerID string `json:"workerId"`
	Host     string `json:"host"`
	Message  string `json:"message"`
}

type KillExecutorsOnHost struct {
	coarseGrained
	Host string `json:"host"`
}

// RetrieveAppConfig is asked by a starting executor; the reply is AppConfig
type RetrieveAppConfig struct {
	coarseGrained
}

type AppConfig struct {
	coarseGrained
	Props           map[string]string `json:"props"`
	IOEncryptionKey []byte            `json:"ioEncryptionKey,omitempty"`
}
