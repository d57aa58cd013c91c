package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
)

// WorkerOffer is the free capacity of one registered executor
type WorkerOffer struct {
	ExecutorID string
	Host       string
	Cores      int
}

// TaskScheduler decides which tasks run where. The driver endpoint calls it
// from its mailbox only.
type TaskScheduler interface {
	// ResourceOffers returns the tasks to launch on the offered executors.
	// Every task must name one of the offered executors.
	ResourceOffers(offers []WorkerOffer) []*messages.TaskDescription
	StatusUpdate(taskID int64, state types.TaskState, data []byte)
	ExecutorLost(executorID, reason string)
	WorkerRemoved(workerID, host, message string)
}

// ExecutorKiller kills executors through the cluster manager
type ExecutorKiller interface {
	KillExecutors(ctx context.Context, executorIDs []string) (bool, error)
}

// Config holds driver endpoint configuration
type Config struct {
	// CPUsPerTask is the number of cores each task occupies
	CPUsPerTask int
	// ReviveInterval is the period of the offer round independent of
	// registrations and status updates
	ReviveInterval time.Duration
	// MaxMessageSizeBytes bounds encoded task descriptions
	MaxMessageSizeBytes int

	// AppProps and IOEncryptionKey are served to executors asking
	// RetrieveAppConfig
	AppProps        map[string]string
	IOEncryptionKey []byte

	Scheduler TaskScheduler
	// Killer is used for KillExecutorsOnHost; the request is dropped when nil
	Killer ExecutorKiller
	Clock  clock.Clock
}

// DefaultConfig returns the driver endpoint defaults
func DefaultConfig() Config {
	return Config{
		CPUsPerTask:         1,
		ReviveInterval:      time.Second,
		MaxMessageSizeBytes: 128 * 1024 * 1024,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.CPUsPerTask <= 0 {
		return fmt.Errorf("cpus per task must be positive, got %d", c.CPUsPerTask)
	}
	if c.ReviveInterval <= 0 {
		return fmt.Errorf("revive interval must be positive, got %s", c.ReviveInterval)
	}
	if c.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSizeBytes)
	}
	if c.Scheduler == nil {
		return fmt.Errorf("task scheduler is required")
	}
	return nil
}
