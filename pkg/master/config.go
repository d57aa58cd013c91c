package master

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cuemby/spindle/pkg/election"
	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/storage"
)

// EndpointName is the name the master registers under in its environment
const EndpointName = messages.MasterEndpoint

// Config holds configuration for creating a Master
type Config struct {
	// WorkerTimeout is the heartbeat silence after which a worker is
	// removed. The liveness sweep runs every WorkerTimeout/4.
	WorkerTimeout time.Duration
	// ReaperIterations is how many further timeouts a dead worker stays
	// visible in the master state before it is forgotten.
	ReaperIterations int
	// SpreadOut places an application's executors on as many workers as
	// possible instead of packing them onto few.
	SpreadOut bool
	// MaxExecutorRetries is how many executor failures in a row, with no
	// executor running, remove an application. Negative disables it.
	MaxExecutorRetries int
	// RetainedApplications and RetainedDrivers bound the completed lists
	RetainedApplications int
	RetainedDrivers      int
	WebUIURL             string

	// Engine persists the registry; NoopEngine when nil
	Engine storage.PersistenceEngine
	// Agent decides leadership; MonarchyAgent when nil
	Agent election.Agent
	// Broker receives cluster events; a private broker when nil
	Broker *events.Broker
	// Clock drives the sweep and recovery timers; wall clock when nil
	Clock clock.Clock
}

// DefaultConfig returns the master defaults
func DefaultConfig() Config {
	return Config{
		WorkerTimeout:        60 * time.Second,
		ReaperIterations:     15,
		SpreadOut:            true,
		MaxExecutorRetries:   10,
		RetainedApplications: 200,
		RetainedDrivers:      200,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker timeout must be positive, got %s", c.WorkerTimeout)
	}
	if c.ReaperIterations < 0 {
		return fmt.Errorf("reaper iterations must not be negative, got %d", c.ReaperIterations)
	}
	if c.RetainedApplications <= 0 || c.RetainedDrivers <= 0 {
		return fmt.Errorf("retained applications and drivers must be positive")
	}
	return nil
}
