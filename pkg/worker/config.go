package worker

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/spindle/pkg/rpc"
)

// Config holds worker configuration
type Config struct {
	// ID identifies the worker; generated from the start time and address
	// when empty
	ID       string
	Cores    int
	MemoryMB int

	// Masters lists every master the worker may register with
	Masters []rpc.Address

	// WorkDir holds one directory per application and driver. Processes run
	// in the current directory when it is empty.
	WorkDir string
	// CleanupAppDirs removes an application's directory once the master
	// reports it finished
	CleanupAppDirs bool

	// WorkerTimeout is the master's liveness timeout. Heartbeats are sent
	// every WorkerTimeout/4.
	WorkerTimeout time.Duration

	// RegistrationRetryInterval is the first wait between registration
	// rounds; RegistrationTimeout bounds all of them
	RegistrationRetryInterval time.Duration
	RegistrationTimeout       time.Duration

	// RetainedExecutors and RetainedDrivers bound the finished lists
	RetainedExecutors int
	RetainedDrivers   int

	// Launcher starts executor and driver processes; ExecLauncher when nil
	Launcher Launcher
	// Clock drives heartbeats and driver restarts; wall clock when nil
	Clock clock.Clock
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		WorkerTimeout:             60 * time.Second,
		RegistrationRetryInterval: 5 * time.Second,
		RegistrationTimeout:       15 * time.Minute,
		RetainedExecutors:         1000,
		RetainedDrivers:           1000,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if c.MemoryMB <= 0 {
		return fmt.Errorf("memory must be positive, got %d MB", c.MemoryMB)
	}
	if len(c.Masters) == 0 {
		return fmt.Errorf("at least one master address is required")
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker timeout must be positive, got %s", c.WorkerTimeout)
	}
	if c.RegistrationRetryInterval <= 0 {
		return fmt.Errorf("registration retry interval must be positive, got %s", c.RegistrationRetryInterval)
	}
	return nil
}

// HeartbeatInterval is the period of WorkerHeartbeat
func (c Config) HeartbeatInterval() time.Duration {
	return c.WorkerTimeout / 4
}

func (c Config) registrationBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RegistrationRetryInterval
	b.MaxInterval = max(c.RegistrationRetryInterval, time.Minute)
	b.MaxElapsedTime = c.RegistrationTimeout
	return b
}
