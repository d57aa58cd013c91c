package appclient

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// Config holds application client configuration
type Config struct {
	// Masters lists every master the application may register with
	Masters []rpc.Address
	Desc    types.ApplicationDescription

	// RegistrationRetryInterval is the first wait between registration
	// rounds; RegistrationTimeout bounds all of them
	RegistrationRetryInterval time.Duration
	RegistrationTimeout       time.Duration

	Listener Listener
}

// DefaultConfig returns the client defaults
func DefaultConfig() Config {
	return Config{
		RegistrationRetryInterval: 20 * time.Second,
		RegistrationTimeout:       time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if len(c.Masters) == 0 {
		return fmt.Errorf("at least one master address is required")
	}
	if c.Desc.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if c.Desc.MemoryPerExecutorMB <= 0 {
		return fmt.Errorf("memory per executor must be positive, got %d MB", c.Desc.MemoryPerExecutorMB)
	}
	if c.RegistrationRetryInterval <= 0 {
		return fmt.Errorf("registration retry interval must be positive, got %s", c.RegistrationRetryInterval)
	}
	if c.Listener == nil {
		return fmt.Errorf("listener is required")
	}
	return nil
}

func (c Config) registrationBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RegistrationRetryInterval
	b.MaxInterval = c.RegistrationRetryInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = c.RegistrationTimeout
	return b
}
