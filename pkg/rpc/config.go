package rpc

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"time"
)

// ErrInvalidConfig wraps every configuration validation failure
var ErrInvalidConfig = errors.New("invalid rpc configuration")

// maxMessageSizeMB is the largest size whose byte count fits an int32
const maxMessageSizeMB = math.MaxInt32 / 1024 / 1024

// Config holds the options of an rpc environment
type Config struct {
	// Host is the interface to bind. It is also the advertised host unless
	// it is empty or unspecified, in which case the hostname is used.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// DispatcherThreads is the number of goroutines processing endpoint
	// mailboxes.
	DispatcherThreads int `yaml:"dispatcherThreads"`

	// ConnectThreads bounds concurrent outbound dials.
	ConnectThreads int `yaml:"connectThreads"`

	// WorkerTimeout is how long a worker may stay silent before the master
	// considers it lost. Heartbeats are sent every WorkerTimeout/4.
	WorkerTimeout time.Duration `yaml:"workerTimeout"`

	MaxMessageSizeMB int           `yaml:"maxMessageSizeMB"`
	AskTimeout       time.Duration `yaml:"askTimeout"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              7077,
		DispatcherThreads: max(2, runtime.NumCPU()),
		ConnectThreads:    64,
		WorkerTimeout:     60 * time.Second,
		MaxMessageSizeMB:  128,
		AskTimeout:        120 * time.Second,
	}
}

// Validate rejects malformed or out-of-range values
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.DispatcherThreads < 1 {
		return fmt.Errorf("%w: dispatcherThreads must be positive, got %d", ErrInvalidConfig, c.DispatcherThreads)
	}
	if c.ConnectThreads < 1 {
		return fmt.Errorf("%w: connectThreads must be positive, got %d", ErrInvalidConfig, c.ConnectThreads)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("%w: workerTimeout must be positive, got %v", ErrInvalidConfig, c.WorkerTimeout)
	}
	if c.AskTimeout <= 0 {
		return fmt.Errorf("%w: askTimeout must be positive, got %v", ErrInvalidConfig, c.AskTimeout)
	}
	if _, err := c.MaxMessageSizeBytes(); err != nil {
		return err
	}
	return nil
}

// MaxMessageSizeBytes converts MaxMessageSizeMB to bytes. Sizes whose byte
// count does not fit a signed 32-bit integer are rejected.
func (c Config) MaxMessageSizeBytes() (int, error) {
	if c.MaxMessageSizeMB <= 0 {
		return 0, fmt.Errorf("%w: maxMessageSizeMB must be positive, got %d", ErrInvalidConfig, c.MaxMessageSizeMB)
	}
	if c.MaxMessageSizeMB > maxMessageSizeMB {
		return 0, fmt.Errorf("%w: maxMessageSizeMB should not be greater than %d, got %d",
			ErrInvalidConfig, maxMessageSizeMB, c.MaxMessageSizeMB)
	}
	return c.MaxMessageSizeMB * 1024 * 1024, nil
}

// HeartbeatInterval is the worker heartbeat period
func (c Config) HeartbeatInterval() time.Duration {
	return c.WorkerTimeout / 4
}

// AdvertisedHost returns the host other processes should use to reach us
func (c Config) AdvertisedHost() string {
	if c.Host != "" {
		if ip := net.ParseIP(c.Host); ip == nil || !ip.IsUnspecified() {
			return c.Host
		}
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "localhost"
}
