// Package config loads the YAML configuration file shared by the spindle
// daemons and turns it into the per-role configs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/master"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/worker"
)

// RecoveryMode selects how a master persists its registry and who leads
type RecoveryMode string

const (
	// RecoveryNone keeps nothing; a restarted master starts empty
	RecoveryNone RecoveryMode = "NONE"
	// RecoveryFilesystem persists to a local bbolt file read back on restart
	RecoveryFilesystem RecoveryMode = "FILESYSTEM"
	// RecoveryRaft elects a leader among several masters and replicates
	// the registry through the raft log
	RecoveryRaft RecoveryMode = "RAFT"
)

// Config is the root of the configuration file
type Config struct {
	Log    log.Config   `yaml:"log"`
	RPC    rpc.Config   `yaml:"rpc"`
	Health HealthConfig `yaml:"health"`
	Master MasterConfig `yaml:"master"`
	Worker WorkerConfig `yaml:"worker"`
}

// HealthConfig places the health endpoints. Empty addresses disable them.
type HealthConfig struct {
	HTTPAddr string `yaml:"httpAddr"`
	GRPCAddr string `yaml:"grpcAddr"`
}

type MasterConfig struct {
	ReaperIterations     int          `yaml:"reaperIterations"`
	SpreadOut            bool         `yaml:"spreadOut"`
	MaxExecutorRetries   int          `yaml:"maxExecutorRetries"`
	RetainedApplications int          `yaml:"retainedApplications"`
	RetainedDrivers      int          `yaml:"retainedDrivers"`
	WebUIURL             string       `yaml:"webUIUrl"`
	RecoveryMode         RecoveryMode `yaml:"recoveryMode"`
	DataDir              string       `yaml:"dataDir"`
	Raft                 RaftConfig   `yaml:"raft"`
}

// RaftConfig is used with RecoveryRaft
type RaftConfig struct {
	NodeID   string            `yaml:"nodeId"`
	BindAddr string            `yaml:"bindAddr"`
	Peers    map[string]string `yaml:"peers"`
}

type WorkerConfig struct {
	ID       string `yaml:"id"`
	Cores    int    `yaml:"cores"`
	MemoryMB int    `yaml:"memoryMB"`
	// Masters is a comma separated master URL, e.g. spindle://m1:7077,m2:7077
	Masters                   string        `yaml:"masters"`
	WorkDir                   string        `yaml:"workDir"`
	CleanupAppDirs            bool          `yaml:"cleanupAppDirs"`
	RegistrationRetryInterval time.Duration `yaml:"registrationRetryInterval"`
	RegistrationTimeout       time.Duration `yaml:"registrationTimeout"`
	RetainedExecutors         int           `yaml:"retainedExecutors"`
	RetainedDrivers           int           `yaml:"retainedDrivers"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	m := master.DefaultConfig()
	w := worker.DefaultConfig()
	return &Config{
		Log: log.Config{Level: log.InfoLevel},
		RPC: rpc.DefaultConfig(),
		Health: HealthConfig{
			HTTPAddr: ":8081",
		},
		Master: MasterConfig{
			ReaperIterations:     m.ReaperIterations,
			SpreadOut:            m.SpreadOut,
			MaxExecutorRetries:   m.MaxExecutorRetries,
			RetainedApplications: m.RetainedApplications,
			RetainedDrivers:      m.RetainedDrivers,
			RecoveryMode:         RecoveryNone,
			DataDir:              "./spindle-data",
		},
		Worker: WorkerConfig{
			Cores:                     1,
			MemoryMB:                  1024,
			RegistrationRetryInterval: w.RegistrationRetryInterval,
			RegistrationTimeout:       w.RegistrationTimeout,
			RetainedExecutors:         w.RetainedExecutors,
			RetainedDrivers:           w.RetainedDrivers,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to
// defaults
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the sections every role uses
func (c *Config) Validate() error {
	if err := c.RPC.Validate(); err != nil {
		return err
	}
	switch c.Log.Level {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// ValidateMaster checks the sections a master uses
func (c *Config) ValidateMaster() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.MasterConfig().Validate(); err != nil {
		return err
	}
	switch c.Master.RecoveryMode {
	case RecoveryNone:
	case RecoveryFilesystem:
		if c.Master.DataDir == "" {
			return fmt.Errorf("master.dataDir is required with recovery mode %s", c.Master.RecoveryMode)
		}
	case RecoveryRaft:
		if c.Master.DataDir == "" {
			return fmt.Errorf("master.dataDir is required with recovery mode %s", c.Master.RecoveryMode)
		}
		if c.Master.Raft.NodeID == "" || c.Master.Raft.BindAddr == "" {
			return fmt.Errorf("master.raft.nodeId and master.raft.bindAddr are required with recovery mode %s", c.Master.RecoveryMode)
		}
	default:
		return fmt.Errorf("unknown recovery mode %q", c.Master.RecoveryMode)
	}
	return nil
}

// ValidateWorker checks the sections a worker uses
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	wc, err := c.WorkerConfig()
	if err != nil {
		return err
	}
	return wc.Validate()
}

// MasterConfig converts the master section. Engine, Agent, Broker and Clock
// are left for the caller to wire.
func (c *Config) MasterConfig() master.Config {
	return master.Config{
		WorkerTimeout:        c.RPC.WorkerTimeout,
		ReaperIterations:     c.Master.ReaperIterations,
		SpreadOut:            c.Master.SpreadOut,
		MaxExecutorRetries:   c.Master.MaxExecutorRetries,
		RetainedApplications: c.Master.RetainedApplications,
		RetainedDrivers:      c.Master.RetainedDrivers,
		WebUIURL:             c.Master.WebUIURL,
	}
}

// WorkerConfig converts the worker section
func (c *Config) WorkerConfig() (worker.Config, error) {
	var masters []rpc.Address
	if c.Worker.Masters != "" {
		var err error
		masters, err = rpc.ParseMasterURLs(c.Worker.Masters)
		if err != nil {
			return worker.Config{}, err
		}
	}
	return worker.Config{
		ID:                        c.Worker.ID,
		Cores:                     c.Worker.Cores,
		MemoryMB:                  c.Worker.MemoryMB,
		Masters:                   masters,
		WorkDir:                   c.Worker.WorkDir,
		CleanupAppDirs:            c.Worker.CleanupAppDirs,
		WorkerTimeout:             c.RPC.WorkerTimeout,
		RegistrationRetryInterval: c.Worker.RegistrationRetryInterval,
		RegistrationTimeout:       c.Worker.RegistrationTimeout,
		RetainedExecutors:         c.Worker.RetainedExecutors,
		RetainedDrivers:           c.Worker.RetainedDrivers,
	}, nil
}
