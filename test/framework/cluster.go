package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/spindle/pkg/executor"
	"github.com/cuemby/spindle/pkg/master"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/storage"
	"github.com/cuemby/spindle/pkg/worker"
)

// DefaultClusterConfig returns a two-master, two-worker configuration with
// timeouts short enough for tests
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		NumMasters:     2,
		NumWorkers:     2,
		WorkerCores:    4,
		WorkerMemoryMB: 4096,
		WorkerTimeout:  2 * time.Second,
		RetryInterval:  100 * time.Millisecond,
	}
}

// NewCluster creates a cluster whose executors run tasks with runner.
// Nothing runs until Start; everything is stopped when the test ends.
func NewCluster(t TestingT, config *ClusterConfig, runner executor.TaskRunner) (*Cluster, error) {
	if config == nil {
		config = DefaultClusterConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	network := rpc.NewLocalNetwork()
	cluster := &Cluster{
		Config:   config,
		Network:  network,
		Masters:  make([]*Master, 0, config.NumMasters),
		Workers:  make([]*Worker, 0, config.NumWorkers),
		Launcher: NewLauncher(network, runner),
		t:        t,
		active:   -1,
	}
	for i := 0; i < config.NumMasters; i++ {
		id := fmt.Sprintf("master-%d", i+1)
		cluster.Masters = append(cluster.Masters, &Master{ID: id, Address: rpc.Address{Host: id, Port: 7077}})
	}
	t.Cleanup(cluster.Stop)
	return cluster, nil
}

// Start starts the first master and every worker
func (c *Cluster) Start() error {
	if err := c.startMaster(0); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.Masters[0].ID, err)
	}
	for i := 0; i < c.Config.NumWorkers; i++ {
		if err := c.startWorker(i); err != nil {
			return fmt.Errorf("failed to start worker-%d: %w", i+1, err)
		}
	}
	return nil
}

// Stop stops the workers, then the running master
func (c *Cluster) Stop() {
	for _, w := range c.Workers {
		c.stopWorker(w)
	}
	if c.active >= 0 {
		c.stopMaster(c.Masters[c.active])
	}
}

// Leader returns the running master
func (c *Cluster) Leader() (*Master, error) {
	if c.active < 0 {
		return nil, fmt.Errorf("no master is running")
	}
	return c.Masters[c.active], nil
}

// MasterState asks the running master for its state
func (c *Cluster) MasterState(ctx context.Context) (*messages.MasterStateResponse, error) {
	leader, err := c.Leader()
	if err != nil {
		return nil, err
	}
	return master.State(ctx, leader.Ref)
}

// Failover kills the running master and starts the next one on the same
// registry, the way a standby takes over. It returns the new master.
func (c *Cluster) Failover() (*Master, error) {
	if c.active < 0 {
		return nil, fmt.Errorf("no master is running")
	}
	if len(c.Masters) < 2 {
		return nil, fmt.Errorf("failover needs a second master")
	}

	next := (c.active + 1) % len(c.Masters)
	c.t.Logf("Killing %s, %s takes over", c.Masters[c.active].ID, c.Masters[next].ID)
	c.stopMaster(c.Masters[c.active])
	if err := c.startMaster(next); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Masters[next].ID, err)
	}
	return c.Masters[next], nil
}

// KillWorker stops a worker and everything it hosts without telling the
// master
func (c *Cluster) KillWorker(id string) error {
	for _, w := range c.Workers {
		if w.ID == id {
			c.t.Logf("Killing %s", id)
			c.stopWorker(w)
			return nil
		}
	}
	return fmt.Errorf("worker %s not found", id)
}

// WorkerState asks a worker for its state
func (c *Cluster) WorkerState(ctx context.Context, id string) (*messages.WorkerStateResponse, error) {
	for _, w := range c.Workers {
		if w.ID == id {
			return worker.Snapshot(ctx, w.Ref)
		}
	}
	return nil, fmt.Errorf("worker %s not found", id)
}

func (c *Cluster) masterAddresses() []rpc.Address {
	addrs := make([]rpc.Address, 0, len(c.Masters))
	for _, m := range c.Masters {
		addrs = append(addrs, m.Address)
	}
	return addrs
}

func (c *Cluster) startMaster(index int) error {
	m := c.Masters[index]
	env, err := c.Network.NewEnv(rpc.DefaultConfig(), m.Address)
	if err != nil {
		return err
	}
	engine, err := storage.NewBoltEngine(c.Config.DataDir)
	if err != nil {
		env.Shutdown()
		return err
	}

	cfg := master.DefaultConfig()
	cfg.WorkerTimeout = c.Config.WorkerTimeout
	cfg.Engine = engine
	mst, err := master.New(env, cfg)
	if err != nil {
		_ = engine.Close()
		env.Shutdown()
		return err
	}
	ref, err := mst.Start()
	if err != nil {
		env.Shutdown()
		return err
	}

	m.Master, m.Ref, m.env = mst, ref, env
	c.active = index
	return nil
}

// stopMaster returns once the master has released the registry
func (c *Cluster) stopMaster(m *Master) {
	if m.Master == nil {
		return
	}
	if err := m.Master.Stop(); err != nil {
		c.t.Logf("Stopping %s: %v", m.ID, err)
	}
	m.env.Shutdown()
	m.Master, m.Ref, m.env = nil, nil, nil
	c.active = -1
}

func (c *Cluster) startWorker(index int) error {
	id := fmt.Sprintf("worker-%d", index+1)
	env, err := c.Network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: id, Port: 7078})
	if err != nil {
		return err
	}

	cfg := worker.DefaultConfig()
	cfg.ID = id
	cfg.Cores = c.Config.WorkerCores
	cfg.MemoryMB = c.Config.WorkerMemoryMB
	cfg.Masters = c.masterAddresses()
	cfg.WorkerTimeout = c.Config.WorkerTimeout
	cfg.RegistrationRetryInterval = c.Config.RetryInterval
	cfg.Launcher = c.Launcher
	w, err := worker.New(env, cfg)
	if err != nil {
		env.Shutdown()
		return err
	}
	ref, err := w.Start()
	if err != nil {
		env.Shutdown()
		return err
	}

	c.Workers = append(c.Workers, &Worker{ID: id, Worker: w, Ref: ref, env: env})
	return nil
}

func (c *Cluster) stopWorker(w *Worker) {
	w.Worker.Stop()
	w.env.Shutdown()
}

func validateConfig(config *ClusterConfig) error {
	if config.NumMasters < 1 {
		return fmt.Errorf("at least one master is required")
	}
	if config.NumWorkers < 0 {
		return fmt.Errorf("worker count must not be negative")
	}
	if config.WorkerCores <= 0 || config.WorkerMemoryMB <= 0 {
		return fmt.Errorf("workers need cores and memory")
	}
	if config.WorkerTimeout <= 0 || config.RetryInterval <= 0 {
		return fmt.Errorf("worker timeout and retry interval must be positive")
	}
	if config.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	return nil
}
