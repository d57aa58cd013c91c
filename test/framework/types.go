package framework

import (
	"time"

	"github.com/cuemby/spindle/pkg/master"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/worker"
)

// ClusterConfig defines the configuration for a test cluster
type ClusterConfig struct {
	// NumMasters is the number of master addresses workers and
	// applications know about. One master runs at a time; the next one
	// takes over on Failover.
	NumMasters int
	// NumWorkers is the number of workers to start
	NumWorkers int
	// WorkerCores and WorkerMemoryMB are the resources of every worker
	WorkerCores    int
	WorkerMemoryMB int
	// WorkerTimeout is the master's liveness timeout and recovery deadline
	WorkerTimeout time.Duration
	// RetryInterval paces worker and application registration rounds
	RetryInterval time.Duration
	// DataDir holds the masters' shared registry
	DataDir string
}

// Cluster is an in-process standalone cluster on a local network
type Cluster struct {
	// Config is the cluster configuration
	Config *ClusterConfig
	// Network carries every message between the cluster members
	Network *rpc.LocalNetwork
	// Masters has one entry per master address, started or not
	Masters []*Master
	// Workers contains all worker nodes in the cluster
	Workers []*Worker
	// Launcher runs the executors and drivers workers start
	Launcher *Launcher

	t       TestingT
	active  int
	nextApp int
}

// Master is one master slot of the cluster
type Master struct {
	// ID is the host name of this master
	ID      string
	Address rpc.Address
	// Master and Ref are nil while the master is not running
	Master *master.Master
	Ref    *rpc.Ref

	env *rpc.Env
}

// Worker is a running worker of the cluster
type Worker struct {
	ID     string
	Worker *worker.Worker
	Ref    *rpc.Ref

	env *rpc.Env
}

// TestingT is the part of testing.T the framework uses
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
	Cleanup(func())
}
