package election

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/storage"
	"github.com/cuemby/spindle/pkg/types"
)

// ErrNotStarted is returned by the raft engine before Start
var ErrNotStarted = errors.New("raft node not started")

// RaftConfig configures a master's raft node
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Peers maps node ids to raft addresses of every master, this one
	// included. Every master bootstraps with the same set.
	Peers map[string]string
	// InMemory keeps the raft log and transport in memory
	InMemory bool
	// ApplyTimeout bounds one persistence write
	ApplyTimeout time.Duration
	LogOutput    io.Writer
}

// RaftNode elects the leading master with hashicorp/raft and replicates
// the persistence engine through the raft log, so the next leader reads
// the registry its predecessor wrote.
type RaftNode struct {
	cfg   RaftConfig
	fsm   *registryFSM
	local storage.PersistenceEngine

	mu      sync.Mutex
	raft    *raft.Raft
	closers []io.Closer
	notify  chan bool
	done    chan struct{}
	wg      sync.WaitGroup
	leader  bool
	cand    Candidate

	logger zerolog.Logger
}

// NewRaftNode creates a raft node over the local registry replica
func NewRaftNode(cfg RaftConfig, local storage.PersistenceEngine) (*RaftNode, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft node id is required")
	}
	if !cfg.InMemory && cfg.BindAddr == "" {
		return nil, fmt.Errorf("raft bind address is required")
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	return &RaftNode{
		cfg:    cfg,
		fsm:    newRegistryFSM(local),
		local:  local,
		logger: log.WithComponent("election").With().Str("node_id", cfg.NodeID).Logger(),
	}, nil
}

// Start joins the election. Leadership changes are reported to candidate
// until Stop.
func (n *RaftNode) Start(candidate Candidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.raft != nil {
		return fmt.Errorf("raft node %s already started", n.cfg.NodeID)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.cfg.NodeID)
	config.LogOutput = n.cfg.LogOutput

	// Tuned for LAN failover
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	n.notify = make(chan bool, 16)
	config.NotifyCh = n.notify

	logs, stable, snaps, transport, closers, err := n.open()
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(config, n.fsm, logs, stable, snaps, transport)
	if err != nil {
		closeAll(closers)
		return fmt.Errorf("failed to create raft: %w", err)
	}

	servers := []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}}
	for id, addr := range n.cfg.Peers {
		if raft.ServerID(id) == config.LocalID {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	future := r.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		r.Shutdown()
		closeAll(closers)
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	n.raft = r
	n.closers = closers
	n.cand = candidate
	n.done = make(chan struct{})
	n.wg.Add(1)
	go n.watch()

	n.logger.Info().Int("peers", len(servers)).Msg("Joined master election")
	return nil
}

func (n *RaftNode) open() (raft.LogStore, raft.StableStore, raft.SnapshotStore, raft.Transport, []io.Closer, error) {
	if n.cfg.InMemory {
		_, transport := raft.NewInmemTransport(raft.ServerAddress(n.cfg.NodeID))
		store := raft.NewInmemStore()
		return store, store, raft.NewInmemSnapshotStore(), transport, []io.Closer{transport}, nil
	}

	addr, err := net.ResolveTCPAddr("tcp", n.cfg.BindAddr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(n.cfg.BindAddr, addr, 3, 10*time.Second, n.cfg.LogOutput)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snaps, err := raft.NewFileSnapshotStore(n.cfg.DataDir, 2, n.cfg.LogOutput)
	if err != nil {
		transport.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		transport.Close()
		logStore.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	return logStore, stableStore, snaps, transport, []io.Closer{transport, logStore, stableStore}, nil
}

// watch forwards leadership transitions to the candidate, dropping repeats
func (n *RaftNode) watch() {
	defer n.wg.Done()
	for {
		select {
		case isLeader := <-n.notify:
			if isLeader == n.leader {
				continue
			}
			n.leader = isLeader
			if isLeader {
				n.logger.Info().Msg("Elected leader")
				n.cand.ElectedLeader()
			} else {
				n.logger.Warn().Msg("Leadership revoked")
				n.cand.RevokedLeadership()
			}
		case <-n.done:
			return
		}
	}
}

// Stop leaves the election. A leader is told its leadership is revoked.
func (n *RaftNode) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.raft == nil {
		return nil
	}

	err := n.raft.Shutdown().Error()
	close(n.done)
	n.wg.Wait()
	if n.leader {
		n.leader = false
		n.cand.RevokedLeadership()
	}
	closeAll(n.closers)
	n.raft = nil
	if err != nil {
		return fmt.Errorf("failed to shutdown raft: %w", err)
	}
	return nil
}

// IsLeader reports whether raft currently considers this node the leader
func (n *RaftNode) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.raft != nil && n.raft.State() == raft.Leader
}

// Engine returns a persistence engine that writes through the raft log
func (n *RaftNode) Engine() storage.PersistenceEngine {
	return &raftEngine{node: n}
}

func (n *RaftNode) current() (*raft.Raft, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.raft == nil {
		return nil, ErrNotStarted
	}
	return n.raft, nil
}

func (n *RaftNode) apply(op string, v any) error {
	r, err := n.current()
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	entry, err := json.Marshal(command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := r.Apply(entry, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply %s: %w", op, err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return fmt.Errorf("failed to apply %s: %w", op, resp)
	}
	return nil
}

// raftEngine replicates persistence writes; reads come from the local
// replica once every committed entry has been applied
type raftEngine struct {
	node *RaftNode
}

func (e *raftEngine) AddApplication(app *types.ApplicationInfo) error {
	return e.node.apply(opAddApp, app)
}

func (e *raftEngine) RemoveApplication(app *types.ApplicationInfo) error {
	return e.node.apply(opRemoveApp, app)
}

func (e *raftEngine) AddWorker(worker *types.WorkerInfo) error {
	return e.node.apply(opAddWorker, worker)
}

func (e *raftEngine) RemoveWorker(worker *types.WorkerInfo) error {
	return e.node.apply(opRemoveWorker, worker)
}

func (e *raftEngine) AddDriver(driver *types.DriverInfo) error {
	return e.node.apply(opAddDriver, driver)
}

func (e *raftEngine) RemoveDriver(driver *types.DriverInfo) error {
	return e.node.apply(opRemoveDriver, driver)
}

func (e *raftEngine) ReadPersistedData() (*storage.PersistedData, error) {
	r, err := e.node.current()
	if err != nil {
		return nil, err
	}
	if err := r.Barrier(e.node.cfg.ApplyTimeout).Error(); err != nil {
		return nil, fmt.Errorf("failed to catch up with the raft log: %w", err)
	}
	e.node.fsm.mu.RLock()
	defer e.node.fsm.mu.RUnlock()
	return e.node.local.ReadPersistedData()
}

// Close closes the local replica. The raft node is stopped separately.
func (e *raftEngine) Close() error {
	return e.node.local.Close()
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Logger.Debug().Err(err).Msg("Failed to close raft resource")
		}
	}
}
