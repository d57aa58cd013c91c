package election

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/spindle/pkg/storage"
	"github.com/cuemby/spindle/pkg/types"
)

// Operations carried in the raft log
const (
	opAddApp       = "add_app"
	opRemoveApp    = "remove_app"
	opAddWorker    = "add_worker"
	opRemoveWorker = "remove_worker"
	opAddDriver    = "add_driver"
	opRemoveDriver = "remove_driver"
)

// command is one persistence change in the raft log
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// registryFSM applies committed persistence commands to the local replica
// of the master registry
type registryFSM struct {
	mu    sync.RWMutex
	local storage.PersistenceEngine
}

func newRegistryFSM(local storage.PersistenceEngine) *registryFSM {
	return &registryFSM{local: local}
}

// Apply is called by raft once an entry is committed
func (f *registryFSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAddApp, opRemoveApp:
		var app types.ApplicationInfo
		if err := json.Unmarshal(cmd.Data, &app); err != nil {
			return err
		}
		if cmd.Op == opAddApp {
			return f.local.AddApplication(&app)
		}
		return f.local.RemoveApplication(&app)

	case opAddWorker, opRemoveWorker:
		var worker types.WorkerInfo
		if err := json.Unmarshal(cmd.Data, &worker); err != nil {
			return err
		}
		if cmd.Op == opAddWorker {
			return f.local.AddWorker(&worker)
		}
		return f.local.RemoveWorker(&worker)

	case opAddDriver, opRemoveDriver:
		var driver types.DriverInfo
		if err := json.Unmarshal(cmd.Data, &driver); err != nil {
			return err
		}
		if cmd.Op == opAddDriver {
			return f.local.AddDriver(&driver)
		}
		return f.local.RemoveDriver(&driver)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the local replica so raft can compact its log
func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.local.ReadPersistedData()
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return &registrySnapshot{
		Apps:    data.Apps,
		Workers: data.Workers,
		Drivers: data.Drivers,
	}, nil
}

// Restore replaces the local replica with a snapshot
func (f *registryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot registrySnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.local.ReadPersistedData()
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	for _, app := range current.Apps {
		if err := f.local.RemoveApplication(app); err != nil {
			return fmt.Errorf("failed to clear app: %w", err)
		}
	}
	for _, worker := range current.Workers {
		if err := f.local.RemoveWorker(worker); err != nil {
			return fmt.Errorf("failed to clear worker: %w", err)
		}
	}
	for _, driver := range current.Drivers {
		if err := f.local.RemoveDriver(driver); err != nil {
			return fmt.Errorf("failed to clear driver: %w", err)
		}
	}

	for _, app := range snapshot.Apps {
		if err := f.local.AddApplication(app); err != nil {
			return fmt.Errorf("failed to restore app: %w", err)
		}
	}
	for _, worker := range snapshot.Workers {
		if err := f.local.AddWorker(worker); err != nil {
			return fmt.Errorf("failed to restore worker: %w", err)
		}
	}
	for _, driver := range snapshot.Drivers {
		if err := f.local.AddDriver(driver); err != nil {
			return fmt.Errorf("failed to restore driver: %w", err)
		}
	}
	return nil
}

type registrySnapshot struct {
	Apps    []*types.ApplicationInfo
	Workers []*types.WorkerInfo
	Drivers []*types.DriverInfo
}

// Persist writes the snapshot to the given SnapshotSink
func (s *registrySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

func (s *registrySnapshot) Release() {}
