package storage

import (
	"github.com/cuemby/spindle/pkg/types"
)

// PersistenceEngine stores the master registry so that a newly elected
// master can recover applications, workers and drivers. Only the identity
// fields of each record are persisted; runtime accounting is rebuilt from
// worker and client reports.
type PersistenceEngine interface {
	// Applications
	AddApplication(app *types.ApplicationInfo) error
	RemoveApplication(app *types.ApplicationInfo) error

	// Workers
	AddWorker(worker *types.WorkerInfo) error
	RemoveWorker(worker *types.WorkerInfo) error

	// Drivers
	AddDriver(driver *types.DriverInfo) error
	RemoveDriver(driver *types.DriverInfo) error

	// ReadPersistedData returns everything stored, with runtime fields
	// initialized
	ReadPersistedData() (*PersistedData, error)

	// Utility
	Close() error
}

// PersistedData is the snapshot a recovering master starts from
type PersistedData struct {
	Apps    []*types.ApplicationInfo
	Drivers []*types.DriverInfo
	Workers []*types.WorkerInfo
}

// Empty reports whether there is nothing to recover
func (d *PersistedData) Empty() bool {
	return len(d.Apps) == 0 && len(d.Drivers) == 0 && len(d.Workers) == 0
}

// NoopEngine persists nothing. A master using it always starts fresh.
type NoopEngine struct{}

func (NoopEngine) AddApplication(*types.ApplicationInfo) error    { return nil }
func (NoopEngine) RemoveApplication(*types.ApplicationInfo) error { return nil }
func (NoopEngine) AddWorker(*types.WorkerInfo) error              { return nil }
func (NoopEngine) RemoveWorker(*types.WorkerInfo) error           { return nil }
func (NoopEngine) AddDriver(*types.DriverInfo) error              { return nil }
func (NoopEngine) RemoveDriver(*types.DriverInfo) error           { return nil }
func (NoopEngine) Close() error                                   { return nil }

func (NoopEngine) ReadPersistedData() (*PersistedData, error) {
	return &PersistedData{}, nil
}
