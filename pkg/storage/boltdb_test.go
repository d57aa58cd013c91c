package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

func newTestEngine(t *testing.T) *BoltEngine {
	t.Helper()
	engine, err := NewBoltEngine(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBoltEngineRoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	driverRef := &rpc.Ref{Name: "AppClient", Address: rpc.Address{Host: "driver", Port: 4040}}
	app := types.NewApplicationInfo("app-1", types.ApplicationDescription{Name: "pi", MemoryPerExecutorMB: 512}, driverRef, now)
	app.CoresGranted = 4
	worker := types.NewWorkerInfo("worker-1", "10.0.0.5", 7078, 8, 4096,
		&rpc.Ref{Name: "Worker", Address: rpc.Address{Host: "10.0.0.5", Port: 7078}})
	worker.CoresUsed = 4
	driver := types.NewDriverInfo("driver-1", types.DriverDescription{Cores: 1, MemoryMB: 256}, now)
	driver.State = types.DriverRunning

	require.NoError(t, engine.AddApplication(app))
	require.NoError(t, engine.AddWorker(worker))
	require.NoError(t, engine.AddDriver(driver))

	data, err := engine.ReadPersistedData()
	require.NoError(t, err)
	assert.False(t, data.Empty())

	require.Len(t, data.Apps, 1)
	assert.Equal(t, "app-1", data.Apps[0].ID)
	assert.Equal(t, "pi", data.Apps[0].Desc.Name)
	assert.True(t, driverRef.Equal(data.Apps[0].Driver))
	// runtime accounting is not persisted
	assert.Equal(t, 0, data.Apps[0].CoresGranted)
	assert.Equal(t, types.AppWaiting, data.Apps[0].State)

	require.Len(t, data.Workers, 1)
	assert.Equal(t, "10.0.0.5", data.Workers[0].Host)
	assert.Equal(t, 0, data.Workers[0].CoresUsed)
	assert.NotNil(t, data.Workers[0].Executors)

	require.Len(t, data.Drivers, 1)
	assert.Equal(t, types.DriverSubmitted, data.Drivers[0].State)

	require.NoError(t, engine.RemoveApplication(app))
	require.NoError(t, engine.RemoveWorker(worker))
	require.NoError(t, engine.RemoveDriver(driver))
	// deletes are idempotent
	require.NoError(t, engine.RemoveDriver(driver))

	data, err = engine.ReadPersistedData()
	require.NoError(t, err)
	assert.True(t, data.Empty())
}

func TestBoltEngineAppOrder(t *testing.T) {
	engine := newTestEngine(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// ids sort opposite to submission order
	for i, id := range []string{"c", "b", "a"} {
		app := types.NewApplicationInfo(id, types.ApplicationDescription{}, nil, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, engine.AddApplication(app))
	}

	data, err := engine.ReadPersistedData()
	require.NoError(t, err)
	require.Len(t, data.Apps, 3)
	assert.Equal(t, "c", data.Apps[0].ID)
	assert.Equal(t, "b", data.Apps[1].ID)
	assert.Equal(t, "a", data.Apps[2].ID)
}

func TestBoltEngineReopen(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewBoltEngine(dir)
	require.NoError(t, err)
	require.NoError(t, engine.AddWorker(types.NewWorkerInfo("worker-1", "h", 1, 1, 1, nil)))
	require.NoError(t, engine.Close())

	engine, err = NewBoltEngine(dir)
	require.NoError(t, err)
	defer engine.Close()

	data, err := engine.ReadPersistedData()
	require.NoError(t, err)
	require.Len(t, data.Workers, 1)
	assert.Equal(t, "worker-1", data.Workers[0].ID)
}

func TestNoopEngine(t *testing.T) {
	var engine PersistenceEngine = NoopEngine{}
	require.NoError(t, engine.AddApplication(&types.ApplicationInfo{ID: "app-1"}))

	data, err := engine.ReadPersistedData()
	require.NoError(t, err)
	assert.True(t, data.Empty())
}
