package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorStateIsFinished(t *testing.T) {
	tests := []struct {
		state ExecutorState
		want  bool
	}{
		{ExecutorLaunching, false},
		{ExecutorRunning, false},
		{ExecutorKilled, true},
		{ExecutorFailed, true},
		{ExecutorLost, true},
		{ExecutorExited, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsFinished())
		})
	}
}

func TestWorkerAccounting(t *testing.T) {
	now := time.Now()
	worker := NewWorkerInfo("w1", "10.0.0.1", 7078, 8, 4096, nil)
	app := NewApplicationInfo("app-1", ApplicationDescription{Name: "etl", MemoryPerExecutorMB: 1024}, nil, now)

	exec := app.AddExecutor(worker, 2, 1024, nil)
	worker.AddExecutor(exec)

	assert.Equal(t, 0, exec.ID)
	assert.Equal(t, "app-1/0", exec.FullID())
	assert.Equal(t, 6, worker.CoresFree())
	assert.Equal(t, 3072, worker.MemoryFree())
	assert.Equal(t, 2, app.CoresGranted)
	assert.True(t, worker.HasExecutorFor(app))

	worker.RemoveExecutor(exec)
	worker.RemoveExecutor(exec)
	app.RemoveExecutor(exec)

	assert.Equal(t, 8, worker.CoresFree())
	assert.Equal(t, 4096, worker.MemoryFree())
	assert.Zero(t, app.CoresGranted)
	assert.Len(t, app.RemovedExecutors, 1)
}

func TestApplicationReattachKeepsIDsAhead(t *testing.T) {
	app := NewApplicationInfo("app-1", ApplicationDescription{}, nil, time.Now())
	worker := NewWorkerInfo("w1", "h", 1, 4, 1024, nil)

	id := 5
	app.AddExecutor(worker, 1, 128, &id)
	next := app.AddExecutor(worker, 1, 128, nil)

	assert.Equal(t, 6, next.ID)
}

func TestApplicationLimits(t *testing.T) {
	limit := 2
	app := NewApplicationInfo("app-1", ApplicationDescription{MaxCores: 4, InitialExecutorLimit: &limit}, nil, time.Now())
	assert.Equal(t, 2, app.ExecutorLimit)
	assert.Equal(t, 4, app.CoresLeft())

	unbounded := NewApplicationInfo("app-2", ApplicationDescription{}, nil, time.Now())
	assert.Equal(t, math.MaxInt, unbounded.ExecutorLimit)
	assert.Positive(t, unbounded.CoresLeft())
}

func TestDriverAccounting(t *testing.T) {
	worker := NewWorkerInfo("w1", "h", 1, 4, 2048, nil)
	driver := NewDriverInfo("driver-1", DriverDescription{Cores: 1, MemoryMB: 512}, time.Now())
	require.Equal(t, DriverSubmitted, driver.State)

	worker.AddDriver(driver)
	assert.Equal(t, 3, worker.CoresFree())
	worker.RemoveDriver(driver)
	worker.RemoveDriver(driver)
	assert.Equal(t, 4, worker.CoresFree())
	assert.Equal(t, 2048, worker.MemoryFree())
}
