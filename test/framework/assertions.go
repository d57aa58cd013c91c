package framework

import (
	"context"
	"time"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

func (a *Assertions) state(cluster *Cluster) *messages.MasterStateResponse {
	a.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := cluster.MasterState(ctx)
	if err != nil {
		a.t.Fatalf("Failed to get master state: %v", err)
	}
	return state
}

// MasterStatus asserts the recovery status of the running master
func (a *Assertions) MasterStatus(status types.RecoveryState, cluster *Cluster) {
	a.t.Helper()

	if got := a.state(cluster).Status; got != status {
		a.t.Fatalf("Master is %s, expected %s", got, status)
	}
}

// WorkerUsage asserts the cores and memory the master accounts to a worker
func (a *Assertions) WorkerUsage(workerID string, cores, memoryMB int, cluster *Cluster) {
	a.t.Helper()

	for _, w := range a.state(cluster).Workers {
		if w.ID != workerID {
			continue
		}
		if w.CoresUsed != cores || w.MemoryUsed != memoryMB {
			a.t.Fatalf("Worker %s uses %d cores and %d MB, expected %d cores and %d MB",
				workerID, w.CoresUsed, w.MemoryUsed, cores, memoryMB)
		}
		return
	}
	a.t.Fatalf("Worker %s not found", workerID)
}

// CoresGranted asserts the cores the master granted an application
func (a *Assertions) CoresGranted(app *App, cores int, cluster *Cluster) {
	a.t.Helper()

	for _, s := range a.state(cluster).ActiveApps {
		if s.ID != app.ID() {
			continue
		}
		if s.CoresGranted != cores {
			a.t.Fatalf("Application %s was granted %d cores, expected %d", app.Spec.Name, s.CoresGranted, cores)
		}
		return
	}
	a.t.Fatalf("Application %s is not active", app.Spec.Name)
}

// TaskResults asserts what each finished task reported
func (a *Assertions) TaskResults(app *App, want map[int64]string) {
	a.t.Helper()

	for id, result := range want {
		if state := app.Tasks.State(id); state != types.TaskFinished {
			a.t.Fatalf("Task %d is %s, expected %s", id, state, types.TaskFinished)
		}
		if got := string(app.Tasks.Result(id)); got != result {
			a.t.Fatalf("Task %d returned %q, expected %q", id, got, result)
		}
	}
}
