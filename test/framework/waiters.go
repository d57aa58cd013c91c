package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with a 20s timeout polling every 20ms
func DefaultWaiter() *Waiter {
	return NewWaiter(20*time.Second, 20*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// waitForState polls the running master until check accepts its state
func (w *Waiter) waitForState(ctx context.Context, cluster *Cluster, check func(*messages.MasterStateResponse) bool, description string) error {
	return w.WaitFor(ctx, func() bool {
		state, err := cluster.MasterState(ctx)
		return err == nil && check(state)
	}, description)
}

// WaitForMasterStatus waits for the running master to reach status
func (w *Waiter) WaitForMasterStatus(ctx context.Context, cluster *Cluster, status types.RecoveryState) error {
	return w.waitForState(ctx, cluster, func(state *messages.MasterStateResponse) bool {
		return state.Status == status
	}, fmt.Sprintf("master to be %s", status))
}

// WaitForAliveWorkers waits for the master to count exactly count ALIVE
// workers
func (w *Waiter) WaitForAliveWorkers(ctx context.Context, cluster *Cluster, count int) error {
	return w.waitForState(ctx, cluster, func(state *messages.MasterStateResponse) bool {
		alive := 0
		for _, worker := range state.Workers {
			if worker.State == types.WorkerAlive {
				alive++
			}
		}
		return alive == count
	}, fmt.Sprintf("cluster to have %d alive workers", count))
}

// WaitForApp waits for the application to be registered and in state
func (w *Waiter) WaitForApp(ctx context.Context, cluster *Cluster, app *App, state types.ApplicationState) error {
	return w.waitForState(ctx, cluster, func(ms *messages.MasterStateResponse) bool {
		for _, a := range ms.ActiveApps {
			if a.ID == app.ID() && a.State == state {
				return true
			}
		}
		return false
	}, fmt.Sprintf("application %s to be %s", app.Spec.Name, state))
}

// WaitForExecutors waits for exactly count executors registered with the
// application's driver
func (w *Waiter) WaitForExecutors(ctx context.Context, app *App, count int) error {
	return w.WaitFor(ctx, func() bool {
		executors, err := app.Executors(ctx)
		return err == nil && len(executors) == count
	}, fmt.Sprintf("application %s to have %d executors", app.Spec.Name, count))
}

// WaitForTasks waits for every task to reach state
func (w *Waiter) WaitForTasks(ctx context.Context, app *App, state types.TaskState, taskIDs ...int64) error {
	return w.WaitFor(ctx, func() bool {
		for _, id := range taskIDs {
			if app.Tasks.State(id) != state {
				return false
			}
		}
		return true
	}, fmt.Sprintf("%d tasks of %s to be %s", len(taskIDs), app.Spec.Name, state))
}

// WaitForDriver waits for the master to report a driver in state
func (w *Waiter) WaitForDriver(ctx context.Context, cluster *Cluster, driverID string, state types.DriverState) error {
	return w.waitForState(ctx, cluster, func(ms *messages.MasterStateResponse) bool {
		for _, d := range append(ms.ActiveDrivers, ms.CompletedDrivers...) {
			if d.ID == driverID {
				return d.State == state
			}
		}
		return false
	}, fmt.Sprintf("driver %s to be %s", driverID, state))
}
