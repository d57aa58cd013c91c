package e2e

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/spindle/pkg/executor"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
	"github.com/cuemby/spindle/test/framework"
)

// upper returns the payload in upper case; a "fail" payload fails
var upper = executor.TaskRunnerFunc(func(ctx context.Context, task *messages.TaskDescription) ([]byte, error) {
	if string(task.Payload) == "fail" {
		return nil, errors.New("task asked to fail")
	}
	return bytes.ToUpper(task.Payload), nil
})

func startCluster(t *testing.T, mutate func(cfg *framework.ClusterConfig)) *framework.Cluster {
	t.Helper()
	config := framework.DefaultClusterConfig()
	config.DataDir = t.TempDir()
	if mutate != nil {
		mutate(config)
	}

	cluster, err := framework.NewCluster(t, config, upper)
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	if err := cluster.Start(); err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}

	ctx := context.Background()
	waiter := framework.DefaultWaiter()
	if err := waiter.WaitForMasterStatus(ctx, cluster, types.RecoveryAlive); err != nil {
		t.Fatalf("Master did not become leader: %v", err)
	}
	if err := waiter.WaitForAliveWorkers(ctx, cluster, config.NumWorkers); err != nil {
		t.Fatalf("Workers did not register: %v", err)
	}
	return cluster
}

// TestBasicCluster runs an application with one executor per worker
func TestBasicCluster(t *testing.T) {
	cluster := startCluster(t, nil)

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	app, err := cluster.SubmitApp(framework.AppSpec{Name: "wordcount", MaxCores: 4, CoresPerExecutor: 2})
	if err != nil {
		t.Fatalf("Failed to submit application: %v", err)
	}

	t.Run("ExecutorsSpreadOut", func(t *testing.T) {
		if err := waiter.WaitForExecutors(ctx, app, 2); err != nil {
			t.Fatal(err)
		}
		if err := waiter.WaitForApp(ctx, cluster, app, types.AppRunning); err != nil {
			t.Fatal(err)
		}
		assert.CoresGranted(app, 4, cluster)
		assert.WorkerUsage("worker-1", 2, 512, cluster)
		assert.WorkerUsage("worker-2", 2, 512, cluster)
	})

	t.Run("TasksRun", func(t *testing.T) {
		ids := app.Tasks.Submit("to", "be", "or", "not")
		if err := waiter.WaitForTasks(ctx, app, types.TaskFinished, ids...); err != nil {
			t.Fatal(err)
		}
		assert.TaskResults(app, map[int64]string{ids[0]: "TO", ids[1]: "BE", ids[2]: "OR", ids[3]: "NOT"})
	})

	t.Run("TaskFailureIsReported", func(t *testing.T) {
		ids := app.Tasks.Submit("fail")
		if err := waiter.WaitForTasks(ctx, app, types.TaskFailed, ids...); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("StoppedApplicationReleasesWorkers", func(t *testing.T) {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			t.Fatalf("Failed to stop application: %v", err)
		}

		err := waiter.WaitFor(ctx, func() bool {
			state, err := cluster.MasterState(ctx)
			if err != nil || len(state.ActiveApps) != 0 {
				return false
			}
			for _, w := range state.Workers {
				if w.CoresUsed != 0 || w.MemoryUsed != 0 {
					return false
				}
			}
			return true
		}, "application resources to be released")
		if err != nil {
			t.Fatal(err)
		}
	})
}

// TestWorkerLoss replaces the executor of a lost worker on the survivor
func TestWorkerLoss(t *testing.T) {
	cluster := startCluster(t, nil)

	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	app, err := cluster.SubmitApp(framework.AppSpec{Name: "pagerank", MaxCores: 2, CoresPerExecutor: 2})
	if err != nil {
		t.Fatalf("Failed to submit application: %v", err)
	}
	if err := waiter.WaitForExecutors(ctx, app, 1); err != nil {
		t.Fatal(err)
	}

	executors, err := app.Executors(ctx)
	if err != nil {
		t.Fatalf("Failed to list executors: %v", err)
	}
	first := executors[0]

	var host string
	state, err := cluster.MasterState(ctx)
	if err != nil {
		t.Fatalf("Failed to get master state: %v", err)
	}
	for _, w := range state.Workers {
		if w.CoresUsed == 2 {
			host = w.ID
		}
	}
	if host == "" {
		t.Fatal("No worker hosts the executor")
	}
	if err := cluster.KillWorker(host); err != nil {
		t.Fatal(err)
	}

	if err := waiter.WaitForAliveWorkers(ctx, cluster, 1); err != nil {
		t.Fatal(err)
	}
	err = waiter.WaitFor(ctx, func() bool {
		executors, err := app.Executors(ctx)
		return err == nil && len(executors) == 1 && executors[0].ID != first.ID
	}, "a replacement executor")
	if err != nil {
		t.Fatal(err)
	}

	lost := app.Tasks.LostExecutors()
	if len(lost) != 1 || lost[0] != first.ID {
		t.Fatalf("Lost executors are %v, expected [%s]", lost, first.ID)
	}

	ids := app.Tasks.Submit("still", "running")
	if err := waiter.WaitForTasks(ctx, app, types.TaskFinished, ids...); err != nil {
		t.Fatal(err)
	}
}
