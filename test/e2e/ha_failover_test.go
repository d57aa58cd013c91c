package e2e

import (
	"context"
	"testing"

	"github.com/cuemby/spindle/pkg/client"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
	"github.com/cuemby/spindle/test/framework"
)

// TestMasterFailover kills the master under a running application and a
// supervised driver. The standby recovers both from the registry without
// relaunching anything.
func TestMasterFailover(t *testing.T) {
	cluster := startCluster(t, nil)

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	env, err := cluster.Network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: "submitter", Port: 6066})
	if err != nil {
		t.Fatalf("Failed to create client environment: %v", err)
	}
	defer env.Shutdown()
	masters := make([]rpc.Address, 0, len(cluster.Masters))
	for _, m := range cluster.Masters {
		masters = append(masters, m.Address)
	}
	submitter := client.New(env, masters)

	var app *framework.App
	var driverID string

	setup := t.Run("SetupWorkload", func(t *testing.T) {
		app, err = cluster.SubmitApp(framework.AppSpec{Name: "etl", MaxCores: 2, CoresPerExecutor: 2})
		if err != nil {
			t.Fatalf("Failed to submit application: %v", err)
		}
		if err := waiter.WaitForExecutors(ctx, app, 1); err != nil {
			t.Fatal(err)
		}
		if err := waiter.WaitForApp(ctx, cluster, app, types.AppRunning); err != nil {
			t.Fatal(err)
		}

		resp, err := submitter.SubmitDriver(ctx, types.DriverDescription{
			MemoryMB:  256,
			Cores:     1,
			Supervise: true,
			Command:   types.Command{Path: "spindle-driver"},
		})
		if err != nil {
			t.Fatalf("Failed to submit driver: %v", err)
		}
		if !resp.Success {
			t.Fatalf("Driver was rejected: %s", resp.Message)
		}
		driverID = resp.DriverID
		if err := waiter.WaitForDriver(ctx, cluster, driverID, types.DriverRunning); err != nil {
			t.Fatal(err)
		}
	})
	if !setup {
		t.FailNow()
	}

	launches := len(cluster.Launcher.Launched())
	appID := app.ID()

	t.Run("StandbyTakesOver", func(t *testing.T) {
		leader, err := cluster.Failover()
		if err != nil {
			t.Fatalf("Failover failed: %v", err)
		}
		t.Logf("New leader: %s", leader.ID)

		if err := waiter.WaitForMasterStatus(ctx, cluster, types.RecoveryAlive); err != nil {
			t.Fatal(err)
		}
		if err := waiter.WaitForAliveWorkers(ctx, cluster, 2); err != nil {
			t.Fatal(err)
		}
		if err := waiter.WaitForApp(ctx, cluster, app, types.AppRunning); err != nil {
			t.Fatal(err)
		}
		if err := waiter.WaitForDriver(ctx, cluster, driverID, types.DriverRunning); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("WorkloadSurvives", func(t *testing.T) {
		if app.ID() != appID {
			t.Fatalf("Application id changed from %s to %s", appID, app.ID())
		}
		if got := len(cluster.Launcher.Launched()); got != launches {
			t.Fatalf("%d processes were launched during recovery", got-launches)
		}
		assert.CoresGranted(app, 2, cluster)

		ids := app.Tasks.Submit("after", "failover")
		if err := waiter.WaitForTasks(ctx, app, types.TaskFinished, ids...); err != nil {
			t.Fatal(err)
		}
		assert.TaskResults(app, map[int64]string{ids[0]: "AFTER", ids[1]: "FAILOVER"})
	})

	t.Run("ClientFollowsNewLeader", func(t *testing.T) {
		resp, err := submitter.KillDriver(ctx, driverID)
		if err != nil {
			t.Fatalf("Failed to kill driver: %v", err)
		}
		if !resp.Success {
			t.Fatalf("Kill was rejected: %s", resp.Message)
		}
		if err := waiter.WaitForDriver(ctx, cluster, driverID, types.DriverKilled); err != nil {
			t.Fatal(err)
		}
	})
}
