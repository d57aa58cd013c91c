package master

import (
	"context"
	"sort"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

func (m *Master) masterState() *messages.MasterStateResponse {
	resp := &messages.MasterStateResponse{
		URL:    m.masterURL(),
		Status: m.state,
	}

	for _, w := range m.sortedWorkers() {
		summary := messages.WorkerSummary{
			ID:         w.ID,
			HostPort:   w.Address().HostPort(),
			State:      w.State,
			Cores:      w.Cores,
			CoresUsed:  w.CoresUsed,
			MemoryMB:   w.MemoryMB,
			MemoryUsed: w.MemoryUsed,
		}
		for _, exec := range sortedExecutors(w.Executors) {
			summary.Executors = append(summary.Executors, exec.Describe())
		}
		for _, d := range sortedDrivers(w.Drivers) {
			summary.DriverIDs = append(summary.DriverIDs, d.ID)
		}
		resp.Workers = append(resp.Workers, summary)
	}

	for _, app := range m.waitingApps {
		resp.ActiveApps = append(resp.ActiveApps, summarizeApp(app))
	}
	for _, app := range m.completedApps {
		resp.CompletedApps = append(resp.CompletedApps, summarizeApp(app))
	}

	for _, d := range sortedDrivers(m.drivers) {
		resp.ActiveDrivers = append(resp.ActiveDrivers, summarizeDriver(d))
	}
	for _, d := range m.completedDrivers {
		resp.CompletedDrivers = append(resp.CompletedDrivers, summarizeDriver(d))
	}
	return resp
}

func summarizeApp(app *types.ApplicationInfo) messages.AppSummary {
	summary := messages.AppSummary{
		ID:           app.ID,
		Name:         app.Desc.Name,
		State:        app.State,
		CoresGranted: app.CoresGranted,
	}
	for _, exec := range sortedAppExecutors(app) {
		summary.Executors = append(summary.Executors, exec.Describe())
	}
	return summary
}

func summarizeDriver(d *types.DriverInfo) messages.DriverSummary {
	summary := messages.DriverSummary{ID: d.ID, State: d.State}
	if d.Worker != nil {
		summary.WorkerID = d.Worker.ID
	}
	return summary
}

// State asks the master for a snapshot of its registry
func State(ctx context.Context, master *rpc.Ref) (*messages.MasterStateResponse, error) {
	return rpc.AskAs[*messages.MasterStateResponse](ctx, master, &messages.RequestMasterState{})
}

// SnapshotSource adapts a master ref to the metrics collector
func SnapshotSource(master *rpc.Ref) metrics.SnapshotSource {
	return snapshotSource{master: master}
}

type snapshotSource struct {
	master *rpc.Ref
}

func (s snapshotSource) ClusterSnapshot(ctx context.Context) (*metrics.ClusterSnapshot, error) {
	state, err := State(ctx, s.master)
	if err != nil {
		return nil, err
	}
	return Summarize(state), nil
}

// Summarize reduces a master state to the numbers exported as metrics
func Summarize(state *messages.MasterStateResponse) *metrics.ClusterSnapshot {
	snap := &metrics.ClusterSnapshot{
		Leader:  state.Status != types.RecoveryStandby,
		Workers: make(map[string]int),
		Apps:    make(map[string]int),
		Drivers: make(map[string]int),
	}
	for _, w := range state.Workers {
		snap.Workers[string(w.State)]++
		if w.State == types.WorkerAlive {
			snap.CoresTotal += w.Cores
			snap.CoresUsed += w.CoresUsed
			snap.MemoryTotal += w.MemoryMB
			snap.MemoryUsed += w.MemoryUsed
		}
	}
	for _, app := range state.ActiveApps {
		snap.Apps[string(app.State)]++
	}
	for _, app := range state.CompletedApps {
		snap.Apps[string(app.State)]++
	}
	for _, d := range state.ActiveDrivers {
		snap.Drivers[string(d.State)]++
	}
	for _, d := range state.CompletedDrivers {
		snap.Drivers[string(d.State)]++
	}
	return snap
}

// WorkerIDs lists the ids in a master state, sorted
func WorkerIDs(state *messages.MasterStateResponse) []string {
	ids := make([]string, 0, len(state.Workers))
	for _, w := range state.Workers {
		ids = append(ids, w.ID)
	}
	sort.Strings(ids)
	return ids
}
