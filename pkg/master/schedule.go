package master

import (
	"sort"

	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/types"
)

// schedule places waiting drivers, then hands free cores to applications in
// submission order. It runs after every change in available resources.
func (m *Master) schedule() {
	if m.state != types.RecoveryAlive {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	alive := m.aliveWorkers()
	if len(alive) == 0 {
		return
	}

	// drivers go round-robin over the alive workers
	pos := 0
	for _, driver := range append([]*types.DriverInfo(nil), m.waitingDrivers...) {
		for visited := 0; visited < len(alive); visited++ {
			worker := alive[pos]
			pos = (pos + 1) % len(alive)
			if worker.MemoryFree() >= driver.Desc.MemoryMB && worker.CoresFree() >= driver.Desc.Cores {
				m.launchDriver(worker, driver)
				m.waitingDrivers = withoutDriver(m.waitingDrivers, driver)
				break
			}
		}
	}

	m.startExecutorsOnWorkers()
}

func (m *Master) startExecutorsOnWorkers() {
	for _, app := range m.waitingApps {
		minCores := app.Desc.CoresPerExecutor
		if minCores <= 0 {
			minCores = 1
		}
		if app.CoresLeft() < minCores {
			continue
		}

		var usable []*types.WorkerInfo
		for _, w := range m.aliveWorkers() {
			if w.MemoryFree() >= app.Desc.MemoryPerExecutorMB && w.CoresFree() >= minCores {
				usable = append(usable, w)
			}
		}
		sort.SliceStable(usable, func(i, j int) bool { return usable[i].CoresFree() > usable[j].CoresFree() })

		assigned := scheduleExecutorsOnWorkers(app, usable, m.cfg.SpreadOut)
		for i, cores := range assigned {
			if cores > 0 {
				m.allocateWorkerResources(app, cores, usable[i])
			}
		}
	}
}

// scheduleExecutorsOnWorkers decides how many cores each usable worker gives
// to app. Cores are handed out one executor's worth at a time; spreading
// out moves to the next worker after every grant.
//
// With CoresPerExecutor unset an application gets at most one executor per
// worker, which takes every core granted on that worker.
func scheduleExecutorsOnWorkers(app *types.ApplicationInfo, usable []*types.WorkerInfo, spreadOut bool) []int {
	coresPerExecutor := app.Desc.CoresPerExecutor
	minCores := coresPerExecutor
	if minCores <= 0 {
		minCores = 1
	}
	oneExecutorPerWorker := coresPerExecutor <= 0
	memoryPerExecutor := app.Desc.MemoryPerExecutorMB

	assignedCores := make([]int, len(usable))
	assignedExecutors := make([]int, len(usable))
	totalFree := 0
	for _, w := range usable {
		totalFree += w.CoresFree()
	}
	coresToAssign := min(app.CoresLeft(), totalFree)

	sum := func(xs []int) int {
		total := 0
		for _, x := range xs {
			total += x
		}
		return total
	}

	canLaunchExecutor := func(pos int) bool {
		keepScheduling := coresToAssign >= minCores
		enoughCores := usable[pos].CoresFree()-assignedCores[pos] >= minCores
		launchingNew := !oneExecutorPerWorker || assignedExecutors[pos] == 0
		if !launchingNew {
			return keepScheduling && enoughCores
		}
		enoughMemory := usable[pos].MemoryFree()-assignedExecutors[pos]*memoryPerExecutor >= memoryPerExecutor
		underLimit := sum(assignedExecutors)+len(app.Executors) < app.ExecutorLimit
		return keepScheduling && enoughCores && enoughMemory && underLimit
	}

	free := make([]int, 0, len(usable))
	for pos := range usable {
		if canLaunchExecutor(pos) {
			free = append(free, pos)
		}
	}
	for len(free) > 0 {
		for _, pos := range free {
			keepScheduling := true
			for keepScheduling && canLaunchExecutor(pos) {
				coresToAssign -= minCores
				assignedCores[pos] += minCores
				if oneExecutorPerWorker {
					assignedExecutors[pos] = 1
				} else {
					assignedExecutors[pos]++
				}
				if spreadOut {
					keepScheduling = false
				}
			}
		}
		next := free[:0]
		for _, pos := range free {
			if canLaunchExecutor(pos) {
				next = append(next, pos)
			}
		}
		free = next
	}
	return assignedCores
}

func (m *Master) allocateWorkerResources(app *types.ApplicationInfo, assignedCores int, worker *types.WorkerInfo) {
	numExecutors, coresEach := 1, assignedCores
	if app.Desc.CoresPerExecutor > 0 {
		numExecutors = assignedCores / app.Desc.CoresPerExecutor
		coresEach = app.Desc.CoresPerExecutor
	}
	for i := 0; i < numExecutors; i++ {
		exec := app.AddExecutor(worker, coresEach, app.Desc.MemoryPerExecutorMB, nil)
		m.launchExecutor(worker, exec)
		app.State = types.AppRunning
	}
}

func (m *Master) launchExecutor(worker *types.WorkerInfo, exec *types.ExecutorInfo) {
	m.logger.Info().Str("executor", exec.FullID()).Str("worker_id", worker.ID).Int("cores", exec.Cores).
		Int("memory_mb", exec.MemoryMB).Msg("Launching executor")

	worker.AddExecutor(exec)
	m.send(worker.Ref, &messages.LaunchExecutor{
		MasterURL: m.masterURL(),
		AppID:     exec.App.ID,
		ExecID:    exec.ID,
		AppDesc:   exec.App.Desc,
		Cores:     exec.Cores,
		MemoryMB:  exec.MemoryMB,
	})
	m.send(exec.App.Driver, &messages.ExecutorAdded{
		ID:       exec.ID,
		WorkerID: worker.ID,
		HostPort: worker.Address().HostPort(),
		Cores:    exec.Cores,
		MemoryMB: exec.MemoryMB,
	})

	metrics.ExecutorsLaunched.Inc()
	m.publish(events.EventExecutorLaunched, "executor "+exec.FullID()+" launched on "+worker.ID, map[string]string{
		"app_id":    exec.App.ID,
		"worker_id": worker.ID,
	})
}

func (m *Master) launchDriver(worker *types.WorkerInfo, driver *types.DriverInfo) {
	m.logger.Info().Str("driver_id", driver.ID).Str("worker_id", worker.ID).Msg("Launching driver")

	worker.AddDriver(driver)
	driver.Worker = worker
	driver.State = types.DriverRunning
	m.send(worker.Ref, &messages.LaunchDriver{DriverID: driver.ID, Desc: driver.Desc})
	metrics.DriversLaunched.Inc()
}
