package master

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

func (m *Master) registerWorker(msg *messages.RegisterWorker, call *rpc.Call) {
	logger := m.logger.With().Str("worker_id", msg.WorkerID).Str("host", msg.Host).Int("port", msg.Port).Logger()

	if m.state == types.RecoveryStandby {
		m.respond(call, msg.Worker, &messages.MasterInStandby{})
		return
	}

	reject := func(reason string) {
		logger.Warn().Str("reason", reason).Msg("Rejected worker registration")
		m.publish(events.EventWorkerRejected, reason, map[string]string{"worker_id": msg.WorkerID})
		m.respond(call, msg.Worker, &messages.RegisterWorkerFailed{Message: reason})
	}

	switch {
	case msg.WorkerID == "":
		reject("worker id is empty")
		return
	case msg.Worker == nil:
		reject("worker reference is missing")
		return
	case msg.Cores <= 0 || msg.MemoryMB <= 0:
		reject(fmt.Sprintf("invalid resources: %d cores, %d MB", msg.Cores, msg.MemoryMB))
		return
	}

	addr := rpc.Address{Host: msg.Host, Port: msg.Port}
	if other, ok := m.addressToWorker[addr]; ok && other.ID != msg.WorkerID {
		switch other.State {
		case types.WorkerUnknown, types.WorkerDead:
			// a previous incarnation that never answered the recovery
			m.removeWorker(other, "replaced by a new worker at the same address")
		default:
			reject("duplicate worker address " + addr.HostPort())
			return
		}
	}

	duplicate, pending := false, false
	if old, ok := m.idToWorker[msg.WorkerID]; ok {
		if old.State == types.WorkerUnknown {
			// recovered entry: the worker reports its executors next
			pending = true
			m.forgetWorker(old)
		} else {
			duplicate = true
			logger.Info().Msg("Worker re-registered, superseding previous entry")
			m.removeWorker(old, "superseded by a new registration")
		}
	}

	worker := types.NewWorkerInfo(msg.WorkerID, msg.Host, msg.Port, msg.Cores, msg.MemoryMB, msg.Worker)
	worker.LastHeartbeat = m.clock.Now()
	if pending {
		// recovery waits for its scheduler state like for any other
		// recovered worker
		worker.State = types.WorkerUnknown
	}
	m.addWorker(worker)
	m.persist("worker", m.engine.AddWorker(worker))

	logger.Info().
		Int("cores", msg.Cores).
		Int("memory_mb", msg.MemoryMB).
		Bool("duplicate", duplicate).
		Bool("awaiting_state", pending).
		Msg("Registered worker")
	m.publish(events.EventWorkerRegistered, "worker "+worker.ID+" registered", map[string]string{
		"worker_id": worker.ID,
		"address":   addr.HostPort(),
	})
	m.respond(call, msg.Worker, &messages.RegisteredWorker{
		Master:         m.self,
		MasterWebUIURL: m.cfg.WebUIURL,
		Duplicate:      duplicate,
	})
	m.schedule()
}

func (m *Master) addWorker(worker *types.WorkerInfo) {
	m.workers[worker.ID] = worker
	m.idToWorker[worker.ID] = worker
	m.addressToWorker[worker.Address()] = worker
}

// forgetWorker drops a worker entry without any cascade
func (m *Master) forgetWorker(worker *types.WorkerInfo) {
	delete(m.workers, worker.ID)
	if m.idToWorker[worker.ID] == worker {
		delete(m.idToWorker, worker.ID)
	}
	if m.addressToWorker[worker.Address()] == worker {
		delete(m.addressToWorker, worker.Address())
	}
}

func (m *Master) workerHeartbeat(msg *messages.WorkerHeartbeat) {
	if m.state == types.RecoveryStandby {
		return
	}

	worker, ok := m.idToWorker[msg.WorkerID]
	if !ok {
		m.logger.Warn().Str("worker_id", msg.WorkerID).Msg("Heartbeat from unregistered worker, asking it to re-register")
		m.send(msg.Worker, &messages.ReconnectWorker{Master: m.self})
		return
	}
	worker.LastHeartbeat = m.clock.Now()
	metrics.HeartbeatsReceived.Inc()
}

// workerLatestState kills what a freshly registered worker runs that the
// master does not know about
func (m *Master) workerLatestState(msg *messages.WorkerLatestState) {
	worker, ok := m.idToWorker[msg.WorkerID]
	if !ok {
		m.logger.Warn().Str("worker_id", msg.WorkerID).Msg("Latest state from unknown worker")
		return
	}
	if worker.State == types.WorkerUnknown {
		// restarted while the master recovered: nothing it runs is ours
		worker.State = types.WorkerAlive
		defer m.completeRecoveryIfReady()
	}

	for _, desc := range msg.Executors {
		if _, known := worker.Executors[fmt.Sprintf("%s/%d", desc.AppID, desc.ExecID)]; known {
			continue
		}
		m.logger.Info().Str("worker_id", worker.ID).Str("app_id", desc.AppID).Int("exec_id", desc.ExecID).
			Msg("Killing executor unknown to the master")
		m.send(worker.Ref, &messages.KillExecutor{MasterURL: m.masterURL(), AppID: desc.AppID, ExecID: desc.ExecID})
	}
	for _, driverID := range msg.DriverIDs {
		if _, known := worker.Drivers[driverID]; known {
			continue
		}
		m.logger.Info().Str("worker_id", worker.ID).Str("driver_id", driverID).Msg("Killing driver unknown to the master")
		m.send(worker.Ref, &messages.KillDriver{DriverID: driverID})
	}
}

// timeOutDeadWorkers is the liveness sweep
func (m *Master) timeOutDeadWorkers() {
	if m.state == types.RecoveryStandby {
		return
	}

	now := m.clock.Now()
	reapAfter := m.cfg.WorkerTimeout * time.Duration(m.cfg.ReaperIterations+1)

	for _, worker := range m.sortedWorkers() {
		silence := now.Sub(worker.LastHeartbeat)
		if silence <= m.cfg.WorkerTimeout {
			continue
		}
		if worker.State != types.WorkerDead {
			m.logger.Warn().Str("worker_id", worker.ID).Dur("silence", silence).Msg("Removing worker after heartbeat timeout")
			metrics.WorkersRemoved.WithLabelValues("timeout").Inc()
			m.removeWorker(worker, fmt.Sprintf("not receiving heartbeat for %s", silence.Round(time.Second)))
		} else if silence > reapAfter {
			delete(m.workers, worker.ID)
		}
	}
}

// removeWorker marks a worker dead and cascades the loss to everything it
// hosted. Applications learn each lost executor and the worker removal.
func (m *Master) removeWorker(worker *types.WorkerInfo, reason string) {
	if worker.State == types.WorkerDead {
		return
	}
	m.logger.Info().Str("worker_id", worker.ID).Str("reason", reason).Msg("Removing worker")

	worker.State = types.WorkerDead
	if m.idToWorker[worker.ID] == worker {
		delete(m.idToWorker, worker.ID)
	}
	if m.addressToWorker[worker.Address()] == worker {
		delete(m.addressToWorker, worker.Address())
	}

	for _, exec := range sortedExecutors(worker.Executors) {
		m.logger.Info().Str("executor", exec.FullID()).Msg("Telling app executor is lost")
		m.send(exec.App.Driver, &messages.ExecutorUpdated{
			ID:         exec.ID,
			State:      types.ExecutorLost,
			Message:    "worker lost",
			WorkerLost: true,
		})
		exec.State = types.ExecutorLost
		exec.App.RemoveExecutor(exec)
		worker.RemoveExecutor(exec)
		m.publish(events.EventExecutorLost, "executor "+exec.FullID()+" lost with worker "+worker.ID, map[string]string{
			"app_id":    exec.App.ID,
			"worker_id": worker.ID,
		})
	}

	for _, driver := range sortedDrivers(worker.Drivers) {
		worker.RemoveDriver(driver)
		if driver.Desc.Supervise {
			m.logger.Info().Str("driver_id", driver.ID).Msg("Relaunching supervised driver")
			m.relaunchDriver(driver)
		} else {
			m.logger.Info().Str("driver_id", driver.ID).Msg("Not relaunching unsupervised driver")
			m.removeDriver(driver.ID, types.DriverError, "worker "+worker.ID+" lost")
		}
	}

	for _, app := range m.activeApps() {
		m.send(app.Driver, &messages.WorkerRemoved{ID: worker.ID, Host: worker.Host, Message: reason})
	}

	m.persist("worker", m.engine.RemoveWorker(worker))
	m.publish(events.EventWorkerRemoved, "worker "+worker.ID+" removed: "+reason, map[string]string{
		"worker_id": worker.ID,
		"reason":    reason,
	})
	m.schedule()
}

func (m *Master) sortedWorkers() []*types.WorkerInfo {
	out := make([]*types.WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Master) aliveWorkers() []*types.WorkerInfo {
	var out []*types.WorkerInfo
	for _, w := range m.sortedWorkers() {
		if w.IsAlive() {
			out = append(out, w)
		}
	}
	return out
}

func sortedExecutors(execs map[string]*types.ExecutorInfo) []*types.ExecutorInfo {
	out := make([]*types.ExecutorInfo, 0, len(execs))
	for _, e := range execs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].App.ID != out[j].App.ID {
			return out[i].App.ID < out[j].App.ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedDrivers(drivers map[string]*types.DriverInfo) []*types.DriverInfo {
	out := make([]*types.DriverInfo, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
