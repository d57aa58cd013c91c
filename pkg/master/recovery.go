package master

import (
	"fmt"

	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/storage"
	"github.com/cuemby/spindle/pkg/types"
)

func (m *Master) electedLeader() {
	if m.state != types.RecoveryStandby {
		return
	}

	data, err := m.engine.ReadPersistedData()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to read persisted registry, starting empty")
		data = &storage.PersistedData{}
	}

	metrics.MasterIsLeader.Set(1)
	m.publish(events.EventLeadershipElected, "master elected leader", map[string]string{"url": m.masterURL()})

	if data.Empty() {
		m.state = types.RecoveryAlive
		m.logger.Info().Msg("I have been elected leader, no state to recover")
		m.schedule()
		return
	}

	m.state = types.RecoveryRecovering
	m.recoveryStart = m.clock.Now()
	m.logger.Info().
		Int("apps", len(data.Apps)).
		Int("workers", len(data.Workers)).
		Int("drivers", len(data.Drivers)).
		Msg("I have been elected leader, recovering registry")
	m.beginRecovery(data)

	m.recoveryTimer = m.clock.AfterFunc(m.cfg.WorkerTimeout, func() {
		if err := m.self.Send(&messages.CompleteRecovery{}); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to deliver recovery deadline")
		}
	})
}

// beginRecovery restores the persisted registry with every worker and
// application in UNKNOWN state and announces the new master to them
func (m *Master) beginRecovery(data *storage.PersistedData) {
	announce := &messages.MasterChanged{Master: m.self, MasterWebUIURL: m.cfg.WebUIURL}

	for _, app := range data.Apps {
		app.Driver = m.env.Rebind(app.Driver)
		if app.Driver == nil {
			m.logger.Warn().Str("app_id", app.ID).Msg("Dropping persisted application without driver")
			continue
		}
		m.addApplication(app)
		app.State = types.AppUnknown
		m.send(app.Driver, announce)
	}

	for _, driver := range data.Drivers {
		// re-attached when its worker reports it
		m.drivers[driver.ID] = driver
	}

	for _, worker := range data.Workers {
		worker.Ref = m.env.Rebind(worker.Ref)
		if worker.Ref == nil {
			m.logger.Warn().Str("worker_id", worker.ID).Msg("Dropping persisted worker without reference")
			continue
		}
		worker.State = types.WorkerUnknown
		worker.LastHeartbeat = m.clock.Now()
		m.addWorker(worker)
		m.send(worker.Ref, announce)
	}
}

func (m *Master) masterChangeAcknowledged(msg *messages.MasterChangeAcknowledged) {
	app, ok := m.apps[msg.AppID]
	if !ok {
		m.logger.Warn().Str("app_id", msg.AppID).Msg("Master change acknowledged by unknown application")
		return
	}
	m.logger.Info().Str("app_id", app.ID).Msg("Application re-registered")
	if app.State == types.AppUnknown {
		app.State = types.AppWaiting
	}
	m.completeRecoveryIfReady()
}

// workerSchedulerStateResponse re-attaches what a worker runs. Executors the
// registry already holds are never attached twice.
func (m *Master) workerSchedulerStateResponse(msg *messages.WorkerSchedulerStateResponse) {
	worker, ok := m.idToWorker[msg.WorkerID]
	if !ok {
		m.logger.Warn().Str("worker_id", msg.WorkerID).Msg("Scheduler state from unknown worker")
		return
	}
	if m.state != types.RecoveryRecovering {
		// a reconnecting worker; its executors were already reported lost
		m.workerLatestState(&messages.WorkerLatestState{
			WorkerID:  msg.WorkerID,
			Executors: msg.Executors,
			DriverIDs: msg.DriverIDs,
		})
		return
	}
	m.logger.Info().Str("worker_id", worker.ID).Int("executors", len(msg.Executors)).Msg("Worker re-registered")
	worker.State = types.WorkerAlive
	worker.LastHeartbeat = m.clock.Now()

	for _, desc := range msg.Executors {
		app, ok := m.apps[desc.AppID]
		if !ok {
			m.logger.Warn().Str("app_id", desc.AppID).Int("exec_id", desc.ExecID).Msg("Killing executor of unknown application")
			m.send(worker.Ref, &messages.KillExecutor{MasterURL: m.masterURL(), AppID: desc.AppID, ExecID: desc.ExecID})
			continue
		}
		if _, attached := app.Executors[desc.ExecID]; attached {
			continue
		}
		id := desc.ExecID
		exec := app.AddExecutor(worker, desc.Cores, desc.MemoryMB, &id)
		exec.State = desc.State
		worker.AddExecutor(exec)
	}

	for _, driverID := range msg.DriverIDs {
		driver, ok := m.drivers[driverID]
		if !ok {
			continue
		}
		if driver.Worker != nil && driver.Worker != worker {
			driver.Worker.RemoveDriver(driver)
		}
		driver.Worker = worker
		driver.State = types.DriverRunning
		worker.AddDriver(driver)
	}

	m.completeRecoveryIfReady()
}

func (m *Master) completeRecoveryIfReady() {
	if m.state != types.RecoveryRecovering {
		return
	}
	for _, w := range m.workers {
		if w.State == types.WorkerUnknown {
			return
		}
	}
	for _, app := range m.apps {
		if app.State == types.AppUnknown {
			return
		}
	}
	m.completeRecovery()
}

// completeRecovery drops whatever did not answer the announcement and
// resumes scheduling
func (m *Master) completeRecovery() {
	if m.state != types.RecoveryRecovering {
		return
	}
	m.state = types.RecoveryCompletingRecovery
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}

	for _, w := range m.sortedWorkers() {
		if w.State == types.WorkerUnknown {
			m.removeWorker(w, "not responding for recovery")
		}
	}
	for _, app := range m.activeApps() {
		if app.State == types.AppUnknown {
			m.removeApplication(app, types.AppFinished)
		}
	}
	for _, app := range m.waitingApps {
		if app.State == types.AppWaiting && len(app.Executors) > 0 {
			app.State = types.AppRunning
		}
	}

	for _, driver := range sortedDrivers(m.drivers) {
		if driver.Worker != nil || containsDriver(m.waitingDrivers, driver) {
			continue
		}
		if driver.Desc.Supervise {
			m.logger.Info().Str("driver_id", driver.ID).Msg("Re-launching driver after recovery")
			m.relaunchDriver(driver)
		} else {
			m.removeDriver(driver.ID, types.DriverError, "driver was lost during master recovery")
		}
	}

	m.state = types.RecoveryAlive
	duration := m.clock.Since(m.recoveryStart)
	metrics.RecoveryDuration.Observe(duration.Seconds())
	m.logger.Info().Dur("duration", duration).Msg("Recovery complete, resuming operations")
	m.publish(events.EventRecoveryCompleted, fmt.Sprintf("recovery completed in %s", duration), nil)
	m.schedule()
}

// revokedLeadership drops the in-memory registry. The next leader recovers
// it from persistence.
func (m *Master) revokedLeadership() {
	if m.state == types.RecoveryStandby {
		return
	}
	m.logger.Error().Str("state", string(m.state)).Msg("Leadership has been revoked, master going to standby")
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	m.state = types.RecoveryStandby
	m.resetRegistry()
	metrics.MasterIsLeader.Set(0)
	m.publish(events.EventLeadershipRevoked, "master leadership revoked", map[string]string{"url": m.masterURL()})
}
