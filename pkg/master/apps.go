package master

import (
	"fmt"
	"strconv"

	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

const appIDTimeFormat = "20060102150405"

func (m *Master) newApplicationID() string {
	id := fmt.Sprintf("app-%s-%04d", m.clock.Now().UTC().Format(appIDTimeFormat), m.nextAppNumber)
	m.nextAppNumber++
	return id
}

func (m *Master) registerApplication(msg *messages.RegisterApplication, call *rpc.Call) {
	if m.state == types.RecoveryStandby {
		// the client tries the other masters
		if call != nil {
			call.Fail(ErrStandby)
		}
		return
	}
	if msg.Driver == nil {
		m.violation(msg)
		if call != nil {
			call.Fail(fmt.Errorf("application %q registered without a driver reference", msg.Desc.Name))
		}
		return
	}

	if existing, ok := m.endpointToApp[msg.Driver.Address]; ok {
		// a retried registration from the same client
		m.logger.Info().Str("app_id", existing.ID).Msg("Application already registered")
		m.respond(call, msg.Driver, &messages.RegisteredApplication{AppID: existing.ID, Master: m.self})
		return
	}

	app := types.NewApplicationInfo(m.newApplicationID(), msg.Desc, msg.Driver, m.clock.Now())
	m.addApplication(app)
	m.persist("app", m.engine.AddApplication(app))

	m.logger.Info().Str("app_id", app.ID).Str("name", app.Desc.Name).Msg("Registered application")
	m.publish(events.EventAppRegistered, "application "+app.ID+" registered", map[string]string{
		"app_id": app.ID,
		"name":   app.Desc.Name,
	})
	m.respond(call, msg.Driver, &messages.RegisteredApplication{AppID: app.ID, Master: m.self})
	m.schedule()
}

func (m *Master) addApplication(app *types.ApplicationInfo) {
	m.apps[app.ID] = app
	m.endpointToApp[app.Driver.Address] = app
	m.waitingApps = append(m.waitingApps, app)
}

func (m *Master) unregisterApplication(msg *messages.UnregisterApplication) {
	app, ok := m.apps[msg.AppID]
	if !ok {
		return
	}
	m.logger.Info().Str("app_id", app.ID).Msg("Received unregister request from application")
	m.removeApplication(app, types.AppFinished)
}

// removeApplication finishes an application, kills its executors and tells
// workers they may clean up after it
func (m *Master) removeApplication(app *types.ApplicationInfo, state types.ApplicationState) {
	if _, ok := m.apps[app.ID]; !ok {
		return
	}
	m.logger.Info().Str("app_id", app.ID).Str("state", string(state)).Msg("Removing application")

	delete(m.apps, app.ID)
	if m.endpointToApp[app.Driver.Address] == app {
		delete(m.endpointToApp, app.Driver.Address)
	}
	m.waitingApps = withoutApp(m.waitingApps, app)
	app.MarkFinished(state, m.clock.Now())

	m.completedApps = append(m.completedApps, app)
	if over := len(m.completedApps) - m.cfg.RetainedApplications; over > 0 {
		m.completedApps = m.completedApps[over:]
	}

	for _, exec := range sortedAppExecutors(app) {
		m.killExecutor(exec)
		app.RemoveExecutor(exec)
	}
	if state != types.AppFinished {
		m.send(app.Driver, &messages.ApplicationRemoved{Message: string(state)})
	}
	m.persist("app", m.engine.RemoveApplication(app))

	for _, worker := range m.aliveWorkers() {
		m.send(worker.Ref, &messages.ApplicationFinished{AppID: app.ID})
	}
	m.publish(events.EventAppRemoved, "application "+app.ID+" removed as "+string(state), map[string]string{
		"app_id": app.ID,
		"state":  string(state),
	})
	m.schedule()
}

// requestExecutors sets the executor limit of an application
func (m *Master) requestExecutors(msg *messages.RequestExecutors) bool {
	app, ok := m.apps[msg.AppID]
	if !ok || m.state != types.RecoveryAlive {
		m.logger.Warn().Str("app_id", msg.AppID).Msg("Unknown application requested executors")
		return false
	}
	if msg.RequestedTotal < 0 {
		m.logger.Warn().Str("app_id", msg.AppID).Int("total", msg.RequestedTotal).Msg("Negative executor request ignored")
		return false
	}
	m.logger.Info().Str("app_id", app.ID).Int("total", msg.RequestedTotal).Msg("Application requested executors")
	app.ExecutorLimit = msg.RequestedTotal
	m.schedule()
	return true
}

// killExecutors kills the listed executors of an application. Ids that are
// unknown or already gone are skipped.
func (m *Master) killExecutors(msg *messages.KillExecutors) bool {
	app, ok := m.apps[msg.AppID]
	if !ok || m.state != types.RecoveryAlive {
		m.logger.Warn().Str("app_id", msg.AppID).Msg("Unknown application asked to kill executors")
		return false
	}

	for _, raw := range msg.ExecutorIDs {
		id, err := strconv.Atoi(raw)
		if err != nil {
			m.logger.Warn().Str("app_id", app.ID).Str("executor_id", raw).Msg("Ignoring malformed executor id")
			continue
		}
		exec, ok := app.Executors[id]
		if !ok {
			continue
		}
		app.RemoveExecutor(exec)
		m.killExecutor(exec)
	}
	m.schedule()
	return true
}

func (m *Master) killExecutor(exec *types.ExecutorInfo) {
	exec.Worker.RemoveExecutor(exec)
	m.send(exec.Worker.Ref, &messages.KillExecutor{MasterURL: m.masterURL(), AppID: exec.App.ID, ExecID: exec.ID})
	exec.State = types.ExecutorKilled
}

func (m *Master) executorStateChanged(msg *messages.ExecutorStateChanged) {
	app, ok := m.apps[msg.AppID]
	if !ok {
		m.logger.Warn().Str("app_id", msg.AppID).Int("exec_id", msg.ExecID).Msg("State update for executor of unknown application")
		return
	}
	exec, ok := app.Executors[msg.ExecID]
	if !ok {
		m.logger.Warn().Str("app_id", msg.AppID).Int("exec_id", msg.ExecID).Msg("State update for unknown executor")
		return
	}

	metrics.ExecutorStateChanges.WithLabelValues(string(msg.State)).Inc()
	oldState := exec.State
	exec.State = msg.State
	if msg.State == types.ExecutorRunning {
		if oldState != types.ExecutorLaunching {
			m.logger.Warn().Str("executor", exec.FullID()).Str("old_state", string(oldState)).Msg("Executor running from unexpected state")
		}
		app.RetryCount = 0
	}

	m.send(app.Driver, &messages.ExecutorUpdated{
		ID:         exec.ID,
		State:      msg.State,
		Message:    msg.Message,
		ExitStatus: msg.ExitStatus,
	})
	m.publish(events.EventExecutorChanged, "executor "+exec.FullID()+" is "+string(msg.State), map[string]string{
		"app_id":    app.ID,
		"worker_id": exec.Worker.ID,
		"state":     string(msg.State),
	})

	if !msg.State.IsFinished() {
		return
	}

	m.logger.Info().Str("executor", exec.FullID()).Str("state", string(msg.State)).Msg("Executor finished")
	exec.Worker.RemoveExecutor(exec)
	app.RemoveExecutor(exec)

	normalExit := msg.State == types.ExecutorKilled || (msg.ExitStatus != nil && *msg.ExitStatus == 0)
	if !normalExit && m.cfg.MaxExecutorRetries >= 0 {
		app.RetryCount++
		if app.RetryCount >= m.cfg.MaxExecutorRetries && !hasRunningExecutor(app) {
			m.logger.Error().Str("app_id", app.ID).Int("failures", app.RetryCount).Msg("Application failed repeatedly, removing it")
			m.removeApplication(app, types.AppFailed)
			return
		}
	}
	m.schedule()
}

func (m *Master) activeApps() []*types.ApplicationInfo {
	out := make([]*types.ApplicationInfo, 0, len(m.apps))
	for _, app := range m.waitingApps {
		out = append(out, app)
	}
	return out
}

func hasRunningExecutor(app *types.ApplicationInfo) bool {
	for _, exec := range app.Executors {
		if exec.State == types.ExecutorRunning {
			return true
		}
	}
	return false
}

func sortedAppExecutors(app *types.ApplicationInfo) []*types.ExecutorInfo {
	execs := make(map[string]*types.ExecutorInfo, len(app.Executors))
	for _, exec := range app.Executors {
		execs[exec.FullID()] = exec
	}
	return sortedExecutors(execs)
}

func withoutApp(apps []*types.ApplicationInfo, app *types.ApplicationInfo) []*types.ApplicationInfo {
	for i, a := range apps {
		if a == app {
			return append(apps[:i:i], apps[i+1:]...)
		}
	}
	return apps
}
