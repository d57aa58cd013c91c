package master

import (
	"fmt"

	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/types"
)

func (m *Master) newDriverID() string {
	id := fmt.Sprintf("driver-%s-%04d", m.clock.Now().UTC().Format(appIDTimeFormat), m.nextDriverNumber)
	m.nextDriverNumber++
	return id
}

func (m *Master) notAliveMessage(what string) string {
	return fmt.Sprintf("can only %s in ALIVE state, current state: %s", what, m.state)
}

func (m *Master) submitDriver(msg *messages.RequestSubmitDriver) *messages.SubmitDriverResponse {
	if m.state != types.RecoveryAlive {
		return &messages.SubmitDriverResponse{Master: m.self, Message: m.notAliveMessage("accept driver submissions")}
	}

	driver := types.NewDriverInfo(m.newDriverID(), msg.Desc, m.clock.Now())
	m.persist("driver", m.engine.AddDriver(driver))
	m.drivers[driver.ID] = driver
	m.waitingDrivers = append(m.waitingDrivers, driver)

	m.logger.Info().Str("driver_id", driver.ID).Msg("Driver submitted")
	m.publish(events.EventDriverSubmitted, "driver "+driver.ID+" submitted", map[string]string{"driver_id": driver.ID})
	m.schedule()

	return &messages.SubmitDriverResponse{
		Master:   m.self,
		Success:  true,
		DriverID: driver.ID,
		Message:  "driver successfully submitted as " + driver.ID,
	}
}

// killDriver kills a waiting or running driver. Unknown ids get a negative
// answer and change nothing.
func (m *Master) killDriver(msg *messages.RequestKillDriver) *messages.KillDriverResponse {
	resp := &messages.KillDriverResponse{Master: m.self, DriverID: msg.DriverID}
	if m.state != types.RecoveryAlive {
		resp.Message = m.notAliveMessage("kill drivers")
		return resp
	}

	driver, ok := m.drivers[msg.DriverID]
	if !ok {
		resp.Message = "driver " + msg.DriverID + " has already finished or does not exist"
		m.logger.Warn().Str("driver_id", msg.DriverID).Msg(resp.Message)
		return resp
	}

	m.logger.Info().Str("driver_id", driver.ID).Msg("Asked to kill driver")
	if containsDriver(m.waitingDrivers, driver) {
		m.waitingDrivers = withoutDriver(m.waitingDrivers, driver)
		// not running anywhere; finish it through the normal path
		m.send(m.self, &messages.DriverStateChanged{DriverID: driver.ID, State: types.DriverKilled})
	} else if driver.Worker != nil {
		m.send(driver.Worker.Ref, &messages.KillDriver{DriverID: driver.ID})
	}
	m.publish(events.EventDriverKilled, "kill requested for driver "+driver.ID, map[string]string{"driver_id": driver.ID})

	resp.Success = true
	resp.Message = "kill request for " + driver.ID + " submitted"
	return resp
}

func (m *Master) driverStatus(msg *messages.RequestDriverStatus) *messages.DriverStatusResponse {
	if m.state != types.RecoveryAlive {
		return &messages.DriverStatusResponse{Exception: m.notAliveMessage("request driver status")}
	}

	driver, ok := m.drivers[msg.DriverID]
	if !ok {
		for _, d := range m.completedDrivers {
			if d.ID == msg.DriverID {
				driver, ok = d, true
			}
		}
	}
	if !ok {
		return &messages.DriverStatusResponse{}
	}

	resp := &messages.DriverStatusResponse{Found: true, State: driver.State, Exception: driver.Exception}
	if driver.Worker != nil {
		resp.WorkerID = driver.Worker.ID
		resp.WorkerHostPort = driver.Worker.Address().HostPort()
	}
	return resp
}

func (m *Master) driverStateChanged(msg *messages.DriverStateChanged) {
	switch msg.State {
	case types.DriverError, types.DriverFinished, types.DriverKilled, types.DriverFailed:
		m.removeDriver(msg.DriverID, msg.State, msg.Exception)
	case types.DriverRunning:
		if driver, ok := m.drivers[msg.DriverID]; ok {
			driver.State = types.DriverRunning
		}
	default:
		m.violation(msg)
		return
	}
	m.publish(events.EventDriverChanged, "driver "+msg.DriverID+" is "+string(msg.State), map[string]string{
		"driver_id": msg.DriverID,
		"state":     string(msg.State),
	})
}

func (m *Master) removeDriver(driverID string, state types.DriverState, exception string) {
	driver, ok := m.drivers[driverID]
	if !ok {
		m.logger.Warn().Str("driver_id", driverID).Msg("Asked to remove unknown driver")
		return
	}
	m.logger.Info().Str("driver_id", driverID).Str("state", string(state)).Msg("Removing driver")

	delete(m.drivers, driverID)
	m.waitingDrivers = withoutDriver(m.waitingDrivers, driver)
	m.completedDrivers = append(m.completedDrivers, driver)
	if over := len(m.completedDrivers) - m.cfg.RetainedDrivers; over > 0 {
		m.completedDrivers = m.completedDrivers[over:]
	}

	m.persist("driver", m.engine.RemoveDriver(driver))
	driver.State = state
	driver.Exception = exception
	if driver.Worker != nil {
		driver.Worker.RemoveDriver(driver)
	}
	m.schedule()
}

// relaunchDriver puts a driver whose worker was lost back in the queue
func (m *Master) relaunchDriver(driver *types.DriverInfo) {
	if driver.Worker != nil {
		driver.Worker.RemoveDriver(driver)
		driver.Worker = nil
	}
	driver.State = types.DriverRelaunching
	m.waitingDrivers = append(m.waitingDrivers, driver)
	m.schedule()
}

func containsDriver(drivers []*types.DriverInfo, driver *types.DriverInfo) bool {
	for _, d := range drivers {
		if d == driver {
			return true
		}
	}
	return false
}

func withoutDriver(drivers []*types.DriverInfo, driver *types.DriverInfo) []*types.DriverInfo {
	for i, d := range drivers {
		if d == driver {
			return append(drivers[:i:i], drivers[i+1:]...)
		}
	}
	return drivers
}
