package master

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/election"
	"github.com/cuemby/spindle/pkg/events"
	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/storage"
	"github.com/cuemby/spindle/pkg/types"
)

// ErrStandby is the failure of asks a standby master cannot serve
var ErrStandby = errors.New("master is in standby")

// Master owns the cluster registry. Every field below the config is only
// touched from the master's mailbox.
type Master struct {
	cfg        Config
	env        *rpc.Env
	clock      clock.Clock
	engine     storage.PersistenceEngine
	agent      election.Agent
	broker     *events.Broker
	ownsBroker bool
	logger     zerolog.Logger

	self          *rpc.Ref
	state         types.RecoveryState
	recoveryStart time.Time
	recoveryTimer *clock.Timer

	// workers includes dead workers until they are reaped
	workers         map[string]*types.WorkerInfo
	idToWorker      map[string]*types.WorkerInfo
	addressToWorker map[rpc.Address]*types.WorkerInfo

	apps          map[string]*types.ApplicationInfo
	endpointToApp map[rpc.Address]*types.ApplicationInfo
	waitingApps   []*types.ApplicationInfo
	completedApps []*types.ApplicationInfo
	nextAppNumber int

	drivers          map[string]*types.DriverInfo
	waitingDrivers   []*types.DriverInfo
	completedDrivers []*types.DriverInfo
	nextDriverNumber int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a master hosted by env. Call Start to register it.
func New(env *rpc.Env, cfg Config) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid master config: %w", err)
	}

	m := &Master{
		cfg:    cfg,
		env:    env,
		clock:  cfg.Clock,
		engine: cfg.Engine,
		agent:  cfg.Agent,
		broker: cfg.Broker,
		logger: log.WithComponent("master").With().Str("address", env.Address().HostPort()).Logger(),
		state:  types.RecoveryStandby,
		stopCh: make(chan struct{}),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.engine == nil {
		m.engine = storage.NoopEngine{}
	}
	if m.agent == nil {
		m.agent = election.MonarchyAgent{}
	}
	if m.broker == nil {
		m.broker = events.NewBroker()
		m.broker.Start()
		m.ownsBroker = true
	}
	m.resetRegistry()
	return m, nil
}

// Start registers the master endpoint and joins the leader election
func (m *Master) Start() (*rpc.Ref, error) {
	ref, err := m.env.Setup(EndpointName, m)
	if err != nil {
		return nil, err
	}
	if err := m.agent.Start(election.NotifyRef(ref)); err != nil {
		m.env.Stop(ref)
		return nil, fmt.Errorf("failed to start leader election: %w", err)
	}
	return ref, nil
}

// Stop leaves the election and stops the master endpoint
func (m *Master) Stop() error {
	err := m.agent.Stop()
	m.env.Stop(m.env.Ref(EndpointName, m.env.Address()))
	if err != nil {
		return fmt.Errorf("failed to stop leader election: %w", err)
	}
	return nil
}

// Broker returns the event broker the master publishes to
func (m *Master) Broker() *events.Broker {
	return m.broker
}

func (m *Master) resetRegistry() {
	m.workers = make(map[string]*types.WorkerInfo)
	m.idToWorker = make(map[string]*types.WorkerInfo)
	m.addressToWorker = make(map[rpc.Address]*types.WorkerInfo)
	m.apps = make(map[string]*types.ApplicationInfo)
	m.endpointToApp = make(map[rpc.Address]*types.ApplicationInfo)
	m.waitingApps = nil
	m.completedApps = nil
	m.drivers = make(map[string]*types.DriverInfo)
	m.waitingDrivers = nil
	m.completedDrivers = nil
}

func (m *Master) OnStart(self *rpc.Ref) {
	m.self = self
	m.logger.Info().Str("url", self.Address.URL()).Msg("Master started")

	ticker := m.clock.Ticker(m.cfg.WorkerTimeout / 4)
	m.wg.Add(1)
	go m.tick(ticker, func() any { return &messages.CheckForWorkerTimeOut{} })
}

func (m *Master) OnStop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
	}
	if err := m.engine.Close(); err != nil {
		m.logger.Error().Err(err).Msg("Failed to close persistence engine")
	}
	if m.ownsBroker {
		m.broker.Stop()
	}
	metrics.MasterIsLeader.Set(0)
	m.logger.Info().Msg("Master stopped")
}

// tick sends a fresh local message to the master on every tick
func (m *Master) tick(ticker *clock.Ticker, msg func() any) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.self.Send(msg()); err != nil {
				m.logger.Debug().Err(err).Msg("Failed to deliver tick")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Master) Receive(msg any) {
	metrics.MessagesDispatched.WithLabelValues("master").Inc()

	switch msg := msg.(type) {
	// leadership
	case *messages.ElectedLeader:
		m.electedLeader()
	case *messages.RevokedLeadership:
		m.revokedLeadership()
	case *messages.CompleteRecovery:
		m.completeRecovery()
	case *messages.CheckForWorkerTimeOut:
		m.timeOutDeadWorkers()

	// workers
	case *messages.RegisterWorker:
		m.registerWorker(msg, nil)
	case *messages.WorkerHeartbeat:
		m.workerHeartbeat(msg)
	case *messages.WorkerLatestState:
		m.workerLatestState(msg)
	case *messages.ExecutorStateChanged:
		m.executorStateChanged(msg)
	case *messages.DriverStateChanged:
		m.driverStateChanged(msg)

	// applications
	case *messages.RegisterApplication:
		m.registerApplication(msg, nil)
	case *messages.UnregisterApplication:
		m.unregisterApplication(msg)

	// failover
	case *messages.MasterChangeAcknowledged:
		m.masterChangeAcknowledged(msg)
	case *messages.WorkerSchedulerStateResponse:
		m.workerSchedulerStateResponse(msg)

	default:
		m.violation(msg)
	}
}

func (m *Master) ReceiveAndReply(msg any, call *rpc.Call) {
	metrics.MessagesDispatched.WithLabelValues("master").Inc()

	switch msg := msg.(type) {
	case *messages.RegisterWorker:
		m.registerWorker(msg, call)
	case *messages.RegisterApplication:
		m.registerApplication(msg, call)
	case *messages.RequestExecutors:
		call.Reply(m.requestExecutors(msg))
	case *messages.KillExecutors:
		call.Reply(m.killExecutors(msg))
	case *messages.RequestSubmitDriver:
		call.Reply(m.submitDriver(msg))
	case *messages.RequestKillDriver:
		call.Reply(m.killDriver(msg))
	case *messages.RequestDriverStatus:
		call.Reply(m.driverStatus(msg))
	case *messages.RequestMasterState:
		call.Reply(m.masterState())
	default:
		m.violation(msg)
		call.Fail(fmt.Errorf("master does not answer %s", messages.TypeName(msg)))
	}
}

// violation logs and drops a message the master does not handle
func (m *Master) violation(msg any) {
	metrics.ProtocolViolations.WithLabelValues("master").Inc()
	m.logger.Warn().
		Str("message", messages.TypeName(msg)).
		Str("state", string(m.state)).
		Msg("Dropping unexpected message")
}

// respond answers an ask, or sends the reply to ref when the request was
// a plain send
func (m *Master) respond(call *rpc.Call, ref *rpc.Ref, reply any) {
	if call != nil {
		call.Reply(reply)
		return
	}
	if err := ref.Send(reply); err != nil {
		m.logger.Warn().Err(err).Str("to", ref.String()).Str("message", messages.TypeName(reply)).Msg("Failed to send reply")
	}
}

// send delivers msg to a role, logging failures. Roles that cannot be
// reached are removed by their own failure detection.
func (m *Master) send(ref *rpc.Ref, msg any) {
	if ref == nil {
		return
	}
	if err := ref.Send(msg); err != nil {
		m.logger.Warn().Err(err).Str("to", ref.String()).Str("message", messages.TypeName(msg)).Msg("Failed to send")
	}
}

func (m *Master) publish(t events.EventType, message string, metadata map[string]string) {
	m.broker.Publish(&events.Event{
		Type:      t,
		Timestamp: m.clock.Now(),
		Message:   message,
		Metadata:  metadata,
	})
}

// persist runs a persistence write; failures are logged, the in-memory
// registry stays authoritative while this master leads
func (m *Master) persist(what string, err error) {
	if err != nil {
		m.logger.Error().Err(err).Str("record", what).Msg("Failed to persist registry change")
	}
}

func (m *Master) masterURL() string {
	return m.self.Address.URL()
}
