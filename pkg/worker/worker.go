package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// State is the registration state of a worker
type State string

const (
	StateUnregistered State = "UNREGISTERED"
	StateRegistering  State = "REGISTERING"
	StateRegistered   State = "REGISTERED"
	StateReconnecting State = "RECONNECTING"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// ErrRegistrationFailed is reported on Failures when no master admitted
// the worker
var ErrRegistrationFailed = errors.New("worker registration failed")

const idTimeFormat = "20060102150405"

// Worker hosts executors and drivers for a master. All fields below the
// config are owned by the worker's mailbox.
type Worker struct {
	cfg      Config
	env      *rpc.Env
	clock    clock.Clock
	launcher Launcher
	logger   zerolog.Logger
	id       string

	self           *rpc.Ref
	state          State
	master         *rpc.Ref
	masterWebUIURL string
	cancelRegister context.CancelFunc
	heartbeating   bool

	// early holds master commands that overtook the first RegisteredWorker
	// reply. They are replayed once the worker knows its master.
	early []any

	coresUsed         int
	memoryUsed        int
	executors         map[string]*executorRunner
	finishedExecutors []*executorRunner
	drivers           map[string]*driverRunner
	finishedDrivers   []*driverRunner

	failures chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker hosted by env. Call Start to register it.
func New(env *rpc.Env, cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}

	w := &Worker{
		cfg:       cfg,
		env:       env,
		clock:     cfg.Clock,
		launcher:  cfg.Launcher,
		state:     StateUnregistered,
		executors: make(map[string]*executorRunner),
		drivers:   make(map[string]*driverRunner),
		failures:  make(chan error, 1),
		stopCh:    make(chan struct{}),
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	if w.launcher == nil {
		w.launcher = ExecLauncher{}
	}

	w.id = cfg.ID
	if w.id == "" {
		addr := env.Address()
		w.id = fmt.Sprintf("worker-%s-%s-%d", w.clock.Now().UTC().Format(idTimeFormat), addr.Host, addr.Port)
	}
	w.logger = log.WithWorkerID(w.id)
	return w, nil
}

// Start registers the worker endpoint, which then registers with a master
func (w *Worker) Start() (*rpc.Ref, error) {
	return w.env.Setup(messages.WorkerEndpoint, w)
}

// Stop kills every hosted process and stops the endpoint
func (w *Worker) Stop() {
	w.env.Stop(w.env.Ref(messages.WorkerEndpoint, w.env.Address()))
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.id
}

// Failures reports a registration no master accepted. The worker stays up
// but does nothing useful afterwards.
func (w *Worker) Failures() <-chan error {
	return w.failures
}

func (w *Worker) OnStart(self *rpc.Ref) {
	w.self = self
	w.logger.Info().
		Str("address", self.Address.HostPort()).
		Int("cores", w.cfg.Cores).
		Int("memory_mb", w.cfg.MemoryMB).
		Msg("Worker started")

	w.state = StateRegistering
	w.register(w.masterRefs(nil))
}

func (w *Worker) OnStop() {
	w.state = StateShuttingDown
	w.stopRegistration()
	w.stopOnce.Do(func() { close(w.stopCh) })

	for _, r := range w.sortedExecutors() {
		r.killed.Store(true)
		if err := r.process.Kill(); err != nil {
			w.logger.Warn().Err(err).Str("executor", r.fullID()).Msg("Failed to kill executor")
		}
	}
	for _, r := range w.sortedDrivers() {
		if err := r.kill(); err != nil {
			w.logger.Warn().Err(err).Str("driver_id", r.id).Msg("Failed to kill driver")
		}
	}
	w.wg.Wait()

	metrics.RunnersActive.WithLabelValues(string(KindExecutor)).Sub(float64(len(w.executors)))
	metrics.RunnersActive.WithLabelValues(string(KindDriver)).Sub(float64(len(w.drivers)))
	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) Receive(msg any) {
	metrics.MessagesDispatched.WithLabelValues("worker").Inc()

	if w.state == StateRegistering && isMasterCommand(msg) {
		w.logger.Debug().Str("message", messages.TypeName(msg)).Msg("Holding master command until registered")
		w.early = append(w.early, msg)
		return
	}

	switch msg := msg.(type) {
	case *messages.RegisteredWorker:
		w.registered(msg)
	case *messages.RegisterWorkerFailed:
		w.registrationFailed(msg.Message)
	case *messages.MasterInStandby:
		// registration keeps going with the other masters
	case *messages.SendHeartbeat:
		w.sendHeartbeat()
	case *messages.MasterChanged:
		w.masterChanged(msg.Master, msg.MasterWebUIURL)
	case *messages.ReconnectWorker:
		w.reconnect(msg.Master)

	case *messages.LaunchExecutor:
		w.launchExecutor(msg)
	case *messages.KillExecutor:
		w.killExecutor(msg)
	case *messages.ExecutorStateChanged:
		w.executorStateChanged(msg)
	case *messages.LaunchDriver:
		w.launchDriver(msg)
	case *messages.KillDriver:
		w.killDriver(msg.DriverID)
	case *messages.DriverStateChanged:
		w.driverStateChanged(msg)
	case *messages.ApplicationFinished:
		w.applicationFinished(msg.AppID)

	default:
		w.violation(msg)
	}
}

func isMasterCommand(msg any) bool {
	switch msg.(type) {
	case *messages.LaunchExecutor, *messages.KillExecutor, *messages.LaunchDriver,
		*messages.KillDriver, *messages.ApplicationFinished:
		return true
	}
	return false
}

func (w *Worker) ReceiveAndReply(msg any, call *rpc.Call) {
	metrics.MessagesDispatched.WithLabelValues("worker").Inc()

	switch msg.(type) {
	case *messages.RequestWorkerState:
		call.Reply(w.workerState())
	default:
		w.violation(msg)
		call.Fail(fmt.Errorf("worker does not answer %s", messages.TypeName(msg)))
	}
}

func (w *Worker) violation(msg any) {
	metrics.ProtocolViolations.WithLabelValues("worker").Inc()
	w.logger.Warn().
		Str("message", messages.TypeName(msg)).
		Str("state", string(w.state)).
		Msg("Dropping unexpected message")
}

// send delivers msg to the active master
func (w *Worker) send(msg any) {
	if w.master == nil {
		w.logger.Warn().Str("message", messages.TypeName(msg)).Msg("No master to send to, dropping message")
		return
	}
	if err := w.master.Send(msg); err != nil {
		w.logger.Warn().Err(err).Str("master", w.master.String()).Str("message", messages.TypeName(msg)).Msg("Failed to send to master")
	}
}

// masterRefs returns refs to every configured master, first the one given
func (w *Worker) masterRefs(first *rpc.Ref) []*rpc.Ref {
	var refs []*rpc.Ref
	if first != nil {
		refs = append(refs, w.env.Rebind(first))
	}
	for _, addr := range w.cfg.Masters {
		if first != nil && first.Address == addr {
			continue
		}
		refs = append(refs, w.env.Ref(messages.MasterEndpoint, addr))
	}
	return refs
}

func (w *Worker) masterURL() string {
	if w.master == nil {
		return ""
	}
	return w.master.Address.URL()
}

// isActiveMaster rejects commands from a master the worker does not follow
func (w *Worker) isActiveMaster(url string) bool {
	if url == w.masterURL() {
		return true
	}
	w.logger.Warn().Str("from", url).Str("active", w.masterURL()).Msg("Ignoring command from inactive master")
	return false
}

func (w *Worker) launchExecutor(msg *messages.LaunchExecutor) {
	if !w.isActiveMaster(msg.MasterURL) {
		return
	}
	key := fmt.Sprintf("%s/%d", msg.AppID, msg.ExecID)
	logger := w.logger.With().Str("executor", key).Logger()

	if existing, ok := w.executors[key]; ok {
		logger.Warn().Str("state", string(existing.state)).Msg("Duplicate executor launch, keeping the running one")
		w.send(&messages.ExecutorStateChanged{
			AppID:   msg.AppID,
			ExecID:  msg.ExecID,
			State:   existing.state,
			Message: "executor is already running on this worker",
		})
		return
	}

	r := &executorRunner{
		appID:    msg.AppID,
		execID:   msg.ExecID,
		appDesc:  msg.AppDesc,
		cores:    msg.Cores,
		memoryMB: msg.MemoryMB,
		state:    types.ExecutorLaunching,
	}
	if w.cfg.WorkDir != "" {
		r.workDir = filepath.Join(w.cfg.WorkDir, msg.AppID, strconv.Itoa(msg.ExecID))
	}
	spec := ProcessSpec{
		Kind: KindExecutor,
		ID:   key,
		Command: substitute(msg.AppDesc.Command, map[string]string{
			"APP_ID":      msg.AppID,
			"EXECUTOR_ID": strconv.Itoa(msg.ExecID),
			"HOSTNAME":    w.self.Address.Host,
			"CORES":       strconv.Itoa(msg.Cores),
			"MEMORY_MB":   strconv.Itoa(msg.MemoryMB),
			"WORKER_URL":  w.self.String(),
		}),
		WorkDir:  r.workDir,
		Cores:    msg.Cores,
		MemoryMB: msg.MemoryMB,
	}

	process, err := w.start(spec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to launch executor")
		w.send(&messages.ExecutorStateChanged{AppID: msg.AppID, ExecID: msg.ExecID, State: types.ExecutorFailed, Message: err.Error()})
		return
	}

	r.process = process
	r.state = types.ExecutorRunning
	w.executors[key] = r
	w.coresUsed += r.cores
	w.memoryUsed += r.memoryMB
	metrics.RunnersActive.WithLabelValues(string(KindExecutor)).Inc()
	logger.Info().Int("cores", r.cores).Int("memory_mb", r.memoryMB).Msg("Launched executor")

	w.wg.Add(1)
	go w.awaitExecutor(r)
	w.send(&messages.ExecutorStateChanged{AppID: msg.AppID, ExecID: msg.ExecID, State: types.ExecutorRunning})
}

// start prepares the work directory and launches the process
func (w *Worker) start(spec ProcessSpec) (Process, error) {
	if spec.WorkDir != "" {
		if err := os.MkdirAll(spec.WorkDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
	}
	return w.launcher.Launch(context.Background(), spec)
}

// killExecutor is a no-op for executors the worker does not host
func (w *Worker) killExecutor(msg *messages.KillExecutor) {
	if !w.isActiveMaster(msg.MasterURL) {
		return
	}
	key := fmt.Sprintf("%s/%d", msg.AppID, msg.ExecID)
	r, ok := w.executors[key]
	if !ok {
		w.logger.Info().Str("executor", key).Msg("Asked to kill unknown executor")
		return
	}
	if r.killed.Load() {
		return
	}
	w.logger.Info().Str("executor", key).Msg("Asked to kill executor")
	r.killed.Store(true)
	if err := r.process.Kill(); err != nil {
		w.logger.Warn().Err(err).Str("executor", key).Msg("Failed to kill executor")
	}
}

// executorStateChanged handles reports of the worker's own runners and
// forwards them to the master
func (w *Worker) executorStateChanged(msg *messages.ExecutorStateChanged) {
	key := fmt.Sprintf("%s/%d", msg.AppID, msg.ExecID)
	r, ok := w.executors[key]
	if !ok {
		w.logger.Warn().Str("executor", key).Msg("State change for unknown executor")
		return
	}
	r.state = msg.State
	if msg.State.IsFinished() {
		w.logger.Info().Str("executor", key).Str("state", string(msg.State)).Str("message", msg.Message).Msg("Executor finished")
		delete(w.executors, key)
		w.coresUsed -= r.cores
		w.memoryUsed -= r.memoryMB
		w.finishedExecutors = append(w.finishedExecutors, r)
		if over := len(w.finishedExecutors) - w.cfg.RetainedExecutors; over > 0 {
			w.finishedExecutors = w.finishedExecutors[over:]
		}
		metrics.RunnersActive.WithLabelValues(string(KindExecutor)).Dec()
	}
	w.send(msg)
}

func (w *Worker) launchDriver(msg *messages.LaunchDriver) {
	logger := w.logger.With().Str("driver_id", msg.DriverID).Logger()

	if existing, ok := w.drivers[msg.DriverID]; ok {
		logger.Warn().Msg("Duplicate driver launch, keeping the running one")
		w.send(&messages.DriverStateChanged{DriverID: msg.DriverID, State: existing.state})
		return
	}

	r := &driverRunner{id: msg.DriverID, desc: msg.Desc, state: types.DriverSubmitted, killCh: make(chan struct{})}
	if w.cfg.WorkDir != "" {
		r.workDir = filepath.Join(w.cfg.WorkDir, msg.DriverID)
	}
	spec := ProcessSpec{
		Kind: KindDriver,
		ID:   msg.DriverID,
		Command: substitute(msg.Desc.Command, map[string]string{
			"DRIVER_ID":  msg.DriverID,
			"USER_JAR":   msg.Desc.JarURL,
			"WORKER_URL": w.self.String(),
		}),
		WorkDir:  r.workDir,
		Cores:    msg.Desc.Cores,
		MemoryMB: msg.Desc.MemoryMB,
	}

	process, err := w.start(spec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to launch driver")
		w.send(&messages.DriverStateChanged{DriverID: msg.DriverID, State: types.DriverError, Exception: err.Error()})
		return
	}

	r.setProcess(process)
	r.state = types.DriverRunning
	w.drivers[r.id] = r
	w.coresUsed += msg.Desc.Cores
	w.memoryUsed += msg.Desc.MemoryMB
	metrics.RunnersActive.WithLabelValues(string(KindDriver)).Inc()
	logger.Info().Bool("supervise", msg.Desc.Supervise).Msg("Launched driver")

	w.wg.Add(1)
	go w.superviseDriver(r, spec, process)
}

// killDriver is a no-op for drivers the worker does not host
func (w *Worker) killDriver(driverID string) {
	r, ok := w.drivers[driverID]
	if !ok {
		w.logger.Info().Str("driver_id", driverID).Msg("Asked to kill unknown driver")
		return
	}
	w.logger.Info().Str("driver_id", driverID).Msg("Asked to kill driver")
	if err := r.kill(); err != nil {
		w.logger.Warn().Err(err).Str("driver_id", driverID).Msg("Failed to kill driver")
	}
}

func (w *Worker) driverStateChanged(msg *messages.DriverStateChanged) {
	r, ok := w.drivers[msg.DriverID]
	if !ok {
		w.logger.Warn().Str("driver_id", msg.DriverID).Msg("State change for unknown driver")
		return
	}
	r.state = msg.State
	if msg.State.IsFinished() {
		w.logger.Info().Str("driver_id", r.id).Str("state", string(msg.State)).Str("exception", msg.Exception).Msg("Driver finished")
		delete(w.drivers, r.id)
		w.coresUsed -= r.desc.Cores
		w.memoryUsed -= r.desc.MemoryMB
		w.finishedDrivers = append(w.finishedDrivers, r)
		if over := len(w.finishedDrivers) - w.cfg.RetainedDrivers; over > 0 {
			w.finishedDrivers = w.finishedDrivers[over:]
		}
		metrics.RunnersActive.WithLabelValues(string(KindDriver)).Dec()
	}
	w.send(msg)
}

// applicationFinished removes the application directory once none of its
// executors runs here any more
func (w *Worker) applicationFinished(appID string) {
	w.logger.Info().Str("app_id", appID).Msg("Application finished")
	if !w.cfg.CleanupAppDirs || w.cfg.WorkDir == "" {
		return
	}
	for _, r := range w.executors {
		if r.appID == appID {
			return
		}
	}
	dir := filepath.Join(w.cfg.WorkDir, appID)
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to clean up application directory")
	}
}

func (w *Worker) workerState() *messages.WorkerStateResponse {
	addr := w.env.Address()
	resp := &messages.WorkerStateResponse{
		WorkerID:   w.id,
		Host:       addr.Host,
		Port:       addr.Port,
		MasterURL:  w.masterURL(),
		State:      string(w.state),
		Cores:      w.cfg.Cores,
		CoresUsed:  w.coresUsed,
		MemoryMB:   w.cfg.MemoryMB,
		MemoryUsed: w.memoryUsed,
	}
	resp.Executors = w.executorDescriptions()
	for _, r := range w.finishedExecutors {
		resp.FinishedExecutors = append(resp.FinishedExecutors, r.describe())
	}
	resp.DriverIDs = w.driverIDs()
	for _, r := range w.finishedDrivers {
		resp.FinishedDriverIDs = append(resp.FinishedDriverIDs, r.id)
	}
	return resp
}

func (w *Worker) executorDescriptions() []types.ExecutorDescription {
	var out []types.ExecutorDescription
	for _, r := range w.sortedExecutors() {
		out = append(out, r.describe())
	}
	return out
}

func (w *Worker) driverIDs() []string {
	var out []string
	for _, r := range w.sortedDrivers() {
		out = append(out, r.id)
	}
	return out
}

func (w *Worker) sortedExecutors() []*executorRunner {
	out := make([]*executorRunner, 0, len(w.executors))
	for _, r := range w.executors {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fullID() < out[j].fullID() })
	return out
}

func (w *Worker) sortedDrivers() []*driverRunner {
	out := make([]*driverRunner, 0, len(w.drivers))
	for _, r := range w.drivers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshot asks a worker for a snapshot of what it hosts
func Snapshot(ctx context.Context, worker *rpc.Ref) (*messages.WorkerStateResponse, error) {
	return rpc.AskAs[*messages.WorkerStateResponse](ctx, worker, &messages.RequestWorkerState{})
}
