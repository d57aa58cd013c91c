package appclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// State is the lifecycle state of the client
type State string

const (
	StateUnregistered State = "UNREGISTERED"
	StateRegistered   State = "REGISTERED"
	StateStopped      State = "STOPPED"
)

// executor is the client's view of one granted executor
type executor struct {
	workerID string
	hostPort string
	cores    int
	memoryMB int
	state    types.ExecutorState
}

// masterUnreachable is delivered when a forwarded ask could not reach the
// master
type masterUnreachable struct {
	err error
}

// Client registers an application with the master and keeps the driver's
// view of its executors.
type Client struct {
	cfg      Config
	env      *rpc.Env
	listener Listener
	logger   zerolog.Logger

	self           *rpc.Ref
	state          State
	appID          string
	master         *rpc.Ref
	executors      map[int]*executor
	pendingKills   map[string]struct{}
	disconnected   bool
	dead           bool
	cancelRegister context.CancelFunc

	// early holds master pushes that overtook RegisteredApplication
	early []any

	wg sync.WaitGroup
}

// New creates a client hosted by env. Call Start to register.
func New(env *rpc.Env, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid application client config: %w", err)
	}
	return &Client{
		cfg:          cfg,
		env:          env,
		listener:     cfg.Listener,
		logger:       log.WithComponent("appclient").With().Str("app_name", cfg.Desc.Name).Logger(),
		state:        StateUnregistered,
		executors:    make(map[int]*executor),
		pendingKills: make(map[string]struct{}),
	}, nil
}

// Start registers the client endpoint, which then registers the
// application
func (c *Client) Start() (*rpc.Ref, error) {
	return c.env.Setup(messages.AppClientEndpoint, c)
}

// Stop unregisters the application and stops the client. Stopping a
// stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	_, err := rpc.AskAs[bool](ctx, c.ref(), &messages.StopAppClient{})
	if errors.Is(err, rpc.ErrEndpointNotFound) || errors.Is(err, rpc.ErrEndpointStopped) {
		return nil
	}
	return err
}

// RequestTotalExecutors sets the number of executors the application
// wants. It reports whether the master acknowledged the request.
func (c *Client) RequestTotalExecutors(ctx context.Context, total int) (bool, error) {
	return rpc.AskAs[bool](ctx, c.ref(), &messages.RequestExecutors{RequestedTotal: total})
}

// KillExecutors asks the master to kill the given executors
func (c *Client) KillExecutors(ctx context.Context, executorIDs []string) (bool, error) {
	return rpc.AskAs[bool](ctx, c.ref(), &messages.KillExecutors{ExecutorIDs: executorIDs})
}

// View is a snapshot of the client's state
type View struct {
	AppID     string
	State     State
	MasterURL string
	// Executors holds the full ids of live executors, sorted
	Executors    []string
	PendingKills []string
}

type requestView struct{}

// View returns a snapshot of the client's state
func (c *Client) View(ctx context.Context) (*View, error) {
	return rpc.AskAs[*View](ctx, c.ref(), &requestView{})
}

func (c *Client) view() *View {
	v := &View{AppID: c.appID, State: c.state}
	if c.master != nil {
		v.MasterURL = c.master.Address.URL()
	}
	for id := range c.executors {
		v.Executors = append(v.Executors, c.fullID(id))
	}
	sort.Strings(v.Executors)
	for id := range c.pendingKills {
		v.PendingKills = append(v.PendingKills, id)
	}
	sort.Strings(v.PendingKills)
	return v
}

func (c *Client) ref() *rpc.Ref {
	return c.env.Ref(messages.AppClientEndpoint, c.env.Address())
}

func (c *Client) OnStart(self *rpc.Ref) {
	c.self = self
	c.register(c.masterRefs())
}

func (c *Client) OnStop() {
	c.stopRegistration()
	c.wg.Wait()
}

func (c *Client) Receive(msg any) {
	metrics.MessagesDispatched.WithLabelValues("appclient").Inc()

	if c.state == StateUnregistered && isMasterPush(msg) {
		c.logger.Debug().Str("message", messages.TypeName(msg)).Msg("Holding master message until registered")
		c.early = append(c.early, msg)
		return
	}

	switch msg := msg.(type) {
	case *messages.RegisteredApplication:
		c.registered(msg)
	case *messages.ApplicationRemoved:
		c.markDead("master removed our application: " + msg.Message)
		c.shutdown()
	case *messages.ExecutorAdded:
		c.executorAdded(msg)
	case *messages.ExecutorUpdated:
		c.executorUpdated(msg)
	case *messages.WorkerRemoved:
		c.logger.Info().Str("worker_id", msg.ID).Str("host", msg.Host).Str("message", msg.Message).Msg("Worker removed")
		c.listener.WorkerRemoved(msg.ID, msg.Host, msg.Message)
	case *messages.MasterChanged:
		c.masterChanged(msg)
	case *registrationFailed:
		c.markDead(msg.reason)
		c.shutdown()
	case *masterUnreachable:
		if !c.disconnected {
			c.logger.Warn().Err(msg.err).Msg("Connection to master lost, waiting for a new master")
			c.disconnected = true
			c.listener.Disconnected()
		}
	default:
		c.violation(msg)
	}
}

func isMasterPush(msg any) bool {
	switch msg.(type) {
	case *messages.ExecutorAdded, *messages.ExecutorUpdated, *messages.WorkerRemoved,
		*messages.ApplicationRemoved, *messages.MasterChanged:
		return true
	}
	return false
}

func (c *Client) ReceiveAndReply(msg any, call *rpc.Call) {
	metrics.MessagesDispatched.WithLabelValues("appclient").Inc()

	switch msg := msg.(type) {
	case *messages.StopAppClient:
		if c.state != StateStopped && c.master != nil && c.appID != "" {
			c.send(&messages.UnregisterApplication{AppID: c.appID})
		}
		c.markDead("application has been stopped")
		call.Reply(true)
		c.shutdown()
	case *requestView:
		call.Reply(c.view())
	case *messages.RequestExecutors:
		msg.AppID = c.appID
		c.forward(msg, call)
	case *messages.KillExecutors:
		for _, id := range msg.ExecutorIDs {
			c.pendingKills[id] = struct{}{}
		}
		msg.AppID = c.appID
		c.forward(msg, call)
	default:
		c.violation(msg)
		call.Fail(fmt.Errorf("application client does not answer %s", messages.TypeName(msg)))
	}
}

func (c *Client) violation(msg any) {
	metrics.ProtocolViolations.WithLabelValues("appclient").Inc()
	c.logger.Warn().
		Str("message", messages.TypeName(msg)).
		Str("state", string(c.state)).
		Msg("Dropping unexpected message")
}

// forward asks the master off the mailbox and completes call with its
// answer. Without a registered master the answer is false.
func (c *Client) forward(msg any, call *rpc.Call) {
	if c.state != StateRegistered || c.master == nil {
		c.logger.Warn().Str("message", messages.TypeName(msg)).Msg("Not registered with a master, cannot forward request")
		call.Reply(false)
		return
	}

	master, logger := c.master, c.logger
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ok, err := rpc.AskAs[bool](context.Background(), master, msg)
		if err != nil {
			logger.Warn().Err(err).Str("message", messages.TypeName(msg)).Msg("Failed to forward request to master")
			c.deliver(&masterUnreachable{err: err})
			call.Reply(false)
			return
		}
		call.Reply(ok)
	}()
}

func (c *Client) send(msg any) {
	if c.master == nil {
		return
	}
	if err := c.master.Send(msg); err != nil {
		c.logger.Warn().Err(err).Str("master", c.master.String()).Str("message", messages.TypeName(msg)).Msg("Failed to send to master")
	}
}

func (c *Client) deliver(msg any) {
	if err := c.self.Send(msg); err != nil {
		c.logger.Debug().Err(err).Str("message", messages.TypeName(msg)).Msg("Client gone, dropping report")
	}
}

func (c *Client) registered(msg *messages.RegisteredApplication) {
	if c.state == StateStopped {
		return
	}
	c.stopRegistration()
	c.appID = msg.AppID
	c.master = c.env.Rebind(msg.Master)
	c.state = StateRegistered
	c.disconnected = false
	c.logger = c.logger.With().Str("app_id", c.appID).Logger()
	c.logger.Info().Str("master", c.master.String()).Msg("Connected to master")
	c.listener.Connected(c.appID)

	early := c.early
	c.early = nil
	for _, msg := range early {
		c.Receive(msg)
	}
}

func (c *Client) masterChanged(msg *messages.MasterChanged) {
	if c.state == StateStopped {
		return
	}
	c.logger.Info().Str("master", msg.Master.String()).Msg("Master has changed")
	c.master = c.env.Rebind(msg.Master)
	c.disconnected = false
	c.send(&messages.MasterChangeAcknowledged{AppID: c.appID})
}

func (c *Client) fullID(execID int) string {
	return c.appID + "/" + strconv.Itoa(execID)
}

func (c *Client) executorAdded(msg *messages.ExecutorAdded) {
	c.executors[msg.ID] = &executor{
		workerID: msg.WorkerID,
		hostPort: msg.HostPort,
		cores:    msg.Cores,
		memoryMB: msg.MemoryMB,
		state:    types.ExecutorLaunching,
	}
	c.logger.Info().
		Int("exec_id", msg.ID).
		Str("worker_id", msg.WorkerID).
		Str("host_port", msg.HostPort).
		Int("cores", msg.Cores).
		Msg("Executor added")
	c.listener.ExecutorAdded(c.fullID(msg.ID), msg.WorkerID, msg.HostPort, msg.Cores, msg.MemoryMB)
}

func (c *Client) executorUpdated(msg *messages.ExecutorUpdated) {
	fullID := c.fullID(msg.ID)
	c.logger.Info().
		Str("executor", fullID).
		Str("state", string(msg.State)).
		Str("message", msg.Message).
		Bool("worker_lost", msg.WorkerLost).
		Msg("Executor updated")

	if exec, ok := c.executors[msg.ID]; ok {
		exec.state = msg.State
	}
	if !msg.State.IsFinished() {
		return
	}
	delete(c.executors, msg.ID)
	delete(c.pendingKills, strconv.Itoa(msg.ID))
	c.listener.ExecutorRemoved(fullID, msg.Message, msg.ExitStatus, msg.WorkerLost)
}

// markDead notifies the listener once
func (c *Client) markDead(reason string) {
	if c.dead {
		return
	}
	c.dead = true
	c.logger.Error().Str("reason", reason).Msg("Application client is dead")
	c.listener.Dead(reason)
}

func (c *Client) shutdown() {
	if c.state == StateStopped {
		return
	}
	c.state = StateStopped
	c.stopRegistration()
	c.env.Stop(c.self)
}

// registrationFailed ends the client when no master admitted it
type registrationFailed struct {
	reason string
}

func (c *Client) masterRefs() []*rpc.Ref {
	refs := make([]*rpc.Ref, 0, len(c.cfg.Masters))
	for _, addr := range c.cfg.Masters {
		refs = append(refs, c.env.Ref(messages.MasterEndpoint, addr))
	}
	return refs
}

// register asks every master in turn until one admits the application
func (c *Client) register(targets []*rpc.Ref) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRegister = cancel

	msg := &messages.RegisterApplication{Desc: c.cfg.Desc, Driver: c.self}
	attempt := uuid.NewString()
	logger := c.logger.With().Str("attempt", attempt).Logger()
	logger.Info().Int("masters", len(targets)).Msg("Registering application")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := rpc.RetryAsk(ctx, targets, msg, c.cfg.registrationBackOff(), func(target *rpc.Ref, reply any, err error) bool {
			if err != nil {
				metrics.RegistrationAttempts.WithLabelValues("appclient", "error").Inc()
				logger.Debug().Err(err).Str("master", target.String()).Msg("Registration attempt failed")
				return false
			}
			if _, ok := reply.(*messages.RegisteredApplication); !ok {
				metrics.RegistrationAttempts.WithLabelValues("appclient", "standby").Inc()
				return false
			}
			metrics.RegistrationAttempts.WithLabelValues("appclient", "accepted").Inc()
			c.deliver(reply)
			return true
		})
		if err != nil && ctx.Err() == nil {
			c.deliver(&registrationFailed{reason: fmt.Sprintf("all masters are unresponsive, giving up: %v", err)})
		}
	}()
}

func (c *Client) stopRegistration() {
	if c.cancelRegister != nil {
		c.cancelRegister()
		c.cancelRegister = nil
	}
}
