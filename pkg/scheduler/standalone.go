package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/cuemby/spindle/pkg/appclient"
	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// StandaloneBackend connects a driver endpoint to a standalone cluster. It
// registers the application through an application client and turns the
// client's executor losses into driver endpoint messages.
type StandaloneBackend struct {
	env    *rpc.Env
	cfg    appclient.Config
	logger zerolog.Logger

	driver *rpc.Ref
	client *appclient.Client
	appID  atomic.String

	deadOnce sync.Once
	done     chan struct{}
	reason   atomic.String
}

// NewStandaloneBackend prepares a backend for the application in cfg. The
// listener of cfg is replaced by the backend.
func NewStandaloneBackend(env *rpc.Env, cfg appclient.Config) *StandaloneBackend {
	return &StandaloneBackend{
		env:    env,
		cfg:    cfg,
		logger: log.WithComponent("standalone-backend"),
		done:   make(chan struct{}),
	}
}

// Start registers the application. Executors are told to reach the driver
// endpoint through {{DRIVER_URL}} in the application command.
func (b *StandaloneBackend) Start(driver *rpc.Ref) error {
	b.driver = driver
	cfg := b.cfg
	cfg.Listener = b
	cfg.Desc.Command = withDriverURL(cfg.Desc.Command, driver.Address.URL())

	client, err := appclient.New(b.env, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application client: %w", err)
	}
	if _, err := client.Start(); err != nil {
		return fmt.Errorf("failed to start application client: %w", err)
	}
	b.client = client
	return nil
}

// Stop shuts the executors down and unregisters the application
func (b *StandaloneBackend) Stop(ctx context.Context) error {
	if b.driver != nil {
		if err := b.driver.Send(&messages.StopExecutors{}); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to stop executors")
		}
	}
	if b.client == nil {
		return nil
	}
	return b.client.Stop(ctx)
}

// AppID returns the id assigned by the master, empty until connected
func (b *StandaloneBackend) AppID() string {
	return b.appID.Load()
}

// Done is closed once the application can no longer run
func (b *StandaloneBackend) Done() <-chan struct{} {
	return b.done
}

// Reason tells why Done was closed
func (b *StandaloneBackend) Reason() string {
	return b.reason.Load()
}

// RequestTotalExecutors forwards to the application client
func (b *StandaloneBackend) RequestTotalExecutors(ctx context.Context, total int) (bool, error) {
	if b.client == nil {
		return false, nil
	}
	return b.client.RequestTotalExecutors(ctx, total)
}

// KillExecutors forwards to the application client
func (b *StandaloneBackend) KillExecutors(ctx context.Context, executorIDs []string) (bool, error) {
	if b.client == nil {
		return false, nil
	}
	return b.client.KillExecutors(ctx, executorIDs)
}

func (b *StandaloneBackend) Connected(appID string) {
	b.appID.Store(appID)
	b.logger.Info().Str("app_id", appID).Msg("Connected to standalone cluster")
}

func (b *StandaloneBackend) Disconnected() {
	b.logger.Warn().Msg("Disconnected from standalone cluster, waiting for reconnection")
}

func (b *StandaloneBackend) Dead(reason string) {
	b.deadOnce.Do(func() {
		b.logger.Error().Str("reason", reason).Msg("Application has been killed")
		b.reason.Store(reason)
		close(b.done)
	})
}

func (b *StandaloneBackend) ExecutorAdded(fullID, workerID, hostPort string, cores, memoryMB int) {
	b.logger.Info().
		Str("executor", fullID).
		Str("worker_id", workerID).
		Str("host_port", hostPort).
		Int("cores", cores).
		Int("memory_mb", memoryMB).
		Msg("Granted executor")
}

func (b *StandaloneBackend) ExecutorRemoved(fullID, message string, exitStatus *int, workerLost bool) {
	reason := message
	switch {
	case workerLost:
		reason = "worker lost: " + message
	case exitStatus != nil:
		reason = fmt.Sprintf("executor exited with code %d: %s", *exitStatus, message)
	}
	b.logger.Info().Str("executor", fullID).Str("reason", reason).Msg("Executor removed")
	b.toDriver(&messages.RemoveExecutor{ExecutorID: executorID(fullID), Reason: reason})
}

func (b *StandaloneBackend) WorkerRemoved(workerID, host, message string) {
	b.toDriver(&messages.RemoveWorker{WorkerID: workerID, Host: host, Message: message})
}

func (b *StandaloneBackend) toDriver(msg any) {
	if err := b.driver.Send(msg); err != nil {
		b.logger.Warn().Err(err).Str("message", messages.TypeName(msg)).Msg("Failed to notify driver endpoint")
	}
}

// executorID strips the application id from "appId/execId"
func executorID(fullID string) string {
	if i := strings.LastIndexByte(fullID, '/'); i >= 0 {
		return fullID[i+1:]
	}
	return fullID
}

// withDriverURL fills {{DRIVER_URL}} in a copy of cmd
func withDriverURL(cmd types.Command, url string) types.Command {
	const placeholder = "{{DRIVER_URL}}"
	out := types.Command{Path: strings.ReplaceAll(cmd.Path, placeholder, url)}
	for _, arg := range cmd.Args {
		out.Args = append(out.Args, strings.ReplaceAll(arg, placeholder, url))
	}
	if cmd.Env != nil {
		out.Env = make(map[string]string, len(cmd.Env))
		for k, v := range cmd.Env {
			out.Env[k] = strings.ReplaceAll(v, placeholder, url)
		}
	}
	return out
}
