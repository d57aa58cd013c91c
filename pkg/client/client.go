package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/master"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
)

// ErrNoActiveMaster is returned when none of the masters is the ALIVE
// leader
var ErrNoActiveMaster = errors.New("no active master")

// Client submits and controls cluster-mode drivers. Every request goes to
// whichever master is currently ALIVE.
type Client struct {
	env     *rpc.Env
	owned   bool
	masters []rpc.Address
	logger  zerolog.Logger
}

// New creates a client sending through env
func New(env *rpc.Env, masters []rpc.Address) *Client {
	return &Client{
		env:     env,
		masters: masters,
		logger:  log.WithComponent("client"),
	}
}

// Dial opens a TCP environment on a free port for the masters in
// masterURL, e.g. spindle://m1:7077,m2:7077
func Dial(cfg rpc.Config, masterURL string) (*Client, error) {
	masters, err := rpc.ParseMasterURLs(masterURL)
	if err != nil {
		return nil, err
	}
	cfg.Port = 0
	env, err := rpc.ListenTCP(cfg, messages.Codec{})
	if err != nil {
		return nil, fmt.Errorf("failed to open client environment: %w", err)
	}
	c := New(env, masters)
	c.owned = true
	return c, nil
}

// Close releases the environment opened by Dial
func (c *Client) Close() error {
	if c.owned {
		c.env.Shutdown()
	}
	return nil
}

// ActiveMaster returns the ALIVE master and its state. Masters are tried in
// order; unreachable and standby ones are skipped.
func (c *Client) ActiveMaster(ctx context.Context) (*rpc.Ref, *messages.MasterStateResponse, error) {
	var errs []error
	for _, addr := range c.masters {
		ref := c.env.Ref(messages.MasterEndpoint, addr)
		state, err := master.State(ctx, ref)
		if err != nil {
			c.logger.Debug().Err(err).Str("master", addr.URL()).Msg("Master unreachable")
			errs = append(errs, fmt.Errorf("%s: %w", addr.URL(), err))
			continue
		}
		if state.Status == types.RecoveryAlive {
			return ref, state, nil
		}
		errs = append(errs, fmt.Errorf("%s is %s", addr.URL(), state.Status))
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrNoActiveMaster, errors.Join(errs...))
}

// SubmitDriver asks the active master to launch a driver
func (c *Client) SubmitDriver(ctx context.Context, desc types.DriverDescription) (*messages.SubmitDriverResponse, error) {
	ref, _, err := c.ActiveMaster(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := rpc.AskAs[*messages.SubmitDriverResponse](ctx, ref, &messages.RequestSubmitDriver{Desc: desc})
	if err != nil {
		return nil, fmt.Errorf("failed to submit driver: %w", err)
	}
	c.logger.Info().Str("driver_id", resp.DriverID).Bool("success", resp.Success).Msg(resp.Message)
	return resp, nil
}

// KillDriver asks the active master to kill a driver
func (c *Client) KillDriver(ctx context.Context, driverID string) (*messages.KillDriverResponse, error) {
	ref, _, err := c.ActiveMaster(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := rpc.AskAs[*messages.KillDriverResponse](ctx, ref, &messages.RequestKillDriver{DriverID: driverID})
	if err != nil {
		return nil, fmt.Errorf("failed to kill driver %s: %w", driverID, err)
	}
	return resp, nil
}

// DriverStatus asks the active master where a driver stands
func (c *Client) DriverStatus(ctx context.Context, driverID string) (*messages.DriverStatusResponse, error) {
	ref, _, err := c.ActiveMaster(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := rpc.AskAs[*messages.DriverStatusResponse](ctx, ref, &messages.RequestDriverStatus{DriverID: driverID})
	if err != nil {
		return nil, fmt.Errorf("failed to get status of driver %s: %w", driverID, err)
	}
	return resp, nil
}

// WaitForDriver polls the driver status every interval until the driver
// has finished or ctx is done. A driver the master does not know fails at
// once.
func (c *Client) WaitForDriver(ctx context.Context, driverID string, interval time.Duration) (*messages.DriverStatusResponse, error) {
	var last *messages.DriverStatusResponse
	poll := func() error {
		status, err := c.DriverStatus(ctx, driverID)
		if err != nil {
			return err
		}
		if !status.Found {
			return backoff.Permanent(fmt.Errorf("driver %s not found", driverID))
		}
		last = status
		if !status.State.IsFinished() {
			return fmt.Errorf("driver %s is %s", driverID, status.State)
		}
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		return last, err
	}
	return last, nil
}
