package worker

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
)

// register asks the targets in turn, with backoff between rounds, until one
// admits or rejects the worker. The outcome is delivered to the mailbox.
func (w *Worker) register(targets []*rpc.Ref) {
	w.stopRegistration()
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelRegister = cancel

	addr := w.env.Address()
	msg := &messages.RegisterWorker{
		WorkerID: w.id,
		Host:     addr.Host,
		Port:     addr.Port,
		Cores:    w.cfg.Cores,
		MemoryMB: w.cfg.MemoryMB,
		Worker:   w.self,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		err := rpc.RetryAsk(ctx, targets, msg, w.cfg.registrationBackOff(), func(target *rpc.Ref, reply any, err error) bool {
			if err != nil {
				metrics.RegistrationAttempts.WithLabelValues("worker", "error").Inc()
				w.logger.Debug().Err(err).Str("master", target.String()).Msg("Registration attempt failed")
				return false
			}
			switch reply.(type) {
			case *messages.RegisteredWorker:
				metrics.RegistrationAttempts.WithLabelValues("worker", "accepted").Inc()
			case *messages.RegisterWorkerFailed:
				metrics.RegistrationAttempts.WithLabelValues("worker", "rejected").Inc()
			default:
				metrics.RegistrationAttempts.WithLabelValues("worker", "standby").Inc()
				return false
			}
			w.deliver(reply)
			return true
		})
		if err != nil && ctx.Err() == nil {
			w.deliver(&messages.RegisterWorkerFailed{Message: fmt.Sprintf("all masters are unresponsive: %v", err)})
		}
	}()
}

func (w *Worker) stopRegistration() {
	if w.cancelRegister != nil {
		w.cancelRegister()
		w.cancelRegister = nil
	}
}

func (w *Worker) registered(msg *messages.RegisteredWorker) {
	if w.state == StateShuttingDown {
		return
	}
	w.stopRegistration()

	reconnecting := w.state == StateReconnecting
	w.master = w.env.Rebind(msg.Master)
	if msg.MasterWebUIURL != "" {
		w.masterWebUIURL = msg.MasterWebUIURL
	}
	w.state = StateRegistered
	w.logger.Info().
		Str("master", w.masterURL()).
		Bool("duplicate", msg.Duplicate).
		Bool("reconnected", reconnecting).
		Msg("Successfully registered with master")

	if reconnecting {
		// the master reconciles against what is running here
		w.send(&messages.WorkerSchedulerStateResponse{
			WorkerID:  w.id,
			Executors: w.executorDescriptions(),
			DriverIDs: w.driverIDs(),
		})
	} else {
		w.send(&messages.WorkerLatestState{
			WorkerID:  w.id,
			Executors: w.executorDescriptions(),
			DriverIDs: w.driverIDs(),
		})
	}

	early := w.early
	w.early = nil
	for _, cmd := range early {
		w.Receive(cmd)
	}

	if !w.heartbeating {
		w.heartbeating = true
		ticker := w.clock.Ticker(w.cfg.HeartbeatInterval())
		w.wg.Add(1)
		go w.tick(ticker)
	}
}

func (w *Worker) registrationFailed(reason string) {
	if w.state == StateShuttingDown || w.state == StateRegistered {
		return
	}
	w.stopRegistration()
	w.state = StateUnregistered
	w.early = nil
	w.logger.Error().Str("reason", reason).Msg("Worker registration failed")

	select {
	case w.failures <- fmt.Errorf("%w: %s", ErrRegistrationFailed, reason):
	default:
	}
}

// masterChanged follows a newly elected master
func (w *Worker) masterChanged(master *rpc.Ref, webUIURL string) {
	w.logger.Info().Str("master", master.String()).Msg("Master has changed")
	w.masterWebUIURL = webUIURL
	w.reconnect(master)
}

// reconnect registers again, first with master. Hosted processes keep
// running; the master reconciles them once the worker is back.
func (w *Worker) reconnect(master *rpc.Ref) {
	if w.state == StateShuttingDown {
		return
	}
	w.logger.Info().Str("master", master.String()).Msg("Reconnecting to master")
	w.state = StateReconnecting
	w.master = w.env.Rebind(master)
	w.register(w.masterRefs(master))
}

func (w *Worker) sendHeartbeat() {
	if w.state != StateRegistered {
		return
	}
	w.send(&messages.WorkerHeartbeat{WorkerID: w.id, Worker: w.self})
}

func (w *Worker) tick(ticker *clock.Ticker) {
	defer w.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.deliver(&messages.SendHeartbeat{})
		case <-w.stopCh:
			return
		}
	}
}
