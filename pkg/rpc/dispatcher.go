package rpc

import (
	"fmt"
	"sync"

	"github.com/edwingeng/deque"
	"github.com/rs/zerolog"

	"github.com/cuemby/spindle/pkg/metrics"
)

// batchSize bounds how many messages one inbox processes before yielding
// its dispatcher goroutine to other ready inboxes.
const batchSize = 64

type envelopeKind int

const (
	envStart envelopeKind = iota
	envMessage
	envStop
)

type envelope struct {
	kind envelopeKind
	msg  any
	call *Call
}

// inbox is the ordered mailbox of one endpoint. It is processed by at most
// one dispatcher goroutine at a time.
type inbox struct {
	name     string
	endpoint Endpoint
	self     *Ref
	logger   zerolog.Logger

	mu        sync.Mutex
	queue     deque.Deque
	scheduled bool
	stopping  bool
	done      chan struct{}
}

func (ib *inbox) post(d *dispatcher, e envelope) error {
	ib.mu.Lock()
	if ib.stopping {
		ib.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEndpointStopped, ib.name)
	}
	ib.queue.PushBack(e)
	wake := !ib.scheduled
	ib.scheduled = true
	ib.mu.Unlock()

	if wake {
		d.schedule(ib)
	}
	return nil
}

func (ib *inbox) process(d *dispatcher) {
	for i := 0; ; i++ {
		ib.mu.Lock()
		if ib.queue.Empty() {
			ib.scheduled = false
			ib.mu.Unlock()
			return
		}
		if i == batchSize {
			ib.mu.Unlock()
			d.schedule(ib)
			return
		}
		e := ib.queue.PopFront().(envelope)
		ib.mu.Unlock()

		ib.handle(e)
	}
}

func (ib *inbox) handle(e envelope) {
	defer func() {
		if r := recover(); r != nil {
			ib.logger.Error().
				Interface("panic", r).
				Str("type", fmt.Sprintf("%T", e.msg)).
				Msg("Endpoint panicked while handling message")
			if e.call != nil {
				e.call.Fail(fmt.Errorf("endpoint %s panicked: %v", ib.name, r))
			}
		}
		if e.kind == envStop {
			close(ib.done)
		}
	}()

	switch e.kind {
	case envStart:
		ib.endpoint.OnStart(ib.self)
	case envMessage:
		if e.call != nil {
			metrics.MessagesDispatched.WithLabelValues("ask").Inc()
			ib.endpoint.ReceiveAndReply(e.msg, e.call)
		} else {
			metrics.MessagesDispatched.WithLabelValues("send").Inc()
			ib.endpoint.Receive(e.msg)
		}
	case envStop:
		ib.endpoint.OnStop()
	}
}

// dispatcher runs endpoint inboxes on a fixed pool of goroutines
type dispatcher struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	inboxes map[string]*inbox
	closed  bool

	readyMu   sync.Mutex
	readyCond *sync.Cond
	ready     deque.Deque
	stopped   bool
	wg        sync.WaitGroup
}

func newDispatcher(threads int, logger zerolog.Logger) *dispatcher {
	d := &dispatcher{
		logger:  logger,
		inboxes: make(map[string]*inbox),
		ready:   deque.NewDeque(),
	}
	d.readyCond = sync.NewCond(&d.readyMu)

	for i := 0; i < threads; i++ {
		d.wg.Add(1)
		go d.loop()
	}
	return d
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for {
		d.readyMu.Lock()
		for d.ready.Empty() && !d.stopped {
			d.readyCond.Wait()
		}
		if d.ready.Empty() {
			d.readyMu.Unlock()
			return
		}
		ib := d.ready.PopFront().(*inbox)
		d.readyMu.Unlock()

		ib.process(d)
	}
}

func (d *dispatcher) schedule(ib *inbox) {
	d.readyMu.Lock()
	d.ready.PushBack(ib)
	d.readyMu.Unlock()
	d.readyCond.Signal()
}

func (d *dispatcher) register(name string, ep Endpoint, self *Ref) error {
	ib := &inbox{
		name:     name,
		endpoint: ep,
		self:     self,
		logger:   d.logger.With().Str("endpoint", name).Logger(),
		queue:    deque.NewDeque(),
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrEnvStopped
	}
	if _, ok := d.inboxes[name]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEndpointExists, name)
	}
	d.inboxes[name] = ib
	d.mu.Unlock()

	return ib.post(d, envelope{kind: envStart})
}

func (d *dispatcher) post(name string, e envelope) error {
	d.mu.RLock()
	ib := d.inboxes[name]
	d.mu.RUnlock()

	if ib == nil {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	return ib.post(d, e)
}

// unregister queues OnStop behind the messages already in the inbox and
// returns a channel closed once it ran.
func (d *dispatcher) unregister(name string) <-chan struct{} {
	d.mu.Lock()
	ib := d.inboxes[name]
	delete(d.inboxes, name)
	d.mu.Unlock()

	if ib == nil {
		return nil
	}

	ib.mu.Lock()
	if ib.stopping {
		ib.mu.Unlock()
		return ib.done
	}
	ib.stopping = true
	ib.queue.PushBack(envelope{kind: envStop})
	wake := !ib.scheduled
	ib.scheduled = true
	ib.mu.Unlock()

	if wake {
		d.schedule(ib)
	}
	return ib.done
}

// shutdown stops every endpoint and waits for the pool to exit. It must
// not be called from an endpoint.
func (d *dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	names := make([]string, 0, len(d.inboxes))
	for name := range d.inboxes {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		if done := d.unregister(name); done != nil {
			<-done
		}
	}

	d.readyMu.Lock()
	d.stopped = true
	d.readyMu.Unlock()
	d.readyCond.Broadcast()
	d.wg.Wait()
}
