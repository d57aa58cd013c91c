package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/spindle/pkg/transport"
)

const (
	dialTimeout       = 10 * time.Second
	writePollInterval = 50 * time.Millisecond
)

// Codec converts catalog messages to frame bodies and back
type Codec interface {
	Marshal(msg any) (typeName string, body []byte, err error)
	Unmarshal(typeName string, body []byte) (any, error)
}

// ListenTCP creates an environment reachable over TCP at cfg.Host:cfg.Port.
// Port 0 picks a free port.
func ListenTCP(cfg Config, codec Codec) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxSize, _ := cfg.MaxMessageSizeBytes()

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	addr := Address{Host: cfg.AdvertisedHost(), Port: ln.Addr().(*net.TCPAddr).Port}

	env := newEnv(cfg, addr)
	tn := &tcpNetwork{
		env:     env,
		codec:   codec,
		ln:      ln,
		maxSize: maxSize,
		dialSem: semaphore.NewWeighted(int64(cfg.ConnectThreads)),
		conns:   make(map[Address]*conn),
		inbound: make(map[*conn]struct{}),
		logger:  env.logger,
	}
	env.out = tn

	tn.wg.Add(1)
	go tn.acceptLoop()

	env.logger.Info().Str("url", addr.URL()).Msg("RPC environment listening")
	return env, nil
}

type tcpNetwork struct {
	env     *Env
	codec   Codec
	ln      net.Listener
	maxSize int
	dialSem *semaphore.Weighted
	nextID  atomic.Uint64
	logger  zerolog.Logger

	mu      sync.Mutex
	conns   map[Address]*conn
	inbound map[*conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func (n *tcpNetwork) acceptLoop() {
	defer n.wg.Done()
	for {
		nc, err := n.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.logger.Error().Err(err).Msg("Failed to accept connection")
			}
			return
		}

		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			nc.Close()
			return
		}
		c := newConn(n, Address{})
		n.inbound[c] = struct{}{}
		n.mu.Unlock()

		c.start(nc)
	}
}

// connFor returns the outbound connection to addr, dialing in the
// background if there is none yet.
func (n *tcpNetwork) connFor(addr Address) (*conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrEnvStopped
	}
	if c, ok := n.conns[addr]; ok {
		return c, nil
	}
	c := newConn(n, addr)
	n.conns[addr] = c

	n.wg.Add(1)
	go c.dial()
	return c, nil
}

func (n *tcpNetwork) forget(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[c.remote] == c {
		delete(n.conns, c.remote)
	}
	delete(n.inbound, c)
}

func (n *tcpNetwork) encode(h transport.FrameHeader, msg any) (*transport.Message, error) {
	typeName, body, err := n.codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	h.Type = typeName
	h.From = n.env.addr.HostPort()
	return transport.EncodeFrame(h, body, n.maxSize)
}

func (n *tcpNetwork) send(to *Ref, msg any) error {
	frame, err := n.encode(transport.FrameHeader{Kind: transport.FrameSend, To: to.Name}, msg)
	if err != nil {
		return err
	}
	c, err := n.connFor(to.Address)
	if err != nil {
		frame.Release()
		return err
	}
	return c.enqueue(frame)
}

func (n *tcpNetwork) ask(ctx context.Context, to *Ref, msg any) (any, error) {
	id := n.nextID.Inc()
	frame, err := n.encode(transport.FrameHeader{Kind: transport.FrameAsk, ID: id, To: to.Name}, msg)
	if err != nil {
		return nil, err
	}
	c, err := n.connFor(to.Address)
	if err != nil {
		frame.Release()
		return nil, err
	}

	ch := make(chan askResult, 1)
	if err := c.addPending(id, ch); err != nil {
		frame.Release()
		return nil, err
	}
	if err := c.enqueue(frame); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("%w: %T to %s: %w", ErrAskTimeout, msg, to, ctx.Err())
	}
}

func (n *tcpNetwork) close() {
	n.mu.Lock()
	n.closed = true
	conns := make([]*conn, 0, len(n.conns)+len(n.inbound))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	for c := range n.inbound {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	n.ln.Close()
	for _, c := range conns {
		c.close(ErrEnvStopped)
	}
	n.wg.Wait()
}

func (n *tcpNetwork) handleFrame(c *conn, h transport.FrameHeader, body []byte) {
	switch h.Kind {
	case transport.FrameSend:
		msg, err := n.decode(h.Type, body)
		if err != nil {
			n.logger.Warn().Err(err).Str("from", h.From).Msg("Dropping undecodable message")
			return
		}
		if err := n.env.disp.post(h.To, envelope{kind: envMessage, msg: msg}); err != nil {
			n.logger.Debug().Err(err).Str("type", h.Type).Msg("Dropping message for unknown endpoint")
		}

	case transport.FrameAsk:
		id := h.ID
		call := newCall(func(reply any, err error) {
			if err != nil {
				c.sendFailure(id, err)
				return
			}
			frame, encErr := n.encode(transport.FrameHeader{Kind: transport.FrameReply, ID: id}, reply)
			if encErr != nil {
				c.sendFailure(id, encErr)
				return
			}
			if err := c.enqueue(frame); err != nil {
				n.logger.Debug().Err(err).Msg("Dropping reply")
			}
		})
		msg, err := n.decode(h.Type, body)
		if err != nil {
			call.Fail(err)
			return
		}
		if err := n.env.disp.post(h.To, envelope{kind: envMessage, msg: msg, call: call}); err != nil {
			call.Fail(err)
		}

	case transport.FrameReply, transport.FrameFailure:
		ch := c.removePending(h.ID)
		if ch == nil {
			return
		}
		if h.Kind == transport.FrameFailure {
			ch <- askResult{err: &RemoteError{Message: string(body)}}
			return
		}
		reply, err := n.decode(h.Type, body)
		ch <- askResult{reply: reply, err: err}

	default:
		n.logger.Warn().Str("kind", h.Kind).Msg("Dropping frame of unknown kind")
	}
}

func (n *tcpNetwork) decode(typeName string, body []byte) (any, error) {
	msg, err := n.codec.Unmarshal(typeName, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", typeName, err)
	}
	n.env.bindRefs(msg)
	return msg, nil
}

// conn is one TCP connection. Frames are queued without blocking the sender
// and written by a single writer goroutine.
type conn struct {
	network *tcpNetwork
	remote  Address
	ctx     context.Context
	cancel  context.CancelFunc
	closed  chan struct{}
	signal  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	nc      net.Conn
	queue   deque.Deque
	pending map[uint64]chan askResult
	err     error
}

func newConn(n *tcpNetwork, remote Address) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		network: n,
		remote:  remote,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		signal:  make(chan struct{}, 1),
		queue:   deque.NewDeque(),
		pending: make(map[uint64]chan askResult),
	}
}

func (c *conn) dial() {
	defer c.network.wg.Done()

	if err := c.network.dialSem.Acquire(c.ctx, 1); err != nil {
		c.close(err)
		return
	}
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(c.ctx, "tcp", c.remote.HostPort())
	c.network.dialSem.Release(1)
	if err != nil {
		c.close(fmt.Errorf("failed to connect to %s: %w", c.remote, err))
		return
	}
	c.start(nc)
}

func (c *conn) start(nc net.Conn) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		nc.Close()
		return
	}
	c.nc = nc
	c.mu.Unlock()

	c.network.wg.Add(2)
	go c.readLoop(nc)
	go c.writeLoop(nc)
	c.wake()
}

func (c *conn) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *conn) enqueue(frame *transport.Message) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		frame.Release()
		return err
	}
	c.queue.PushBack(frame)
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *conn) addPending(id uint64, ch chan askResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.pending[id] = ch
	return nil
}

func (c *conn) removePending(id uint64) chan askResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

func (c *conn) sendFailure(id uint64, cause error) {
	frame, err := transport.EncodeFrame(transport.FrameHeader{Kind: transport.FrameFailure, ID: id}, []byte(cause.Error()), 0)
	if err != nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.network.logger.Debug().Err(err).Msg("Dropping failure reply")
	}
}

func (c *conn) writeLoop(nc net.Conn) {
	defer c.network.wg.Done()
	ch := &transport.ConnChannel{Conn: nc, WriteTimeout: writePollInterval}

	for {
		select {
		case <-c.closed:
			return
		case <-c.signal:
		}

		for {
			c.mu.Lock()
			if c.queue.Empty() {
				c.mu.Unlock()
				break
			}
			frame := c.queue.PopFront().(*transport.Message)
			c.mu.Unlock()

			err := transport.WriteFully(c.ctx, frame, ch, nil)
			frame.Release()
			if err != nil {
				c.close(fmt.Errorf("failed to write to %s: %w", nc.RemoteAddr(), err))
				return
			}
		}
	}
}

func (c *conn) readLoop(nc net.Conn) {
	defer c.network.wg.Done()
	r := bufio.NewReader(nc)

	for {
		h, body, err := transport.ReadFrame(r, c.network.maxSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrConnectionClosed
			}
			c.close(err)
			return
		}
		c.network.handleFrame(c, h, body)
	}
}

// close fails pending asks, drops queued frames and closes the socket
func (c *conn) close(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		if errors.Is(cause, ErrConnectionClosed) {
			c.err = cause
		}
		nc := c.nc
		pending := c.pending
		c.pending = make(map[uint64]chan askResult)
		var queued []*transport.Message
		for !c.queue.Empty() {
			queued = append(queued, c.queue.PopFront().(*transport.Message))
		}
		err := c.err
		c.mu.Unlock()

		close(c.closed)
		c.cancel()
		if nc != nil {
			nc.Close()
		}
		for _, frame := range queued {
			frame.Release()
		}
		for _, ch := range pending {
			ch <- askResult{err: err}
		}
		c.network.forget(c)

		if !errors.Is(cause, ErrEnvStopped) && !errors.Is(cause, ErrConnectionClosed) {
			c.network.logger.Warn().Err(cause).Str("remote", c.remote.HostPort()).Msg("Connection closed")
		}
	})
}
