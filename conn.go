package birpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var netDialer = &net.Dialer{}

const (
	defaultQueueSize = 200
	readBufferSize   = 32 << 10
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateInit State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Option configures a Session.
type Option func(s *Session)

// WithLogger sets the session logger. nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithKeepalive sets the PING interval. Zero disables keepalive.
func WithKeepalive(d time.Duration) Option {
	return func(s *Session) {
		s.keepaliveInterval = d
	}
}

// WithPongTimeout closes the session when a PING stays unanswered for d. This
// is an extension to the protocol, which by itself leaves dead peers to the
// transport. Zero, the default, disables it.
func WithPongTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.pongTimeout = d
	}
}

// WithClock replaces the clock driving keepalive.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRegistry sets the handlers served by the session. The session keeps a
// snapshot taken at construction.
func WithRegistry(r *Registry) Option {
	return func(s *Session) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithErrorRegistry sets the registry translating remote error kinds.
func WithErrorRegistry(r *ErrorRegistry) Option {
	return func(s *Session) {
		if r != nil {
			s.errs = r
		}
	}
}

// WithWriteTimeout bounds every frame write. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// WithMetrics makes the session report to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithQueueSize sets the capacity of the outbound frame queue.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// DialFunc establishes the transport of a session.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Session is one end of a bidirectional RPC connection. It serves incoming
// calls from its registry and issues outgoing calls through its Peer.
type Session struct {
	id                string
	log               *slog.Logger
	registry          *Registry
	errs              *ErrorRegistry
	metrics           *Metrics
	clock             clockwork.Clock
	keepaliveInterval time.Duration
	pongTimeout       time.Duration
	writeTimeout      time.Duration
	queueSize         int

	calls  *callTable
	peer   *Peer
	ka     *keepalive
	out    chan outFrame
	urgent chan outFrame
	sendMu sync.Mutex // keeps id order equal to send order

	mu        sync.Mutex // guards conn and lifecycle transitions
	conn      *rawConnection
	state     atomic.Int32
	cause     error
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	group     errgroup.Group
}

func newSession(opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		log:       slog.Default(),
		registry:  NewRegistry(),
		errs:      NewErrorRegistry(),
		clock:     clockwork.NewRealClock(),
		queueSize: defaultQueueSize,
		calls:     newCallTable(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("session", s.id))
	s.registry = s.registry.Clone()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.peer = &Peer{s: s}
	s.out = make(chan outFrame, s.queueSize)
	s.urgent = make(chan outFrame, 16)
	s.ka = newKeepalive(s.clock, s.keepaliveInterval, s.pongTimeout, s.sendPing, func(err error) {
		s.log.Warn("keepalive expired", slog.String("error", err.Error()))
		go s.shutdown(err)
	})
	return s
}

// NewSession runs a session over an established connection.
//
// Parameters:
//   - c: the transport. The session owns it from now on and closes it on
//     shutdown.
//   - opts: logger, registry, error registry, keepalive and the other
//     session settings. The registry is snapshotted here.
//
// Returns:
//   - A session in the ready state. Its Peer can call the remote end at once
//     and incoming requests are served from the registry snapshot.
//
// The session runs two goroutines until it closes:
//   - receiver: reads and decodes frames and dispatches them in order
//   - writer: the only writer of c, draining the PONG lane before the queue
//
// With a keepalive interval set, a third goroutine emits the PINGs.
func NewSession(c net.Conn, opts ...Option) *Session {
	s := newSession(opts...)
	s.start(c)
	return s
}

// Connect returns a session in the init state and establishes its transport
// in the background.
//
// Parameters:
//   - dial: opens the transport. Its context is cancelled when the session
//     is closed before the dial returns.
//   - opts: as for NewSession.
//
// Behaviour:
//  1. dial runs on its own goroutine; the session stays in init meanwhile.
//  2. Calls and notifications issued on Peer in init wait for the transport,
//     bounded by their own context.
//  3. On success the session starts as NewSession does and becomes ready.
//  4. On failure, or when Close comes first, the session goes straight to
//     closing and then closed; waiting calls fail with ErrSessionClosed.
func Connect(dial DialFunc, opts ...Option) *Session {
	s := newSession(opts...)
	go func() {
		c, err := dial(s.ctx)
		if err != nil {
			s.log.Debug("fail to connect", slog.String("error", err.Error()))
			s.shutdown(fmt.Errorf("dial: %w", err))
			return
		}
		s.start(c)
	}()
	return s
}

// Dial connects to addr and runs a session over the connection.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Session, error) {
	c, err := netDialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("fail to connect: %w", err)
	}
	s := NewSession(c, opts...)
	s.log.Info("connected", slog.String("uri", network+"://"+addr))
	return s, nil
}

func (s *Session) start(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateInit {
		_ = c.Close()
		return
	}

	s.conn = &rawConnection{Conn: c, log: s.log, writeTimeout: s.writeTimeout}
	s.group.Go(s.receiver)
	s.group.Go(s.writer)
	s.ka.start()

	s.state.Store(int32(StateReady))
	close(s.ready)
	s.metrics.sessionOpened()

	attrs := []any{slog.Duration("keepalive", s.keepaliveInterval)}
	if ra := c.RemoteAddr(); ra != nil {
		attrs = append(attrs, slog.String("remote", ra.String()))
	}
	s.log.Debug("session ready", attrs...)
}

// shutdown drives the session to closed: keepalive stops, pending calls fail
// with ErrTransportFailure, then the transport is closed.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasReady := s.State() == StateReady
		s.state.Store(int32(StateClosing))
		s.cause = cause
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		s.ka.stop()
		n := s.calls.failAll(transportFailure(cause))
		s.metrics.callsCompleted(outcomeTransport, n)
		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("fail to close connection", slog.String("error", err.Error()))
			}
		}

		s.state.Store(int32(StateClosed))
		close(s.done)
		if wasReady {
			s.metrics.sessionClosed()
		}
		s.log.Debug("session closed", slog.Int("failed_calls", n), slog.Any("cause", cause))
	})
}

// Close shuts the session down and waits for its reader, writer and
// keepalive to exit. Running handlers are not waited for; their replies are
// discarded.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	_ = s.group.Wait()
	return nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State reports the lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Peer returns the handle for calling the remote end. It may be used before
// the session is ready; calls wait for the transport.
func (s *Session) Peer() *Peer { return s.peer }

// Ready waits until the transport is up.
func (s *Session) Ready(ctx context.Context) (*Peer, error) {
	select {
	case <-s.ready:
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.closing() {
		return nil, s.closedErr()
	}
	return s.peer, nil
}

// Done is closed when the session reached the closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}

// Pending returns the number of calls awaiting a reply.
func (s *Session) Pending() int { return s.calls.len() }

// LastPong returns when the last PONG arrived, zero if none did.
func (s *Session) LastPong() time.Time { return s.ka.lastPongTime() }

// Methods lists the methods this session serves.
func (s *Session) Methods() []string { return s.registry.Methods() }

func (s *Session) closing() bool { return s.State() >= StateClosing }

func (s *Session) closedErr() error {
	s.mu.Lock()
	cause := s.cause
	s.mu.Unlock()
	if cause == nil || errors.Is(cause, ErrSessionClosed) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, cause)
}

// awaitReady blocks calls issued before the transport is up.
func (s *Session) awaitReady(ctx context.Context) error {
	_, err := s.Ready(ctx)
	return err
}
