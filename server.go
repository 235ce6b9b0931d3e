package birpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ServerOption configures a Server.
type ServerOption func(s *Server)

// WithServerLogger sets the server logger. nil means slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSessionOptions sets options applied to every accepted session.
func WithSessionOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// WithServerRegistry sets the registry accepted sessions serve.
func WithServerRegistry(r *Registry) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

// OnSession sets a callback run for every accepted session once it is ready.
func OnSession(f func(*Session)) ServerOption {
	return func(s *Server) {
		s.onSession = f
	}
}

// Server accepts connections and runs a Session on each. Every session gets a
// snapshot of the server registry taken when the connection is accepted.
type Server struct {
	registry    *Registry
	sessionOpts []Option
	onSession   func(*Session)
	log         *slog.Logger
	listener    net.Listener

	mu       sync.Mutex
	sessions map[*Session]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
}

// NewServer listens on network/addr and serves sessions.
func NewServer(network, addr string, opts ...ServerOption) (*Server, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return NewServerListener(l, opts...), nil
}

// NewServerListener serves sessions on connections accepted from l.
func NewServerListener(l net.Listener, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		registry: NewRegistry(),
		log:      slog.Default(),
		listener: l,
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.log = srv.log.With(slog.String("listen", l.Addr().String()))

	srv.group.Go(srv.serve)
	return srv
}

func (s *Server) serve() error {
	defer s.cancel()
	defer s.log.Info("server stopped")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("failed to accept connection", slog.String("error", err.Error()))
			return err
		}
		remote := "unknown"
		if ra := conn.RemoteAddr(); ra != nil {
			remote = ra.String()
		}
		s.log.Info("new connection accepted", slog.String("remote", remote))

		opts := append(slices.Clone(s.sessionOpts),
			WithRegistry(s.registry),
			WithLogger(s.log.With(slog.String("remote", remote))),
		)
		sess := NewSession(conn, opts...)
		if !s.track(sess) {
			_ = sess.Close()
			return nil
		}
		if s.onSession != nil {
			s.onSession(sess)
		}

		s.group.Go(func() error {
			select {
			case <-s.ctx.Done():
				sess.log.Info("server connection closed")
			case <-sess.Done():
				sess.log.Info("connection closed")
			}
			if err := sess.Close(); err != nil {
				sess.log.Warn("failed to close connection", slog.String("error", err.Error()))
			}
			s.untrack(sess)
			return nil
		})
	}
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Sessions returns the sessions currently open.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Registry returns the registry snapshotted into new sessions.
func (s *Server) Registry() *Registry { return s.registry }

// Handle registers h for sessions accepted from now on.
func (s *Server) Handle(method string, h Handler) error {
	return s.registry.Handle(method, h)
}

// Register registers a typed Go function, see NewFuncHandler.
func (s *Server) Register(method string, fn any) error {
	return s.registry.Register(method, fn)
}

// Close stops accepting, closes every session and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("failed to close listener", slog.String("error", err.Error()))
	}
	_ = s.group.Wait()
	return nil
}
