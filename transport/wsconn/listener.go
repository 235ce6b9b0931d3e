package wsconn

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures a Listener.
type Option func(l *Listener)

// WithLogger sets the listener logger. nil means slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// WithOriginCheck replaces the origin check applied to upgrade requests. By
// default every origin is accepted.
func WithOriginCheck(f func(r *http.Request) bool) Option {
	return func(l *Listener) {
		l.upgrader.CheckOrigin = f
	}
}

// WithBufferSizes sets the websocket read and write buffer sizes.
func WithBufferSizes(read, write int) Option {
	return func(l *Listener) {
		l.upgrader.ReadBufferSize = read
		l.upgrader.WriteBufferSize = write
	}
}

// Listener is a net.Listener fed by an http.Handler: each upgraded request
// becomes one accepted Conn. It lets birpc.NewServerListener serve WebSocket
// clients.
type Listener struct {
	upgrader websocket.Upgrader
	addr     net.Addr
	log      *slog.Logger
	srv      *http.Server

	conns     chan *Conn
	done      chan struct{}
	closeOnce sync.Once
}

var _ net.Listener = (*Listener)(nil)
var _ http.Handler = (*Listener)(nil)

// NewListener returns a listener reporting addr. Mount it on an HTTP server
// to start accepting.
func NewListener(addr net.Addr, opts ...Option) *Listener {
	l := &Listener{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		addr:  addr,
		log:   slog.Default(),
		conns: make(chan *Conn),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen starts an HTTP server on addr that upgrades requests for path.
func Listen(addr, path string, opts ...Option) (*Listener, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := NewListener(nl.Addr(), opts...)

	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("websocket server failed", slog.String("error", err.Error()))
		}
	}()
	l.log.Info("websocket listener started", slog.String("addr", nl.Addr().String()), slog.String("path", path))
	return l, nil
}

// ServeHTTP upgrades the request and hands the connection to Accept.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		l.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	c := New(ws)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops accepting. Connections already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.srv != nil {
			err = l.srv.Close()
		}
	})
	return err
}

// Addr returns the address given at construction.
func (l *Listener) Addr() net.Addr {
	if l.addr == nil {
		return wsAddr{}
	}
	return l.addr
}

type wsAddr struct{}

func (wsAddr) Network() string { return "websocket" }
func (wsAddr) String() string  { return "websocket" }
