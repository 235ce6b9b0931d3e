package birpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

const (
	// DefaultMethod is always served and answers DefaultResult.
	DefaultMethod = "__default__"
	// DefaultResult is the constant reply of DefaultMethod.
	DefaultResult int64 = 204

	// PING and PONG are handled by the dispatcher, never by a handler.
	pingMethod = "__ping__"
)

// Handler serves one method. The peer argument refers to the remote end of the
// session the request arrived on. A returned Deferred is awaited before the
// reply is sent.
type Handler interface {
	ServeRPC(ctx context.Context, peer *Peer, args []any, params Params) (any, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, peer *Peer, args []any, params Params) (any, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, peer *Peer, args []any, params Params) (any, error) {
	return f(ctx, peer, args, params)
}

func serveDefault(context.Context, *Peer, []any, Params) (any, error) {
	return DefaultResult, nil
}

// Registry maps method names to handlers.
//
// A session works on a Clone taken when it is created, so registrations made
// afterwards reach only sessions created later.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry holding only DefaultMethod.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{DefaultMethod: HandlerFunc(serveDefault)}}
}

// Handle binds method to h.
func (r *Registry) Handle(method string, h Handler) error {
	switch {
	case method == "":
		return errors.New("empty method name")
	case method == pingMethod:
		return fmt.Errorf("%w: %q", ErrReservedMethod, method)
	case h == nil:
		return fmt.Errorf("%q: nil handler", method)
	}
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
	return nil
}

// HandleFunc binds method to f.
func (r *Registry) HandleFunc(method string, f func(ctx context.Context, peer *Peer, args []any, params Params) (any, error)) error {
	if f == nil {
		return fmt.Errorf("%q: nil handler", method)
	}
	return r.Handle(method, HandlerFunc(f))
}

// Register binds method to an arbitrary Go function, see NewFuncHandler.
func (r *Registry) Register(method string, fn any) error {
	h, err := NewFuncHandler(fn)
	if err != nil {
		return err
	}
	return r.Handle(method, h)
}

// Lookup returns the handler bound to method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	if method == pingMethod {
		return nil, false
	}
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	return h, ok
}

// Methods returns the served method names in order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Clone returns an independent copy of r.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{handlers: make(map[string]Handler, len(r.handlers))}
	for m, h := range r.handlers {
		c.handlers[m] = h
	}
	return c
}
