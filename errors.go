package birpc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrMalformedFrame reports a protocol violation at the codec layer. It is
	// fatal for the session.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrTransportFailure completes every call still pending when the
	// underlying stream closes or fails.
	ErrTransportFailure = errors.New("transport failure")
	// ErrSessionClosed is returned by calls and notifications issued after the
	// session was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrIDSpaceExhausted is returned when the session ran out of call ids.
	ErrIDSpaceExhausted = errors.New("call id space exhausted")
	// ErrReservedMethod is returned when registering a reserved method name.
	ErrReservedMethod = errors.New("reserved method name")
)

const (
	KindMethodNotFound = "MethodNotFound"
	KindHandlerFailure = "HandlerFailure"
)

// KindedError is an error that travels over the wire under its own kind name.
type KindedError interface {
	error
	ErrorKind() string
	ErrorArgs() []any
}

// MethodNotFoundError is returned to the caller of a method the peer does not serve.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string     { return "method not found: " + e.Method }
func (e *MethodNotFoundError) ErrorKind() string { return KindMethodNotFound }
func (e *MethodNotFoundError) ErrorArgs() []any  { return []any{e.Method} }

// HandlerFailureError carries the message of a handler error that has no
// kind of its own.
type HandlerFailureError struct {
	Message string
}

func (e *HandlerFailureError) Error() string     { return "handler failure: " + e.Message }
func (e *HandlerFailureError) ErrorKind() string { return KindHandlerFailure }
func (e *HandlerFailureError) ErrorArgs() []any  { return []any{e.Message} }

// UnknownRemoteError is the local form of a remote error whose kind is not
// registered. It keeps the original kind and arguments.
type UnknownRemoteError struct {
	Kind string
	Args []any
}

func (e *UnknownRemoteError) Error() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = formatArg(a)
	}
	return e.Kind + "(" + strings.Join(parts, ", ") + ")"
}

func (e *UnknownRemoteError) ErrorKind() string { return e.Kind }
func (e *UnknownRemoteError) ErrorArgs() []any  { return e.Args }

func formatArg(a any) string {
	switch v := a.(type) {
	case string:
		return strconv.Quote(v)
	case []byte:
		return fmt.Sprintf("b%q", v)
	case nil:
		return "nil"
	}
	return fmt.Sprint(a)
}

// ErrorFactory builds a local error from transported arguments. Returning nil
// makes the registry fall back to UnknownRemoteError.
type ErrorFactory func(args []any) error

// ErrorRegistry maps kind names to local error constructors.
type ErrorRegistry struct {
	mu    sync.RWMutex
	kinds map[string]ErrorFactory
}

// NewErrorRegistry returns a registry that knows MethodNotFound and HandlerFailure.
func NewErrorRegistry() *ErrorRegistry {
	r := &ErrorRegistry{kinds: make(map[string]ErrorFactory)}
	r.kinds[KindMethodNotFound] = func(args []any) error {
		e := &MethodNotFoundError{}
		if len(args) > 0 {
			e.Method, _ = args[0].(string)
		}
		return e
	}
	r.kinds[KindHandlerFailure] = func(args []any) error {
		e := &HandlerFailureError{}
		if len(args) > 0 {
			e.Message = fmt.Sprint(args[0])
		}
		return e
	}
	return r
}

// Register binds kind to f, replacing any earlier binding.
func (r *ErrorRegistry) Register(kind string, f ErrorFactory) error {
	if kind == "" {
		return errors.New("empty error kind")
	}
	if f == nil {
		return fmt.Errorf("nil factory for error kind %q", kind)
	}
	r.mu.Lock()
	r.kinds[kind] = f
	r.mu.Unlock()
	return nil
}

// Encode converts err into its transported form. The first KindedError in the
// wrap chain supplies the kind; anything else becomes HandlerFailure.
func (r *ErrorRegistry) Encode(err error) ErrorDescriptor {
	var ke KindedError
	if errors.As(err, &ke) {
		return ErrorDescriptor{Kind: ke.ErrorKind(), Args: nonNilArgs(ke.ErrorArgs())}
	}
	return ErrorDescriptor{Kind: KindHandlerFailure, Args: []any{err.Error()}}
}

// Decode converts a transported error into a local one. It never returns nil.
func (r *ErrorRegistry) Decode(d ErrorDescriptor) error {
	r.mu.RLock()
	f, ok := r.kinds[d.Kind]
	r.mu.RUnlock()
	if ok {
		if err := f(d.Args); err != nil {
			return err
		}
	}
	return &UnknownRemoteError{Kind: d.Kind, Args: nonNilArgs(d.Args)}
}

// Kinds lists registered kind names.
func (r *ErrorRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

func transportFailure(cause error) error {
	switch {
	case cause == nil:
		return ErrTransportFailure
	case errors.Is(cause, ErrTransportFailure):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrTransportFailure, cause)
}
