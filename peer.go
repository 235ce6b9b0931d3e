package birpc

import (
	"context"
	"fmt"
	"log/slog"
)

// Peer is the handle for the remote end of a session. Its methods only ever
// reach remote handlers; local handlers are served from the session registry.
type Peer struct {
	s *Session
}

// Session returns the session the peer belongs to.
func (p *Peer) Session() *Session { return p.s }

// Send issues a CALL and returns its completion slot without waiting for the
// reply. Params values among args are sent as named parameters.
func (p *Peer) Send(ctx context.Context, method string, args ...any) (*Pending, error) {
	s := p.s
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	positional, params := splitArgs(args)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	pd, err := s.calls.reserve()
	if err != nil {
		return nil, err
	}
	data, err := EncodeMessage(newCall(pd.id, method, positional, params))
	if err != nil {
		s.calls.drop(pd.id)
		return nil, fmt.Errorf("%q: %w", method, err)
	}
	if err := s.enqueue(ctx, KindCall, data); err != nil {
		s.calls.drop(pd.id)
		return nil, err
	}
	s.metrics.callStarted()

	if s.log.Enabled(ctx, slog.LevelDebug) {
		s.log.Debug("sent call", slog.Uint64("id", pd.id), slog.String("method", method))
	}
	return pd, nil
}

// Call issues a CALL and waits for its outcome: the remote result, a remote
// error, or an error wrapping ErrTransportFailure. When ctx ends first the call
// is forgotten locally and ctx.Err() is returned.
func (p *Peer) Call(ctx context.Context, method string, args ...any) (any, error) {
	pd, err := p.Send(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	res, err := pd.Wait(ctx)
	if cerr := ctx.Err(); cerr != nil && err == cerr {
		p.s.metrics.callsCompleted(outcomeCancelled, 1)
	}
	return res, err
}

// Notify sends a NOTIFY. No reply is expected; handler failures on the remote
// end are never reported back.
func (p *Peer) Notify(ctx context.Context, method string, args ...any) error {
	s := p.s
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	positional, params := splitArgs(args)
	if err := s.sendMessage(ctx, newNotify(method, positional, params)); err != nil {
		return fmt.Errorf("%q: %w", method, err)
	}
	if s.log.Enabled(ctx, slog.LevelDebug) {
		s.log.Debug("sent notification", slog.String("method", method))
	}
	return nil
}

// Method is a remote method bound to a name.
type Method func(ctx context.Context, args ...any) (any, error)

// Method returns a function calling the named remote method, so that
// peer.Method("add")(ctx, 1, 2) reads like a local call.
func (p *Peer) Method(name string) Method {
	return func(ctx context.Context, args ...any) (any, error) {
		return p.Call(ctx, name, args...)
	}
}

// CallAs calls method and converts the result into T.
func CallAs[T any](ctx context.Context, p *Peer, method string, args ...any) (T, error) {
	var out T
	res, err := p.Call(ctx, method, args...)
	if err != nil || res == nil {
		return out, err
	}
	if v, ok := res.(T); ok {
		return v, nil
	}
	if err := remarshal(res, &out); err != nil {
		return out, fmt.Errorf("%q: convert result %T: %w", method, res, err)
	}
	return out, nil
}
