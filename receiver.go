package birpc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// receiver is the goroutine reading the transport of a ready session.
//
// It feeds every chunk read to a Decoder and dispatches the decoded messages
// in arrival order:
//   - CALL and NOTIFY go to their handler, each on a goroutine of its own
//   - RETURN and ERROR complete the pending call with the same id
//   - PING is answered with a PONG on the writer's priority lane
//   - PONG is reported to the keepalive
//
// It ends, and shuts the session down, on the first of:
//   - a malformed frame; messages decoded before it are still dispatched
//   - io.EOF, the peer closed the stream
//   - any other read error, including the transport closed by shutdown
func (s *Session) receiver() error {
	defer s.log.Debug("receiver closed")
	s.log.Debug("receiver started")

	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			msgs, ferr := dec.Feed(buf[:n])
			for _, m := range msgs {
				s.dispatch(m)
			}
			if ferr != nil {
				s.log.Error("malformed frame, closing", slog.String("error", ferr.Error()))
				s.shutdown(ferr)
				return ferr
			}
		}
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				s.log.Info("connection closed by peer")
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				s.log.Debug("connection closed", slog.String("error", err.Error()))
			default:
				s.log.Error("error on receive", slog.String("error", err.Error()))
			}
			s.shutdown(err)
			return err
		}
	}
}

func (s *Session) dispatch(m *Message) {
	s.metrics.frameReceived(m.Kind)

	switch m.Kind {
	case KindCall, KindNotify:
		s.serve(m)
	case KindReturn:
		if !s.complete(m.ID, outcomeResult, m.Result, nil) {
			s.log.Warn("no pending call for return", slog.Uint64("id", m.ID))
		}
	case KindError:
		if !s.complete(m.ID, outcomeError, nil, s.errs.Decode(*m.Exception)) {
			s.log.Warn("no pending call for error", slog.Uint64("id", m.ID), slog.String("kind", m.Exception.Kind))
		}
	case KindPing:
		s.sendPong()
	case KindPong:
		s.ka.observePong()
	}
}

// complete resolves the pending call id. It reports false for ids that were
// never issued, already answered or abandoned by the caller.
func (s *Session) complete(id uint64, outcome string, v any, err error) bool {
	p := s.calls.take(id)
	if p == nil {
		return false
	}
	s.metrics.callsCompleted(outcome, 1)
	return p.complete(v, err)
}

// serve looks the method up and runs its handler on a goroutine of its own,
// so the receiver keeps reading while handlers work.
func (s *Session) serve(m *Message) {
	l := s.log.With(slog.String("method", m.Method))
	if m.Kind == KindCall {
		l = l.With(slog.Uint64("id", m.ID))
	}

	h, ok := s.registry.Lookup(m.Method)
	if !ok {
		if m.Kind == KindNotify {
			l.Debug("notification handler not found")
			return
		}
		l.Warn("call handler not found")
		go s.reply(l, m.ID, nil, &MethodNotFoundError{Method: m.Method})
		return
	}

	go func() {
		l.Debug(m.Kind.String()+" handler called", slog.Int("args", len(m.Args)), slog.Int("params", len(m.Params)))
		start := time.Now()
		res, err := s.invoke(h, m)
		s.metrics.handlerObserved(m.Method, m.Kind, err, time.Since(start))

		if m.Kind == KindNotify {
			if err != nil {
				l.Error("notification handler error", slog.String("error", err.Error()))
			}
			return
		}
		if err != nil {
			l.Debug("call handler error", slog.String("error", err.Error()))
		}
		s.reply(l, m.ID, res, err)
	}()
}

// invoke runs h, waits for a Deferred result and turns panics into errors.
func (s *Session) invoke(h Handler, m *Message) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &HandlerFailureError{Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	res, err = h.ServeRPC(s.ctx, s.peer, m.Args, m.Params)
	if err != nil {
		return nil, err
	}
	if d, ok := res.(Deferred); ok {
		return d.Wait(s.ctx)
	}
	return res, nil
}
