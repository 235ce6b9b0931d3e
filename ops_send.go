package birpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
)

type outFrame struct {
	kind Kind
	data []byte
}

// writer is the only goroutine writing to the transport.
//
// Frames come from two channels:
//   - urgent: PONG frames, always taken first
//   - out: every other frame in enqueue order, so call ids reach the wire in
//     the order they were issued
//
// A failed write shuts the session down. When the session closes, frames still
// queued are dropped.
func (s *Session) writer() error {
	defer s.log.Debug("writer closed")
	for {
		var f outFrame
		select {
		case f = <-s.urgent:
		default:
			select {
			case <-s.ctx.Done():
				return nil
			case f = <-s.urgent:
			case f = <-s.out:
			}
		}

		if s.ctx.Err() != nil {
			return nil
		}
		if err := s.conn.writeFrame(f.data); err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Error("error on send", slog.String("kind", f.kind.String()), slog.String("error", err.Error()))
			}
			s.shutdown(err)
			return err
		}
		s.metrics.frameSent(f.kind)
		if s.log.Enabled(context.Background(), slog.LevelDebug) {
			s.log.Debug("sent frame", slog.String("kind", f.kind.String()), slog.Int("size", len(f.data)))
		}
	}
}

// enqueue hands an encoded frame to the writer.
func (s *Session) enqueue(ctx context.Context, kind Kind, data []byte) error {
	if s.closing() {
		return ErrSessionClosed
	}
	select {
	case s.out <- outFrame{kind: kind, data: data}:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) sendMessage(ctx context.Context, m *Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, m.Kind, data)
}

func (s *Session) sendPing() error {
	return s.sendMessage(s.ctx, pingMessage)
}

// sendPong bypasses the queue so the PONG leaves before frames queued later.
func (s *Session) sendPong() {
	data, err := EncodeMessage(pongMessage)
	if err != nil {
		s.log.Error("fail to encode pong", slog.String("error", err.Error()))
		return
	}
	select {
	case s.urgent <- outFrame{kind: KindPong, data: data}:
	case <-s.ctx.Done():
	}
}

// reply answers a CALL with its handler outcome. Replies for a closing session
// are dropped.
func (s *Session) reply(l *slog.Logger, id uint64, res any, herr error) {
	if s.closing() {
		l.Debug("session closed, reply dropped")
		return
	}

	var m *Message
	if herr != nil {
		m = newError(id, s.errs.Encode(herr))
	} else {
		m = newReturn(id, res)
	}
	data, err := EncodeMessage(m)
	if err != nil {
		// the result or the error arguments have no wire form
		l.Error("fail to encode reply", slog.String("error", err.Error()))
		m = newError(id, s.errs.Encode(&HandlerFailureError{Message: err.Error()}))
		if data, err = EncodeMessage(m); err != nil {
			l.Error("fail to encode error reply", slog.String("error", err.Error()))
			return
		}
	}

	if err := s.enqueue(s.ctx, m.Kind, data); err != nil {
		l.Debug("reply dropped", slog.String("error", err.Error()))
	}
}
