package birpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// rawConnection wraps the transport and remembers whether a frame was cut
// short. After a partial write the byte stream no longer splits into whole
// frames, so the session must not write to it again.
type rawConnection struct {
	net.Conn
	log          *slog.Logger
	writeTimeout time.Duration
	failState    atomic.Bool
}

// writeFrame writes one encoded frame under the configured write deadline.
func (c *rawConnection) writeFrame(frame []byte) error {
	if c.failState.Load() {
		return errors.New("connection failed after incomplete write")
	}
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.log.Warn("fail to set write deadline", slog.String("error", err.Error()))
		}
	}
	_, err := c.Write(frame)
	return err
}

// Write marks the connection failed when only part of b went out before the
// deadline expired.
func (c *rawConnection) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil && n < len(b) && n != 0 {
		c.failState.Store(true)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("incomplete write: %w", err)
		}
	}
	return n, err
}
