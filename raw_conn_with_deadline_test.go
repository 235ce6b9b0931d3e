package birpc

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn stubs the write side of net.Conn.
type mockConn struct {
	net.Conn
	writeFn    func(b []byte) (int, error)
	setWriteFn func(t time.Time) error
}

func (m *mockConn) Write(b []byte) (int, error) {
	if m.writeFn != nil {
		return m.writeFn(b)
	}
	return len(b), nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	if m.setWriteFn != nil {
		return m.setWriteFn(t)
	}
	return nil
}

func TestRawConnection_Write(t *testing.T) {
	frame := []byte("frame data")

	tests := []struct {
		name      string
		n         int
		err       error
		wantFail  bool
		wantWrap  bool
		wantError bool
	}{
		{name: "complete", n: len(frame)},
		{name: "error before any byte", n: 0, err: errors.New("network error"), wantError: true},
		{name: "deadline before any byte", n: 0, err: os.ErrDeadlineExceeded, wantError: true},
		{name: "deadline after every byte", n: len(frame), err: os.ErrDeadlineExceeded, wantError: true},
		{name: "deadline mid frame", n: 4, err: os.ErrDeadlineExceeded, wantError: true, wantFail: true, wantWrap: true},
		{name: "error mid frame", n: 4, err: errors.New("reset"), wantError: true, wantFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &rawConnection{Conn: &mockConn{writeFn: func([]byte) (int, error) { return tt.n, tt.err }}}

			n, err := c.Write(frame)
			assert.Equal(t, tt.n, n)
			assert.Equal(t, tt.wantFail, c.failState.Load())
			if !tt.wantError {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
			if tt.wantWrap {
				assert.Contains(t, err.Error(), "incomplete write")
			}
		})
	}
}

func TestRawConnection_WriteFrame(t *testing.T) {
	var deadline time.Time
	var written []byte
	c := &rawConnection{
		Conn: &mockConn{
			writeFn: func(b []byte) (int, error) {
				written = append(written, b...)
				return len(b), nil
			},
			setWriteFn: func(t time.Time) error {
				deadline = t
				return nil
			},
		},
		log:          slog.Default(),
		writeTimeout: time.Minute,
	}

	require.NoError(t, c.writeFrame([]byte{0x81, 0x01, 0x02}))
	assert.Equal(t, []byte{0x81, 0x01, 0x02}, written)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	// a failed deadline is logged, the write still happens
	c.Conn.(*mockConn).setWriteFn = func(time.Time) error { return errors.New("unsupported") }
	require.NoError(t, c.writeFrame([]byte{0x80}))
	assert.Len(t, written, 4)
}

func TestRawConnection_NoWriteAfterPartialFrame(t *testing.T) {
	writes := 0
	c := &rawConnection{Conn: &mockConn{writeFn: func(b []byte) (int, error) {
		writes++
		return 1, os.ErrDeadlineExceeded
	}}, log: slog.Default()}

	assert.Error(t, c.writeFrame([]byte("first")))
	assert.True(t, c.failState.Load())

	err := c.writeFrame([]byte("second"))
	assert.ErrorContains(t, err, "incomplete write")
	assert.Equal(t, 1, writes)
}
