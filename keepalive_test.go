package birpc

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kaProbe struct {
	pings   chan struct{}
	expired chan error
}

func newKaProbe() *kaProbe {
	return &kaProbe{pings: make(chan struct{}, 16), expired: make(chan error, 1)}
}

func (p *kaProbe) ping() error {
	p.pings <- struct{}{}
	return nil
}

func (p *kaProbe) expire(err error) { p.expired <- err }

func (p *kaProbe) waitPing(t *testing.T) {
	t.Helper()
	select {
	case <-p.pings:
	case <-time.After(time.Second):
		t.Fatal("no ping")
	}
}

func (p *kaProbe) noPing(t *testing.T) {
	t.Helper()
	select {
	case <-p.pings:
		t.Fatal("unexpected ping")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestKeepalive_PingsEveryInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	probe := newKaProbe()
	ka := newKeepalive(fc, 10*time.Second, 0, probe.ping, probe.expire)
	ka.start()
	defer ka.stop()

	probe.waitPing(t)
	for i := 0; i < 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(9 * time.Second)
		probe.noPing(t)
		fc.Advance(time.Second)
		probe.waitPing(t)
	}
	assert.Empty(t, probe.expired)
}

func TestKeepalive_Disabled(t *testing.T) {
	probe := newKaProbe()
	ka := newKeepalive(clockwork.NewFakeClock(), 0, time.Second, probe.ping, probe.expire)
	ka.start()
	probe.noPing(t)
	ka.stop()
}

func TestKeepalive_StopEndsPings(t *testing.T) {
	fc := clockwork.NewFakeClock()
	probe := newKaProbe()
	ka := newKeepalive(fc, time.Second, 0, probe.ping, probe.expire)
	ka.start()
	probe.waitPing(t)

	fc.BlockUntil(1)
	ka.stop()
	ka.stop()
	fc.Advance(5 * time.Second)
	probe.noPing(t)
}

func TestKeepalive_PingFailureStops(t *testing.T) {
	fc := clockwork.NewFakeClock()
	calls := 0
	ka := newKeepalive(fc, time.Second, 0, func() error {
		calls++
		return ErrSessionClosed
	}, func(error) { t.Error("expire must not be called") })
	ka.start()
	ka.wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestKeepalive_PongTimeout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	probe := newKaProbe()
	ka := newKeepalive(fc, 10*time.Second, 3*time.Second, probe.ping, probe.expire)
	ka.start()
	defer ka.stop()

	probe.waitPing(t)
	// ticker and pong deadline
	fc.BlockUntil(2)
	fc.Advance(3 * time.Second)

	select {
	case err := <-probe.expired:
		assert.ErrorIs(t, err, ErrTransportFailure)
	case <-time.After(time.Second):
		t.Fatal("keepalive did not expire")
	}
}

func TestKeepalive_PongDisarmsTimeout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	probe := newKaProbe()
	ka := newKeepalive(fc, 10*time.Second, 3*time.Second, probe.ping, probe.expire)
	ka.start()
	defer ka.stop()

	probe.waitPing(t)
	fc.BlockUntil(2)
	ka.observePong()
	fc.BlockUntil(1)
	assert.False(t, ka.lastPongTime().IsZero())

	fc.Advance(5 * time.Second)
	select {
	case err := <-probe.expired:
		t.Fatalf("unexpected expiry: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	fc.Advance(5 * time.Second)
	probe.waitPing(t)
	fc.BlockUntil(2)
}

func TestKeepalive_LastPong(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ka := newKeepalive(fc, 0, 0, func() error { return errors.New("unused") }, func(error) {})
	require.True(t, ka.lastPongTime().IsZero())

	ka.observePong()
	ka.observePong()
	assert.True(t, ka.lastPongTime().Equal(fc.Now()))
}
