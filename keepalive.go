package birpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// keepalive emits a PING every interval. Round trips are not measured; with a
// pong timeout set, a PING left unanswered for that long expires the session.
type keepalive struct {
	clock       clockwork.Clock
	interval    time.Duration
	pongTimeout time.Duration
	ping        func() error
	expire      func(error)

	lastPong atomic.Int64 // unix nanoseconds, 0 before the first PONG
	pongs    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newKeepalive(clock clockwork.Clock, interval, pongTimeout time.Duration, ping func() error, expire func(error)) *keepalive {
	return &keepalive{
		clock:       clock,
		interval:    interval,
		pongTimeout: pongTimeout,
		ping:        ping,
		expire:      expire,
		pongs:       make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

func (k *keepalive) start() {
	if k.interval <= 0 {
		return
	}
	k.wg.Add(1)
	go k.run()
}

func (k *keepalive) run() {
	defer k.wg.Done()

	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	var (
		deadline  clockwork.Timer
		deadlineC <-chan time.Time
	)
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()
	arm := func() {
		if k.pongTimeout <= 0 || deadlineC != nil {
			return
		}
		if deadline != nil {
			deadline.Stop()
		}
		deadline = k.clock.NewTimer(k.pongTimeout)
		deadlineC = deadline.Chan()
	}

	if k.ping() != nil {
		return
	}
	arm()
	for {
		select {
		case <-k.stopCh:
			return
		case <-k.pongs:
			if deadlineC != nil {
				deadline.Stop()
				deadlineC = nil
			}
		case <-deadlineC:
			k.expire(fmt.Errorf("%w: no pong within %s", ErrTransportFailure, k.pongTimeout))
			return
		case <-ticker.Chan():
			select {
			case <-k.stopCh:
				return
			default:
			}
			if k.ping() != nil {
				return
			}
			arm()
		}
	}
}

func (k *keepalive) observePong() {
	k.lastPong.Store(k.clock.Now().UnixNano())
	select {
	case k.pongs <- struct{}{}:
	default:
	}
}

// stop returns once the timer goroutine has exited; no PING follows it.
func (k *keepalive) stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	k.wg.Wait()
}

func (k *keepalive) lastPongTime() time.Time {
	ns := k.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
