package birpc

import (
	"context"
	"math"
	"sync"
)

// maxCallID caps the id space at the largest value a msgpack signed integer
// carries, so every id is portable to peers that decode ids as int64.
const maxCallID = math.MaxInt64

// Deferred is a value that becomes available later. Handlers may return one;
// the dispatcher waits for it before replying.
type Deferred interface {
	Wait(ctx context.Context) (any, error)
}

// Pending is the completion slot of an outgoing call. It is completed exactly
// once, with a value or an error.
type Pending struct {
	id    uint64
	done  chan struct{}
	once  sync.Once
	value any
	err   error
	drop  func(id uint64)
}

func newPending(id uint64, drop func(uint64)) *Pending {
	return &Pending{id: id, done: make(chan struct{}), drop: drop}
}

func (p *Pending) complete(value any, err error) bool {
	fired := false
	p.once.Do(func() {
		p.value, p.err = value, err
		close(p.done)
		fired = true
	})
	return fired
}

// ID returns the call id carried by the CALL frame.
func (p *Pending) ID() uint64 { return p.id }

// Done is closed once the call completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome of a completed call. Before completion it
// returns nil, nil.
func (p *Pending) Result() (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call completes or ctx is done. When ctx wins the call
// is forgotten locally: a late RETURN or ERROR for it is dropped. Nothing is
// sent to the peer.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
	}
	// completion may have raced with cancellation
	select {
	case <-p.done:
		return p.value, p.err
	default:
	}
	if p.drop != nil {
		p.drop(p.id)
	}
	return nil, ctx.Err()
}

// callTable allocates call ids and tracks calls awaiting a reply.
type callTable struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Pending
	closed  error
}

func newCallTable() *callTable {
	return &callTable{nextID: 1, pending: make(map[uint64]*Pending)}
}

// reserve allocates a fresh id and registers its slot.
func (t *callTable) reserve() (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, ErrSessionClosed
	}
	if t.nextID > maxCallID {
		return nil, ErrIDSpaceExhausted
	}
	p := newPending(t.nextID, t.drop)
	t.pending[p.id] = p
	t.nextID++
	return p, nil
}

// take removes and returns the slot of id, nil when there is none.
func (t *callTable) take(id uint64) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return p
}

func (t *callTable) drop(id uint64) {
	t.take(id)
}

// failAll completes every pending call with err and refuses further
// reservations. It returns the number of calls failed.
func (t *callTable) failAll(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*Pending)
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()

	for _, p := range pending {
		p.complete(nil, err)
	}
	return len(pending)
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
