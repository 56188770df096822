// Package fifo provides a bidirectional, fixed-depth, fixed-record-size
// message queue with a small set of observable signals. The two endpoints
// of a pair each own one receive queue; writing on one endpoint fills the
// peer's receive queue.
package fifo

import (
	"context"
	"errors"
	"sync"
)

// Signals is a bit set of endpoint states a caller can wait on
type Signals uint32

const (
	// SignalReadable is asserted while the endpoint's receive queue is non-empty
	SignalReadable Signals = 1 << 0
	// SignalWritable is asserted while the peer's receive queue has room
	SignalWritable Signals = 1 << 1
	// SignalPeerClosed is asserted once the peer endpoint has been closed
	SignalPeerClosed Signals = 1 << 2

	// User signals are set and cleared explicitly with Signal/SignalPeer
	SignalUser0 Signals = 1 << 24
	SignalUser1 Signals = 1 << 25
	SignalUser2 Signals = 1 << 26
	SignalUser3 Signals = 1 << 27

	// SignalUserAll is the mask of signals callers may set or clear
	SignalUserAll = SignalUser0 | SignalUser1 | SignalUser2 | SignalUser3
)

var (
	// ErrShouldWait is returned when a read finds no records or a write finds no room
	ErrShouldWait = errors.New("fifo: should wait")
	// ErrPeerClosed is returned once the other endpoint has been closed
	ErrPeerClosed = errors.New("fifo: peer closed")
	// ErrClosed is returned when operating on a closed endpoint
	ErrClosed = errors.New("fifo: endpoint closed")
	// ErrInvalidArgs is returned for buffers that are not a multiple of the record size
	ErrInvalidArgs = errors.New("fifo: invalid arguments")
)

// queue is a ring of fixed-size records indexed by monotonic counters
type queue struct {
	buf   []byte
	w, r  uint64
	depth uint64
}

func (q *queue) used() uint64 { return q.w - q.r }
func (q *queue) free() uint64 { return q.depth - q.used() }

// shared is the state common to both endpoints of a pair
type shared struct {
	mu       sync.Mutex
	elemSize int
	depth    int
	rx       [2]queue   // rx[i] is read by endpoint i
	user     [2]Signals // user signals asserted on endpoint i
	closed   [2]bool
	changed  chan struct{} // closed and replaced on every state change
}

// Endpoint is one side of a FIFO pair. All methods are safe for concurrent use.
type Endpoint struct {
	s    *shared
	side int
}

// Create returns a connected pair of endpoints. depth is the number of
// records each direction can hold and elemSize the size of every record.
func Create(depth, elemSize int) (*Endpoint, *Endpoint, error) {
	if depth <= 0 || elemSize <= 0 {
		return nil, nil, ErrInvalidArgs
	}

	s := &shared{
		elemSize: elemSize,
		depth:    depth,
		changed:  make(chan struct{}),
	}
	for i := range s.rx {
		s.rx[i] = queue{
			buf:   make([]byte, depth*elemSize),
			depth: uint64(depth),
		}
	}

	return &Endpoint{s: s, side: 0}, &Endpoint{s: s, side: 1}, nil
}

// ElemSize returns the record size in bytes
func (e *Endpoint) ElemSize() int {
	return e.s.elemSize
}

// Depth returns the number of records each direction can hold
func (e *Endpoint) Depth() int {
	return e.s.depth
}

func (e *Endpoint) peer() int {
	return 1 - e.side
}

// notifyLocked wakes every waiter. Caller holds s.mu.
func (s *shared) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Read copies up to len(p)/ElemSize records into p and returns the number
// of records read. It never blocks: an empty queue yields ErrShouldWait, or
// ErrPeerClosed when the peer is gone and nothing remains to be read.
func (e *Endpoint) Read(p []byte) (int, error) {
	s := e.s
	if len(p) < s.elemSize || len(p)%s.elemSize != 0 {
		return 0, ErrInvalidArgs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed[e.side] {
		return 0, ErrClosed
	}

	q := &s.rx[e.side]
	avail := q.used()
	if avail == 0 {
		if s.closed[e.peer()] {
			return 0, ErrPeerClosed
		}
		return 0, ErrShouldWait
	}

	n := uint64(len(p) / s.elemSize)
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		slot := int((q.r+i)%q.depth) * s.elemSize
		copy(p[int(i)*s.elemSize:], q.buf[slot:slot+s.elemSize])
	}
	q.r += n

	s.notifyLocked()
	return int(n), nil
}

// Write copies as many whole records from p as fit into the peer's queue
// and returns the number written. It never blocks: a full queue yields
// ErrShouldWait and a closed peer ErrPeerClosed.
func (e *Endpoint) Write(p []byte) (int, error) {
	s := e.s
	if len(p) < s.elemSize || len(p)%s.elemSize != 0 {
		return 0, ErrInvalidArgs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed[e.side] {
		return 0, ErrClosed
	}
	if s.closed[e.peer()] {
		return 0, ErrPeerClosed
	}

	q := &s.rx[e.peer()]
	room := q.free()
	if room == 0 {
		return 0, ErrShouldWait
	}

	n := uint64(len(p) / s.elemSize)
	if n > room {
		n = room
	}
	for i := uint64(0); i < n; i++ {
		slot := int((q.w+i)%q.depth) * s.elemSize
		copy(q.buf[slot:slot+s.elemSize], p[int(i)*s.elemSize:])
	}
	q.w += n

	s.notifyLocked()
	return int(n), nil
}

// Signal clears and then sets user signals on this endpoint
func (e *Endpoint) Signal(clear, set Signals) error {
	return e.signal(e.side, clear, set)
}

// SignalPeer clears and then sets user signals on the peer endpoint
func (e *Endpoint) SignalPeer(clear, set Signals) error {
	return e.signal(e.peer(), clear, set)
}

func (e *Endpoint) signal(target int, clear, set Signals) error {
	if (clear|set)&^SignalUserAll != 0 {
		return ErrInvalidArgs
	}

	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed[e.side] {
		return ErrClosed
	}
	if target != e.side && s.closed[target] {
		return ErrPeerClosed
	}

	s.user[target] = (s.user[target] &^ clear) | set
	s.notifyLocked()
	return nil
}

// observedLocked computes the current signal state of endpoint side
func (s *shared) observedLocked(side int) Signals {
	peer := 1 - side
	sig := s.user[side]
	if s.rx[side].used() > 0 {
		sig |= SignalReadable
	}
	if s.closed[peer] {
		sig |= SignalPeerClosed
	} else if s.rx[peer].free() > 0 {
		sig |= SignalWritable
	}
	return sig
}

// Pending returns the signals currently asserted on this endpoint
func (e *Endpoint) Pending() Signals {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.observedLocked(e.side)
}

// Wait blocks until at least one signal in mask is asserted on this endpoint
// and returns every asserted signal. It fails with ctx.Err() on cancellation
// and ErrClosed if this endpoint is closed while waiting.
func (e *Endpoint) Wait(ctx context.Context, mask Signals) (Signals, error) {
	s := e.s
	for {
		s.mu.Lock()
		if s.closed[e.side] {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		observed := s.observedLocked(e.side)
		if observed&mask != 0 {
			s.mu.Unlock()
			return observed, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close closes this endpoint. The peer observes SignalPeerClosed; records
// already queued for the peer remain readable.
func (e *Endpoint) Close() error {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed[e.side] {
		return ErrClosed
	}
	s.closed[e.side] = true
	s.notifyLocked()
	return nil
}
