package reliability

import (
	"sync"
)

// signal is a replay-last broadcast channel: it holds the most recent value
// and a set of subscriber callbacks. Subscribing delivers the current value
// synchronously before returning. An optional equality function suppresses
// consecutive duplicate publishes (used by the circuit state feed only).
type signal[T any] struct {
	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int

	current T
	seeded  bool
	closed  bool

	// equal, when non-nil, makes publish a no-op for values equal to the
	// current one.
	equal func(a, b T) bool

	// lastSeq is the highest sequence number published so far. A publish
	// carrying a lower number lost a race to a newer value and is dropped.
	lastSeq uint64
}

func newSignal[T any]() *signal[T] {
	return &signal[T]{subs: make(map[int]func(T))}
}

// newSeededSignal creates a signal that already holds a current value, so
// the first subscriber receives it immediately.
func newSeededSignal[T any](initial T, equal func(a, b T) bool) *signal[T] {
	return &signal[T]{
		subs:    make(map[int]func(T)),
		current: initial,
		seeded:  true,
		equal:   equal,
	}
}

// publish records v as the current value and invokes every subscriber with
// it. Callbacks run synchronously on the publisher's goroutine, outside the
// signal's lock, in unspecified subscriber order.
func (s *signal[T]) publish(v T) {
	s.publishSeq(0, v)
}

// publishSeq publishes v tagged with a sequence number established when the
// value was produced, while the producer still held its own lock. A value
// whose number is at or below lastSeq was superseded before it could be
// delivered and is dropped, so the current value can never roll back to a
// stale one. Sequence zero bypasses the check.
func (s *signal[T]) publishSeq(seq uint64, v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if seq != 0 {
		if seq <= s.lastSeq {
			s.mu.Unlock()
			return
		}
		s.lastSeq = seq
	}
	if s.equal != nil && s.seeded && s.equal(s.current, v) {
		s.mu.Unlock()
		return
	}
	s.current = v
	s.seeded = true
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// subscribe registers fn and replays the current value to it, if one exists.
// The returned cancel function removes the subscription and is safe to call
// more than once.
func (s *signal[T]) subscribe(fn func(T)) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	cur, seeded := s.current, s.seeded
	s.mu.Unlock()

	if seeded {
		fn(cur)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// last returns the current value, if any has been published or seeded.
func (s *signal[T]) last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.seeded
}

// close drops all subscribers. Further publishes and subscriptions are
// no-ops. Idempotent.
func (s *signal[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = nil
}
