package pipeline

import "sync"

// slot is a single-value mailbox with last-write-wins semantics. A put never
// blocks; an unread value is overwritten by the next put.
type slot[T any] struct {
	mu    sync.Mutex
	v     T
	full  bool
	ready chan struct{}
}

func newSlot[T any]() *slot[T] {
	return &slot[T]{ready: make(chan struct{}, 1)}
}

func (s *slot[T]) put(v T) (overwrote bool) {
	s.mu.Lock()
	overwrote = s.full
	s.v = v
	s.full = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return overwrote
}

// take empties the slot. ok is false when nothing was pending, which happens
// when a ready signal outlived the value it announced.
func (s *slot[T]) take() (v T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	v, ok = s.v, s.full
	s.v, s.full = zero, false
	return v, ok
}

func (s *slot[T]) notify() <-chan struct{} { return s.ready }
