// Package handoff provides the single-slot, overwrite-on-full buffers
// that join the pipeline workers. A new write replaces any unread value,
// so consumers always observe the latest state and producers never block.
package handoff

import (
	"sync"
	"sync/atomic"
)

// Slot is a depth-1 mailbox. Put overwrites, Take blocks until a value
// arrives or the slot is closed. Safe for one producer and one consumer
// running on different goroutines.
type Slot[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	full   bool
	closed bool

	puts  atomic.Uint64
	drops atomic.Uint64
}

// NewSlot returns an empty open slot.
func NewSlot[T any]() *Slot[T] {
	s := &Slot[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put stores v, overwriting any unconsumed value. Never blocks. Returns
// false if the slot is closed.
func (s *Slot[T]) Put(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.full {
		s.drops.Add(1)
	}
	s.value = v
	s.full = true
	s.puts.Add(1)
	s.cond.Signal()
	s.mu.Unlock()
	return true
}

// Take blocks until a value is available or the slot is closed. The
// second return is false once the slot is closed and drained.
func (s *Slot[T]) Take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.full && !s.closed {
		s.cond.Wait()
	}
	if !s.full {
		var zero T
		return zero, false
	}
	v := s.value
	var zero T
	s.value = zero
	s.full = false
	return v, true
}

// TryTake returns the current value without blocking, if one is present.
func (s *Slot[T]) TryTake() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		var zero T
		return zero, false
	}
	v := s.value
	var zero T
	s.value = zero
	s.full = false
	return v, true
}

// Closed reports whether the slot has been closed. A polling consumer
// keeps draining with TryTake until Closed and the slot is empty.
func (s *Slot[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the slot closed and wakes any blocked consumer. A value
// already in the slot remains readable; further Puts are rejected.
// Idempotent.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats reports lifetime put and overwrite-drop counts.
func (s *Slot[T]) Stats() (puts, drops uint64) {
	return s.puts.Load(), s.drops.Load()
}
