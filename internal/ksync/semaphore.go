package ksync

import (
	"github.com/cockroachdb/errors"

	"github.com/sourcegraph/pintos-core/internal/kthread"
)

// Semaphore is a non-negative counter with a priority-ordered waiter
// queue (spec.md §3/§4.4). Invariant: counter >= 0; waiters non-empty
// implies counter == 0.
type Semaphore struct {
	deps    Deps
	counter int
	waiters *kthread.WaiterList
}

// NewSemaphore implements sema_init(s, value) (spec.md §6).
func NewSemaphore(deps Deps, value int) *Semaphore {
	if value < 0 {
		panic(errors.AssertionFailedf("pintoscore: sema_init: negative initial value %d", value))
	}
	return &Semaphore{
		deps:    deps,
		counter: value,
		waiters: kthread.NewWaiterList(),
	}
}

// Down implements down(s) (spec.md §4.4): while counter==0, enqueues
// current in priority order and blocks; decrements once the semaphore
// becomes available. Must not be called from interrupt context, since it
// may suspend.
func (s *Semaphore) Down() {
	if s.deps.Gate.InInterruptContext() {
		panic(errors.AssertionFailedf("pintoscore: sema_down called from interrupt context"))
	}

	prevLevel := s.deps.Gate.Disable()
	for s.counter == 0 {
		s.waiters.Enqueue(s.deps.Sched.Current())
		s.deps.Sched.Block()
	}
	s.counter--
	s.deps.Gate.SetLevel(prevLevel)
}

// TryDown implements a non-blocking down: decrements and returns true if
// the semaphore is immediately available, otherwise returns false without
// blocking or enqueuing.
func (s *Semaphore) TryDown() bool {
	prevLevel := s.deps.Gate.Disable()
	defer s.deps.Gate.SetLevel(prevLevel)
	if s.counter == 0 {
		return false
	}
	s.counter--
	return true
}

// Up implements up(s) (spec.md §4.4): with interrupts disabled, re-sorts
// the waiter queue (donation may have changed a waiter's priority since
// it enqueued), wakes the highest-priority waiter if any, then
// increments. Yields afterward if called from non-interrupt context and
// the woken thread outranks the caller.
func (s *Semaphore) Up() {
	prevLevel := s.deps.Gate.Disable()

	var woken *kthread.Thread
	if s.waiters.Len() > 0 {
		s.waiters.Resort()
		woken = s.waiters.PopHighest()
		s.deps.Sched.Unblock(woken)
	}
	s.counter++

	inInterrupt := s.deps.Gate.InInterruptContext()
	s.deps.Gate.SetLevel(prevLevel)

	if !inInterrupt && woken != nil {
		s.deps.Sched.MaybeYield()
	}
}

// Value reports the current counter value (diagnostic only; no Pintos
// analogue exposes this outside the implementation file itself).
func (s *Semaphore) Value() int {
	return s.counter
}

// WaiterCount reports the number of threads currently blocked on this
// semaphore.
func (s *Semaphore) WaiterCount() int {
	return s.waiters.Len()
}
