package ksync

import (
	"github.com/cockroachdb/errors"

	"github.com/sourcegraph/pintos-core/internal/kthread"
)

// waiter is a condition-variable queue entry: a per-call semaphore
// (spec.md §3's "queue of per-waiter semaphores") plus the thread that
// owns it, needed so Signal can scan for the highest-priority waiter.
type waiter struct {
	thread *kthread.Thread
	sema   *Semaphore
}

// Cond is a condition variable: a queue of per-waiter semaphores with no
// state of its own beyond that queue (spec.md §3).
type Cond struct {
	deps    Deps
	waiters []*waiter
}

// NewCond implements cond_init(cv) (spec.md §6).
func NewCond(deps Deps) *Cond {
	return &Cond{deps: deps}
}

// Wait implements wait(cv, L) (spec.md §4.6): precondition L held by
// current. Creates a per-call semaphore, enqueues it, releases L, downs
// the per-call semaphore, then reacquires L on wake.
func (c *Cond) Wait(l *Lock) {
	if !l.HeldByCurrent() {
		panic(errors.AssertionFailedf("pintoscore: cond_wait called without holding the associated lock"))
	}

	w := &waiter{
		thread: c.deps.Sched.Current(),
		sema:   NewSemaphore(c.deps, 0),
	}

	prevLevel := c.deps.Gate.Disable()
	c.waiters = append(c.waiters, w)
	c.deps.Gate.SetLevel(prevLevel)

	l.Release()
	w.sema.Down()
	l.Acquire()
}

// Signal implements signal(cv, L) (spec.md §4.6): if the queue is
// non-empty, picks the record whose thread currently has the highest
// priority (a linear scan, since the queue is not kept sorted — a
// waiter's priority may shift via donation while it waits), removes it,
// and ups its semaphore.
func (c *Cond) Signal(l *Lock) {
	if !l.HeldByCurrent() {
		panic(errors.AssertionFailedf("pintoscore: cond_signal called without holding the associated lock"))
	}

	prevLevel := c.deps.Gate.Disable()
	defer c.deps.Gate.SetLevel(prevLevel)

	if len(c.waiters) == 0 {
		return
	}

	best := 0
	for i, w := range c.waiters {
		if w.thread.Priority > c.waiters[best].thread.Priority {
			best = i
		}
	}
	w := c.waiters[best]
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)
	w.sema.Up()
}

// Broadcast implements broadcast(cv, L) (spec.md §4.6): signals until the
// queue is empty.
func (c *Cond) Broadcast(l *Lock) {
	for len(c.waiters) > 0 {
		c.Signal(l)
	}
}
