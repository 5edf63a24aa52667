package ksync

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/kthread"
)

var nextLockID uint64

// Lock is a semaphore initialized to 1 plus a nullable holder reference
// (spec.md §3). Invariant: the semaphore's counter is 0 iff holder!=nil.
type Lock struct {
	deps   Deps
	id     uint64
	sema   *Semaphore
	holder *kthread.Thread
}

var _ kthread.AwaitingLock = (*Lock)(nil)

// NewLock implements lock_init(L) (spec.md §6).
func NewLock(deps Deps) *Lock {
	return &Lock{
		deps: deps,
		id:   atomic.AddUint64(&nextLockID, 1),
		sema: NewSemaphore(deps, 1),
	}
}

// LockID satisfies kthread.AwaitingLock, letting a blocked thread's
// awaiting_lock field identify this lock without kthread importing ksync
// (spec.md §9's back-pointer-avoidance note).
func (l *Lock) LockID() uint64 { return l.id }

// HeldByCurrent implements lock_held_by_current_thread (spec.md §6).
func (l *Lock) HeldByCurrent() bool {
	return l.holder != nil && l.holder == l.deps.Sched.Current()
}

// Acquire implements acquire(L) (spec.md §4.5): donates priority up the
// blocking chain if the lock is already held, then downs the underlying
// semaphore and claims ownership.
func (l *Lock) Acquire() {
	if l.deps.Gate.InInterruptContext() {
		panic(errors.AssertionFailedf("pintoscore: acquire called from interrupt context"))
	}
	current := l.deps.Sched.Current()
	if l.HeldByCurrent() {
		panic(errors.AssertionFailedf("pintoscore: acquire: thread %d (%s) already holds this lock", current.ID, current.Name))
	}

	if !l.deps.Sched.MLFQSEnabled() && l.deps.Gate.GetLevel() == irq.LevelOn && l.holder != nil {
		// The donation walk mutates the holder chain's shared priority and
		// donation-list state, so it runs under the same interrupt-disable
		// discipline as every other scheduler-data mutation (spec.md §5).
		prevLevel := l.deps.Gate.Disable()
		l.donate(current)
		l.deps.Gate.SetLevel(prevLevel)
	}

	l.sema.Down()

	prevLevel := l.deps.Gate.Disable()
	current.AwaitingLock = nil
	l.holder = current
	l.deps.Gate.SetLevel(prevLevel)
}

// donate implements the nested-donation walk of spec.md §4.5: current
// contributes its donation node to the holder's donation list, then the
// chain is walked upward through each intermediate holder's own
// awaiting_lock, recomputing effective priority at each hop (which picks
// up current's raised priority transitively, since donation nodes hold a
// live pointer back to the donor rather than a priority snapshot) for up
// to DonationDepthMax hops.
func (l *Lock) donate(current *kthread.Thread) {
	current.AwaitingLock = l
	holder := l.holder
	holder.Donations = append(holder.Donations, current.OwnDonationNode())

	walker := holder
	depth := 0
	for depth < DonationDepthMax && walker != nil {
		walker.RecomputeDonatedPriority()
		l.deps.Sched.NotifyPriorityChanged(walker)
		depth++

		next, ok := walker.AwaitingLock.(*Lock)
		if !ok || next == nil {
			break
		}
		walker = next.holder
	}

	if l.deps.Metrics != nil {
		l.deps.Metrics.DonationChainLength.Observe(float64(depth))
	}
	l.deps.Logger.Debug("priority donation applied",
		log.Int("donor", current.ID),
		log.Int("hops", depth))
}

// TryAcquire implements try_acquire(L) (spec.md §4.5): a non-blocking
// acquire with no donation.
func (l *Lock) TryAcquire() bool {
	current := l.deps.Sched.Current()
	if l.HeldByCurrent() {
		panic(errors.AssertionFailedf("pintoscore: try_acquire: thread %d (%s) already holds this lock", current.ID, current.Name))
	}
	if !l.sema.TryDown() {
		return false
	}
	prevLevel := l.deps.Gate.Disable()
	l.holder = current
	l.deps.Gate.SetLevel(prevLevel)
	return true
}

// Release implements release(L) (spec.md §4.5): strips every donor whose
// awaiting_lock is this lock from the holder's donation list, recomputes
// the holder's effective priority, clears ownership, and ups the
// semaphore.
func (l *Lock) Release() {
	current := l.deps.Sched.Current()
	if l.holder != current {
		panic(errors.AssertionFailedf("pintoscore: release: thread %d (%s) does not hold this lock", current.ID, current.Name))
	}

	prevLevel := l.deps.Gate.Disable()
	remaining := current.Donations[:0]
	for _, d := range current.Donations {
		if d.Donor.AwaitingLock == kthread.AwaitingLock(l) {
			continue
		}
		remaining = append(remaining, d)
	}
	current.Donations = remaining
	current.RecomputeDonatedPriority()
	l.holder = nil
	l.deps.Gate.SetLevel(prevLevel)

	l.sema.Up()
}
