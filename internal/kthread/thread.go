// Package kthread holds the kernel thread control block, the all-threads
// registry, and the priority queues used for both the ready list and the
// sleep list (spec.md §3, §4.1, §4.3).
package kthread

import (
	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/pintos-core/internal/fixedpoint"
)

// Status is the thread state machine of spec.md §4.1.
type Status int

const (
	StatusBlocked Status = iota
	StatusReady
	StatusRunning
	StatusDying
)

func (s Status) String() string {
	switch s {
	case StatusBlocked:
		return "BLOCKED"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusDying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

const (
	// PriorityMin and PriorityMax bound both init_priority and the
	// effective priority, per spec.md §3.
	PriorityMin = 0
	PriorityMax = 63

	// NiceMin and NiceMax bound the MLFQS nice value, spec.md §3.
	NiceMin = -20
	NiceMax = 20

	// ThreadMagic is the stack-overflow sentinel written at TCB creation
	// and checked at every dispatch (spec.md §4.8, original_source's
	// THREAD_MAGIC).
	ThreadMagic = 0xcd6abf4b

	// NameMaxLen is the 15-char name limit of spec.md §3.
	NameMaxLen = 15
)

// DonationNode is the intrusive donation-list link a donor thread
// contributes to its lock holder's donation list (spec.md §9's "Cyclic
// references" note: the node is owned by the thread, not by a separate
// allocation, so no back-pointer from node to thread is needed beyond the
// Donor field already on it).
type DonationNode struct {
	Donor *Thread
}

// Thread is the kernel thread control block (spec.md §3).
type Thread struct {
	ID   int
	Name string

	Status Status

	// InitPriority is the base priority a thread was created or
	// thread_set_priority'd with. Priority is the effective priority used
	// for scheduling; with donation (MLFQS off) it is always >=
	// InitPriority, while under MLFQS it is recomputed directly.
	InitPriority int
	Priority     int

	// Donations is the set of donation nodes contributed by threads
	// blocked on locks this thread holds. AwaitingLock is non-nil exactly
	// when this thread is itself blocked donating priority upward.
	Donations    []*DonationNode
	AwaitingLock AwaitingLock
	ownNode      *DonationNode

	// MLFQS bookkeeping, meaningful only when the kernel was booted with
	// -mlfqs (spec.md §4.7).
	Nice       int
	RecentCPU  fixedpoint.Value

	// AwakeTick is set by sleep_until and consulted by wake (spec.md
	// §4.3). Only meaningful while Status == StatusBlocked and the thread
	// is registered on the sleep list.
	AwakeTick uint64
	sleeping  bool

	// magic guards against kernel-stack overflow in the original design;
	// here it simply guards against use of a zero-value Thread that was
	// never initialized through New.
	magic uint32

	// seq breaks ties between threads of equal priority (or equal
	// AwakeTick) in FIFO insertion order, mirroring the teacher's
	// request_queue.go syncRequest ordering by lastUpdated and
	// scheduler_test.go's repoUpdate.seq.
	seq int

	// heapIndex is maintained by ReadyQueue's and SleepQueue's
	// heap.Interface methods.
	heapIndex int
	inQueue   bool
}

// AwaitingLock is the minimal identity a Thread needs for the lock it is
// blocked on, without kthread depending on the ksync package (which
// depends on kthread). ksync.Lock satisfies this interface.
type AwaitingLock interface {
	LockID() uint64
}

// New allocates a Thread control block. id is assigned by the caller's
// monotonic counter (scheduler.Scheduler.nextTID); priority is stored as
// given, without clamping or range checks — range checking is the
// caller's job (scheduler.CreateThread panics on out-of-range input).
func New(id int, name string, priority int) *Thread {
	if len(name) > NameMaxLen {
		name = name[:NameMaxLen]
	}
	t := &Thread{
		ID:           id,
		Name:         name,
		Status:       StatusBlocked,
		InitPriority: priority,
		Priority:     priority,
		magic:        ThreadMagic,
	}
	t.ownNode = &DonationNode{Donor: t}
	return t
}

// CheckMagic panics if the thread's stack-overflow sentinel has been
// clobbered. Called from scheduler.scheduleTail before resuming a thread,
// per spec.md §4.8.
func (t *Thread) CheckMagic() {
	if t.magic != ThreadMagic {
		panic(errors.AssertionFailedf("thread %d (%s): stack overflow detected, magic sentinel corrupted", t.ID, t.Name))
	}
}

// OwnDonationNode returns the node this thread contributes to a holder's
// donation list when it blocks on a lock.
func (t *Thread) OwnDonationNode() *DonationNode {
	return t.ownNode
}

// RecomputeDonatedPriority sets Priority to max(InitPriority, donors...),
// the invariant spec.md §3/§4.5 requires after every donation-list
// mutation.
func (t *Thread) RecomputeDonatedPriority() {
	max := t.InitPriority
	for _, d := range t.Donations {
		if d.Donor.Priority > max {
			max = d.Donor.Priority
		}
	}
	t.Priority = max
}
