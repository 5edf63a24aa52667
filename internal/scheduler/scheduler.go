// Package scheduler implements the context-switch driver of spec.md
// §4.1/§4.2: block, unblock, yield, exit, schedule, and the preemption
// check that follows any operation that might have produced a
// higher-priority READY thread.
//
// Kernel threads are modeled as goroutines parked on a private hand-off
// channel (SPEC_FULL.md's design note): the goroutine that calls
// schedule() signals the next thread's channel and then blocks reading
// its own, exactly mirroring context_switch(prev, next) -> the resumed
// thread continuing inside schedule_tail. This lets the same control-flow
// shape as the original assembly-backed implementation run on the Go
// runtime, which is the "modern implementation" SPEC_FULL.md's design
// notes call out as acceptable.
package scheduler

import (
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/kthread"
	"github.com/sourcegraph/pintos-core/internal/metrics"
)

// TimeSlice is the number of consecutive ticks a thread may run before a
// preemption is requested (spec.md glossary).
const TimeSlice = 4

// TIDError is the sentinel returned by CreateThread on resource
// exhaustion (spec.md §4.8/§6).
const TIDError = -1

// threadRuntime is the Go-runtime-only bookkeeping a kthread.Thread needs
// to be driven as a goroutine. Kept out of kthread.Thread itself per
// SPEC_FULL.md's design note on avoiding back-pointers: the scheduler owns
// this by ID, threads don't know about it.
type threadRuntime struct {
	resumeCh chan struct{}
}

// Options configures a Scheduler at boot.
type Options struct {
	Logger           log.Logger
	Metrics          *metrics.Collectors
	PageAllocator    PageAllocator
	PageDirActivator PageDirActivator
	MLFQS            bool
	MaxThreads       int // 0 = unbounded
}

// Scheduler is the process-wide scheduler core: one instance per booted
// kernel (SPEC_FULL.md's "Global mutable state... model as a process-wide
// Scheduler value" design note).
type Scheduler struct {
	gate     *irq.Gate
	registry *kthread.Registry
	ready    *kthread.ReadyQueue

	logger  log.Logger
	metrics *metrics.Collectors
	pages   PageAllocator
	pagedir PageDirActivator
	mlfqs   bool

	current *kthread.Thread
	idle    *kthread.Thread
	initial *kthread.Thread

	runtimes map[int]*threadRuntime

	// handoffPrev records who the scheduler was switching away from at
	// the most recent resume-channel signal, read by the thread that
	// wakes up to know who to pass to scheduleTail. Safe without its own
	// lock because exactly one goroutine is ever active between handoffs
	// (see schedule()'s doc comment).
	handoffPrev *kthread.Thread

	tidMu     sync.Mutex // allocate_tid runs with interrupts on, spec.md §5
	nextIDVal int

	sliceCounter int

	ticksIdle   uint64
	ticksActive uint64

	pendingYield bool // preemption requested by tick(); serviced at next safe point
}

// New boots a Scheduler: creates the registry, ready list, idle thread,
// and designates the calling goroutine as the initial ("main") kernel
// thread, matching Pintos' thread_init()/thread_start() split.
func New(gate *irq.Gate, opts Options) *Scheduler {
	if opts.PageAllocator == nil {
		opts.PageAllocator = NoopPageAllocator{}
	}
	if opts.PageDirActivator == nil {
		opts.PageDirActivator = NoopPageDirActivator{}
	}

	s := &Scheduler{
		gate:     gate,
		registry: kthread.NewRegistry(opts.MaxThreads),
		ready:    kthread.NewReadyQueue(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		pages:    opts.PageAllocator,
		pagedir:  opts.PageDirActivator,
		mlfqs:    opts.MLFQS,
		runtimes: make(map[int]*threadRuntime),
	}

	s.initial = kthread.New(s.nextTID(), "main", kthread.PriorityMax/2+1)
	s.initial.Status = kthread.StatusRunning
	if err := s.registry.Add(s.initial); err != nil {
		panic(errors.Wrap(err, "pintoscore: boot: could not register initial thread"))
	}
	s.current = s.initial
	s.runtimes[s.initial.ID] = &threadRuntime{resumeCh: make(chan struct{}, 1)}

	idleID := s.nextTID()
	s.idle = kthread.New(idleID, "idle", kthread.PriorityMin)
	if err := s.registry.Add(s.idle); err != nil {
		panic(errors.Wrap(err, "pintoscore: boot: could not register idle thread"))
	}
	s.runtimes[s.idle.ID] = &threadRuntime{resumeCh: make(chan struct{}, 1)}
	parked := make(chan struct{})
	go s.runThreadBody(s.idle, parked, func() {
		for {
			s.gate.Disable()
			s.Block()
			s.gate.Enable()
		}
	})
	<-parked

	return s
}

// nextTID allocates a strictly monotonically increasing thread id
// (spec.md §3: "a monotonically-allocated 32-bit identifier"). Guarded by
// its own mutex because allocate_tid runs with interrupts enabled
// (spec.md §5), unlike every other Scheduler mutation.
func (s *Scheduler) nextTID() int {
	s.tidMu.Lock()
	defer s.tidMu.Unlock()
	s.nextIDVal++
	return s.nextIDVal
}

// Current returns the currently RUNNING thread.
func (s *Scheduler) Current() *kthread.Thread {
	return s.current
}

// Idle returns the idle thread.
func (s *Scheduler) Idle() *kthread.Thread {
	return s.idle
}

// ForEach iterates every live thread with interrupts disabled
// (thread_foreach, spec.md §6).
func (s *Scheduler) ForEach(fn func(*kthread.Thread)) {
	prev := s.gate.Disable()
	defer s.gate.SetLevel(prev)
	s.registry.ForEach(fn)
}

// ReadyLen reports the current ready-list depth (used by MLFQS's
// ready_count and by metrics).
func (s *Scheduler) ReadyLen() int {
	return s.ready.Len()
}

// CreateThread allocates and starts a new kernel thread, returning its tid
// or TIDError on resource exhaustion (spec.md §4.8, §6).
func (s *Scheduler) CreateThread(name string, priority int, entry func()) int {
	if priority < kthread.PriorityMin || priority > kthread.PriorityMax {
		panic(errors.AssertionFailedf("pintoscore: thread_create(%q): priority %d out of [%d,%d]", name, priority, kthread.PriorityMin, kthread.PriorityMax))
	}

	prevLevel := s.gate.Disable()
	defer s.gate.SetLevel(prevLevel)

	id := s.nextTID()
	t := kthread.New(id, name, priority)
	if err := s.registry.Add(t); err != nil {
		s.logger.Info("thread_create: table full", log.String("name", name))
		return TIDError
	}
	s.runtimes[t.ID] = &threadRuntime{resumeCh: make(chan struct{}, 1)}

	parked := make(chan struct{})
	go s.runThreadBody(t, parked, entry)
	<-parked

	s.unblockLocked(t)
	s.maybeYieldLocked()
	return t.ID
}

// runThreadBody is the goroutine backing every non-initial kernel thread.
// It parks on its resume channel until first scheduled in, runs
// scheduleTail bookkeeping exactly as a resumed thread would, enables
// interrupts (mirroring the original's kernel_thread() trampoline, which
// calls intr_enable() before invoking the thread function — schedule()
// always runs and returns with interrupts disabled, and unlike a thread
// resuming inside yield()/sema_down()'s own stack frame, a thread running
// for the first time has no such frame to restore them), then invokes
// body (which must eventually call Exit, directly or via entry
// returning).
func (s *Scheduler) runThreadBody(t *kthread.Thread, parked chan struct{}, body func()) {
	rt := s.runtimes[t.ID]
	close(parked)
	<-rt.resumeCh
	s.scheduleTail(s.handoffPrev)
	s.gate.Enable()
	body()
	s.Exit()
}

// Block sets the current thread BLOCKED and invokes schedule. The caller
// must already hold interrupts disabled and must have registered current
// on whatever wait queue is appropriate (spec.md §4.1).
func (s *Scheduler) Block() {
	if s.gate.GetLevel() != irq.LevelOff {
		panic(errors.AssertionFailedf("pintoscore: block() called with interrupts enabled"))
	}
	s.current.Status = kthread.StatusBlocked
	s.schedule()
}

// Unblock asserts t is BLOCKED, inserts it into the ready list in
// priority order, and sets it READY. Safe from any context (spec.md
// §4.1): it disables interrupts itself. It never switches threads; from
// interrupt context it requests a deferred yield if t outranks current.
func (s *Scheduler) Unblock(t *kthread.Thread) {
	prevLevel := s.gate.Disable()
	defer s.gate.SetLevel(prevLevel)
	s.unblockLocked(t)
	if s.gate.InInterruptContext() {
		s.maybeYieldLocked()
	}
}

func (s *Scheduler) unblockLocked(t *kthread.Thread) {
	if t.Status != kthread.StatusBlocked {
		panic(errors.AssertionFailedf("pintoscore: unblock(%d %s): not BLOCKED (status=%s)", t.ID, t.Name, t.Status))
	}
	t.Status = kthread.StatusReady
	s.ready.Insert(t)
	if s.metrics != nil {
		s.metrics.ReadyListDepth.Set(float64(s.ready.Len()))
	}
}

// Yield voluntarily gives up the CPU. Interrupts must be enabled on entry
// (spec.md §4.1); it must not run from interrupt context (spec.md §4.8).
func (s *Scheduler) Yield() {
	if s.gate.InInterruptContext() {
		panic(errors.AssertionFailedf("pintoscore: yield() called from interrupt context"))
	}
	if s.gate.GetLevel() != irq.LevelOn {
		panic(errors.AssertionFailedf("pintoscore: yield() called with interrupts already disabled"))
	}

	prevLevel := s.gate.Disable()
	if s.current != s.idle {
		s.current.Status = kthread.StatusReady
		s.ready.Insert(s.current)
		if s.metrics != nil {
			s.metrics.ReadyListDepth.Set(float64(s.ready.Len()))
		}
	}
	s.schedule()
	s.gate.SetLevel(prevLevel)
}

// RequestYield marks a deferred preemption, serviced at the next safe
// point (end of the timer ISR, spec.md §4.1's tick()). Used by the timer
// package when the time slice expires.
func (s *Scheduler) RequestYield() {
	s.pendingYield = true
}

// ServicePendingYield performs a deferred yield if one was requested
// (spec.md §4.2: "From interrupt context, yield is deferred to
// end-of-ISR"). It must be called outside interrupt context, since Yield
// panics there. Called by the timer ISR driver immediately after it
// re-enables interrupts and leaves interrupt context on return.
func (s *Scheduler) ServicePendingYield() {
	if !s.pendingYield {
		return
	}
	s.pendingYield = false
	s.Yield()
}

// Exit removes current from the all-threads list, marks it DYING, and
// switches away. It never returns.
func (s *Scheduler) Exit() {
	prevLevel := s.gate.Disable()
	_ = prevLevel // exiting thread never restores its own interrupt level
	s.registry.Remove(s.current)
	s.current.Status = kthread.StatusDying
	s.schedule()
	// schedule() does not return for a DYING current; this is defensive
	// and should be unreachable.
	runtime.Goexit()
}

// schedule consults the ready list and performs (or elides) a context
// switch. Precondition: interrupts disabled, current not RUNNING (except
// for the DYING-exit path, which also satisfies this since Exit sets
// DYING before calling schedule).
func (s *Scheduler) schedule() {
	prev := s.current
	next := s.ready.PopHighest()
	if next == nil {
		next = s.idle
	}
	if s.metrics != nil {
		s.metrics.ReadyListDepth.Set(float64(s.ready.Len()))
	}

	if next == prev {
		// No switch needed: either idle blocked with the ready list still
		// empty, or a yielding thread was re-inserted by Yield and popped
		// straight back off as the highest-priority READY thread.
		s.scheduleTail(nil)
		return
	}

	s.current = next
	// handoffPrev is read by whichever goroutine wakes up next (either
	// next, below, or — on a later switch — prev once it's resumed). Only
	// one goroutine runs between this assignment and that read, so it
	// needs no lock of its own (see its field doc comment).
	s.handoffPrev = prev

	if s.metrics != nil {
		s.metrics.ContextSwitches.Inc()
	}

	if prev.Status == kthread.StatusDying {
		// One-way switch: prev's goroutine signals next and then falls off
		// via runtime.Goexit() in Exit(); it never resumes, so there is no
		// myResume wait on this path.
		s.runtimes[next.ID].resumeCh <- struct{}{}
		return
	}

	// Two-way switch: signal next, then park here until someone resumes
	// this thread (via a future schedule() call choosing it as next).
	s.runtimes[next.ID].resumeCh <- struct{}{}
	myResume := s.runtimes[prev.ID].resumeCh
	<-myResume
	s.scheduleTail(s.handoffPrev)
}

// scheduleTail runs on the newly resumed thread: sets it RUNNING, resets
// the time-slice counter, activates its page directory, checks its stack
// sentinel, and frees a dying predecessor's stack (spec.md §4.1).
func (s *Scheduler) scheduleTail(prev *kthread.Thread) {
	self := s.current
	self.CheckMagic()
	self.Status = kthread.StatusRunning
	s.sliceCounter = 0
	s.pagedir.Activate(self)

	if prev != nil && prev.Status == kthread.StatusDying && prev != s.initial {
		if page, ok := s.pages.Alloc(false); ok {
			s.pages.Free(page)
		}
		delete(s.runtimes, prev.ID)
	}
}

// Tick is invoked once per simulated timer interrupt by internal/timer.
// It updates the per-bucket idle/active tick counters and the time-slice
// counter, requesting a deferred yield on expiry (spec.md §4.1's tick()).
func (s *Scheduler) Tick() {
	if s.current == s.idle {
		s.ticksIdle++
		if s.metrics != nil {
			s.metrics.TicksIdle.Inc()
		}
	} else {
		s.ticksActive++
		if s.metrics != nil {
			s.metrics.TicksActive.Inc()
		}
	}

	s.sliceCounter++
	if s.sliceCounter >= TimeSlice {
		s.RequestYield()
		if s.metrics != nil {
			s.metrics.TimeSlicePreemptions.Inc()
		}
	}
}

// TicksIdle and TicksActive report the per-bucket tick counters
// (SPEC_FULL.md's supplemented thread_print_stats feature).
func (s *Scheduler) TicksIdle() uint64   { return s.ticksIdle }
func (s *Scheduler) TicksActive() uint64 { return s.ticksActive }

// MaybeYield compares current's effective priority against the ready-list
// head and yields if current is lower (spec.md §4.2). Safe to call from
// any context that already holds interrupts disabled; it defers the
// actual yield if called from interrupt context.
func (s *Scheduler) MaybeYield() {
	prevLevel := s.gate.Disable()
	s.maybeYieldLocked()
	s.gate.SetLevel(prevLevel)
}

// maybeYieldLocked assumes interrupts are already disabled.
func (s *Scheduler) maybeYieldLocked() {
	head := s.ready.PeekHighest()
	if head == nil || head.Priority <= s.current.Priority {
		return
	}
	if s.gate.InInterruptContext() {
		s.RequestYield()
		return
	}
	// We're already holding interrupts disabled here (our own Disable()
	// above), but Yield() requires interrupts to be enabled on entry per
	// its own contract; temporarily re-enable, yield, then disable again so
	// the caller still holds interrupts disabled on return and its own
	// SetLevel(prev) restores the level it saved.
	s.gate.Enable()
	s.Yield()
	s.gate.Disable()
}

// GetPriority returns current's effective priority.
func (s *Scheduler) GetPriority() int {
	return s.current.Priority
}

// SetPriority sets current's base priority and recomputes its effective
// priority, yielding if a ready thread now outranks it. A no-op under
// MLFQS (spec.md §4.5, §4.7).
func (s *Scheduler) SetPriority(newPriority int) {
	if s.mlfqs {
		return
	}
	if newPriority < kthread.PriorityMin || newPriority > kthread.PriorityMax {
		panic(errors.AssertionFailedf("pintoscore: thread_set_priority(%d) out of [%d,%d]", newPriority, kthread.PriorityMin, kthread.PriorityMax))
	}
	prevLevel := s.gate.Disable()
	s.current.InitPriority = newPriority
	s.current.RecomputeDonatedPriority()
	s.maybeYieldLocked()
	s.gate.SetLevel(prevLevel)
}

// SetNice sets current's nice value and recomputes its MLFQS priority
// immediately (spec.md §4.7 implies set_nice must re-derive priority, not
// merely wait for the next 4-tick recompute, so a thread that lowers its
// own nice can be preempted right away).
func (s *Scheduler) SetNice(nice int, recompute func(*kthread.Thread)) {
	if nice < kthread.NiceMin || nice > kthread.NiceMax {
		panic(errors.AssertionFailedf("pintoscore: thread_set_nice(%d) out of [%d,%d]", nice, kthread.NiceMin, kthread.NiceMax))
	}
	prevLevel := s.gate.Disable()
	s.current.Nice = nice
	if recompute != nil {
		recompute(s.current)
	}
	s.maybeYieldLocked()
	s.gate.SetLevel(prevLevel)
}

// ResortReady re-sorts the ready list, required after MLFQS recomputes
// every thread's priority (spec.md §4.7: "re-sort the ready list").
func (s *Scheduler) ResortReady() {
	prevLevel := s.gate.Disable()
	s.registry.ForEach(func(t *kthread.Thread) {
		if t.Status == kthread.StatusReady {
			s.ready.Fix(t)
		}
	})
	s.gate.SetLevel(prevLevel)
}

// Gate exposes the interrupt-level gate so collaborating packages (timer,
// ksync) can participate in the same interrupt-disable discipline.
func (s *Scheduler) Gate() *irq.Gate {
	return s.gate
}

// MLFQSEnabled reports whether the kernel was booted with -mlfqs, which
// disables donation and makes SetPriority a no-op (spec.md §4.5/§4.7).
func (s *Scheduler) MLFQSEnabled() bool {
	return s.mlfqs
}

// NotifyPriorityChanged re-establishes ready-list heap order for t after
// its Priority field was mutated in place (by internal/ksync's priority
// donation walk, which raises a lock holder's priority directly rather
// than through SetPriority). A no-op if t is not currently on the ready
// list. Caller must already hold interrupts disabled.
func (s *Scheduler) NotifyPriorityChanged(t *kthread.Thread) {
	s.ready.Fix(t)
}
