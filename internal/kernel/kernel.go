// Package kernel wires the irq, timer, kthread, scheduler, ksync, mlfqs,
// metrics, and bootconfig packages into a single bootable Kernel value,
// mirroring cmd/repo-updater/main.go's thin-main-delegates-to-shared
// pattern and sync_worker.go's options-struct constructor idiom.
package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/bootconfig"
	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/kthread"
	"github.com/sourcegraph/pintos-core/internal/ksync"
	"github.com/sourcegraph/pintos-core/internal/metrics"
	"github.com/sourcegraph/pintos-core/internal/mlfqs"
	"github.com/sourcegraph/pintos-core/internal/scheduler"
	"github.com/sourcegraph/pintos-core/internal/timer"
)

// Options configures a Kernel at boot.
type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer // nil disables metrics collection
	Config     bootconfig.Config
	Frequency  int // 0 -> timer.DefaultFrequency
}

// Kernel is a fully booted pintos-core instance: the interrupt gate, the
// scheduler, the timer, and (when Config.MLFQS is set) the MLFQS policy
// driving it. The *Kernel value is the single handle to that state; there
// are no package globals, so several kernels can coexist in one process
// (the tests boot one per test).
type Kernel struct {
	Gate      *irq.Gate
	Scheduler *scheduler.Scheduler
	Timer     *timer.Timer
	MLFQS     *mlfqs.Policy // nil unless booted with -mlfqs

	logger  log.Logger
	metrics *metrics.Collectors
	stop    chan struct{}
}

// Boot constructs a Kernel. It designates the calling goroutine as the
// initial ("main") kernel thread. Run blocks until Shutdown, so callers
// start it on a separate goroutine (go k.Run()) and keep using the
// booting goroutine as the main thread.
func Boot(opts Options) *Kernel {
	if opts.Frequency == 0 {
		opts.Frequency = timer.DefaultFrequency
	}

	m := metrics.New(opts.Registerer)
	gate := irq.New()
	sched := scheduler.New(gate, scheduler.Options{
		Logger:  opts.Logger,
		Metrics: m,
		MLFQS:   opts.Config.MLFQS,
	})

	var policy *mlfqs.Policy
	var timerPolicy timer.MLFQSPolicy
	if opts.Config.MLFQS {
		policy = mlfqs.New(mlfqs.Deps{Sched: sched, Logger: opts.Logger, Metrics: m})
		timerPolicy = policy
	}

	tm := timer.New(gate, sched, timer.Options{
		Logger:    opts.Logger,
		Metrics:   m,
		Frequency: opts.Frequency,
		MLFQS:     timerPolicy,
	})

	return &Kernel{
		Gate:      gate,
		Scheduler: sched,
		Timer:     tm,
		MLFQS:     policy,
		logger:    opts.Logger,
		metrics:   m,
		stop:      make(chan struct{}),
	}
}

// Run starts the timer ISR loop on the calling goroutine. It blocks until
// Shutdown is called.
func (k *Kernel) Run() {
	k.Timer.Run(k.stop)
}

// Shutdown stops the timer ISR loop started by Run.
func (k *Kernel) Shutdown() {
	close(k.stop)
}

// NewLock constructs a lock bound to this kernel's gate and scheduler
// (spec.md §6's lock_init).
func (k *Kernel) NewLock() *ksync.Lock {
	return ksync.NewLock(k.syncDeps())
}

// NewSemaphore constructs a semaphore bound to this kernel (spec.md §6's
// sema_init).
func (k *Kernel) NewSemaphore(value int) *ksync.Semaphore {
	return ksync.NewSemaphore(k.syncDeps(), value)
}

// NewCond constructs a condition variable bound to this kernel (spec.md
// §6's cond_init).
func (k *Kernel) NewCond() *ksync.Cond {
	return ksync.NewCond(k.syncDeps())
}

func (k *Kernel) syncDeps() ksync.Deps {
	return ksync.Deps{Gate: k.Gate, Sched: k.Scheduler, Logger: k.logger, Metrics: k.metrics}
}

// CreateThread implements thread_create (spec.md §6).
func (k *Kernel) CreateThread(name string, priority int, entry func()) int {
	return k.Scheduler.CreateThread(name, priority, entry)
}

// SetNice implements thread_set_nice (spec.md §6), re-deriving the
// current thread's MLFQS priority immediately rather than waiting for the
// next 4-tick recompute. A no-op when the kernel was not booted with
// -mlfqs.
func (k *Kernel) SetNice(nice int) {
	if k.MLFQS == nil {
		return
	}
	k.Scheduler.SetNice(nice, k.MLFQS.RecomputeOne)
}

// GetNice implements thread_get_nice (spec.md §6). Reads current's Nice
// field under the gate, matching original_source/src/threads/thread.c's
// thread_get_nice (intr_disable/intr_set_level around the read): the
// timer ISR's own goroutine mutates this same state every tick
// (internal/mlfqs.Policy.Tick) concurrently with any caller.
func (k *Kernel) GetNice() int {
	prevLevel := k.Gate.Disable()
	defer k.Gate.SetLevel(prevLevel)
	return k.Scheduler.Current().Nice
}

// GetLoadAvg implements thread_get_load_avg (spec.md §6): the system load
// average, times 100, rounded. 0 when not booted with -mlfqs. Reads
// load_avg under the gate for the same reason as GetNice.
func (k *Kernel) GetLoadAvg() int {
	if k.MLFQS == nil {
		return 0
	}
	prevLevel := k.Gate.Disable()
	defer k.Gate.SetLevel(prevLevel)
	return k.MLFQS.LoadAvgReport()
}

// GetRecentCPU implements thread_get_recent_cpu (spec.md §6): the current
// thread's recent_cpu, times 100, rounded. 0 when not booted with -mlfqs.
// Reads current's RecentCPU under the gate for the same reason as
// GetNice.
func (k *Kernel) GetRecentCPU() int {
	if k.MLFQS == nil {
		return 0
	}
	prevLevel := k.Gate.Disable()
	defer k.Gate.SetLevel(prevLevel)
	return k.MLFQS.RecentCPUReport(k.Scheduler.Current())
}

// ForEachThread exposes the all-threads registry for diagnostics
// (thread_foreach, spec.md §6).
func (k *Kernel) ForEachThread(fn func(*kthread.Thread)) {
	k.Scheduler.ForEach(fn)
}
