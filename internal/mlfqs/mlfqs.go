// Package mlfqs implements the multi-level feedback queue scheduling
// policy of spec.md §4.7: recent_cpu and load_avg tracking in 17.14
// fixed-point, and the derived priority recomputation, each running at
// its own cadence off the timer ISR.
package mlfqs

import (
	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/fixedpoint"
	"github.com/sourcegraph/pintos-core/internal/kthread"
	"github.com/sourcegraph/pintos-core/internal/metrics"
)

// priorityRecomputeInterval is the tick cadence of spec.md §4.7's
// priority recomputation. recent_cpu increments every tick; load_avg and
// per-thread recent_cpu recompute once per second (every freq ticks, the
// timer's own configured frequency, passed into Tick).
const priorityRecomputeInterval = 4

// Scheduler is the subset of *scheduler.Scheduler the MLFQS policy reads
// and mutates, kept as an interface to avoid an mlfqs<->scheduler import
// cycle (mirrors internal/timer.Scheduler and internal/ksync.Scheduler).
type Scheduler interface {
	Current() *kthread.Thread
	Idle() *kthread.Thread
	ForEach(fn func(*kthread.Thread))
	ReadyLen() int
	ResortReady()
}

// Deps bundles the collaborators the policy needs, following the
// constructor-options idiom grounded in sync_worker.go.
type Deps struct {
	Sched   Scheduler
	Logger  log.Logger
	Metrics *metrics.Collectors
}

// Policy owns the load_avg fixed-point accumulator and drives the
// recent_cpu/priority recomputation cadences. It holds no tick counter of
// its own; Tick is called by internal/timer with the timer's own tick
// count so the two stay in lockstep.
type Policy struct {
	deps    Deps
	loadAvg fixedpoint.Value
}

// New constructs a Policy with load_avg initialized to 0, per spec.md
// §4.7's boot state.
func New(deps Deps) *Policy {
	return &Policy{deps: deps}
}

// Tick runs the cadences due at tick (the timer's 1-based tick count) and
// freq (the timer's configured frequency, spec.md §2.3). Caller (the
// timer ISR) must already hold interrupts disabled, per spec.md §5 — this
// mutates every thread's Priority and RecentCPU and the shared load_avg.
func (p *Policy) Tick(tick uint64, freq int) {
	current := p.deps.Sched.Current()
	if current != p.deps.Sched.Idle() {
		current.RecentCPU = current.RecentCPU.AddInt(1)
	}

	if int(tick)%freq == 0 {
		p.recomputeLoadAvgAndRecentCPU()
	}
	if int(tick)%priorityRecomputeInterval == 0 {
		p.recomputePriorities()
	}
}

// recomputeLoadAvgAndRecentCPU implements spec.md §4.7's once-per-second
// cadence: load_avg = (59/60)*load_avg + (1/60)*ready_count, then every
// thread's recent_cpu = (2*load_avg)/(2*load_avg+1) * recent_cpu + nice.
func (p *Policy) recomputeLoadAvgAndRecentCPU() {
	readyCount := p.deps.Sched.ReadyLen()
	if p.deps.Sched.Current() != p.deps.Sched.Idle() {
		readyCount++
	}

	fiftyNineSixtieths := fixedpoint.FromInt(59).Div(fixedpoint.FromInt(60))
	oneSixtieth := fixedpoint.FromInt(1).Div(fixedpoint.FromInt(60))
	p.loadAvg = fiftyNineSixtieths.Mul(p.loadAvg).Add(oneSixtieth.MulInt(readyCount))

	twiceLoadAvg := p.loadAvg.MulInt(2)
	coefficient := twiceLoadAvg.Div(twiceLoadAvg.AddInt(1))

	p.deps.Sched.ForEach(func(t *kthread.Thread) {
		t.RecentCPU = coefficient.Mul(t.RecentCPU).AddInt(t.Nice)
	})

	if p.deps.Metrics != nil {
		p.deps.Metrics.MLFQSLoadAvg.Set(float64(p.LoadAvgReport()))
	}
	p.deps.Logger.Debug("mlfqs load_avg recomputed",
		log.Int("ready_count", readyCount),
		log.Int("load_avg_x100", p.LoadAvgReport()))
}

// recomputePriorities implements spec.md §4.7's every-4-ticks cadence:
// priority = PRI_MAX - recent_cpu/4 - nice*2, clamped to [PRI_MIN,
// PRI_MAX], for every thread, followed by a ready-list re-sort.
func (p *Policy) recomputePriorities() {
	p.deps.Sched.ForEach(func(t *kthread.Thread) {
		t.Priority = derivePriority(t.RecentCPU, t.Nice)
	})
	p.deps.Sched.ResortReady()
}

// derivePriority computes and clamps a single thread's MLFQS priority.
func derivePriority(recentCPU fixedpoint.Value, nice int) int {
	raw := fixedpoint.FromInt(kthread.PriorityMax).
		Sub(recentCPU.DivInt(4)).
		SubInt(nice * 2).
		ToIntRound()
	if raw < kthread.PriorityMin {
		return kthread.PriorityMin
	}
	if raw > kthread.PriorityMax {
		return kthread.PriorityMax
	}
	return raw
}

// RecomputeOne derives and applies a single thread's priority immediately
// from its current recent_cpu and nice, without waiting for the next
// 4-tick cadence. Used by thread_set_nice (spec.md §4.7: "set_nice must
// re-derive priority immediately").
func (p *Policy) RecomputeOne(t *kthread.Thread) {
	t.Priority = derivePriority(t.RecentCPU, t.Nice)
}

// LoadAvgReport returns load_avg * 100 rounded to the nearest integer, the
// reporting convention of thread_get_load_avg (spec.md §6).
func (p *Policy) LoadAvgReport() int {
	return p.loadAvg.MulInt(100).ToIntRound()
}

// RecentCPUReport returns t.RecentCPU * 100 rounded to the nearest
// integer, the reporting convention of thread_get_recent_cpu (spec.md
// §6).
func (p *Policy) RecentCPUReport(t *kthread.Thread) int {
	return t.RecentCPU.MulInt(100).ToIntRound()
}
