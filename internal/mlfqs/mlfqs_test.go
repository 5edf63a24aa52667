package mlfqs_test

import (
	"testing"

	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/require"

	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/kthread"
	"github.com/sourcegraph/pintos-core/internal/mlfqs"
	"github.com/sourcegraph/pintos-core/internal/scheduler"
)

func newHarness(t *testing.T) (*scheduler.Scheduler, *mlfqs.Policy) {
	t.Helper()
	gate := irq.New()
	s := scheduler.New(gate, scheduler.Options{Logger: logtest.Scoped(t), MLFQS: true})
	p := mlfqs.New(mlfqs.Deps{Sched: s, Logger: logtest.Scoped(t)})
	return s, p
}

func TestRecentCPUIncrementsEveryTickExceptIdle(t *testing.T) {
	s, p := newHarness(t)
	for i := 0; i < 5; i++ {
		p.Tick(uint64(i+1), 100)
	}
	require.Equal(t, 5, p.RecentCPUReport(s.Current())/100)
}

// TestPriorityStaysInRange is spec.md's invariant: 0 <= priority <= 63
// after every 4-tick recomputation, even under heavy simulated CPU load.
func TestPriorityStaysInRange(t *testing.T) {
	s, p := newHarness(t)
	for tick := uint64(1); tick <= 400; tick++ {
		p.Tick(tick, 100)
		require.GreaterOrEqual(t, s.Current().Priority, 0)
		require.LessOrEqual(t, s.Current().Priority, 63)
	}
}

// TestLoadAvgNonNegative mirrors fixedpoint's own load_avg step test but
// drives it through the real recompute path.
func TestLoadAvgNonNegative(t *testing.T) {
	_, p := newHarness(t)
	for tick := uint64(100); tick <= 10000; tick += 100 {
		p.Tick(tick, 100)
		require.GreaterOrEqual(t, p.LoadAvgReport(), 0)
	}
}

// TestCPUBoundThreadPriorityDecreasesUnderLoad is spec.md §8 scenario 6:
// a CPU-bound thread's effective priority decreases (non-strictly) over
// successive seconds of continuous running.
func TestCPUBoundThreadPriorityDecreasesUnderLoad(t *testing.T) {
	s, p := newHarness(t)
	current := s.Current()

	priorities := make([]int, 0, 5)
	tick := uint64(0)
	for second := 0; second < 5; second++ {
		for i := 0; i < 100; i++ {
			tick++
			p.Tick(tick, 100)
		}
		priorities = append(priorities, current.Priority)
	}

	for i := 1; i < len(priorities); i++ {
		require.LessOrEqual(t, priorities[i], priorities[i-1])
	}
}

func TestRecomputeOneAppliesImmediately(t *testing.T) {
	s, p := newHarness(t)
	current := s.Current()
	current.Nice = 20
	before := current.Priority
	p.RecomputeOne(current)
	require.Less(t, current.Priority, before)
}

// twoThreadFake is a minimal mlfqs.Scheduler fake swapping "current"
// between two threads, used to exercise the I/O-bound half of spec.md §8
// scenario 6 (which the real scheduler.Scheduler can't easily simulate
// directly, since its Current() always tracks whichever real goroutine
// holds the CPU).
type twoThreadFake struct {
	idle    *kthread.Thread
	threads []*kthread.Thread
	current *kthread.Thread
}

func (f *twoThreadFake) Current() *kthread.Thread { return f.current }
func (f *twoThreadFake) Idle() *kthread.Thread    { return f.idle }
func (f *twoThreadFake) ReadyLen() int            { return 1 }
func (f *twoThreadFake) ResortReady()             {}
func (f *twoThreadFake) ForEach(fn func(*kthread.Thread)) {
	for _, th := range f.threads {
		fn(th)
	}
}

// TestIOBoundThreadMaintainsHigherPriorityThanCPUBound is the other half
// of spec.md §8 scenario 6: an I/O-bound thread (frequent sleeps, so it is
// "current" for only a small fraction of ticks) accumulates recent_cpu
// much more slowly than a CPU-bound thread that is current every tick,
// and so keeps a higher effective priority.
func TestIOBoundThreadMaintainsHigherPriorityThanCPUBound(t *testing.T) {
	cpu := kthread.New(1, "cpu_bound", 30)
	io := kthread.New(2, "io_bound", 30)
	idle := kthread.New(3, "idle", 0)

	fake := &twoThreadFake{idle: idle, threads: []*kthread.Thread{cpu, io}, current: cpu}
	p := mlfqs.New(mlfqs.Deps{Sched: fake, Logger: logtest.Scoped(t)})

	const freq = 100
	for tick := uint64(1); tick <= 5*freq; tick++ {
		// The I/O-bound thread sleeps almost every tick (simulated by
		// making it "current" for only one tick out of every twenty,
		// mirroring a thread that blocks on timer_sleep between bursts of
		// work); the CPU-bound thread is current the rest of the time.
		if tick%20 == 0 {
			fake.current = io
		} else {
			fake.current = cpu
		}
		p.Tick(tick, freq)
	}

	require.Greater(t, io.Priority, cpu.Priority)
}
