package timer_test

import (
	"testing"

	"github.com/derision-test/glock"
	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/require"

	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/kthread"
	"github.com/sourcegraph/pintos-core/internal/scheduler"
	"github.com/sourcegraph/pintos-core/internal/timer"
)

func newTestHarness(t *testing.T) (*irq.Gate, *scheduler.Scheduler, *timer.Timer, *glock.MockClock) {
	t.Helper()
	gate := irq.New()
	sched := scheduler.New(gate, scheduler.Options{Logger: logtest.Scoped(t)})
	clock := glock.NewMockClock()
	tm := timer.New(gate, sched, timer.Options{
		Logger:    logtest.Scoped(t),
		Clock:     clock,
		Frequency: 100,
	})
	return gate, sched, tm, clock
}

func TestTicksAdvanceOnInterrupt(t *testing.T) {
	_, _, tm, _ := newTestHarness(t)
	require.Equal(t, uint64(0), tm.Ticks())
	tm.Interrupt()
	require.Equal(t, uint64(1), tm.Ticks())
	tm.Interrupt()
	require.Equal(t, uint64(2), tm.Ticks())
}

func TestElapsed(t *testing.T) {
	_, _, tm, _ := newTestHarness(t)
	tm.Interrupt()
	tm.Interrupt()
	start := tm.Ticks()
	tm.Interrupt()
	tm.Interrupt()
	tm.Interrupt()
	require.Equal(t, uint64(3), tm.Elapsed(start))
}

// TestSleepPrecision is spec.md §8 scenario 5: a thread sleeping for 10
// ticks resumes no earlier than tick T0+10 and no later than
// T0+10+TIME_SLICE under no contention.
func TestSleepPrecision(t *testing.T) {
	_, sched, tm, _ := newTestHarness(t)

	var resumeTick uint64
	done := make(chan struct{})

	// Drop main below the sleeper so nothing contends with it.
	sched.SetPriority(kthread.PriorityMin)
	sched.CreateThread("sleeper", 30, func() {
		tm.Sleep(10)
		resumeTick = tm.Ticks()
		close(done)
	})

	for i := 0; i < 20; i++ {
		select {
		case <-done:
		default:
			tm.Interrupt()
		}
	}
	<-done

	require.GreaterOrEqual(t, resumeTick, uint64(10))
	require.Less(t, resumeTick, uint64(10+scheduler.TimeSlice+1))
}

func TestSleepQueueOrdersByAwakeTick(t *testing.T) {
	q := kthread.NewSleepQueue()
	a := kthread.New(1, "a", 10)
	b := kthread.New(2, "b", 10)
	c := kthread.New(3, "c", 10)
	a.AwakeTick = 30
	b.AwakeTick = 10
	c.AwakeTick = 20
	q.Insert(a)
	q.Insert(b)
	q.Insert(c)

	require.Equal(t, "b", q.PopEarliest().Name)
	require.Equal(t, "c", q.PopEarliest().Name)
	require.Equal(t, "a", q.PopEarliest().Name)
}

func TestCalibrateSetsLoopsPerTick(t *testing.T) {
	_, _, tm, _ := newTestHarness(t)
	require.Equal(t, int64(0), tm.LoopsPerTick())
	tm.Calibrate()
	require.Positive(t, tm.LoopsPerTick())
}

func TestRealTimeSleepDefersToTickSleepWhenWholeTicks(t *testing.T) {
	_, sched, tm, _ := newTestHarness(t)

	done := make(chan struct{})
	// Drop main below rt so rt runs as soon as it is created.
	sched.SetPriority(kthread.PriorityMin)
	sched.CreateThread("rt", 30, func() {
		tm.RealTimeSleep(50, 1000) // 50ms @ 100Hz == 5 ticks
		close(done)
	})

	for i := 0; i < 10; i++ {
		select {
		case <-done:
			return
		default:
			tm.Interrupt()
		}
	}
	<-done
}
