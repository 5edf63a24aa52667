package ksync_test

import (
	"testing"

	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/require"

	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/ksync"
	"github.com/sourcegraph/pintos-core/internal/scheduler"
)

func newHarness(t *testing.T) (*irq.Gate, *scheduler.Scheduler, ksync.Deps) {
	t.Helper()
	gate := irq.New()
	s := scheduler.New(gate, scheduler.Options{Logger: logtest.Scoped(t)})
	deps := ksync.Deps{Gate: gate, Sched: s, Logger: logtest.Scoped(t)}
	return gate, s, deps
}

func TestSemaphoreRoundTrip(t *testing.T) {
	_, _, deps := newHarness(t)
	sem := ksync.NewSemaphore(deps, 3)
	sem.Down()
	sem.Down()
	sem.Down()
	require.Equal(t, 0, sem.Value())
	sem.Up()
	sem.Up()
	sem.Up()
	require.Equal(t, 3, sem.Value())
	require.Equal(t, 0, sem.WaiterCount())
}

func TestLockAcquireReleaseRoundTrip(t *testing.T) {
	_, s, deps := newHarness(t)
	lock := ksync.NewLock(deps)

	before := s.GetPriority()
	lock.Acquire()
	require.True(t, lock.HeldByCurrent())
	lock.Release()
	require.False(t, lock.HeldByCurrent())
	require.Equal(t, before, s.GetPriority())
}

func TestTryAcquire(t *testing.T) {
	_, _, deps := newHarness(t)
	lock := ksync.NewLock(deps)
	require.True(t, lock.TryAcquire())
	require.True(t, lock.HeldByCurrent())
	lock.Release()
}

// TestSimpleDonation is spec.md §8 scenario 2: main (pri 31) creates T_a
// (pri 33) that blocks on acquire(L) already held by main.
func TestSimpleDonation(t *testing.T) {
	_, s, deps := newHarness(t)
	s.SetPriority(31)
	lock := ksync.NewLock(deps)

	lock.Acquire()
	require.True(t, lock.HeldByCurrent())

	order := make([]string, 0, 2)
	done := make(chan struct{})
	s.CreateThread("T_a", 33, func() {
		lock.Acquire()
		order = append(order, "T_a")
		lock.Release()
		close(done)
	})

	// T_a donated its priority to main (still holding L) before blocking.
	require.Equal(t, 33, s.GetPriority())

	order = append(order, "main_release")
	lock.Release()

	<-done
	require.Equal(t, []string{"main_release", "T_a"}, order)
	require.Equal(t, 31, s.GetPriority())
}

// TestNestedDonation is spec.md §8 scenario 3: L1, L2 locks. Main (pri 30)
// holds L1. T_med (pri 32) holds L2 and blocks on L1, donating 32 to
// main. T_high (pri 34) blocks on L2, donating 34 to T_med, which
// recursively raises main to 34. After main releases L1, main returns to
// 30, T_med resumes at 34 until it releases L2, then T_med returns to 32.
func TestNestedDonation(t *testing.T) {
	_, s, deps := newHarness(t)
	s.SetPriority(30)
	l1 := ksync.NewLock(deps)
	l2 := ksync.NewLock(deps)

	l1.Acquire()

	medDone := make(chan struct{})
	var medPriorityAfterAcquiringL1 int
	var medPriorityAfterReleasingL1 int
	var medPriorityAfterReleasingL2 int

	s.CreateThread("T_med", 32, func() {
		l2.Acquire()
		l1.Acquire() // blocks: L1 held by main, donates 32 to main.
		// Resumes here once main releases L1, now holding both L1 and L2.
		medPriorityAfterAcquiringL1 = s.GetPriority()
		l1.Release() // doesn't affect priority: T_high's donor awaits L2, not L1.
		medPriorityAfterReleasingL1 = s.GetPriority()
		l2.Release() // strips T_high's donation.
		medPriorityAfterReleasingL2 = s.GetPriority()
		close(medDone)
	})

	// T_med blocked donating 32 to main.
	require.Equal(t, 32, s.GetPriority())

	highDone := make(chan struct{})
	s.CreateThread("T_high", 34, func() {
		l2.Acquire() // blocks: L2 held by T_med, donates 34 to T_med (and
		// transitively to main, since T_med is itself blocked on L1)
		l2.Release()
		close(highDone)
	})

	// T_high's donation propagated through T_med to main.
	require.Equal(t, 34, s.GetPriority())

	l1.Release()
	<-medDone

	require.Equal(t, 30, s.GetPriority())
	require.Equal(t, 34, medPriorityAfterAcquiringL1)
	require.Equal(t, 34, medPriorityAfterReleasingL1)
	require.Equal(t, 32, medPriorityAfterReleasingL2)

	<-highDone
}

// TestMultipleDonation is spec.md §8 scenario 4: main (pri 30) holds L1
// and L2. T_a (pri 33) blocks on L1; T_b (pri 35) blocks on L2. Main's
// priority becomes 35. Main releases L2 -> 33. Main releases L1 -> 30.
func TestMultipleDonation(t *testing.T) {
	_, s, deps := newHarness(t)
	s.SetPriority(30)
	l1 := ksync.NewLock(deps)
	l2 := ksync.NewLock(deps)

	l1.Acquire()
	l2.Acquire()

	aDone := make(chan struct{})
	s.CreateThread("T_a", 33, func() {
		l1.Acquire()
		l1.Release()
		close(aDone)
	})
	require.Equal(t, 33, s.GetPriority())

	bDone := make(chan struct{})
	s.CreateThread("T_b", 35, func() {
		l2.Acquire()
		l2.Release()
		close(bDone)
	})
	require.Equal(t, 35, s.GetPriority())

	l2.Release()
	require.Equal(t, 33, s.GetPriority())
	<-bDone

	l1.Release()
	require.Equal(t, 30, s.GetPriority())
	<-aDone
}

func TestCondSignalWakesHighestPriorityWaiter(t *testing.T) {
	_, s, deps := newHarness(t)
	// Drop main below both waiters so each runs up to cond.Wait as soon as
	// it is created.
	s.SetPriority(10)
	lock := ksync.NewLock(deps)
	cond := ksync.NewCond(deps)

	var order []string
	lowDone := make(chan struct{})
	highDone := make(chan struct{})

	s.CreateThread("low", 20, func() {
		lock.Acquire()
		cond.Wait(lock)
		order = append(order, "low")
		lock.Release()
		close(lowDone)
	})
	s.CreateThread("high", 25, func() {
		lock.Acquire()
		cond.Wait(lock)
		order = append(order, "high")
		lock.Release()
		close(highDone)
	})

	lock.Acquire()
	cond.Signal(lock)
	lock.Release()
	<-highDone

	lock.Acquire()
	cond.Signal(lock)
	lock.Release()
	<-lowDone

	require.Equal(t, []string{"high", "low"}, order)
}
