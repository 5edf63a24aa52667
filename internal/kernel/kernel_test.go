package kernel_test

import (
	"testing"

	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/require"

	"github.com/sourcegraph/pintos-core/internal/bootconfig"
	"github.com/sourcegraph/pintos-core/internal/kernel"
)

func TestBootDonationPriorityRoundTrip(t *testing.T) {
	k := kernel.Boot(kernel.Options{Logger: logtest.Scoped(t)})

	lock := k.NewLock()
	lock.Acquire()

	before := k.Scheduler.GetPriority()
	done := make(chan struct{})
	k.CreateThread("T_a", before+5, func() {
		lock.Acquire()
		lock.Release()
		close(done)
	})
	require.Equal(t, before+5, k.Scheduler.GetPriority())

	lock.Release()
	<-done
	require.Equal(t, before, k.Scheduler.GetPriority())
}

func TestBootSleepAdvancesTicks(t *testing.T) {
	k := kernel.Boot(kernel.Options{Logger: logtest.Scoped(t)})
	go k.Run()
	defer k.Shutdown()

	t0 := k.Timer.Ticks()
	k.Timer.Sleep(3)
	t1 := k.Timer.Ticks()
	require.GreaterOrEqual(t, t1-t0, uint64(3))
}

func TestBootMLFQSDisablesDonationAndSetPriority(t *testing.T) {
	k := kernel.Boot(kernel.Options{Logger: logtest.Scoped(t), Config: bootconfig.Config{MLFQS: true}})
	require.NotNil(t, k.MLFQS)

	before := k.Scheduler.GetPriority()
	k.Scheduler.SetPriority(before + 10)
	require.Equal(t, before, k.Scheduler.GetPriority(), "set_priority must be a no-op under MLFQS")
}

func TestBootSetNiceRecomputesPriorityImmediately(t *testing.T) {
	k := kernel.Boot(kernel.Options{Logger: logtest.Scoped(t), Config: bootconfig.Config{MLFQS: true}})
	before := k.Scheduler.GetPriority()
	k.SetNice(20)
	require.Equal(t, 20, k.GetNice())
	require.Less(t, k.Scheduler.GetPriority(), before)
}

func TestBootGetLoadAvgAndRecentCPUZeroWithoutMLFQS(t *testing.T) {
	k := kernel.Boot(kernel.Options{Logger: logtest.Scoped(t)})
	require.Equal(t, 0, k.GetLoadAvg())
	require.Equal(t, 0, k.GetRecentCPU())
}
