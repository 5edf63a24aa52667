// Command pintossim boots a pintos-core kernel and runs the end-to-end
// scenarios of spec.md §8, printing their outcomes to stdout. It exists to
// demonstrate the library end-to-end, the way cmd/repo-updater/main.go is
// a thin entry point delegating to the packages that do the real work.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/bootconfig"
	"github.com/sourcegraph/pintos-core/internal/kernel"
	"github.com/sourcegraph/pintos-core/internal/kthread"
)

func main() {
	cfg, err := bootconfig.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	liblog := log.Init(log.Resource{Name: "pintossim"})
	defer liblog.Sync()
	logger := log.Scoped("pintossim", "boots a pintos-core kernel and runs its scenario suite")

	k := kernel.Boot(kernel.Options{Logger: logger, Config: cfg})
	go k.Run()
	defer k.Shutdown()

	if cfg.MLFQS {
		runMLFQSMonotonicity(k)
		return
	}

	runPriorityOrdering(k)
	runSimpleDonation(k)
	runNestedDonation(k)
	runMultipleDonation(k)
	runSleepPrecision(k)
}

// runPriorityOrdering is spec.md §8 scenario 1.
func runPriorityOrdering(k *kernel.Kernel) {
	done := make(chan struct{}, 3)
	order := make([]string, 0, 3)
	collect := func(name string) { order = append(order, name); done <- struct{}{} }

	k.CreateThread("T_low", 20, func() { collect("T_low") })
	k.CreateThread("T_med", 25, func() { collect("T_med") })
	k.CreateThread("T_high", 30, func() { collect("T_high") })

	// main outranks all three; dropping below them hands them the CPU.
	prev := k.Scheduler.GetPriority()
	k.Scheduler.SetPriority(kthread.PriorityMin)
	<-done
	<-done
	<-done
	k.Scheduler.SetPriority(prev)
	fmt.Println(order[0], order[1], order[2])
}

// runSimpleDonation is spec.md §8 scenario 2.
func runSimpleDonation(k *kernel.Kernel) {
	k.SetNice(0) // no-op outside MLFQS; kept symmetric with the MLFQS scenario.
	lock := k.NewLock()
	lock.Acquire()

	done := make(chan struct{})
	k.CreateThread("T_a", 33, func() {
		lock.Acquire()
		lock.Release()
		close(done)
	})

	fmt.Printf("simple donation: main priority while T_a blocked = %d\n", priorityOf(k))
	lock.Release()
	<-done
}

// runNestedDonation is spec.md §8 scenario 3.
func runNestedDonation(k *kernel.Kernel) {
	k.Scheduler.SetPriority(30) // main runs at 30 in this scenario and the next
	l1 := k.NewLock()
	l2 := k.NewLock()
	l1.Acquire()

	medDone := make(chan struct{})
	k.CreateThread("T_med", 32, func() {
		l2.Acquire()
		l1.Acquire()
		l1.Release()
		l2.Release()
		close(medDone)
	})

	highDone := make(chan struct{})
	k.CreateThread("T_high", 34, func() {
		l2.Acquire()
		l2.Release()
		close(highDone)
	})

	fmt.Printf("nested donation: main priority after T_high blocks = %d\n", priorityOf(k))
	l1.Release()
	<-medDone
	<-highDone
	fmt.Printf("nested donation: main priority after release = %d\n", priorityOf(k))
}

// runMultipleDonation is spec.md §8 scenario 4.
func runMultipleDonation(k *kernel.Kernel) {
	l1 := k.NewLock()
	l2 := k.NewLock()
	l1.Acquire()
	l2.Acquire()

	aDone := make(chan struct{})
	k.CreateThread("T_a", 33, func() {
		l1.Acquire()
		l1.Release()
		close(aDone)
	})

	bDone := make(chan struct{})
	k.CreateThread("T_b", 35, func() {
		l2.Acquire()
		l2.Release()
		close(bDone)
	})

	fmt.Printf("multiple donation: main priority = %d\n", priorityOf(k))
	l2.Release()
	<-bDone
	fmt.Printf("multiple donation: main priority after releasing L2 = %d\n", priorityOf(k))
	l1.Release()
	<-aDone
	fmt.Printf("multiple donation: main priority after releasing L1 = %d\n", priorityOf(k))
}

// runSleepPrecision is spec.md §8 scenario 5.
func runSleepPrecision(k *kernel.Kernel) {
	t0 := k.Timer.Ticks()
	k.Timer.Sleep(10)
	t1 := k.Timer.Ticks()
	fmt.Printf("sleep precision: slept %d ticks (requested 10)\n", t1-t0)
}

// runMLFQSMonotonicity is spec.md §8 scenario 6, run only when booted with
// -mlfqs. Both halves of the comparison run as real kernel threads
// (k.CreateThread), never as untracked goroutines: a bare `go func(){...}`
// calling k.Timer.Sleep would sleep whatever thread the scheduler
// considers RUNNING at that moment, not itself, corrupting scheduler
// state.
func runMLFQSMonotonicity(k *kernel.Kernel) {
	stop := make(chan struct{})
	cpuDone := make(chan struct{})
	ioDone := make(chan struct{})

	cpuID := k.CreateThread("cpu_bound", 30, func() {
		defer close(cpuDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Cooperative busy work: this green-thread simulation has no
			// hardware preemption, so a CPU-bound thread must still yield
			// at a safe point for the time-slice/ISR machinery to run.
			k.Scheduler.Yield()
		}
	})

	ioID := k.CreateThread("io_bound", 30, func() {
		defer close(ioDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			k.Timer.Sleep(1)
		}
	})

	for second := 0; second < 5; second++ {
		time.Sleep(time.Second)
		fmt.Printf("mlfqs: second %d load_avg=%d cpu_bound_priority=%d io_bound_priority=%d\n",
			second, k.GetLoadAvg(), priorityByID(k, cpuID), priorityByID(k, ioID))
	}
	close(stop)
	<-cpuDone
	<-ioDone
}

func priorityByID(k *kernel.Kernel, id int) int {
	priority := -1
	k.ForEachThread(func(t *kthread.Thread) {
		if t.ID == id {
			priority = t.Priority
		}
	})
	return priority
}

func priorityOf(k *kernel.Kernel) int {
	return k.Scheduler.GetPriority()
}
