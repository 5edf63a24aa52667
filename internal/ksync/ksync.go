// Package ksync implements the synchronization primitives of spec.md
// §4.4–§4.6: semaphores, locks with nested priority donation, and
// condition variables, all built on priority-ordered waiter queues.
package ksync

import (
	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/irq"
	"github.com/sourcegraph/pintos-core/internal/kthread"
	"github.com/sourcegraph/pintos-core/internal/metrics"
)

// Scheduler is the subset of *scheduler.Scheduler the sync primitives
// drive, kept as an interface to avoid a ksync<->scheduler import cycle
// (mirrors internal/timer.Scheduler).
type Scheduler interface {
	Current() *kthread.Thread
	Block()
	Unblock(t *kthread.Thread)
	MaybeYield()
	MLFQSEnabled() bool
	NotifyPriorityChanged(t *kthread.Thread)
}

// Deps bundles the collaborators every ksync primitive needs, following
// the constructor-options idiom grounded in
// cmd/repo-updater/repos/sync_worker.go's options-struct-with-defaults
// constructors.
type Deps struct {
	Gate    *irq.Gate
	Sched   Scheduler
	Logger  log.Logger
	Metrics *metrics.Collectors
}

// DonationDepthMax bounds the nested-donation chain walk (spec.md §4.5:
// "for up to 8 hops (DONATION_DEPTH_MAX)").
const DonationDepthMax = 8
