package kthread

import "github.com/cockroachdb/errors"

// ErrTableFull is returned by a thread-table-bounded allocator when no more
// threads can be created. Spec.md §4.8 requires resource exhaustion to
// surface as a sentinel id, not a panic; callers translate this error into
// that sentinel at the kernel boundary.
var ErrTableFull = errors.New("kthread: thread table full")

// Registry is the all-threads list of spec.md §3: every live thread
// appears exactly once, removed at exit. Thread IDs are allocated by the
// caller (internal/scheduler.Scheduler.nextTID), not by the registry.
//
// Registry is not safe for concurrent use by itself (spec.md §5: the only
// cross-thread shared state requiring its own lock is the tid counter,
// because allocate_tid runs with interrupts on — see
// internal/scheduler.Scheduler.nextTID, which guards that counter with its
// own mutex). All other Registry methods assume interrupts are already
// disabled by the caller.
type Registry struct {
	maxSize int
	byID    map[int]*Thread
	order   []*Thread
}

// NewRegistry creates an empty registry. maxSize <= 0 means unbounded.
func NewRegistry(maxSize int) *Registry {
	return &Registry{
		maxSize: maxSize,
		byID:    make(map[int]*Thread),
	}
}

// Add inserts t into the all-threads list. Returns ErrTableFull if the
// registry is at capacity.
func (r *Registry) Add(t *Thread) error {
	if r.maxSize > 0 && len(r.order) >= r.maxSize {
		return ErrTableFull
	}
	r.byID[t.ID] = t
	r.order = append(r.order, t)
	return nil
}

// Remove deletes t from the all-threads list (called at exit, spec.md
// §4.1).
func (r *Registry) Remove(t *Thread) {
	delete(r.byID, t.ID)
	for i, o := range r.order {
		if o == t {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get looks up a thread by id.
func (r *Registry) Get(id int) (*Thread, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Len reports the number of live threads.
func (r *Registry) Len() int {
	return len(r.order)
}

// ForEach iterates every live thread, in registration order. This is the
// outbound thread_foreach(fn, aux) contract of spec.md §6: callers (MLFQS
// recompute, debugging dumps) must already hold interrupts disabled.
func (r *Registry) ForEach(fn func(*Thread)) {
	for _, t := range r.order {
		fn(t)
	}
}
