package kthread

import "sort"

// WaiterList is a priority-ordered queue of blocked threads, used by
// semaphores (spec.md §4.4) and laid out as a plain slice rather than a
// heap: unlike the ready/sleep lists, a semaphore's "up" must fully
// re-sort on every wake (a blocked waiter's priority may have changed due
// to donation while it slept), so there is no benefit to heap bookkeeping
// over a stable sort immediately before each pop.
type WaiterList struct {
	items []*Thread
	seq   int
}

// NewWaiterList returns an empty waiter queue.
func NewWaiterList() *WaiterList {
	return &WaiterList{}
}

// Len reports the number of waiters.
func (w *WaiterList) Len() int { return len(w.items) }

// Enqueue appends t to the waiter list in current non-increasing priority
// order (spec.md §4.4: "enqueue current into s.waiters in non-increasing
// priority order").
func (w *WaiterList) Enqueue(t *Thread) {
	t.seq = w.seq
	w.seq++
	w.items = append(w.items, t)
	w.resort()
}

// Resort re-sorts the waiter list by current priority, required before
// every pop because a donation may have raised a waiter's priority after
// it enqueued (spec.md §4.4's mandatory re-sort on up).
func (w *WaiterList) Resort() {
	w.resort()
}

func (w *WaiterList) resort() {
	sort.SliceStable(w.items, func(i, j int) bool {
		a, b := w.items[i], w.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.seq < b.seq
	})
}

// PopHighest removes and returns the highest-priority waiter (ties broken
// by insertion order), or nil if empty. Callers must Resort first if
// priorities may have changed since the last mutation.
func (w *WaiterList) PopHighest() *Thread {
	if len(w.items) == 0 {
		return nil
	}
	t := w.items[0]
	w.items = w.items[1:]
	return t
}

// Remove deletes t from the waiter list if present; a no-op otherwise.
func (w *WaiterList) Remove(t *Thread) {
	for i, o := range w.items {
		if o == t {
			w.items = append(w.items[:i], w.items[i+1:]...)
			return
		}
	}
}
