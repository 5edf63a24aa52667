package kthread

import "container/heap"

// ReadyQueue is the ready list of spec.md §3: READY threads ordered
// non-increasing by effective priority, ties broken by FIFO insertion
// order. It is a container/heap priority queue with a monotonic sequence
// number tiebreaker, the same shape as the teacher's
// enterprise/cmd/repo-updater/authz/request_queue.go (requestQueue) and
// cmd/repo-updater/repos/scheduler_test.go's repoUpdate.seq.
//
// ReadyQueue is not safe for concurrent use: every caller must already be
// running with interrupts disabled (spec.md §5 — scheduler internals are
// protected by the interrupt-disable discipline, not by their own locks).
type ReadyQueue struct {
	items  []*Thread
	nextSeq int
}

// NewReadyQueue returns an empty ready list.
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{}
}

// Len implements heap.Interface.
func (q *ReadyQueue) Len() int { return len(q.items) }

// Less implements heap.Interface: higher priority first, then lower seq
// (earlier insertion) first.
func (q *ReadyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Swap implements heap.Interface.
func (q *ReadyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].heapIndex = i
	q.items[j].heapIndex = j
}

// Push implements heap.Interface. Use Insert, not this method, to enqueue.
func (q *ReadyQueue) Push(x any) {
	t := x.(*Thread)
	t.heapIndex = len(q.items)
	t.inQueue = true
	q.items = append(q.items, t)
}

// Pop implements heap.Interface. Use PopHighest, not this method, to
// dequeue.
func (q *ReadyQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	t.heapIndex = -1
	t.inQueue = false
	return t
}

// Insert adds t to the ready list in priority order (spec.md §4.1:
// "insert current into ready list in priority order").
func (q *ReadyQueue) Insert(t *Thread) {
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(q, t)
}

// PopHighest removes and returns the head of the ready list (highest
// priority, earliest among ties), or nil if empty.
func (q *ReadyQueue) PopHighest() *Thread {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Thread)
}

// PeekHighest returns the head of the ready list without removing it, or
// nil if empty.
func (q *ReadyQueue) PeekHighest() *Thread {
	if q.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Remove removes t from the ready list if present. No-op if t is not
// currently queued.
func (q *ReadyQueue) Remove(t *Thread) {
	if !t.inQueue || t.heapIndex < 0 || t.heapIndex >= len(q.items) {
		return
	}
	heap.Remove(q, t.heapIndex)
}

// ForEach iterates the ready list in arbitrary (heap array) order, not in
// priority order.
func (q *ReadyQueue) ForEach(fn func(*Thread)) {
	for _, t := range q.items {
		fn(t)
	}
}

// Fix re-establishes heap order for t after its priority changed in place
// (spec.md §4.4: "up" must re-sort a semaphore's waiter queue because
// donation may have changed a blocked waiter's priority; the same applies
// to the ready list after thread_set_nice / MLFQS recompute).
func (q *ReadyQueue) Fix(t *Thread) {
	if t.inQueue {
		heap.Fix(q, t.heapIndex)
	}
}

// SleepQueue is the sleep list of spec.md §3: BLOCKED sleepers ordered
// non-decreasing by AwakeTick, ties broken by FIFO insertion order. Same
// heap+seq shape as ReadyQueue.
type SleepQueue struct {
	items   []*Thread
	nextSeq int
}

// NewSleepQueue returns an empty sleep list.
func NewSleepQueue() *SleepQueue {
	return &SleepQueue{}
}

func (q *SleepQueue) Len() int { return len(q.items) }

func (q *SleepQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.AwakeTick != b.AwakeTick {
		return a.AwakeTick < b.AwakeTick
	}
	return a.seq < b.seq
}

func (q *SleepQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].heapIndex = i
	q.items[j].heapIndex = j
}

func (q *SleepQueue) Push(x any) {
	t := x.(*Thread)
	t.heapIndex = len(q.items)
	t.sleeping = true
	q.items = append(q.items, t)
}

func (q *SleepQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	t.heapIndex = -1
	t.sleeping = false
	return t
}

// Insert registers t to wake at t.AwakeTick (spec.md §4.3: sleep_until).
func (q *SleepQueue) Insert(t *Thread) {
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(q, t)
}

// PeekEarliest returns the earliest-deadline sleeper without removing it.
func (q *SleepQueue) PeekEarliest() *Thread {
	if q.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// PopEarliest removes and returns the earliest-deadline sleeper.
func (q *SleepQueue) PopEarliest() *Thread {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Thread)
}
