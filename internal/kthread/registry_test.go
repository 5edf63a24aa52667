package kthread_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sourcegraph/pintos-core/internal/kthread"
)

// threadSnapshot is a comparable projection of a Thread's
// externally-visible identity, used to diff all-threads/ready-list
// snapshots without comparing unexported heap/seq bookkeeping fields.
type threadSnapshot struct {
	ID       int
	Name     string
	Priority int
}

func snapshotRegistry(r *kthread.Registry) []threadSnapshot {
	var got []threadSnapshot
	r.ForEach(func(t *kthread.Thread) {
		got = append(got, threadSnapshot{ID: t.ID, Name: t.Name, Priority: t.Priority})
	})
	return got
}

// TestRegistrySnapshotAfterRemove is a structural diff, grounded in
// go-cmp, of the all-threads list before and after an exit: the removed
// thread's entry disappears and every remaining entry is unchanged.
func TestRegistrySnapshotAfterRemove(t *testing.T) {
	r := kthread.NewRegistry(0)
	a := kthread.New(1, "T_a", 20)
	b := kthread.New(2, "T_b", 25)
	c := kthread.New(3, "T_c", 30)
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	require.NoError(t, r.Add(c))

	before := snapshotRegistry(r)
	want := []threadSnapshot{
		{ID: 1, Name: "T_a", Priority: 20},
		{ID: 2, Name: "T_b", Priority: 25},
		{ID: 3, Name: "T_c", Priority: 30},
	}
	if diff := cmp.Diff(want, before); diff != "" {
		t.Fatalf("registry snapshot before remove mismatch (-want +got):\n%s", diff)
	}

	r.Remove(b)

	after := snapshotRegistry(r)
	wantAfter := []threadSnapshot{
		{ID: 1, Name: "T_a", Priority: 20},
		{ID: 3, Name: "T_c", Priority: 30},
	}
	if diff := cmp.Diff(wantAfter, after); diff != "" {
		t.Fatalf("registry snapshot after remove mismatch (-want +got):\n%s", diff)
	}
}

// TestReadyQueueSnapshotOrdering diffs a drained snapshot of the ready
// list against the expected priority-then-FIFO order (spec.md §3).
func TestReadyQueueSnapshotOrdering(t *testing.T) {
	q := kthread.NewReadyQueue()
	low := kthread.New(1, "T_low", 20)
	med := kthread.New(2, "T_med", 25)
	highFirst := kthread.New(3, "T_high_a", 30)
	highSecond := kthread.New(4, "T_high_b", 30)

	q.Insert(low)
	q.Insert(highFirst)
	q.Insert(med)
	q.Insert(highSecond)

	var got []threadSnapshot
	for q.Len() > 0 {
		th := q.PopHighest()
		got = append(got, threadSnapshot{ID: th.ID, Name: th.Name, Priority: th.Priority})
	}

	want := []threadSnapshot{
		{ID: 3, Name: "T_high_a", Priority: 30},
		{ID: 4, Name: "T_high_b", Priority: 30},
		{ID: 2, Name: "T_med", Priority: 25},
		{ID: 1, Name: "T_low", Priority: 20},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ready-list drain order mismatch (-want +got):\n%s", diff)
	}
}
