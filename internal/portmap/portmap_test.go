package portmap

import (
	"testing"
	"time"
)

func TestAllocateInsertsPendingEntry(t *testing.T) {
	tbl := New(8)
	e, err := tbl.Allocate(100, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if e.State() != StatePending {
		t.Fatalf("expected PENDING, got %v", e.State())
	}
	got, ok := tbl.Lookup(e.PortID)
	if !ok || got != e {
		t.Fatal("expected lookup to find the allocated entry")
	}
}

func TestAllocateExhaustionIsResourceError(t *testing.T) {
	tbl := New(2)
	if _, err := tbl.Allocate(1, 0); err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	if _, err := tbl.Allocate(2, 0); err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	if _, err := tbl.Allocate(3, 0); err == nil {
		t.Fatal("expected RESOURCE error when bitmap exhausted")
	}
}

func TestTransitionPendingToAllocatedWakesWaiter(t *testing.T) {
	tbl := New(4)
	e, _ := tbl.Allocate(1, 2)

	done := make(chan State, 1)
	go func() { done <- e.Wait() }()

	time.Sleep(10 * time.Millisecond)
	if err := tbl.Transition(e.PortID, StateAllocated); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case s := <-done:
		if s != StateAllocated {
			t.Fatalf("expected ALLOCATED, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after transition")
	}
}

func TestTransitionToNullIsTerminal(t *testing.T) {
	tbl := New(4)
	e, _ := tbl.Allocate(1, 2)
	if err := tbl.Transition(e.PortID, StateNull); err != nil {
		t.Fatalf("Transition to NULL: %v", err)
	}
	if err := tbl.Transition(e.PortID, StateAllocated); err == nil {
		t.Fatal("expected error transitioning out of terminal NULL")
	}
}

func TestReleaseFreesPortIDAndRemovesEntry(t *testing.T) {
	tbl := New(1)
	e, err := tbl.Allocate(1, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	tbl.Release(e.PortID)

	if _, ok := tbl.Lookup(e.PortID); ok {
		t.Fatal("expected entry to be removed")
	}
	// Bitmap bit must be free again (round-trip property, spec §8).
	if _, err := tbl.Allocate(2, 0); err != nil {
		t.Fatalf("expected port-id reusable after release: %v", err)
	}
}

func TestLookupByNAPI(t *testing.T) {
	tbl := New(4)
	e, _ := tbl.Allocate(77, 0)
	got, ok := tbl.LookupByNAPI(77)
	if !ok || got.PortID != e.PortID {
		t.Fatal("expected LookupByNAPI to find the entry owned by pid 77")
	}
	if _, ok := tbl.LookupByNAPI(999); ok {
		t.Fatal("expected no entry for unknown pid")
	}
}

func TestSnapshotReflectsLiveEntries(t *testing.T) {
	tbl := New(4)
	tbl.Allocate(1, 0)
	tbl.Allocate(2, 0)
	if got := len(tbl.Snapshot()); got != 2 {
		t.Fatalf("expected snapshot of 2 entries, got %d", got)
	}
}
