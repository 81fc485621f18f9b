package nbs

import (
	"sync"
	"testing"
)

func TestAddFiresNeighborAdded(t *testing.T) {
	s := New()
	var got []Event
	var mu sync.Mutex
	s.Attach(NotifierFunc(func(event Event, n Neighbor) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
	}))

	s.Add(Neighbor{Address: 1, Name: "peer1", PortID: 5})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != NeighborAdded {
		t.Fatalf("expected one NEIGHBOR_ADDED event, got %v", got)
	}
}

func TestRemoveFiresNeighborRemoved(t *testing.T) {
	s := New()
	var got []Event
	s.Add(Neighbor{Address: 1, Name: "peer1"})
	s.Attach(NotifierFunc(func(event Event, n Neighbor) {
		got = append(got, event)
	}))

	s.Remove(1)

	if len(got) != 1 || got[0] != NeighborRemoved {
		t.Fatalf("expected one NEIGHBOR_REMOVED event, got %v", got)
	}
}

func TestRemoveUnknownNeighborIsNoop(t *testing.T) {
	s := New()
	fired := false
	s.Attach(NotifierFunc(func(event Event, n Neighbor) { fired = true }))
	s.Remove(999)
	if fired {
		t.Fatal("expected no notification removing an unknown neighbour")
	}
}

func TestEventsOnSameNeighborAreOrderedWithinOneNotifier(t *testing.T) {
	s := New()
	var seq []Event
	s.Attach(NotifierFunc(func(event Event, n Neighbor) {
		seq = append(seq, event)
	}))

	s.Add(Neighbor{Address: 1})
	s.Remove(1)
	s.Add(Neighbor{Address: 1})

	want := []Event{NeighborAdded, NeighborRemoved, NeighborAdded}
	if len(seq) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(seq))
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("event %d: expected %v, got %v", i, want[i], seq[i])
		}
	}
}

func TestMultipleNotifiersAllInvoked(t *testing.T) {
	s := New()
	count := 0
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		s.Attach(NotifierFunc(func(event Event, n Neighbor) {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}
	s.Add(Neighbor{Address: 1})
	if count != 3 {
		t.Fatalf("expected all 3 notifiers invoked, got %d", count)
	}
}

func TestSnapshotAndGet(t *testing.T) {
	s := New()
	s.Add(Neighbor{Address: 1, Name: "peer1"})
	s.Add(Neighbor{Address: 2, Name: "peer2"})

	if n, ok := s.Get(1); !ok || n.Name != "peer1" {
		t.Fatalf("expected to find peer1, got %+v (%v)", n, ok)
	}
	if got := len(s.Snapshot()); got != 2 {
		t.Fatalf("expected snapshot of 2, got %d", got)
	}
	if s.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", s.Len())
	}
}
