package bitmap

import (
	"sync"
	"testing"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	b := New(4)

	ids := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		id, ok := b.Allocate()
		if !ok {
			t.Fatalf("expected allocation %d to succeed", i)
		}
		ids = append(ids, id)
	}

	if _, ok := b.Allocate(); ok {
		t.Fatal("expected bitmap to be exhausted")
	}

	for _, id := range ids {
		b.Release(id)
	}
	if b.Used() != 0 {
		t.Fatalf("expected 0 used after releasing all, got %d", b.Used())
	}

	// Round-trip: after releasing everything we should be able to
	// draw exactly `size` ids again.
	for i := 0; i < 4; i++ {
		if _, ok := b.Allocate(); !ok {
			t.Fatalf("expected re-allocation %d to succeed after release", i)
		}
	}
}

func TestIsSetTracksAllocation(t *testing.T) {
	b := New(2)
	id, _ := b.Allocate()
	if !b.IsSet(id) {
		t.Fatal("expected allocated id to be set")
	}
	b.Release(id)
	if b.IsSet(id) {
		t.Fatal("expected released id to be unset")
	}
}

func TestConcurrentAllocateNeverDoubleIssues(t *testing.T) {
	b := New(64)
	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok := b.Allocate()
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("id %d allocated twice", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()

	if _, ok := b.Allocate(); ok {
		t.Fatal("expected bitmap to be exhausted after 64 concurrent allocations")
	}
}
