package metrics

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeFlowCounters struct {
	drop, forward, deliver, transmit, pffMiss atomic.Int64
	flows                                     atomic.Int64
}

func (f *fakeFlowCounters) DropCount() int64     { return f.drop.Load() }
func (f *fakeFlowCounters) ForwardCount() int64  { return f.forward.Load() }
func (f *fakeFlowCounters) DeliverCount() int64  { return f.deliver.Load() }
func (f *fakeFlowCounters) TransmitCount() int64 { return f.transmit.Load() }
func (f *fakeFlowCounters) PFFMissCount() int64  { return f.pffMiss.Load() }
func (f *fakeFlowCounters) FlowCount() int       { return int(f.flows.Load()) }

func TestNewRegistryRegistersAllMetrics(t *testing.T) {
	r := NewRegistry()
	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestCollectorSampleAppliesDeltaOnce(t *testing.T) {
	reg := NewRegistry()
	flows := &fakeFlowCounters{}
	flows.drop.Store(3)
	flows.forward.Store(1)
	flows.deliver.Store(2)
	flows.transmit.Store(5)
	flows.pffMiss.Store(1)
	flows.flows.Store(4)

	c := NewCollector(reg, flows, nil, time.Hour)
	c.sample()
	c.sample() // second sample with no new counts must not double-add

	if got := testutil.ToFloat64(reg.TTLDrops); got != 3 {
		t.Fatalf("expected 3 ttl drops, got %v", got)
	}
	if got := testutil.ToFloat64(reg.DeliveredPDUs); got != 2 {
		t.Fatalf("expected 2 delivered, got %v", got)
	}
	if got := testutil.ToFloat64(reg.TransmittedPDUs); got != 5 {
		t.Fatalf("expected 5 transmitted, got %v", got)
	}
	if got := testutil.ToFloat64(reg.PFFMisses); got != 1 {
		t.Fatalf("expected 1 pff miss, got %v", got)
	}
	if got := testutil.ToFloat64(reg.ActiveFlows); got != 4 {
		t.Fatalf("expected 4 active flows, got %v", got)
	}

	flows.drop.Store(7)
	c.sample()
	if got := testutil.ToFloat64(reg.TTLDrops); got != 7 {
		t.Fatalf("expected 7 ttl drops after second delta, got %v", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	reg := NewRegistry()
	flows := &fakeFlowCounters{}
	c := NewCollector(reg, flows, nil, time.Millisecond)
	c.Start()
	time.Sleep(20 * time.Millisecond)
	c.Stop()
}
