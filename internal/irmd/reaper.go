package irmd

import (
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/portmap"
	"ouroboros.dev/ouroboros/internal/supervisor"
)

// reaperPeriodFraction is the reaper's sweep period relative to the
// flow timeout (spec §4.5: "period ~= 1/20 of the flow timeout").
const reaperPeriodFraction = 20

// reaper is the periodic sweep of spec §4.5: it reclaims PENDING
// descriptors that timed out waiting for FLOW_ALLOC_REPLY, tears down
// descriptors whose owning process has died, and prunes registry
// instances left behind by an exited listener. It never holds a
// per-entry lock while acquiring a table-wide one: every pass starts
// from Table.Snapshot, which holds the table lock only while listing
// the entries, and only then touches individual entries.
type reaper struct {
	d *IRMd

	probe func(pid int) bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func newReaper(d *IRMd) *reaper {
	return &reaper{d: d, probe: supervisor.Probe}
}

// Start launches the sweep goroutine at a period derived from
// flowTimeout. Idempotent.
func (r *reaper) Start(flowTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	period := flowTimeout / reaperPeriodFraction
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true

	go r.loop(period, flowTimeout)
}

// Stop halts the sweep goroutine and waits for it to exit.
func (r *reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *reaper) loop(period, flowTimeout time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(flowTimeout)
		}
	}
}

// sweep runs one pass: reclaim timed-out PENDING descriptors, tear
// down descriptors whose owner has died, and prune dead registry
// instances.
func (r *reaper) sweep(flowTimeout time.Duration) {
	now := time.Now()
	for _, e := range r.d.Ports.Snapshot() {
		switch e.State() {
		case portmap.StatePending:
			if now.Sub(e.T0) > flowTimeout {
				r.reclaimPending(e)
			}
		case portmap.StateAllocated:
			r.reapIfOwnerDead(e)
		}
	}

	r.d.Names.ReapInstances(r.probe)
}

// reclaimPending finalises a PENDING descriptor that never reached a
// terminal state before IRMD_FLOW_TIMEOUT, waking any FlowAllocRes
// waiter with the terminal NULL state and freeing its port-id.
func (r *reaper) reclaimPending(e *portmap.Entry) {
	_ = r.d.Ports.Transition(e.PortID, portmap.StateNull)
	r.d.Ports.Release(e.PortID)
	r.d.log.Debug("irmd: reaper reclaimed stale pending port", "port", e.PortID)
}

// reapIfOwnerDead tears down an ALLOCATED descriptor whose owning
// N-application or N-1 IPCP has exited: it invokes IPCP_FLOW_DEALLOC
// against the surviving side (if any) and frees the port-id either
// way, so a crashed peer never pins a flow descriptor forever.
func (r *reaper) reapIfOwnerDead(e *portmap.Entry) {
	napiDead := e.NAPI != 0 && !r.probe(e.NAPI)
	n1apiDead := e.N1API != 0 && !r.probe(e.N1API)
	if !napiDead && !n1apiDead {
		return
	}

	if !n1apiDead && e.N1API != 0 {
		if err := r.d.IPCPs.FlowDealloc(e.N1API, e.PortID); err != nil {
			r.d.log.Debug("irmd: reaper flow_dealloc on surviving ipcp failed", "port", e.PortID, "err", err.Error())
		}
	}

	r.d.Ports.Release(e.PortID)
	r.d.log.Debug("irmd: reaper reclaimed flow with dead owner", "port", e.PortID, "napi_dead", napiDead, "n1api_dead", n1apiDead)
}
