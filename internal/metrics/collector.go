package metrics

import (
	"strconv"
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/logging"
)

// FlowCounters is the subset of *fmgr.Manager's cumulative counters
// the collector samples. Declared as an interface so metrics never
// imports fmgr (fmgr already imports wire/pff/frct; metrics stays a
// leaf package).
type FlowCounters interface {
	DropCount() int64
	ForwardCount() int64
	DeliverCount() int64
	TransmitCount() int64
	PFFMissCount() int64
	FlowCount() int
}

// Collector periodically snapshots a FlowCounters' cumulative totals
// and folds the delta since the last tick into the registry, the
// same baseline-offset pattern the teacher's collector.go uses to
// turn ever-increasing counters into Prometheus .Add() increments
// without double counting across successive samples. fmgr keeps one
// forward counter for all QoS cubes, so forwarded PDUs are reported
// under qos_cube="all" only.
type Collector struct {
	reg      *Registry
	log      *logging.Logger
	interval time.Duration
	flows    FlowCounters

	mu       sync.Mutex
	baseline struct {
		drop, forward, deliver, transmit, pffMiss int64
	}

	stop chan struct{}
	done chan struct{}
}

// NewCollector builds a collector that samples flows every interval
// and reports into reg. flows may be nil, in which case the
// collector only reports whatever is set directly on reg.
func NewCollector(reg *Registry, flows FlowCounters, log *logging.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		reg:      reg,
		log:      log,
		interval: interval,
		flows:    flows,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sampling loop in its own goroutine until Stop is
// called.
func (c *Collector) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Collector) sample() {
	if c.flows == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drop, forward, deliver, transmit, pffMiss := c.flows.DropCount(), c.flows.ForwardCount(), c.flows.DeliverCount(), c.flows.TransmitCount(), c.flows.PFFMissCount()

	if d := drop - c.baseline.drop; d > 0 {
		c.reg.TTLDrops.Add(float64(d))
	}
	if d := forward - c.baseline.forward; d > 0 {
		c.reg.ForwardedPDUs.WithLabelValues("all").Add(float64(d))
	}
	if d := deliver - c.baseline.deliver; d > 0 {
		c.reg.DeliveredPDUs.Add(float64(d))
	}
	if d := transmit - c.baseline.transmit; d > 0 {
		c.reg.TransmittedPDUs.Add(float64(d))
	}
	if d := pffMiss - c.baseline.pffMiss; d > 0 {
		c.reg.PFFMisses.Add(float64(d))
	}
	c.reg.ActiveFlows.Set(float64(c.flows.FlowCount()))

	c.baseline.drop, c.baseline.forward, c.baseline.deliver, c.baseline.transmit, c.baseline.pffMiss = drop, forward, deliver, transmit, pffMiss

	c.log.Debug("metrics: sampled flow counters",
		"drop", strconv.FormatInt(drop, 10),
		"forward", strconv.FormatInt(forward, 10),
		"deliver", strconv.FormatInt(deliver, 10),
		"transmit", strconv.FormatInt(transmit, 10),
		"pff_miss", strconv.FormatInt(pffMiss, 10))
}
