// Package fmgr implements the Flow Manager of spec §4.6: the
// per-normal-IPCP component that multiplexes N-flows (towards local
// applications) over N-1 flows (towards peer IPCPs) by QoS cube,
// driving FRCT encapsulation on the way out and PFF-based forwarding
// or local delivery on the way in.
package fmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ouroboros.dev/ouroboros/internal/condutil"
	"ouroboros.dev/ouroboros/internal/frct"
	"ouroboros.dev/ouroboros/internal/logging"
	"ouroboros.dev/ouroboros/internal/pff"
	"ouroboros.dev/ouroboros/internal/wire"
)

// QoSCubeMax bounds the number of QoS cubes fmgr schedules across
// (spec §4.6 "rotating cursor i over QOS_CUBE_MAX queues").
const QoSCubeMax = 8

// DefaultPollTimeout is the fixed per-class wait spec §4.6 names
// ("waits on the N-flow event set for class i with a fixed timeout
// (10 μs)").
const DefaultPollTimeout = 10 * time.Microsecond

// DefaultTTL seeds pci.TTL on every locally-originated PDU.
const DefaultTTL = 64

// Device abstracts the flow I/O fmgr drives on both sides, so the
// reader loops can be exercised without a real DIF underneath them
// (spec §4.6 fmgr_np1_post_buf/post_sdu naming the same split).
type Device interface {
	ReadNSDU(portID int) ([]byte, error)
	WriteNSDU(portID int, sdu []byte) error
	ReadN1PDU(portID int) ([]byte, error)
	WriteN1PDU(portID int, pdu []byte) error
}

// FQueue is one QoS cube's ready-port set (spec §4.6 "fqueue"):
// producers Mark a port-id ready, the reader Drains whatever is
// ready within a bounded wait.
type FQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready map[int]bool
}

// NewFQueue creates an empty ready-port set.
func NewFQueue() *FQueue {
	q := &FQueue{ready: make(map[int]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Mark records portID as having data ready, waking a waiting Drain.
func (q *FQueue) Mark(portID int) {
	q.mu.Lock()
	q.ready[portID] = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Drain waits up to timeout for at least one ready port-id and
// returns (and clears) every port-id currently marked ready. A
// timed-out empty wait returns nil, letting the caller's round-robin
// cursor yield to the next class (spec §4.6 "a class with no ready
// flows and a timed-out wait yields to the next class").
func (q *FQueue) Drain(timeout time.Duration) []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		deadline := time.Now().Add(timeout)
		for len(q.ready) == 0 {
			if condutil.WaitTimeout(q.cond, deadline) && len(q.ready) == 0 {
				return nil
			}
		}
	}
	out := make([]int, 0, len(q.ready))
	for p := range q.ready {
		out = append(out, p)
		delete(q.ready, p)
	}
	return out
}

// flowInfo is the per-N-port routing context fmgr needs to
// encapsulate an outbound SDU: which DIF address it is bound for and
// which QoS cube it was allocated against.
type flowInfo struct {
	dstAddr uint64
	class   int
}

// Manager is one normal IPCP's flow manager (spec §4.6).
type Manager struct {
	Address uint64
	Sizes   wire.FieldSizes
	PFF     *pff.Table
	FRCT    *frct.Table
	Device  Device
	Log     *logging.Logger

	PollTimeout time.Duration
	DefaultTTL  uint8

	flowsMu sync.Mutex
	flows   map[int]*flowInfo

	seqMu sync.Mutex
	seq   map[int]uint64

	nQueues  [QoSCubeMax]*FQueue
	n1Queues [QoSCubeMax]*FQueue

	dropCount     atomic.Int64
	forwardCount  atomic.Int64
	deliverCount  atomic.Int64
	transmitCount atomic.Int64
	pffMissCount  atomic.Int64

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Manager for a normal IPCP at address, sharing the
// given PFF and FRCT tables and driving I/O through device.
func New(address uint64, sizes wire.FieldSizes, pffTable *pff.Table, frctTable *frct.Table, device Device, log *logging.Logger) *Manager {
	m := &Manager{
		Address:     address,
		Sizes:       sizes,
		PFF:         pffTable,
		FRCT:        frctTable,
		Device:      device,
		Log:         log,
		PollTimeout: DefaultPollTimeout,
		DefaultTTL:  DefaultTTL,
		flows:       make(map[int]*flowInfo),
		seq:         make(map[int]uint64),
	}
	for i := range m.nQueues {
		m.nQueues[i] = NewFQueue()
		m.n1Queues[i] = NewFQueue()
	}
	return m
}

// RegisterNFlow binds portID (an N-facing, application flow) to a
// destination DIF address and QoS class, and draws its CEP-ID
// (fmgr_np1_alloc, spec §4.6).
func (m *Manager) RegisterNFlow(portID int, dstAddr uint64, class int) error {
	if _, err := m.FRCT.Alloc(portID); err != nil {
		return err
	}
	m.flowsMu.Lock()
	m.flows[portID] = &flowInfo{dstAddr: dstAddr, class: class}
	m.flowsMu.Unlock()
	return nil
}

// RegisterNFlowResp binds portID to an externally-assigned CEP-ID,
// e.g. once a peer's FLOW_ALLOC_REPLY has named the CEP-ID it chose
// (fmgr_np1_alloc_resp, spec §4.6).
func (m *Manager) RegisterNFlowResp(portID int, dstAddr uint64, class, cepID int) error {
	if err := m.FRCT.AllocResp(portID, cepID); err != nil {
		return err
	}
	m.flowsMu.Lock()
	m.flows[portID] = &flowInfo{dstAddr: dstAddr, class: class}
	m.flowsMu.Unlock()
	return nil
}

// DeregisterNFlow releases portID's CEP-ID and routing context
// (fmgr_np1_dealloc, spec §4.6).
func (m *Manager) DeregisterNFlow(portID int) {
	m.FRCT.Dealloc(portID)
	m.flowsMu.Lock()
	delete(m.flows, portID)
	m.flowsMu.Unlock()
	m.seqMu.Lock()
	delete(m.seq, portID)
	m.seqMu.Unlock()
}

func (m *Manager) flowFor(portID int) (*flowInfo, bool) {
	m.flowsMu.Lock()
	defer m.flowsMu.Unlock()
	fl, ok := m.flows[portID]
	return fl, ok
}

func (m *Manager) nextSeq(portID int) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.seq[portID]++
	return m.seq[portID]
}

func classOf(class int) int {
	if class < 0 || class >= QoSCubeMax {
		return 0
	}
	return class
}

// MarkNReady signals that portID (an N-facing flow in the given QoS
// class) has an outbound SDU ready to read.
func (m *Manager) MarkNReady(class, portID int) { m.nQueues[classOf(class)].Mark(portID) }

// MarkN1Ready signals that portID (an N-1-facing flow in the given
// QoS class) has an inbound PDU ready to read.
func (m *Manager) MarkN1Ready(class, portID int) { m.n1Queues[classOf(class)].Mark(portID) }

// DropCount, ForwardCount, DeliverCount, TransmitCount and
// PFFMissCount expose the datapath counters the metrics package
// wires into Prometheus gauges.
func (m *Manager) DropCount() int64     { return m.dropCount.Load() }
func (m *Manager) ForwardCount() int64  { return m.forwardCount.Load() }
func (m *Manager) DeliverCount() int64  { return m.deliverCount.Load() }
func (m *Manager) TransmitCount() int64 { return m.transmitCount.Load() }
func (m *Manager) PFFMissCount() int64  { return m.pffMissCount.Load() }

// FlowCount reports how many N-ports currently have routing context
// registered, the sample the metrics package's ActiveFlows gauge
// reports (spec §A.4).
func (m *Manager) FlowCount() int {
	m.flowsMu.Lock()
	defer m.flowsMu.Unlock()
	return len(m.flows)
}

// Start launches the N-reader and N-1-reader goroutines under one
// errgroup.Group (spec §4.6 "two long-lived readers"; A.5.1), the
// group's context standing in for the spec's "cancellable at
// blocking points" requirement in place of pthread-cancel.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error { m.runLoop(ctx, m.nQueues, m.forwardOutbound); return nil })
	g.Go(func() error { m.runLoop(ctx, m.n1Queues, m.forwardInbound); return nil })
}

// Stop cancels both reader loops' context and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		m.group.Wait()
	}
}

// runLoop is the shared shape of the N-reader and N-1-reader: a
// rotating cursor over QOS_CUBE_MAX queues, draining whichever class
// has ready ports and yielding to the next on a timed-out empty wait
// (spec §4.6).
func (m *Manager) runLoop(ctx context.Context, queues [QoSCubeMax]*FQueue, handle func(class, portID int)) {
	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for _, portID := range queues[i].Drain(m.PollTimeout) {
			handle(i, portID)
		}
		i = (i + 1) % QoSCubeMax
	}
}

// forwardOutbound is the N-reader's per-port-id body: read the SDU,
// resolve its destination and next hop, encapsulate via FRCT, and
// transmit on the N-1 port the PFF names. The PFF lock is held only
// inside Nhop; never across the write (spec §4.6 forwarding
// invariants).
func (m *Manager) forwardOutbound(class, portID int) {
	sdu, err := m.Device.ReadNSDU(portID)
	if err != nil {
		m.Log.Debug("fmgr: n-side read failed", "port", portID, "error", err)
		return
	}
	fl, ok := m.flowFor(portID)
	if !ok {
		m.Log.Warn("fmgr: outbound sdu on unregistered port", "port", portID)
		m.dropCount.Add(1)
		return
	}
	nhop, err := m.PFF.Nhop(fl.dstAddr)
	if err != nil {
		m.Log.Error("fmgr: no route to destination, dropping pdu", "addr", fl.dstAddr, "error", err)
		m.dropCount.Add(1)
		m.pffMissCount.Add(1)
		return
	}
	pci := wire.PCI{
		DstAddr: fl.dstAddr,
		SrcAddr: m.Address,
		QosID:   uint8(class),
		TTL:     m.DefaultTTL,
		SeqNo:   m.nextSeq(portID),
	}
	pdu, err := m.FRCT.Encapsulate(portID, pci, m.Sizes, sdu)
	if err != nil {
		m.Log.Error("fmgr: encapsulation failed, dropping pdu", "port", portID, "error", err)
		m.dropCount.Add(1)
		return
	}
	if err := m.Device.WriteN1PDU(nhop, pdu); err != nil {
		m.Log.Debug("fmgr: n-1 write failed", "port", nhop, "error", err)
		return
	}
	m.transmitCount.Add(1)
}

// forwardInbound is the N-1-reader's per-port-id body: deserialise
// the PCI, and either relay the PDU one more hop (decrementing TTL,
// dropping at zero) or strip the header and deliver the SDU upward
// through FRCT if the destination is this IPCP (spec §4.6).
func (m *Manager) forwardInbound(class, n1PortID int) {
	pdu, err := m.Device.ReadN1PDU(n1PortID)
	if err != nil {
		m.Log.Debug("fmgr: n-1 read failed", "port", n1PortID, "error", err)
		return
	}
	pci, rest, err := wire.Decode(pdu, m.Sizes)
	if err != nil {
		m.Log.Error("fmgr: malformed pdu, dropping", "port", n1PortID, "error", err)
		m.dropCount.Add(1)
		return
	}

	if pci.DstAddr != m.Address {
		// TTL=0 PDUs are never forwarded (spec §8 invariant 4): an
		// arriving zero TTL is dropped before any decrement, which
		// also avoids wrapping TTL (a uint8) below zero.
		if pci.TTL == 0 {
			m.Log.Debug("fmgr: dropping ttl-expired pdu", "addr", pci.DstAddr)
			m.dropCount.Add(1)
			return
		}
		pci.TTL--
		if pci.TTL == 0 {
			m.Log.Debug("fmgr: pdu reached ttl=0 at this hop, dropping", "addr", pci.DstAddr)
			m.dropCount.Add(1)
			return
		}
		nhop, err := m.PFF.Nhop(pci.DstAddr)
		if err != nil {
			m.Log.Error("fmgr: no route to forward pdu, dropping", "addr", pci.DstAddr, "error", err)
			m.dropCount.Add(1)
			m.pffMissCount.Add(1)
			return
		}
		header, err := wire.Encode(pci, m.Sizes)
		if err != nil {
			m.Log.Error("fmgr: re-encode pci failed, dropping pdu", "error", err)
			m.dropCount.Add(1)
			return
		}
		out := make([]byte, 0, len(header)+len(rest))
		out = append(out, header...)
		out = append(out, rest...)
		if err := m.Device.WriteN1PDU(nhop, out); err != nil {
			m.Log.Debug("fmgr: forward write failed", "port", nhop, "error", err)
			return
		}
		m.forwardCount.Add(1)
		return
	}

	portID, _, sdu, err := m.FRCT.Decapsulate(pdu, m.Sizes)
	if err != nil {
		m.Log.Error("fmgr: local delivery decapsulation failed, dropping", "error", err)
		m.dropCount.Add(1)
		return
	}
	if err := m.Device.WriteNSDU(portID, sdu); err != nil {
		m.Log.Debug("fmgr: n-side delivery failed", "port", portID, "error", err)
		return
	}
	m.deliverCount.Add(1)
}
