package normalipcp

import (
	"context"
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/shm"
)

// ringReadTimeout bounds how long a datapath reader blocks on a
// ring buffer it was already told (via fmgr's FQueue) has data
// ready; it exists only to keep a spurious wakeup from hanging the
// reader loop forever.
const ringReadTimeout = 50 * time.Millisecond

// defaultRingDepth sizes every per-port shm ring buffer this device
// allocates.
const defaultRingDepth = 64

// ipcDevice satisfies both fmgr.Device (the N/N-1 SDU and PDU I/O
// fmgr drives) and gam.Device (the N-1 flow establishment gam
// drives), backed by the shm package's in-process stand-in for the
// out-of-scope shared-memory transport (spec §1). Every port-id,
// whether N-facing or N-1-facing, gets its own ring buffer; AllocFlow
// additionally drives a real FLOW_ALLOC/FLOW_ALLOC_RES round trip
// against the IRMd, since N-1 flows between IPCPs are ordinary flows
// from the IRMd's point of view (spec's recursion: an IPCP is just
// another application to the layer below it).
type ipcDevice struct {
	irm     *IRMClient
	napi    int
	difName string
	ae      string

	mu      sync.Mutex
	buffers map[int]shm.RingBuffer
}

func newIPCDevice(irm *IRMClient, napi int, difName, ae string) *ipcDevice {
	return &ipcDevice{irm: irm, napi: napi, difName: difName, ae: ae, buffers: make(map[int]shm.RingBuffer)}
}

// bind allocates (or returns the existing) ring buffer for portID.
func (d *ipcDevice) bind(portID int) shm.RingBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rb, ok := d.buffers[portID]; ok {
		return rb
	}
	rb := shm.NewRingBuffer(defaultRingDepth)
	d.buffers[portID] = rb
	return rb
}

func (d *ipcDevice) ringFor(portID int) (shm.RingBuffer, error) {
	d.mu.Lock()
	rb, ok := d.buffers[portID]
	d.mu.Unlock()
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "normalipcp: no ring buffer bound for port %d", portID)
	}
	return rb, nil
}

// release tears down and forgets portID's ring buffer. Idempotent.
func (d *ipcDevice) release(portID int) {
	d.mu.Lock()
	rb, ok := d.buffers[portID]
	delete(d.buffers, portID)
	d.mu.Unlock()
	if ok {
		rb.Close()
	}
}

func (d *ipcDevice) read(portID int) ([]byte, error) {
	rb, err := d.ringFor(portID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ringReadTimeout)
	defer cancel()
	return rb.ReadSDU(ctx)
}

func (d *ipcDevice) write(portID int, buf []byte) error {
	rb, err := d.ringFor(portID)
	if err != nil {
		return err
	}
	return rb.WriteSDU(buf)
}

// --- fmgr.Device ---

func (d *ipcDevice) ReadNSDU(portID int) ([]byte, error)        { return d.read(portID) }
func (d *ipcDevice) WriteNSDU(portID int, sdu []byte) error     { return d.write(portID, sdu) }
func (d *ipcDevice) ReadN1PDU(portID int) ([]byte, error)       { return d.read(portID) }
func (d *ipcDevice) WriteN1PDU(portID int, pdu []byte) error    { return d.write(portID, pdu) }

// --- gam.Device ---

// AllocFlow establishes a real N-1 flow to dstName through the IRMd
// and binds a ring buffer for the resulting port-id (spec §4.9 step
// 1, "establish... a flow via the IPCP device interface").
func (d *ipcDevice) AllocFlow(dstName string) (int, error) {
	portID, _, err := d.irm.FlowAlloc(d.napi, d.difName, dstName, d.ae, 0)
	if err != nil {
		return 0, err
	}
	d.bind(portID)
	if err := d.irm.FlowAllocRes(portID); err != nil {
		d.release(portID)
		return 0, err
	}
	return portID, nil
}

// CloseFlow tears down portID both locally and at the IRMd.
func (d *ipcDevice) CloseFlow(portID int) error {
	d.release(portID)
	return d.irm.FlowDealloc(portID)
}
