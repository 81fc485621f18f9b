package irmd

import (
	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/ipcpreg"
	"ouroboros.dev/ouroboros/internal/portmap"
)

// resolveIPCP picks the IPCP that should originate a new flow (spec
// §4.4 step 2): the first ENROLLED entry whose DIF name matches
// difName, or — when difName is empty — the first ENROLLED entry at
// all.
func (d *IRMd) resolveIPCP(difName string) (*ipcpreg.Entry, error) {
	for _, e := range d.IPCPs.List("") {
		if e.State() != ipcpreg.StateEnrolled {
			continue
		}
		if difName == "" || e.DIF().DIFName == difName {
			return e, nil
		}
	}
	return nil, errors.Errorf(errors.KindNotFound, "irmd: no enrolled ipcp serves dif %q", difName)
}

// FlowAlloc implements spec §4.4's local allocation path: resolve an
// IPCP, reserve a port-id in PENDING, and hand the request to the
// IPCP's control socket. On any failure after the reservation the
// port-id and descriptor are rolled back so the bitmap never leaks.
func (d *IRMd) FlowAlloc(napi int, difName, dstName, ae string, qos int) (portID int, err error) {
	if d.State() != StateRunning {
		return 0, errors.New(errors.KindState, "irmd: not running")
	}

	ipcp, err := d.resolveIPCP(difName)
	if err != nil {
		return 0, err
	}

	entry, err := d.Ports.Allocate(napi, ipcp.PID)
	if err != nil {
		return 0, err
	}

	if err := d.IPCPs.FlowAlloc(ipcp.PID, entry.PortID, dstName, ae, qos, ""); err != nil {
		d.Ports.Release(entry.PortID)
		return 0, err
	}

	return entry.PortID, nil
}

// FlowAllocRes implements the waiter side of §4.4: block until the
// descriptor reaches a terminal state. The caller still owns the
// port-id on failure and must call FlowDealloc itself.
func (d *IRMd) FlowAllocRes(portID int) error {
	entry, ok := d.Ports.Lookup(portID)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "irmd: no flow for port %d", portID)
	}
	if entry.Wait() != portmap.StateAllocated {
		return errors.Errorf(errors.KindIPCPFailure, "irmd: flow_alloc_res port %d denied", portID)
	}
	return nil
}

// FlowAllocReply implements §4.4's "Reply" step: an IPCP reports the
// outcome of a flow it originated, advancing the descriptor to its
// terminal state and waking FlowAllocRes.
func (d *IRMd) FlowAllocReply(portID int, accept bool) error {
	newState := portmap.StateNull
	if accept {
		newState = portmap.StateAllocated
	}
	return d.Ports.Transition(portID, newState)
}

// FlowReqArr implements §4.4's "Arrival at IRMd from IPCP" path: a
// PENDING descriptor is created for the inbound request (n_1_api set
// to the originating IPCP), then driven through the §4.2 name
// rendezvous — which must already have a listener sleeping in
// FlowAccept, registered by an earlier FLOW_ACCEPT control-socket
// call. On success the winning instance's pid is published into the
// entry as its N-application owner and transitioned to ALLOCATED.
func (d *IRMd) FlowReqArr(n1api int, dstName, ae string) (portID, napi int, err error) {
	if d.State() != StateRunning {
		return 0, 0, errors.New(errors.KindState, "irmd: not running")
	}

	entry, err := d.Ports.Allocate(0, n1api)
	if err != nil {
		return 0, 0, err
	}

	winnerPID, err := d.Names.FlowReqArr(dstName, ae)
	if err != nil {
		d.Ports.Release(entry.PortID)
		return 0, 0, err
	}

	entry.NAPI = winnerPID
	if err := d.Ports.Transition(entry.PortID, portmap.StateAllocated); err != nil {
		d.Ports.Release(entry.PortID)
		return 0, 0, err
	}
	d.publishAcceptedPortID(winnerPID, entry.PortID)

	return entry.PortID, winnerPID, nil
}

// FlowDealloc implements §4.4's deallocation path: free the port-id
// and delegate teardown to the owning IPCP.
func (d *IRMd) FlowDealloc(portID int) error {
	entry, ok := d.Ports.Lookup(portID)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "irmd: no flow for port %d", portID)
	}
	d.Ports.Release(portID)
	if entry.N1API == 0 {
		return nil
	}
	return d.IPCPs.FlowDealloc(entry.N1API, portID)
}
