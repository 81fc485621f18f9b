// Package normalipcp implements a normal IPC Process daemon (spec
// §2/§4.6-§4.10): the process IRMd.CreateIPCP forks for ipcp_type
// "normal", wiring the flow manager, RIB manager, graph adjacency
// manager, neighbour set and CDAP correlation table into one running
// instance, and answering the per-pid control socket of §6.2.
package normalipcp

import (
	"net/rpc"
	"time"

	"ouroboros.dev/ouroboros/internal/errors"
)

// irmCallTimeout bounds every outbound call this daemon makes back to
// the IRMd over its own control-socket connection (spec §6.2 "the
// sender installs a SO_RCVTIMEO selected per code; absent reply ->
// EIPCP").
const irmCallTimeout = 5 * time.Second

// IRMClient is a normal IPCP's own control-socket connection back to
// the IRMd (spec §6.1): every N-1 flow a gam adjacency drives, and
// every IPCP_FLOW_REQ_ARR/IPCP_FLOW_ALLOC_REPLY/IPCP_FLOW_DEALLOC
// notification of an inbound arrival, crosses this socket. Field
// names mirror irmd/rpc.go's Args/Reply pairs exactly (net/rpc's gob
// encoding matches by name), rather than importing the irmd package,
// since a real IPCP daemon is a separate process that only knows the
// wire contract.
type IRMClient struct {
	client *rpc.Client
}

// DialIRM connects to the IRMd's well-known control socket.
func DialIRM(sockPath string) (*IRMClient, error) {
	c, err := rpc.Dial("unix", sockPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: dial irmd at %s", sockPath)
	}
	return &IRMClient{client: c}, nil
}

// Close ends the control-socket connection.
func (c *IRMClient) Close() error { return c.client.Close() }

func (c *IRMClient) call(method string, args, reply any) error {
	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case res := <-call.Done:
		if res.Error != nil {
			return errors.Wrapf(res.Error, errors.KindIPCPFailure, "normalipcp: %s", method)
		}
		return nil
	case <-time.After(irmCallTimeout):
		return errors.Errorf(errors.KindTimeout, "normalipcp: %s timed out (EIPCP)", method)
	}
}

type flowAllocArgs struct {
	PID     int
	DIFName string
	DstName string
	AEName  string
	QoS     int
}
type flowAllocReply struct {
	PortID int
	N1API  int
}

// FlowAlloc asks the IRMd to originate an N-1 flow from this IPCP
// (acting as the requesting application, n_api) toward dstName over
// difName (spec §4.4 FLOW_ALLOC, driven here by gam's adjacency
// establishment rather than a user application).
func (c *IRMClient) FlowAlloc(napi int, difName, dstName, ae string, qos int) (portID, n1api int, err error) {
	var reply flowAllocReply
	if err := c.call("IRM.FlowAlloc", &flowAllocArgs{PID: napi, DIFName: difName, DstName: dstName, AEName: ae, QoS: qos}, &reply); err != nil {
		return 0, 0, err
	}
	return reply.PortID, reply.N1API, nil
}

type flowAllocResArgs struct{ PortID int }
type flowAllocResReply struct{ Result int }

// FlowAllocRes announces that this IPCP (standing in for the
// requesting application) is ready to receive the peer's accept or
// reject for portID (spec §4.4 FLOW_ALLOC_RES).
func (c *IRMClient) FlowAllocRes(portID int) error {
	var reply flowAllocResReply
	return c.call("IRM.FlowAllocRes", &flowAllocResArgs{PortID: portID}, &reply)
}

type flowDeallocArgs struct{ PortID int }
type flowDeallocReply struct{ Result int }

// FlowDealloc tears down portID at the IRMd (spec §4.5).
func (c *IRMClient) FlowDealloc(portID int) error {
	var reply flowDeallocReply
	return c.call("IRM.FlowDealloc", &flowDeallocArgs{PortID: portID}, &reply)
}

type ipcpFlowReqArrArgs struct {
	PID     int
	DstName string
	AEName  string
}
type ipcpFlowReqArrReply struct {
	PortID int
	NAPI   int
}

// IPCPFlowReqArr tells the IRMd that a flow request for dstName/ae
// has arrived over this IPCP's DIF (spec §4.4/§6.1
// IPCP_FLOW_REQ_ARR): the IRMd rendezvouses it with a bound listener
// and returns the allocated port-id and the winning application's
// pid.
func (c *IRMClient) IPCPFlowReqArr(pid int, dstName, ae string) (portID, napi int, err error) {
	var reply ipcpFlowReqArrReply
	if err := c.call("IRM.IPCPFlowReqArr", &ipcpFlowReqArrArgs{PID: pid, DstName: dstName, AEName: ae}, &reply); err != nil {
		return 0, 0, err
	}
	return reply.PortID, reply.NAPI, nil
}

type ipcpFlowAllocReplyArgs struct {
	PortID   int
	Response int
}
type ipcpFlowAllocReplyReply struct{ Result int }

// IPCPFlowAllocReply reports the peer's FLOW_ALLOC_REPLY for an
// inbound arrival this IPCP requested rendezvous for (spec §6.1
// IPCP_FLOW_ALLOC_REPLY).
func (c *IRMClient) IPCPFlowAllocReply(portID, response int) error {
	var reply ipcpFlowAllocReplyReply
	return c.call("IRM.IPCPFlowAllocReply", &ipcpFlowAllocReplyArgs{PortID: portID, Response: response}, &reply)
}

type ipcpFlowDeallocArgs struct{ PortID int }
type ipcpFlowDeallocReply struct{ Result int }

// IPCPFlowDealloc tells the IRMd this IPCP has torn down its end of
// portID on its own initiative (spec §6.1 IPCP_FLOW_DEALLOC).
func (c *IRMClient) IPCPFlowDealloc(portID int) error {
	var reply ipcpFlowDeallocReply
	return c.call("IRM.IPCPFlowDealloc", &ipcpFlowDeallocArgs{PortID: portID}, &reply)
}
