// Package ipcpctl exposes a normal IPCP daemon's per-pid control
// socket (spec §6.2): the receiving end of every IPCP_BOOTSTRAP,
// IPCP_ENROLL, IPCP_REG/UNREG, IPCP_QUERY, IPCP_CONNECT/DISCONNECT
// and IPCP_FLOW_ALLOC/FLOW_ALLOC_RESP/FLOW_DEALLOC call the IRMd's
// ipcpreg.Registry issues against this daemon.
package ipcpctl

import (
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"strconv"

	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/nbs"
	"ouroboros.dev/ouroboros/internal/normalipcp"
)

// SocketName builds the well-known per-pid listener path (spec §6.2
// "${SOCK_PATH}/ipcp-<pid>.sock").
func SocketName(pid int) string {
	return "ipcp-" + strconv.Itoa(pid) + ".sock"
}

// Service is the net/rpc-exposed facade over a normalipcp.IPCP, one
// exported method per IPCP control-socket code (spec §6.2 table).
type Service struct {
	p *normalipcp.IPCP
}

// NewService wraps p for RPC registration.
func NewService(p *normalipcp.IPCP) *Service { return &Service{p: p} }

// Server owns the Unix-domain listener and accept loop, the same
// shape as irmd.Server on the IRMd's own control socket.
type Server struct {
	svc      *Service
	listener net.Listener
}

// NewServer creates a Server that will answer for p.
func NewServer(p *normalipcp.IPCP) *Server {
	return &Server{svc: NewService(p)}
}

// Start registers the RPC service under name "IPCP" and begins
// accepting connections in the background at runDir/ipcp-<pid>.sock.
func (s *Server) Start(runDir string) error {
	sockPath := filepath.Join(runDir, SocketName(s.svc.p.PID))
	os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "ipcpctl: listen on %s", sockPath)
	}
	if err := os.Chmod(sockPath, 0666); err != nil {
		ln.Close()
		return errors.Wrapf(err, errors.KindInternal, "ipcpctl: chmod %s", sockPath)
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName("IPCP", s.svc); err != nil {
		ln.Close()
		return errors.Wrap(err, errors.KindInternal, "ipcpctl: register rpc service")
	}

	s.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { recover() }()
				srv.ServeConn(conn)
			}()
		}
	}()
	return nil
}

// Stop closes the listener, ending the accept loop.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// --- RPC Args/Reply pairs and methods (spec §6.2 table) ---
//
// Field names mirror internal/ipcpreg's client-side structs exactly
// so net/rpc's gob encoding lines up, without either package
// importing the other's Args/Reply types directly (the wire contract
// is the shared surface, not the Go types).

type BootstrapArgs struct {
	Conf normalipcp.BootstrapConf
}
type BootstrapReply struct {
	Result int
	DIF    normalipcp.DIFInfo
}

func (s *Service) Bootstrap(args *BootstrapArgs, reply *BootstrapReply) error {
	dif, err := s.p.Bootstrap(args.Conf)
	if err != nil {
		reply.Result = 1
		return err
	}
	reply.DIF = dif
	return nil
}

type EnrollArgs struct {
	DIFNames []string
	Via      string
}
type EnrollReply struct {
	Result int
	DIF    normalipcp.DIFInfo
}

func (s *Service) Enroll(args *EnrollArgs, reply *EnrollReply) error {
	dif, err := s.p.Enroll(args.DIFNames, args.Via)
	if err != nil {
		reply.Result = 1
		return err
	}
	reply.DIF = dif
	return nil
}

type RegArgs struct {
	Name     string
	DIFNames []string
}
type RegReply struct{ Result int }

// Reg registers an application name as reachable through this IPCP's
// DIF (spec §6.2 IPCP_REG); DIFNames is accepted for symmetry with
// the IRMd's own REG but otherwise unused, since a normal IPCP
// advertises into exactly the one DIF it bootstrapped.
func (s *Service) Reg(args *RegArgs, reply *RegReply) error {
	if err := s.p.RegisterApplicationName(args.Name); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}

type UnregArgs struct {
	Name     string
	DIFNames []string
}
type UnregReply struct{ Result int }

func (s *Service) Unreg(args *UnregArgs, reply *UnregReply) error {
	if err := s.p.UnregisterApplicationName(args.Name); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}

type QueryArgs struct {
	Name string
}
type QueryReply struct {
	State      string
	DIFName    string
	Address    uint64
	Neighbours []nbs.Neighbor
	Resolved   bool
}

// Query answers IPCP_QUERY: if Name is set it also reports whether
// that application name resolves through this IPCP, otherwise it is
// a pure state/neighbour snapshot.
func (s *Service) Query(args *QueryArgs, reply *QueryReply) error {
	info := s.p.Query()
	reply.State = info.State.String()
	reply.DIFName = info.DIF.DIFName
	reply.Address = info.Address
	reply.Neighbours = info.Neighbours
	if args.Name != "" {
		reply.Resolved = s.p.ResolveApplicationName(args.Name)
	}
	return nil
}

type ConnectArgs struct {
	Via string
}
type ConnectReply struct{ Result int }

func (s *Service) Connect(args *ConnectArgs, reply *ConnectReply) error {
	if err := s.p.Connect(args.Via); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}

type DisconnectArgs struct {
	Via string
}
type DisconnectReply struct{ Result int }

func (s *Service) Disconnect(args *DisconnectArgs, reply *DisconnectReply) error {
	if err := s.p.Disconnect(args.Via); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}

type FlowAllocArgs struct {
	PortID  int
	DstName string
	AE      string
	QoS     int
	QoSName string // when set, resolved through the hot-reloadable cube table and overrides QoS
}
type FlowAllocReply struct{ Result int }

func (s *Service) FlowAlloc(args *FlowAllocArgs, reply *FlowAllocReply) error {
	qos := args.QoS
	if args.QoSName != "" {
		class, ok := s.p.QoSClassByName(args.QoSName)
		if !ok {
			reply.Result = 1
			return errors.Errorf(errors.KindInvalidArg, "ipcpctl: unknown qos cube %q", args.QoSName)
		}
		qos = class
	}
	if err := s.p.AllocateNFlow(args.PortID, args.DstName, args.AE, qos); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}

type FlowAllocRespArgs struct {
	PortID   int
	Response int
}
type FlowAllocRespReply struct{ Result int }

// FlowAllocResp completes an inbound N-flow once the IRMd has relayed
// the requesting application's accept/reject decision (spec §6.2
// IPCP_FLOW_ALLOC_RESP). The peer address crossed the wire already,
// at the earlier IPCP_FLOW_REQ_ARR arrival, so only PortID/Response
// need to cross it again here; AllocateNFlowResp recovers the rest
// from the pending registration HandleInboundFlowRequest left behind.
func (s *Service) FlowAllocResp(args *FlowAllocRespArgs, reply *FlowAllocRespReply) error {
	if err := s.p.AllocateNFlowResp(args.PortID, args.Response, 0, 0, 0); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}

type FlowDeallocArgs struct {
	PortID int
}
type FlowDeallocReply struct{ Result int }

func (s *Service) FlowDealloc(args *FlowDeallocArgs, reply *FlowDeallocReply) error {
	if err := s.p.DeallocateNFlow(args.PortID); err != nil {
		reply.Result = 1
		return err
	}
	return nil
}
