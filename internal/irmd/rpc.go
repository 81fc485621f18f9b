package irmd

import (
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"time"

	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/ipcpreg"
)

// acceptPublishTimeout bounds how long FLOW_ACCEPT waits for its
// matching FlowReqArr to publish the allocated port-id once the
// rendezvous has picked this pid as the winner (see irmd.go
// registerAcceptWaiter).
const acceptPublishTimeout = 5 * time.Second

// SocketName is the well-known listener path under RunDir (spec
// §6.1: "${SOCK_PATH}/irmd.sock", mode 0666).
const SocketName = "irmd.sock"

// Service is the net/rpc-exposed facade over an IRMd (spec §6.1):
// one exported method per control-socket code, each taking a pointer
// Args/Reply pair as net/rpc requires.
type Service struct {
	d *IRMd
}

// NewService wraps d for RPC registration.
func NewService(d *IRMd) *Service { return &Service{d: d} }

// Server owns the Unix-domain listener and accept loop (same shape
// as the teacher's control-plane RPC server: net.Listen("unix", ...),
// a registered net/rpc service, and one ServeConn goroutine per
// connection).
type Server struct {
	svc      *Service
	listener net.Listener
}

// NewServer creates a Server for d. Nothing is bound until Start,
// which removes any stale socket file and listens on
// runDir/irmd.sock.
func NewServer(d *IRMd) *Server {
	return &Server{svc: NewService(d)}
}

// Start registers the RPC service under name "IRM" and begins
// accepting connections in the background.
func (s *Server) Start(runDir string) error {
	sockPath := filepath.Join(runDir, SocketName)
	os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "irmd: listen on %s", sockPath)
	}
	if err := os.Chmod(sockPath, 0666); err != nil {
		ln.Close()
		return errors.Wrapf(err, errors.KindInternal, "irmd: chmod %s", sockPath)
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName("IRM", s.svc); err != nil {
		ln.Close()
		return errors.Wrap(err, errors.KindInternal, "irmd: register rpc service")
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

// --- RPC Args/Reply pairs and methods (spec §6.1 table) ---

type CreateIPCPArgs struct {
	Name    string
	Type    string
	BinPath string
}
type CreateIPCPReply struct {
	PID    int
	Result int
}

func (s *Service) CreateIPCP(args *CreateIPCPArgs, reply *CreateIPCPReply) error {
	e, err := s.d.IPCPs.CreateIPCP(args.Name, ipcpreg.Type(args.Type), args.BinPath)
	if err != nil {
		reply.Result = 1
		return err
	}
	reply.PID = e.PID
	return nil
}

type DestroyIPCPArgs struct{ PID int }
type DestroyIPCPReply struct{ Result int }

func (s *Service) DestroyIPCP(args *DestroyIPCPArgs, reply *DestroyIPCPReply) error {
	return s.d.IPCPs.DestroyIPCP(args.PID)
}

type BindArgs struct {
	Name    string
	APName  string
	Auto    bool
	Argv    []string
}
type BindReply struct{ Result int }

func (s *Service) Bind(args *BindArgs, reply *BindReply) error {
	return s.d.Names.Bind(args.Name, args.APName, args.Auto, args.Argv)
}

type UnbindArgs struct {
	Name   string
	APName string
}
type UnbindReply struct{ Result int }

func (s *Service) Unbind(args *UnbindArgs, reply *UnbindReply) error {
	return s.d.Names.Unbind(args.Name, args.APName)
}

type BootstrapIPCPArgs struct {
	PID      int
	DIFName  string
	AddrAuth string
	Sizes    map[string]int
}
type BootstrapIPCPReply struct {
	DIFName string
	Result  int
}

func (s *Service) BootstrapIPCP(args *BootstrapIPCPArgs, reply *BootstrapIPCPReply) error {
	dif, err := s.d.IPCPs.BootstrapIPCP(args.PID, ipcpreg.BootstrapConf{
		DIFName:  args.DIFName,
		AddrAuth: args.AddrAuth,
		Sizes:    args.Sizes,
	})
	if err != nil {
		reply.Result = 1
		return err
	}
	reply.DIFName = dif.DIFName
	return nil
}

type EnrollIPCPArgs struct {
	PID      int
	DIFNames []string
	Via      string
}
type EnrollIPCPReply struct {
	DIFName string
	Result  int
}

func (s *Service) EnrollIPCP(args *EnrollIPCPArgs, reply *EnrollIPCPReply) error {
	dif, err := s.d.IPCPs.EnrollIPCP(args.PID, args.DIFNames, args.Via)
	if err != nil {
		reply.Result = 1
		return err
	}
	reply.DIFName = dif.DIFName
	return nil
}

type RegArgs struct {
	Name     string
	DIFNames []string
}
type RegReply struct{ Result int }

func (s *Service) Reg(args *RegArgs, reply *RegReply) error {
	return s.d.Reg(args.Name, args.DIFNames)
}

func (s *Service) Unreg(args *RegArgs, reply *RegReply) error {
	return s.d.Unreg(args.Name, args.DIFNames)
}

type ListIPCPsArgs struct{ Pattern string }
type ListIPCPsReply struct{ PIDs []int }

func (s *Service) ListIPCPs(args *ListIPCPsArgs, reply *ListIPCPsReply) error {
	for _, e := range s.d.IPCPs.List(args.Pattern) {
		reply.PIDs = append(reply.PIDs, e.PID)
	}
	return nil
}

type FlowAcceptArgs struct {
	PID    int
	APName string
}
type FlowAcceptReply struct {
	PortID int
	N1API  int
	AEName string
}

func (s *Service) FlowAccept(args *FlowAcceptArgs, reply *FlowAcceptReply) error {
	waitCh := s.d.registerAcceptWaiter(args.PID)

	ae, err := s.d.Names.FlowAccept(args.APName, args.PID)
	if err != nil {
		s.d.unregisterAcceptWaiter(args.PID)
		return err
	}
	reply.AEName = ae

	select {
	case portID := <-waitCh:
		reply.PortID = portID
		if e, ok := s.d.Ports.Lookup(portID); ok {
			reply.N1API = e.N1API
		}
	case <-time.After(acceptPublishTimeout):
		return errors.New(errors.KindTimeout, "irmd: flow_accept: rendezvous won but no port-id published")
	}
	return nil
}

type FlowAllocArgs struct {
	PID     int
	DIFName string
	DstName string
	AEName  string
	QoS     int
}
type FlowAllocReply struct {
	PortID int
	N1API  int
}

func (s *Service) FlowAlloc(args *FlowAllocArgs, reply *FlowAllocReply) error {
	portID, err := s.d.FlowAlloc(args.PID, args.DIFName, args.DstName, args.AEName, args.QoS)
	if err != nil {
		return err
	}
	reply.PortID = portID
	if e, ok := s.d.Ports.Lookup(portID); ok {
		reply.N1API = e.N1API
	}
	return nil
}

type FlowAllocResArgs struct{ PortID int }
type FlowAllocResReply struct{ Result int }

func (s *Service) FlowAllocRes(args *FlowAllocResArgs, reply *FlowAllocResReply) error {
	return s.d.FlowAllocRes(args.PortID)
}

type FlowAllocRespArgs struct {
	PID      int
	PortID   int
	Response int
}
type FlowAllocRespReply struct{ Result int }

func (s *Service) FlowAllocResp(args *FlowAllocRespArgs, reply *FlowAllocRespReply) error {
	return s.d.FlowAllocReply(args.PortID, args.Response == 0)
}

type FlowDeallocArgs struct{ PortID int }
type FlowDeallocReply struct{ Result int }

func (s *Service) FlowDealloc(args *FlowDeallocArgs, reply *FlowDeallocReply) error {
	return s.d.FlowDealloc(args.PortID)
}

type IPCPFlowReqArrArgs struct {
	PID     int
	DstName string
	AEName  string
}
type IPCPFlowReqArrReply struct {
	PortID int
	NAPI   int
}

func (s *Service) IPCPFlowReqArr(args *IPCPFlowReqArrArgs, reply *IPCPFlowReqArrReply) error {
	portID, napi, err := s.d.FlowReqArr(args.PID, args.DstName, args.AEName)
	if err != nil {
		return err
	}
	reply.PortID = portID
	reply.NAPI = napi
	return nil
}

type IPCPFlowAllocReplyArgs struct {
	PortID   int
	Response int
}
type IPCPFlowAllocReplyReply struct{ Result int }

func (s *Service) IPCPFlowAllocReply(args *IPCPFlowAllocReplyArgs, reply *IPCPFlowAllocReplyReply) error {
	return s.d.FlowAllocReply(args.PortID, args.Response == 0)
}

type IPCPFlowDeallocArgs struct{ PortID int }
type IPCPFlowDeallocReply struct{ Result int }

func (s *Service) IPCPFlowDealloc(args *IPCPFlowDeallocArgs, reply *IPCPFlowDeallocReply) error {
	return s.d.FlowDealloc(args.PortID)
}
