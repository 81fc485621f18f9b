// Package ipcpreg implements the IPCP lifecycle of spec §4.3:
// forking per-type daemon processes, and driving their bootstrap and
// enrolment RPCs over the per-pid control socket of §6.2.
package ipcpreg

import (
	"fmt"
	"net/rpc"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/logging"
	"ouroboros.dev/ouroboros/internal/nbs"
	"ouroboros.dev/ouroboros/internal/supervisor"
)

// Type names a daemon binary kind (spec §3 "ipcp_type").
type Type string

const (
	TypeNormal Type = "normal"
	TypeShimUDP Type = "shim-udp4"
	TypeShimEth Type = "shim-eth-llc"
)

// State is an IPCP's lifecycle state as tracked by the registry.
type State int

const (
	StateInit State = iota
	StateBootstrapped
	StateEnrolled
	StateDead
)

func (s State) String() string {
	switch s {
	case StateBootstrapped:
		return "BOOTSTRAPPED"
	case StateEnrolled:
		return "ENROLLED"
	case StateDead:
		return "DEAD"
	default:
		return "INIT"
	}
}

// DIFInfo mirrors the reply to BOOTSTRAP_IPCP/ENROLL_IPCP (spec
// §6.1): the DIF's name and the hash algorithm it authenticates
// membership records with.
type DIFInfo struct {
	DIFName  string
	HashAlgo string
}

// BootstrapConf carries the parameters forwarded to IPCP_BOOTSTRAP
// (spec §8 scenario 1): DIF name, address authority policy, and the
// PCI field widths the DIF agrees to use on the wire.
type BootstrapConf struct {
	DIFName  string
	AddrAuth string
	Sizes    map[string]int
}

// Entry is one IPCP daemon tracked by the registry.
type Entry struct {
	PID  int
	Name string
	Type Type

	mu    sync.Mutex
	state State
	dif   DIFInfo
}

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DIF returns the DIF this entry last bootstrapped or enrolled into.
func (e *Entry) DIF() DIFInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dif
}

// rpcCode distinguishes control-socket RPC methods for the
// per-code timeout table of spec §4.3/§6.2.
type rpcCode string

const (
	codeBootstrap       rpcCode = "IPCP.Bootstrap"
	codeEnroll          rpcCode = "IPCP.Enroll"
	codeReg             rpcCode = "IPCP.Reg"
	codeUnreg           rpcCode = "IPCP.Unreg"
	codeQuery           rpcCode = "IPCP.Query"
	codeConnect         rpcCode = "IPCP.Connect"
	codeDisconnect      rpcCode = "IPCP.Disconnect"
	codeFlowAlloc       rpcCode = "IPCP.FlowAlloc"
	codeFlowAllocResp   rpcCode = "IPCP.FlowAllocResp"
	codeFlowDealloc     rpcCode = "IPCP.FlowDealloc"
	codeFlowReqArr      rpcCode = "IPCP.FlowReqArr"
)

// defaultTimeouts mirrors the distinct per-code receive timeouts
// called for in spec §4.3.
var defaultTimeouts = map[rpcCode]time.Duration{
	codeBootstrap:     5 * time.Second,
	codeEnroll:        10 * time.Second,
	codeReg:           2 * time.Second,
	codeUnreg:         2 * time.Second,
	codeQuery:         2 * time.Second,
	codeConnect:       3 * time.Second,
	codeDisconnect:    2 * time.Second,
	codeFlowAlloc:     2 * time.Second,
	codeFlowAllocResp: 2 * time.Second,
	codeFlowDealloc:   2 * time.Second,
	codeFlowReqArr:    2 * time.Second,
}

const socketDefaultTimeout = 2 * time.Second

// Registry tracks every forked IPCP daemon and drives its lifecycle
// RPCs. SpawnFunc, DialFunc and WaitFunc are overridable so tests
// never need a real daemon binary, real socket, or real child
// process.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*Entry

	RunDir    string
	SpawnFunc func(binPath string, argv []string) (pid int, err error)
	DialFunc  func(sockPath string) (*rpc.Client, error)
	WaitFunc  func(pid int) (exitCode int, signal syscall.Signal, err error)
	Timeouts  map[rpcCode]time.Duration

	// Sup, when set, receives every forked IPCP's exit via
	// RecordExit and is consulted via ShouldEnterSafeMode once it
	// has (spec §A.5: "repeated IPCP crashes past a threshold stop
	// auto-restart"). Left nil by plain New so registry_test.go's
	// fake pids never drive a real wait4 syscall; irmd.New wires its
	// own *supervisor.Supervisor in here.
	Sup *supervisor.Supervisor

	log *logging.Logger
}

// New creates a Registry that expects daemon control sockets under
// runDir (spec §6.2); the binary to fork is passed to CreateIPCP.
func New(runDir string) *Registry {
	return &Registry{
		entries:   make(map[int]*Entry),
		RunDir:    runDir,
		SpawnFunc: defaultSpawn,
		DialFunc:  defaultDial,
		WaitFunc:  defaultWait,
		Timeouts:  defaultTimeouts,
		log:       logging.WithComponent("ipcpreg"),
	}
}

func defaultSpawn(binPath string, argv []string) (int, error) {
	proc, err := os.StartProcess(binPath, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return 0, err
	}
	return proc.Pid, nil
}

func defaultDial(sockPath string) (*rpc.Client, error) {
	return rpc.Dial("unix", sockPath)
}

// defaultWait blocks until pid (a real child of this process, per
// defaultSpawn's os.StartProcess) exits, decoding its wait4 status
// into the exit code / terminating signal pair supervisor.RecordExit
// expects.
func defaultWait(pid int) (int, syscall.Signal, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, 0, err
	}
	state, err := proc.Wait()
	if err != nil {
		return 0, 0, err
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode(), 0, nil
	}
	if ws.Signaled() {
		return 0, ws.Signal(), nil
	}
	return ws.ExitStatus(), 0, nil
}

// CreateIPCP forks the daemon binary selected by typ, passing the
// parent pid and name as arguments (spec §4.3), and registers a
// tracking entry in INIT state.
func (r *Registry) CreateIPCP(name string, typ Type, binPath string) (*Entry, error) {
	argv := []string{binPath, "--parent-pid", strconv.Itoa(os.Getpid()), "--name", name}
	pid, err := r.SpawnFunc(binPath, argv)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIPCPFailure, "ipcpreg: fork %q failed", binPath)
	}

	e := &Entry{PID: pid, Name: name, Type: typ, state: StateInit}
	r.mu.Lock()
	r.entries[pid] = e
	r.mu.Unlock()

	if r.Sup != nil && r.WaitFunc != nil {
		go r.watchExit(e)
	}

	r.log.Info("ipcp created", "name", name, "type", string(typ), "pid", pid)
	return e, nil
}

// watchExit blocks on WaitFunc until e's process exits, records the
// exit with Sup, and escalates to a safe-mode log once the crash
// threshold is reached (spec §A.5: repeated IPCP crashes past a
// threshold stop auto-restart). A WaitFunc error — pid was never a
// real child, as in every registry_test.go fixture — is silently
// dropped rather than recorded as a crash.
func (r *Registry) watchExit(e *Entry) {
	exitCode, sig, err := r.WaitFunc(e.PID)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.state = StateDead
	e.mu.Unlock()

	if err := r.Sup.RecordExit(exitCode, sig, false); err != nil {
		r.log.Warn("ipcpreg: record ipcp exit failed", "pid", e.PID, "name", e.Name, "err", err)
	}
	if r.Sup.ShouldEnterSafeMode() {
		r.log.Error("ipcpreg: repeated ipcp crashes, entering safe mode", "pid", e.PID, "name", e.Name)
	}
}

// DestroyIPCP sends SIGTERM to the daemon and drops its entry.
func (r *Registry) DestroyIPCP(pid int) error {
	r.mu.Lock()
	e, ok := r.entries[pid]
	delete(r.entries, pid)
	r.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "ipcpreg: no ipcp with pid %d", pid)
	}

	e.mu.Lock()
	e.state = StateDead
	e.mu.Unlock()

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return errors.Wrapf(err, errors.KindIPCPFailure, "ipcpreg: destroy pid %d", pid)
	}
	return nil
}

func (r *Registry) lookup(pid int) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "ipcpreg: no ipcp with pid %d", pid)
	}
	return e, nil
}

func (r *Registry) sockPath(pid int) string {
	return fmt.Sprintf("%s/ipcp-%d.sock", r.RunDir, pid)
}

// call issues one control-socket RPC to pid's daemon, enforcing the
// receive timeout assigned to code (spec §4.3/§6.2). A dial or
// transport failure, or an error reply, surfaces as KindIPCPFailure;
// a reply that does not arrive within the timeout surfaces as
// KindTimeout, its message marked "EIPCP".
func (r *Registry) call(pid int, code rpcCode, args, reply any) error {
	client, err := r.DialFunc(r.sockPath(pid))
	if err != nil {
		return errors.Wrapf(err, errors.KindIPCPFailure, "ipcpreg: dial pid %d control socket", pid)
	}
	defer client.Close()

	timeout, ok := r.Timeouts[code]
	if !ok {
		timeout = socketDefaultTimeout
	}

	// The send itself can block on a peer that never reads, so it runs
	// outside the select that enforces the timeout.
	done := make(chan *rpc.Call, 1)
	go client.Go(string(code), args, reply, done)
	select {
	case res := <-done:
		if res.Error != nil {
			return errors.Wrapf(res.Error, errors.KindIPCPFailure, "ipcpreg: %s on pid %d", code, pid)
		}
		return nil
	case <-time.After(timeout):
		return errors.Errorf(errors.KindTimeout, "ipcpreg: %s on pid %d timed out after %s (EIPCP)", code, pid, timeout)
	}
}

// BootstrapArgs/BootstrapReply mirror the IPCP_BOOTSTRAP control
// message (spec §6.2).
type BootstrapArgs struct {
	Conf BootstrapConf
}
type BootstrapReply struct {
	Result int
	DIF    DIFInfo
}

// BootstrapIPCP instructs pid's daemon to create a new DIF instance
// from conf, and records the returned dif_info.
func (r *Registry) BootstrapIPCP(pid int, conf BootstrapConf) (DIFInfo, error) {
	e, err := r.lookup(pid)
	if err != nil {
		return DIFInfo{}, err
	}

	var reply BootstrapReply
	if err := r.call(pid, codeBootstrap, &BootstrapArgs{Conf: conf}, &reply); err != nil {
		return DIFInfo{}, err
	}
	if reply.Result != 0 {
		return DIFInfo{}, errors.Errorf(errors.KindIPCPFailure, "ipcpreg: bootstrap pid %d rejected (result=%d)", pid, reply.Result)
	}

	e.mu.Lock()
	e.state = StateBootstrapped
	e.dif = reply.DIF
	e.mu.Unlock()
	return reply.DIF, nil
}

// EnrollArgs/EnrollReply mirror the ENROLL_IPCP control message
// (spec §6.1): the IRMd resolves one N-1 DIF via the name service
// and supplies it in Via before issuing the RPC.
type EnrollArgs struct {
	DIFNames []string
	Via      string
}
type EnrollReply struct {
	Result int
	DIF    DIFInfo
}

// EnrollIPCP joins pid's daemon to one of difNames, given the
// already-resolved N-1 DIF name via.
func (r *Registry) EnrollIPCP(pid int, difNames []string, via string) (DIFInfo, error) {
	e, err := r.lookup(pid)
	if err != nil {
		return DIFInfo{}, err
	}

	var reply EnrollReply
	if err := r.call(pid, codeEnroll, &EnrollArgs{DIFNames: difNames, Via: via}, &reply); err != nil {
		return DIFInfo{}, err
	}
	if reply.Result != 0 {
		return DIFInfo{}, errors.Errorf(errors.KindIPCPFailure, "ipcpreg: enroll pid %d rejected (result=%d)", pid, reply.Result)
	}

	e.mu.Lock()
	e.state = StateEnrolled
	e.dif = reply.DIF
	e.mu.Unlock()
	return reply.DIF, nil
}

// FlowAllocArgs/FlowAllocReply mirror the IPCP_FLOW_ALLOC control
// message (spec §6.2, driven by the IRMd's flow_alloc at §4.4 step 4).
type FlowAllocArgs struct {
	PortID  int
	DstName string
	AE      string
	QoS     int
	QoSName string
}
type FlowAllocReply struct {
	Result int
}

// FlowAlloc asks pid's daemon to originate a flow toward dstName for
// the given port-id, returning an error (including EIPCP on timeout)
// the caller rolls the port-map descriptor back on. qosName, when
// non-empty, is resolved against the daemon's own hot-reloadable
// cube table and takes precedence over qos.
func (r *Registry) FlowAlloc(pid, portID int, dstName, ae string, qos int, qosName string) error {
	var reply FlowAllocReply
	if err := r.call(pid, codeFlowAlloc, &FlowAllocArgs{PortID: portID, DstName: dstName, AE: ae, QoS: qos, QoSName: qosName}, &reply); err != nil {
		return err
	}
	if reply.Result != 0 {
		return errors.Errorf(errors.KindIPCPFailure, "ipcpreg: flow_alloc pid %d port %d rejected (result=%d)", pid, portID, reply.Result)
	}
	return nil
}

// FlowAllocRespArgs/FlowAllocRespReply mirror IPCP_FLOW_ALLOC_RESP:
// the IRMd answers an inbound flow_req_arr on behalf of the
// application that just accepted or rejected it.
type FlowAllocRespArgs struct {
	PortID   int
	Response int
}
type FlowAllocRespReply struct {
	Result int
}

// FlowAllocResp delivers the application's accept/reject decision for
// an inbound flow request back to the owning IPCP.
func (r *Registry) FlowAllocResp(pid, portID, response int) error {
	var reply FlowAllocRespReply
	return r.call(pid, codeFlowAllocResp, &FlowAllocRespArgs{PortID: portID, Response: response}, &reply)
}

// FlowDeallocArgs/FlowDeallocReply mirror IPCP_FLOW_DEALLOC.
type FlowDeallocArgs struct {
	PortID int
}
type FlowDeallocReply struct {
	Result int
}

// FlowDealloc tells pid's daemon to tear down its end of portID.
func (r *Registry) FlowDealloc(pid, portID int) error {
	var reply FlowDeallocReply
	return r.call(pid, codeFlowDealloc, &FlowDeallocArgs{PortID: portID}, &reply)
}

// RegArgs/RegReply mirror IPCP_REG (spec §6.2): the IRMd asks pid's
// daemon to advertise name as reachable through its DIF.
type RegArgs struct {
	Name     string
	DIFNames []string
}
type RegReply struct {
	Result int
}

// Reg registers name on pid's daemon.
func (r *Registry) Reg(pid int, name string, difNames []string) error {
	var reply RegReply
	if err := r.call(pid, codeReg, &RegArgs{Name: name, DIFNames: difNames}, &reply); err != nil {
		return err
	}
	if reply.Result != 0 {
		return errors.Errorf(errors.KindIPCPFailure, "ipcpreg: reg pid %d name %q rejected (result=%d)", pid, name, reply.Result)
	}
	return nil
}

// UnregArgs/UnregReply mirror IPCP_UNREG.
type UnregArgs struct {
	Name     string
	DIFNames []string
}
type UnregReply struct {
	Result int
}

// Unreg withdraws name from pid's daemon.
func (r *Registry) Unreg(pid int, name string, difNames []string) error {
	var reply UnregReply
	return r.call(pid, codeUnreg, &UnregArgs{Name: name, DIFNames: difNames}, &reply)
}

// QueryArgs/QueryReply mirror IPCP_QUERY.
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

// Query reports pid's live state and, when name is non-empty, whether
// name currently resolves through it.
func (r *Registry) Query(pid int, name string) (QueryReply, error) {
	var reply QueryReply
	if err := r.call(pid, codeQuery, &QueryArgs{Name: name}, &reply); err != nil {
		return QueryReply{}, err
	}
	return reply, nil
}

// ConnectArgs/ConnectReply mirror IPCP_CONNECT (spec §6.2, CACEP): the
// IRMd asks pid's daemon to establish a management-layer connection
// to an already-enrolled neighbour.
type ConnectArgs struct {
	Via string
}
type ConnectReply struct {
	Result int
}

// Connect establishes a management connection from pid's daemon to via.
func (r *Registry) Connect(pid int, via string) error {
	var reply ConnectReply
	if err := r.call(pid, codeConnect, &ConnectArgs{Via: via}, &reply); err != nil {
		return err
	}
	if reply.Result != 0 {
		return errors.Errorf(errors.KindIPCPFailure, "ipcpreg: connect pid %d via %q rejected (result=%d)", pid, via, reply.Result)
	}
	return nil
}

// DisconnectArgs/DisconnectReply mirror IPCP_DISCONNECT.
type DisconnectArgs struct {
	Via string
}
type DisconnectReply struct {
	Result int
}

// Disconnect tears down pid's daemon's management connection to via.
func (r *Registry) Disconnect(pid int, via string) error {
	var reply DisconnectReply
	return r.call(pid, codeDisconnect, &DisconnectArgs{Via: via}, &reply)
}

// List returns every tracked IPCP whose Name matches pattern (spec
// §6.1 LIST_IPCPS); an empty pattern matches everything.
func (r *Registry) List(pattern string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if pattern == "" || pattern == e.Name {
			out = append(out, e)
		}
	}
	return out
}
