package normalipcp

import (
	"net"
	"net/rpc"
	"os"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ouroboros.dev/ouroboros/internal/config"
)

// fakeIRM stands in for the IRMd side of the control socket (spec
// §6.1), answering only the codes a normal IPCP daemon itself calls:
// the N-1 FLOW_ALLOC/FLOW_ALLOC_RES/FLOW_DEALLOC round trip gam
// drives, and the IPCP_FLOW_REQ_ARR/IPCP_FLOW_ALLOC_REPLY/
// IPCP_FLOW_DEALLOC notifications an inbound arrival drives.
type fakeIRM struct {
	nextPort atomic.Int64
}

func (f *fakeIRM) FlowAlloc(args *flowAllocArgs, reply *flowAllocReply) error {
	reply.PortID = int(f.nextPort.Add(1))
	reply.N1API = 1
	return nil
}

func (f *fakeIRM) FlowAllocRes(args *flowAllocResArgs, reply *flowAllocResReply) error {
	return nil
}

func (f *fakeIRM) FlowDealloc(args *flowDeallocArgs, reply *flowDeallocReply) error {
	return nil
}

func (f *fakeIRM) IPCPFlowReqArr(args *ipcpFlowReqArrArgs, reply *ipcpFlowReqArrReply) error {
	reply.PortID = int(f.nextPort.Add(1))
	reply.NAPI = args.PID
	return nil
}

func (f *fakeIRM) IPCPFlowAllocReply(args *ipcpFlowAllocReplyArgs, reply *ipcpFlowAllocReplyReply) error {
	return nil
}

func (f *fakeIRM) IPCPFlowDealloc(args *ipcpFlowDeallocArgs, reply *ipcpFlowDeallocReply) error {
	return nil
}

func startFakeIRM(t *testing.T, sockPath string, irm *fakeIRM) {
	t.Helper()
	os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := rpc.NewServer()
	if err := srv.RegisterName("IRM", irm); err != nil {
		t.Fatalf("register: %v", err)
	}
	go srv.Accept(ln)
	t.Cleanup(func() { ln.Close(); os.Remove(sockPath) })
}

func newTestIPCP(t *testing.T, name string, pid int, irmSock string) *IPCP {
	t.Helper()
	client, err := DialIRM(irmSock)
	if err != nil {
		t.Fatalf("DialIRM: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	p := New(name, pid, client, nil)
	t.Cleanup(p.Close)
	return p
}

func TestBootstrapWiresSubsystemsAndDerivesAddress(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})
	p := newTestIPCP(t, "a1", 100, sock)

	dif, err := p.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if dif.DIFName != "backbone" {
		t.Fatalf("expected dif_name backbone, got %q", dif.DIFName)
	}
	if p.Address() == 0 {
		t.Fatal("expected a non-zero derived address")
	}
	if p.State() != StateBootstrapped {
		t.Fatalf("expected BOOTSTRAPPED, got %v", p.State())
	}
	if p.PFF == nil || p.FRCT == nil || p.FMgr == nil || p.RIB == nil || p.GAM == nil || p.NBS == nil || p.CDAP == nil {
		t.Fatal("expected every subsystem wired after bootstrap")
	}
}

func TestBootstrapTwiceFails(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})
	p := newTestIPCP(t, "a1", 100, sock)

	if _, err := p.Bootstrap(BootstrapConf{DIFName: "backbone"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := p.Bootstrap(BootstrapConf{DIFName: "backbone"}); err == nil {
		t.Fatal("expected error re-bootstrapping an already-bootstrapped ipcp")
	}
}

func TestEnrollEstablishesAdjacencyAndSyncsRIB(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})

	a1 := newTestIPCP(t, "a1", 100, sock)
	a2 := newTestIPCP(t, "a2", 200, sock)

	if _, err := a1.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"}); err != nil {
		t.Fatalf("a1 Bootstrap: %v", err)
	}
	if _, err := a2.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"}); err != nil {
		t.Fatalf("a2 Bootstrap: %v", err)
	}

	if err := a2.RegisterApplicationName("rina.apps.echo"); err != nil {
		t.Fatalf("RegisterApplicationName: %v", err)
	}

	if _, err := a1.Enroll([]string{"backbone"}, "a2"); err != nil {
		t.Fatalf("a1 Enroll: %v", err)
	}
	if a1.State() != StateEnrolled {
		t.Fatalf("expected ENROLLED, got %v", a1.State())
	}
	if a1.GAM.Pending() != 0 {
		t.Fatalf("expected FlowWait to have drained the adjacency, pending=%d", a1.GAM.Pending())
	}
	if _, ok := a1.NBS.Get(a2.Address()); !ok {
		t.Fatal("expected a2 recorded as a neighbour of a1")
	}
	if !a1.ResolveApplicationName("rina.apps.echo") {
		t.Fatal("expected enrol_sync to have replicated a2's registered name into a1's RIB")
	}
}

func TestEnrollWithoutPeerFails(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})
	p := newTestIPCP(t, "a1", 100, sock)
	if _, err := p.Bootstrap(BootstrapConf{DIFName: "backbone"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := p.Enroll([]string{"backbone"}, "nowhere"); err == nil {
		t.Fatal("expected error enrolling via an unknown peer")
	}
}

func TestEnrolmentCountsReportedToMetrics(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})

	a1 := newTestIPCP(t, "a1", 100, sock)
	a2 := newTestIPCP(t, "a2", 200, sock)
	if _, err := a1.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"}); err != nil {
		t.Fatalf("a1 Bootstrap: %v", err)
	}
	if _, err := a2.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"}); err != nil {
		t.Fatalf("a2 Bootstrap: %v", err)
	}
	if a1.Metrics == nil {
		t.Fatal("expected a metrics registry wired after bootstrap")
	}

	if _, err := a1.Enroll(nil, "nowhere"); err == nil {
		t.Fatal("expected error enrolling via an unknown peer")
	}
	if got := testutil.ToFloat64(a1.Metrics.EnrolmentFailures); got != 1 {
		t.Fatalf("expected 1 enrolment failure, got %v", got)
	}

	if _, err := a1.Enroll([]string{"backbone"}, "a2"); err != nil {
		t.Fatalf("a1 Enroll: %v", err)
	}
	if got := testutil.ToFloat64(a1.Metrics.EnrolmentSuccesses); got != 1 {
		t.Fatalf("expected 1 enrolment success, got %v", got)
	}
}

func TestAllocateAndDeallocateNFlowRoundTrip(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})

	a1 := newTestIPCP(t, "a1", 100, sock)
	a2 := newTestIPCP(t, "a2", 200, sock)
	if _, err := a1.Bootstrap(BootstrapConf{DIFName: "backbone"}); err != nil {
		t.Fatalf("a1 Bootstrap: %v", err)
	}
	if _, err := a2.Bootstrap(BootstrapConf{DIFName: "backbone"}); err != nil {
		t.Fatalf("a2 Bootstrap: %v", err)
	}
	if _, err := a1.Enroll(nil, "a2"); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	if err := a1.AllocateNFlow(501, "a2", managementAE, 0); err != nil {
		t.Fatalf("AllocateNFlow: %v", err)
	}
	if a1.FRCT.CepIDFor(501) == -1 {
		t.Fatal("expected a cep-id bound for the new n-flow")
	}
	if err := a1.DeallocateNFlow(501); err != nil {
		t.Fatalf("DeallocateNFlow: %v", err)
	}
	if a1.FRCT.CepIDFor(501) != -1 {
		t.Fatal("expected cep-id released after deallocation")
	}
}

func TestSeedDIFStaticInfoReplicatesAtEnrolment(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})

	a1 := newTestIPCP(t, "a1", 100, sock)
	a2 := newTestIPCP(t, "a2", 200, sock)
	if _, err := a1.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"}); err != nil {
		t.Fatalf("a1 Bootstrap: %v", err)
	}
	if _, err := a2.Bootstrap(BootstrapConf{DIFName: "backbone", AddrAuth: "flat"}); err != nil {
		t.Fatalf("a2 Bootstrap: %v", err)
	}

	if err := a2.SeedDIFStaticInfo(config.DIFStaticInfo{DIFName: "backbone", HashAlgo: "sha256", Members: []string{"a2"}}); err != nil {
		t.Fatalf("SeedDIFStaticInfo: %v", err)
	}

	if _, err := a1.Enroll([]string{"backbone"}, "a2"); err != nil {
		t.Fatalf("a1 Enroll: %v", err)
	}

	node, err := a1.RIB.Tree().Read("dif/static_info")
	if err != nil {
		t.Fatalf("expected dif/static_info replicated into a1's RIB: %v", err)
	}
	if string(node.Value) != "backbone|sha256|a2" {
		t.Fatalf("unexpected replicated value %q", node.Value)
	}
}

func TestReloadQoSCubesUpdatesLookupTable(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})
	p := newTestIPCP(t, "a1", 100, sock)

	if _, ok := p.QoSClassByName("video"); ok {
		t.Fatal("expected no cube resolved before any reload")
	}

	p.ReloadQoSCubes([]config.QoSCube{{Name: "video", Class: 2}, {Name: "voice", Class: 1}})
	class, ok := p.QoSClassByName("video")
	if !ok || class != 2 {
		t.Fatalf("expected video -> class 2, got %d, %v", class, ok)
	}

	p.ReloadQoSCubes([]config.QoSCube{{Name: "voice", Class: 1}})
	if _, ok := p.QoSClassByName("video"); ok {
		t.Fatal("expected video dropped after a reload that no longer lists it")
	}
}

func TestHandleInboundFlowRequestRegistersNFlow(t *testing.T) {
	sock := t.TempDir() + "/irmd.sock"
	startFakeIRM(t, sock, &fakeIRM{})
	a1 := newTestIPCP(t, "a1", 100, sock)
	if _, err := a1.Bootstrap(BootstrapConf{DIFName: "backbone"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	portID, err := a1.HandleInboundFlowRequest(0xBEEF, "rina.apps.echo", managementAE)
	if err != nil {
		t.Fatalf("HandleInboundFlowRequest: %v", err)
	}
	if a1.FRCT.CepIDFor(portID) != -1 {
		t.Fatal("expected no cep-id bound before the application accepts")
	}

	if err := a1.AllocateNFlowResp(portID, 0, 0xBEEF, 0, 0); err != nil {
		t.Fatalf("AllocateNFlowResp: %v", err)
	}
	if a1.FRCT.CepIDFor(portID) == -1 {
		t.Fatal("expected a bound cep-id once the application accepted")
	}
}
