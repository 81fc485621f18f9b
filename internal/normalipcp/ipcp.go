package normalipcp

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/cdap"
	"ouroboros.dev/ouroboros/internal/config"
	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/frct"
	"ouroboros.dev/ouroboros/internal/fmgr"
	"ouroboros.dev/ouroboros/internal/gam"
	"ouroboros.dev/ouroboros/internal/logging"
	"ouroboros.dev/ouroboros/internal/metrics"
	"ouroboros.dev/ouroboros/internal/nbs"
	"ouroboros.dev/ouroboros/internal/pff"
	"ouroboros.dev/ouroboros/internal/rib"
	"ouroboros.dev/ouroboros/internal/wire"
)

// State is this daemon's own lifecycle view, the same
// INIT -> BOOTSTRAPPED -> ENROLLED progression the IRMd's ipcpreg
// entry tracks from the other side of the control socket (spec
// §4.3).
type State int

const (
	StateInit State = iota
	StateBootstrapped
	StateEnrolled
)

func (s State) String() string {
	switch s {
	case StateBootstrapped:
		return "BOOTSTRAPPED"
	case StateEnrolled:
		return "ENROLLED"
	default:
		return "INIT"
	}
}

const defaultMaxConns = 4096

// managementAE names the application entity every gam adjacency and
// CDAP exchange rides on, the fixed "mgmt" AE the bootstrap scenario
// of spec §8 names.
const managementAE = "mgmt"

// BootstrapConf is the IPCP_BOOTSTRAP payload (spec §4.3, §6.4 field
// widths): a local mirror of ipcpreg.BootstrapConf so this package
// never needs to import the IRMd's client-side view of itself.
type BootstrapConf struct {
	DIFName  string
	AddrAuth string
	Sizes    map[string]int
}

// DIFInfo mirrors the BOOTSTRAP_IPCP/ENROLL_IPCP reply (spec §6.1).
type DIFInfo struct {
	DIFName  string
	HashAlgo string
}

// IPCP is one normal IPC Process daemon: the process
// ipcpreg.CreateIPCP forks for ipcp_type "normal", answering the
// per-pid control socket of §6.2 and, once bootstrapped, running the
// flow manager's datapath of §4.6/§4.7 alongside the RIB/gam/CDAP
// control plane of §4.8-§4.11.
type IPCP struct {
	Name string
	PID  int
	log  *logging.Logger
	irm  *IRMClient

	mu      sync.RWMutex
	state   State
	address uint64
	dif     DIFInfo
	sizes   wire.FieldSizes

	device     *ipcDevice
	PFF        *pff.Table
	FRCT       *frct.Table
	FMgr       *fmgr.Manager
	RIB        *rib.Manager
	GAM        *gam.Manager
	NBS        *nbs.Set
	CDAP       *cdap.Table
	issuer     *cdapIssuer
	Metrics    *metrics.Registry
	collector  *metrics.Collector

	pendingMu sync.Mutex
	pending   map[int]uint64 // port-id -> peer address, awaiting AllocateNFlowResp

	qosMu    sync.RWMutex
	qosCubes map[string]int // qos cube name -> class, hot-reloadable (spec A.3)

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// ribSweepInterval is the RIB expiry timer-wheel tick (spec §4.10
// "schedule a deletion on a timer wheel"), matching rib.Manager's own
// default RO_ID_TIMEOUT resolution of one second. The same tick
// samples the RIB's node count into the RIBNodes gauge (spec §A.4),
// since both are walking the tree on the same cadence anyway.
const ribSweepInterval = time.Second

// metricsSampleInterval is how often the per-IPCP metrics.Collector
// folds fmgr's cumulative datapath counters into Prometheus deltas
// (spec §A.4).
const metricsSampleInterval = 5 * time.Second

// New creates a daemon in INIT state. The control-plane subsystems
// (PFF, FRCT, fmgr, RIB, gam, nbs, CDAP) are only constructed once
// Bootstrap names the DIF they belong to.
func New(name string, pid int, irm *IRMClient, log *logging.Logger) *IPCP {
	if log == nil {
		log = logging.WithComponent("normalipcp")
	}
	return &IPCP{Name: name, PID: pid, log: log, irm: irm, state: StateInit, pending: make(map[int]uint64)}
}

// ReloadQoSCubes replaces the name-to-class lookup table a hot-reloaded
// bootstrap configuration supplies (spec A.3), without touching any
// flow already allocated against the old table.
func (p *IPCP) ReloadQoSCubes(cubes []config.QoSCube) {
	table := make(map[string]int, len(cubes))
	for _, c := range cubes {
		table[c.Name] = c.Class
	}
	p.qosMu.Lock()
	p.qosCubes = table
	p.qosMu.Unlock()
	p.log.Info("normalipcp: qos cube table reloaded", "ipcp", p.Name, "cubes", len(table))
}

// QoSClassByName resolves a QoS cube name to its scheduling class
// through the table ReloadQoSCubes last installed.
func (p *IPCP) QoSClassByName(name string) (int, bool) {
	p.qosMu.RLock()
	defer p.qosMu.RUnlock()
	class, ok := p.qosCubes[name]
	return class, ok
}

// State reports the daemon's current lifecycle state.
func (p *IPCP) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// addressFor derives a stable 64-bit DIF address from this IPCP's
// name. The spec leaves the address-authority algorithm unprescribed
// beyond naming it a pluggable policy (spec §4.3 AddrAuth); "flat"
// hashes the name, which is enough to give every IPCP in a test DIF
// a distinct, deterministic address without a central allocator.
func addressFor(name, policy string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(policy))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return h.Sum64()
}

func sizesFromConf(conf BootstrapConf) wire.FieldSizes {
	s := conf.Sizes
	get := func(key string, def int) int {
		if v, ok := s[key]; ok && v > 0 {
			return v
		}
		return def
	}
	return wire.FieldSizes{
		AddrSize:      get("addr_size", 4),
		CepIDSize:     get("cep_id_size", 2),
		PDULengthSize: get("pdu_length_size", 2),
		SeqNoSize:     get("seqno_size", 4),
		HasTTL:        s["has_ttl"] != 0,
		HasChk:        s["has_chk"] != 0,
	}
}

// Bootstrap creates a new DIF instance at this IPCP (spec §4.3
// IPCP_BOOTSTRAP, §8 scenario 1): derives this IPCP's address, wires
// every control/data-plane subsystem, and starts the flow manager's
// reader loops.
func (p *IPCP) Bootstrap(conf BootstrapConf) (DIFInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInit {
		return DIFInfo{}, errors.Errorf(errors.KindState, "normalipcp: %s already bootstrapped", p.Name)
	}

	p.address = addressFor(p.Name, conf.AddrAuth)
	p.sizes = sizesFromConf(conf)
	p.dif = DIFInfo{DIFName: conf.DIFName, HashAlgo: "sha256"}

	p.device = newIPCDevice(p.irm, p.PID, conf.DIFName, managementAE)
	p.PFF = pff.New()
	p.FRCT = frct.New(defaultMaxConns)
	p.NBS = nbs.New()
	p.FMgr = fmgr.New(p.address, p.sizes, p.PFF, p.FRCT, p.device, logging.WithComponent("fmgr"))
	p.CDAP = cdap.New()
	p.issuer = &cdapIssuer{self: p}
	p.RIB = rib.NewManager(p.address, p.issuer)
	p.GAM = gam.New(gam.CompletePolicy{}, p.NBS, managementAE, nil, p.device)
	p.Metrics = metrics.NewRegistry()
	p.collector = metrics.NewCollector(p.Metrics, p.FMgr, logging.WithComponent("metrics"), metricsSampleInterval)

	p.NBS.Attach(nbs.NotifierFunc(func(event nbs.Event, n nbs.Neighbor) {
		p.log.Info("normalipcp: neighbour event", "ipcp", p.Name, "event", event.String(), "peer", n.Name)
	}))

	p.FMgr.Start()
	p.collector.Start()
	p.startRIBSweeper()
	registerProcess(p)

	p.state = StateBootstrapped
	p.log.Notice("normalipcp: bootstrapped", "ipcp", p.Name, "dif", conf.DIFName, "address", p.address)
	return p.dif, nil
}

// Enroll joins this IPCP to the DIF it was bootstrapped into via a
// peer already enrolled there (spec §4.3 ENROLL_IPCP, §4.9 gam
// adjacency, §4.10 enrolment sync): it establishes an N-1 flow to via,
// admits it as an adjacency, registers it as a management flow for
// RIB replication, and pulls every enrol_sync node the peer
// publishes.
func (p *IPCP) Enroll(difNames []string, via string) (DIFInfo, error) {
	p.mu.Lock()
	if p.state != StateBootstrapped {
		p.mu.Unlock()
		return DIFInfo{}, errors.Errorf(errors.KindState, "normalipcp: %s must be bootstrapped before enrolling", p.Name)
	}
	gamMgr, ribMgr, issuer, name, mtx := p.GAM, p.RIB, p.issuer, p.Name, p.Metrics
	p.mu.Unlock()

	dif, err := p.enroll(difNames, via, gamMgr, ribMgr, issuer, name)
	if err != nil {
		if mtx != nil {
			mtx.EnrolmentFailures.Add(1)
		}
		return DIFInfo{}, err
	}
	if mtx != nil {
		mtx.EnrolmentSuccesses.Add(1)
	}
	return dif, nil
}

func (p *IPCP) enroll(difNames []string, via string, gamMgr *gam.Manager, ribMgr *rib.Manager, issuer *cdapIssuer, name string) (DIFInfo, error) {
	if via == "" {
		return DIFInfo{}, errors.New(errors.KindInvalidArg, "normalipcp: enroll requires a peer to enroll via")
	}

	peer, ok := lookupProcess(via)
	if !ok {
		return DIFInfo{}, errors.Errorf(errors.KindNotFound, "normalipcp: enrolment peer %q not found", via)
	}
	peerAddr := peer.Address()

	if err := gamMgr.FlowAlloc(via, nbs.Neighbor{Address: peerAddr, Name: via}); err != nil {
		return DIFInfo{}, errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: enrol adjacency to %q failed", via)
	}
	adj := gamMgr.FlowWait()

	ribMgr.AddManagementFlow(via)
	peer.RIB.AddManagementFlow(name)

	if err := ensureNamesRoot(ribMgr); err != nil {
		return DIFInfo{}, errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: enrol sync setup failed")
	}
	if err := ensureDIFRoot(ribMgr); err != nil {
		return DIFInfo{}, errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: enrol sync setup failed")
	}
	if err := issuer.EnrolSync(ribMgr, via, peer); err != nil {
		return DIFInfo{}, err
	}

	p.mu.Lock()
	p.dif.DIFName = firstOr(difNames, p.dif.DIFName)
	p.state = StateEnrolled
	p.mu.Unlock()

	p.log.Notice("normalipcp: enrolled", "ipcp", p.Name, "via", via, "port", adj.PortID)
	return p.DIF(), nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func firstOr(xs []string, fallback string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return fallback
}

// Address returns this IPCP's DIF address, valid once bootstrapped.
func (p *IPCP) Address() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// DIF returns the DIF this IPCP last bootstrapped or enrolled into.
func (p *IPCP) DIF() DIFInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dif
}

// MetricsRegistry returns this IPCP's Prometheus metric set, or nil
// before Bootstrap has run — the promhttp handler in cmd/ipcpd-normal
// checks for this since a daemon can be running with
// --bootstrap-conf omitted, waiting on IPCP_BOOTSTRAP over the
// control socket.
func (p *IPCP) MetricsRegistry() *metrics.Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Metrics
}

// startRIBSweeper launches the RIB expiry timer-wheel goroutine,
// mirroring the ticker-with-stop-channel shape of irmd's own reaper
// (internal/irmd/reaper.go): every tick walks the whole tree and
// deletes (with replication) any node whose expiry has passed, so a
// RIB node created with a non-zero expiry actually expires in the
// running daemon instead of only in rib_test.go's direct calls.
func (p *IPCP) startRIBSweeper() {
	p.sweepStop = make(chan struct{})
	p.sweepDone = make(chan struct{})
	ribMgr, mtx := p.RIB, p.Metrics
	go func() {
		defer close(p.sweepDone)
		ticker := time.NewTicker(ribSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.sweepStop:
				return
			case <-ticker.C:
				ribMgr.SweepExpired("/")
				if mtx != nil {
					mtx.RIBNodes.Set(float64(ribMgr.Tree().Count()))
				}
			}
		}
	}()
}

// Close stops the flow manager's reader loops and the RIB sweeper,
// and forgets this process from the in-memory CDAP routing table
// (see cdapIssuer/processRegistry in cdap_issuer.go).
func (p *IPCP) Close() {
	p.mu.Lock()
	fm, ribMgr, cdapTbl := p.FMgr, p.RIB, p.CDAP
	collector := p.collector
	sweepStop, sweepDone := p.sweepStop, p.sweepDone
	p.mu.Unlock()
	if fm != nil {
		fm.Stop()
	}
	if collector != nil {
		collector.Stop()
	}
	if sweepStop != nil {
		close(sweepStop)
		<-sweepDone
	}
	if cdapTbl != nil {
		if ribMgr != nil {
			for _, flow := range ribMgr.Flows() {
				cdapTbl.DestroyAll(flow)
			}
		}
		cdapTbl.DestroyAll(p.Name)
	}
	unregisterProcess(p.Name)
}

// namesRoot is the RIB directory node every registered application
// name hangs off. The tree requires every path's parent to already
// exist (rib.Tree.Create), so ensureNamesRoot must run before the
// first name is ever created under it.
const namesRoot = "names"

func ensureNamesRoot(ribMgr *rib.Manager) error {
	if _, err := ribMgr.Tree().Read(namesRoot); err == nil {
		return nil
	}
	if err := ribMgr.RibCreate(namesRoot, nil, rib.NoSync, false, 0); err != nil {
		if _, err2 := ribMgr.Tree().Read(namesRoot); err2 == nil {
			return nil
		}
		return err
	}
	return nil
}

// difRoot is the RIB directory node the DIF-wide static-information
// record hangs off (spec §4.10 "Enrolment").
const difRoot = "dif"

func ensureDIFRoot(ribMgr *rib.Manager) error {
	if _, err := ribMgr.Tree().Read(difRoot); err == nil {
		return nil
	}
	if err := ribMgr.RibCreate(difRoot, nil, rib.NoSync, false, 0); err != nil {
		if _, err2 := ribMgr.Tree().Read(difRoot); err2 == nil {
			return nil
		}
		return err
	}
	return nil
}

// SeedDIFStaticInfo publishes the DIF-wide static-information record
// (dif_name, hash_algo, member list) into the RIB at the well-known
// path "dif/static_info", with enrol_sync set so it replicates to
// every new member the way a registered name does (spec §4.10).
func (p *IPCP) SeedDIFStaticInfo(info config.DIFStaticInfo) error {
	p.mu.RLock()
	ribMgr := p.RIB
	p.mu.RUnlock()
	if ribMgr == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}
	if err := ensureDIFRoot(ribMgr); err != nil {
		return err
	}
	value := []byte(info.DIFName + "|" + info.HashAlgo + "|" + strings.Join(info.Members, ","))
	return ribMgr.RibCreate(difRoot+"/static_info", value, rib.AllMembers, true, 0)
}

// RegisterApplicationName records name as reachable through this
// IPCP's DIF (spec §6.2 IPCP_REG), publishing it into the RIB so
// peers discover it on enrolment sync.
func (p *IPCP) RegisterApplicationName(name string) error {
	p.mu.RLock()
	ribMgr := p.RIB
	p.mu.RUnlock()
	if ribMgr == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}
	if err := ensureNamesRoot(ribMgr); err != nil {
		return err
	}
	path := namesRoot + "/" + name
	if _, err := ribMgr.Tree().Read(path); err == nil {
		return nil // already registered
	}
	return ribMgr.RibCreate(path, []byte(name), rib.AllMembers, true, 0)
}

// UnregisterApplicationName reverses RegisterApplicationName.
func (p *IPCP) UnregisterApplicationName(name string) error {
	p.mu.RLock()
	ribMgr := p.RIB
	p.mu.RUnlock()
	if ribMgr == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}
	return ribMgr.RibDelete(namesRoot + "/" + name)
}

// ResolveApplicationName reports whether name is known to be
// reachable through this IPCP's DIF, either registered locally or
// learned from a peer via RIB replication.
func (p *IPCP) ResolveApplicationName(name string) bool {
	p.mu.RLock()
	ribMgr := p.RIB
	p.mu.RUnlock()
	if ribMgr == nil {
		return false
	}
	_, err := ribMgr.Tree().Read(namesRoot + "/" + name)
	return err == nil
}

// AllocateNFlow originates an N-flow on behalf of a local
// application toward dstName, resolving dstName's owning address via
// the neighbour set and registering portID against it in the flow
// manager (spec §4.6 fmgr_np1_alloc, driven here by IPCP_FLOW_ALLOC).
func (p *IPCP) AllocateNFlow(portID int, dstName, ae string, qos int) error {
	p.mu.RLock()
	fm, device, nbsSet := p.FMgr, p.device, p.NBS
	p.mu.RUnlock()
	if fm == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}

	dstAddr, ok := resolveNeighborAddr(nbsSet, dstName)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "normalipcp: no known neighbour address for %q", dstName)
	}
	device.bind(portID)
	return fm.RegisterNFlow(portID, dstAddr, qos)
}

func resolveNeighborAddr(nbsSet *nbs.Set, name string) (uint64, bool) {
	for _, n := range nbsSet.Snapshot() {
		if n.Name == name {
			return n.Address, true
		}
	}
	return 0, false
}

// AllocateNFlowResp completes an inbound N-flow once the IRMd reports
// the accepting application's decision (spec §6.1 FLOW_ALLOC_RESP ->
// §6.2 IPCP_FLOW_ALLOC_RESP). HandleInboundFlowRequest deliberately
// leaves the port without a CEP-ID until this call, since frct.Alloc
// refuses a second allocation on a port that already has one: the
// local side only commits to a connection once its own application
// has agreed to accept it, mirroring the initiator, who never
// allocates until it decides to originate one.
func (p *IPCP) AllocateNFlowResp(portID int, response int, dstAddr uint64, qos, cepID int) error {
	p.mu.RLock()
	fm, device := p.FMgr, p.device
	p.mu.RUnlock()
	if fm == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}

	p.pendingMu.Lock()
	peerAddr, ok := p.pending[portID]
	delete(p.pending, portID)
	p.pendingMu.Unlock()
	if !ok {
		peerAddr = dstAddr
	}

	if response != 0 {
		device.release(portID)
		return nil
	}
	return fm.RegisterNFlow(portID, peerAddr, qos)
}

// HandleInboundFlowRequest is invoked when a peer's inbound PDU
// stream carries a new flow request for dstName/ae (spec §4.4, §6.1
// IPCP_FLOW_REQ_ARR): it asks the IRMd to rendezvous the request with
// a bound listener and binds a ring buffer for the resulting port-id,
// leaving CEP-ID allocation to AllocateNFlowResp once the rendezvoused
// application actually accepts.
func (p *IPCP) HandleInboundFlowRequest(peerAddr uint64, dstName, ae string) (portID int, err error) {
	p.mu.RLock()
	fm, device := p.FMgr, p.device
	p.mu.RUnlock()
	if fm == nil {
		return 0, errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}

	portID, _, err = p.irm.IPCPFlowReqArr(p.PID, dstName, ae)
	if err != nil {
		return 0, err
	}
	device.bind(portID)
	p.pendingMu.Lock()
	p.pending[portID] = peerAddr
	p.pendingMu.Unlock()
	return portID, nil
}

// DeallocateNFlow tears down portID's CEP-ID, routing context and
// device ring buffer (spec §4.6 fmgr_np1_dealloc).
func (p *IPCP) DeallocateNFlow(portID int) error {
	p.mu.RLock()
	fm, device := p.FMgr, p.device
	p.mu.RUnlock()
	if fm == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}
	fm.DeregisterNFlow(portID)
	device.release(portID)
	return nil
}

// QueryInfo answers IPCP_QUERY (spec §6.2): a snapshot of this
// daemon's lifecycle state, DIF membership and current neighbours,
// for diagnostics and LIST_IPCPS detail views.
type QueryInfo struct {
	State      State
	DIF        DIFInfo
	Address    uint64
	Neighbours []nbs.Neighbor
}

func (p *IPCP) Query() QueryInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var neighbours []nbs.Neighbor
	if p.NBS != nil {
		neighbours = p.NBS.Snapshot()
	}
	return QueryInfo{State: p.state, DIF: p.dif, Address: p.address, Neighbours: neighbours}
}

// Connect opens a management flow to an already-known neighbour
// without running full enrolment (spec §6.2 IPCP_CONNECT): used to
// re-establish CACEP connectivity after a transient loss, or to add
// a second management peer once already ENROLLED.
func (p *IPCP) Connect(via string) error {
	p.mu.RLock()
	gamMgr, ribMgr := p.GAM, p.RIB
	p.mu.RUnlock()
	if gamMgr == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}
	peer, ok := lookupProcess(via)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "normalipcp: connect peer %q not found", via)
	}
	if err := gamMgr.FlowAlloc(via, nbs.Neighbor{Address: peer.Address(), Name: via}); err != nil {
		return errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: connect to %q failed", via)
	}
	gamMgr.FlowWait()
	ribMgr.AddManagementFlow(via)
	peer.RIB.AddManagementFlow(p.Name)
	return nil
}

// Disconnect tears down the management flow to via (spec §6.2
// IPCP_DISCONNECT), leaving N-flow and RIB state otherwise intact.
func (p *IPCP) Disconnect(via string) error {
	p.mu.RLock()
	ribMgr, cdapTbl := p.RIB, p.CDAP
	p.mu.RUnlock()
	if ribMgr == nil {
		return errors.Errorf(errors.KindState, "normalipcp: %s not yet bootstrapped", p.Name)
	}
	ribMgr.RemoveManagementFlow(via)
	if peer, ok := lookupProcess(via); ok {
		peer.RIB.RemoveManagementFlow(p.Name)
	}
	if cdapTbl != nil {
		cdapTbl.DestroyAll(via)
	}
	return nil
}
