// Package irmd implements the IPC Resource Manager daemon: the
// process-wide authority over port allocation (§4.1), name
// rendezvous (§4.2), IPCP lifecycle (§4.3) and the flow allocation
// protocol (§4.4) that every application and IPCP in the system talks
// to over the control socket of §6.1.
package irmd

import (
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/ipcpreg"
	"ouroboros.dev/ouroboros/internal/logging"
	"ouroboros.dev/ouroboros/internal/metrics"
	"ouroboros.dev/ouroboros/internal/nameregistry"
	"ouroboros.dev/ouroboros/internal/portmap"
	"ouroboros.dev/ouroboros/internal/supervisor"
)

// State is the daemon's own lifecycle state (spec §5, §6.5): RUNNING
// accepts new work, NULL is the terminal shutdown state every
// blocking operation must observe and abort against.
type State int

const (
	StateNull State = iota
	StateRunning
)

// DefaultMaxFlows is IRMD_MAX_FLOWS, the port-id bitmap size.
const DefaultMaxFlows = 4096

// DefaultFlowTimeout is IRMD_FLOW_TIMEOUT: how long a PENDING
// descriptor may wait for FLOW_ALLOC_REPLY before the reaper reclaims
// it (§4.5).
const DefaultFlowTimeout = 30 * time.Second

// Config bundles the tunables a running IRMd needs beyond its
// subsystem tables.
type Config struct {
	RunDir      string
	MaxFlows    int
	FlowTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFlows <= 0 {
		c.MaxFlows = DefaultMaxFlows
	}
	if c.FlowTimeout <= 0 {
		c.FlowTimeout = DefaultFlowTimeout
	}
	return c
}

// IRMd is the daemon core: the lock-ordered aggregate of every
// subsystem table named in spec §5 ("ipcpi.state_lock → IRMd.state_lock
// → reg_lock → flows_lock → entry_lock → ..."), reachable either
// in-process (tests, cmd/irmd's own goroutines) or via the RPC
// service in rpc.go.
type IRMd struct {
	cfg Config
	log *logging.Logger

	stateMu sync.RWMutex
	state   State

	Ports *portmap.Table
	Names *nameregistry.Registry
	IPCPs *ipcpreg.Registry
	Sup   *supervisor.Supervisor
	Mtx   *metrics.Registry

	regMu   sync.Mutex
	difRegs map[string]map[string]bool // name -> set of dif_name

	acceptMu      sync.Mutex
	acceptWaiters map[int]chan int // pid -> channel FlowReqArr publishes its port-id to

	reaper *reaper
}

// New builds an IRMd with fresh subsystem tables. The daemon starts
// in NULL; call Start to enter RUNNING and launch the flow reaper.
func New(cfg Config, log *logging.Logger) *IRMd {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.WithComponent("irmd")
	}

	d := &IRMd{
		cfg:           cfg,
		log:           log,
		state:         StateNull,
		Ports:         portmap.New(cfg.MaxFlows),
		Names:         nameregistry.New(0),
		IPCPs:         ipcpreg.New(cfg.RunDir),
		Sup:           supervisor.New(cfg.RunDir, supervisor.DefaultConfig()),
		Mtx:           metrics.NewRegistry(),
		difRegs:       make(map[string]map[string]bool),
		acceptWaiters: make(map[int]chan int),
	}
	d.IPCPs.Sup = d.Sup
	d.reaper = newReaper(d)
	return d
}

// State reports the daemon's current lifecycle state.
func (d *IRMd) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

// Start transitions the daemon to RUNNING and launches the flow
// reaper. Idempotent.
func (d *IRMd) Start() {
	d.stateMu.Lock()
	already := d.state == StateRunning
	d.state = StateRunning
	d.stateMu.Unlock()
	if already {
		return
	}
	d.log.Notice("irmd: entering RUNNING")
	d.reaper.Start(d.cfg.FlowTimeout)
}

// Stop transitions the daemon to NULL (spec §6.5: "set state NULL,
// cancel threads, destroy"), stopping the reaper and waking every
// waiter blocked on a port-map entry or registry instance with a
// terminal NULL/failure state so no caller is left hanging.
func (d *IRMd) Stop() {
	d.stateMu.Lock()
	d.state = StateNull
	d.stateMu.Unlock()
	d.log.Notice("irmd: entering NULL, shutting down")
	d.reaper.Stop()

	for _, e := range d.Ports.Snapshot() {
		if e.State() == portmap.StatePending {
			_ = d.Ports.Transition(e.PortID, portmap.StateNull)
		}
	}
	d.Names.ReapInstances(func(int) bool { return false })
}

// Reg records that name may be reached via each of difNames (spec
// §6.1 REG): a separate concern from Bind/Unbind, which attach an
// ap_name to a name regardless of which DIFs advertise it.
func (d *IRMd) Reg(name string, difNames []string) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	set, ok := d.difRegs[name]
	if !ok {
		set = make(map[string]bool)
		d.difRegs[name] = set
	}
	for _, dn := range difNames {
		set[dn] = true
	}
	return nil
}

// Unreg reverses Reg for each named DIF, removing the name entirely
// once no DIF advertises it any longer.
func (d *IRMd) Unreg(name string, difNames []string) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	set, ok := d.difRegs[name]
	if !ok {
		return nil
	}
	for _, dn := range difNames {
		delete(set, dn)
	}
	if len(set) == 0 {
		delete(d.difRegs, name)
	}
	return nil
}

// registerAcceptWaiter opens a one-slot channel that FlowReqArr will
// publish the newly allocated port-id to once it has finished
// winning the rendezvous for pid (see flow.go FlowReqArr). It must be
// registered before the blocking Names.FlowAccept call begins, since
// the rendezvous's wakeup and FlowReqArr's own completion race each
// other once the listener is chosen.
func (d *IRMd) registerAcceptWaiter(pid int) chan int {
	d.acceptMu.Lock()
	defer d.acceptMu.Unlock()
	ch := make(chan int, 1)
	d.acceptWaiters[pid] = ch
	return ch
}

func (d *IRMd) unregisterAcceptWaiter(pid int) {
	d.acceptMu.Lock()
	delete(d.acceptWaiters, pid)
	d.acceptMu.Unlock()
}

func (d *IRMd) publishAcceptedPortID(pid, portID int) {
	d.acceptMu.Lock()
	ch, ok := d.acceptWaiters[pid]
	if ok {
		delete(d.acceptWaiters, pid)
	}
	d.acceptMu.Unlock()
	if ok {
		ch <- portID
	}
}

// DIFsFor reports which DIFs currently advertise name.
func (d *IRMd) DIFsFor(name string) []string {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	set, ok := d.difRegs[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for dn := range set {
		out = append(out, dn)
	}
	return out
}
