package normalipcp

import (
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/cdap"
	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/rib"
)

// processRegistry resolves a management-flow identifier straight to
// the peer IPCP object when both happen to live in this Go process
// (true for every test, and for a single-host deployment of multiple
// normal IPCPs). CDAP's wire framing below message boundaries is
// explicitly out of scope (spec §1); a real multi-host deployment
// would serialise rib.Message and carry it over the management
// flow's shm ring buffer instead of this direct call. The opcode
// framing, invoke-id correlation, and per-request timeout above that
// wire are not out of scope, and are what cdapIssuer below drives.
var (
	procMu  sync.Mutex
	procReg = map[string]*IPCP{}
)

func registerProcess(p *IPCP) {
	procMu.Lock()
	procReg[p.Name] = p
	procMu.Unlock()
}

func unregisterProcess(name string) {
	procMu.Lock()
	delete(procReg, name)
	procMu.Unlock()
}

func lookupProcess(name string) (*IPCP, bool) {
	procMu.Lock()
	defer procMu.Unlock()
	p, ok := procReg[name]
	return p, ok
}

// cdapRequestTimeout bounds how long a single CDAP leg (one CREATE,
// WRITE, DELETE, START or STOP) waits for its response before
// cdap.Request.Wait returns KindTimeout (spec §4.11).
const cdapRequestTimeout = 5 * time.Second

// cdapIssuer implements rib.CDAPIssuer by dispatching to the named
// peer's RIB manager through this IPCP's own CDAP request table,
// standing in for the CREATE/WRITE/DELETE CDAP opcodes of spec §6.3
// carried over a management flow: every op is assigned an invoke-id,
// performed, and correlated back through Respond/Wait exactly as an
// inbound reply over the wire would be, so a peer that never answers
// still times out instead of hanging the caller.
type cdapIssuer struct {
	self *IPCP
}

func (c *cdapIssuer) IssueCreate(flow string, msg rib.Message) error {
	return c.issue(rib.OpCreate, flow, msg)
}

func (c *cdapIssuer) IssueWrite(flow string, msg rib.Message) error {
	return c.issue(rib.OpWrite, flow, msg)
}

func (c *cdapIssuer) IssueDelete(flow string, msg rib.Message) error {
	return c.issue(rib.OpDelete, flow, msg)
}

func (c *cdapIssuer) issue(op rib.Opcode, flow string, msg rib.Message) error {
	peer, ok := lookupProcess(flow)
	if !ok {
		return errors.Errorf(errors.KindIPCPFailure, "normalipcp: cdap issue to unknown management flow %q", flow)
	}
	return c.request(flow, cdapOpcodeFor(op), msg.Path, func() error {
		return peer.RIB.ApplyInbound(op, msg, c.self.Name)
	})
}

// cdapOpcodeFor maps a RIB replication op onto the CDAP opcode that
// carries it over a management flow (spec §6.3).
func cdapOpcodeFor(op rib.Opcode) cdap.Opcode {
	switch op {
	case rib.OpCreate:
		return cdap.OpCreate
	case rib.OpDelete:
		return cdap.OpDelete
	default:
		return cdap.OpWrite
	}
}

// EnrolSync drives the enrolment RIB-replication handshake via CDAP
// opcode framing (spec §4.10 "Enrolment"): CDAP_START "enrollment"
// opens the session, one CDAP_CREATE per enrol_sync node replicates
// it from peer into ribMgr, and CDAP_STOP "enrollment" closes the
// session. Each leg is correlated through this IPCP's own CDAP
// request table, so a peer that stalls mid-sync times out the whole
// enrolment instead of leaving Enroll blocked forever.
func (c *cdapIssuer) EnrolSync(ribMgr *rib.Manager, via string, peer *IPCP) error {
	if err := c.request(via, cdap.OpStart, "enrollment", func() error { return nil }); err != nil {
		return errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: cdap_start enrollment via %q failed", via)
	}

	for _, path := range peer.RIB.EnrolSyncPaths("/") {
		p := trimLeadingSlash(path)
		node, err := peer.RIB.Tree().Read(p)
		if err != nil {
			continue
		}
		if err := c.request(via, cdap.OpCreate, p, func() error {
			return ribMgr.RibCreate(p, node.Value, node.RecvSet, node.EnrolSync, node.Expiry)
		}); err != nil {
			return errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: cdap_create %q during enrolment sync via %q failed", p, via)
		}
	}

	if err := c.request(via, cdap.OpStop, "enrollment", func() error { return nil }); err != nil {
		return errors.Wrapf(err, errors.KindIPCPFailure, "normalipcp: cdap_stop enrollment via %q failed", via)
	}
	return nil
}

// request allocates an invoke-id for op/name on instance, runs do
// (standing in for the peer's side of the wire exchange), and
// correlates the outcome back through Respond/Wait — the same
// NewRequest -> Respond -> Wait round trip an inbound CDAP reply
// drives, just without serialising msg onto an actual shm ring
// buffer (spec §1 wire framing is out of scope; the correlation and
// timeout above it are not).
func (c *cdapIssuer) request(instance string, op cdap.Opcode, name string, do func() error) error {
	req := c.self.CDAP.NewRequest(instance, op, name, cdapRequestTimeout)
	go func() {
		result := cdap.Result{Code: 0}
		if err := do(); err != nil {
			result.Code = 1
		}
		c.self.CDAP.Respond(instance, req.InvokeID, result)
	}()

	res, err := req.Wait(c.self.CDAP)
	if err != nil {
		if errors.GetKind(err) == errors.KindTimeout && c.self.Metrics != nil {
			c.self.Metrics.CDAPTimeouts.Add(1)
		}
		return err
	}
	if res.Code != 0 {
		return errors.Errorf(errors.KindIPCPFailure, "normalipcp: cdap request %q on %q rejected", name, instance)
	}
	return nil
}
