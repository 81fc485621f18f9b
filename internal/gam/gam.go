// Package gam implements the Graph Adjacency Manager of spec §4.9:
// it drives N-1 flow establishment, runs CACEP authentication, and
// consults a pluggable policy before admitting a peer as an
// adjacency, publishing established adjacencies FIFO to
// gam_flow_wait's consumer (typically enrolment or routing).
package gam

import (
	"sync"

	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/nbs"
)

// Policy decides whether to admit a candidate neighbour as an
// adjacency (spec §4.9 "policy object, e.g. complete").
type Policy interface {
	AcceptFlow(candidate nbs.Neighbor) bool
}

// CompletePolicy attempts a fully-connected graph: every candidate
// that reaches the policy step (i.e. already passed CACEP auth) is
// accepted.
type CompletePolicy struct{}

func (CompletePolicy) AcceptFlow(nbs.Neighbor) bool { return true }

// Authenticator runs CACEP (Common Application Connection
// Establishment Protocol) authentication over a newly-established
// N-1 flow.
type Authenticator interface {
	Authenticate(portID int, candidate nbs.Neighbor) error
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(portID int, candidate nbs.Neighbor) error

func (f AuthenticatorFunc) Authenticate(portID int, candidate nbs.Neighbor) error {
	return f(portID, candidate)
}

// Device abstracts the IPCP flow primitives gam drives: allocating
// an outgoing N-1 flow to a named destination, and closing one that
// failed authentication or policy (spec §4.9 step 1, "establish or
// accept a flow via the IPCP device interface").
type Device interface {
	AllocFlow(dstName string) (portID int, err error)
	CloseFlow(portID int) error
}

// Adjacency is one accepted N-1 neighbour relationship.
type Adjacency struct {
	Neighbor nbs.Neighbor
	PortID   int
}

// Manager is one gam instance, scoped to a single application
// entity (spec's `gam_create(policy, nbs, ae)`).
type Manager struct {
	policy Policy
	nbs    *nbs.Set
	ae     string
	auth   Authenticator
	device Device

	mu    sync.Mutex
	cond  *sync.Cond
	queue []Adjacency
}

// New creates a gam instance bound to ae, driving flows through
// device and authenticating them with auth.
func New(policy Policy, nbrs *nbs.Set, ae string, auth Authenticator, device Device) *Manager {
	m := &Manager{policy: policy, nbs: nbrs, ae: ae, auth: auth, device: device}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// admit runs the common tail of both flow_alloc and flow_arr: CACEP
// auth, policy check, adjacency recording (spec §4.9 steps 2-4).
func (m *Manager) admit(portID int, candidate nbs.Neighbor) error {
	if m.auth != nil {
		if err := m.auth.Authenticate(portID, candidate); err != nil {
			m.device.CloseFlow(portID)
			return errors.Wrapf(err, errors.KindState, "gam: CACEP authentication failed for %s", candidate.Name)
		}
	}
	if !m.policy.AcceptFlow(candidate) {
		m.device.CloseFlow(portID)
		return errors.Errorf(errors.KindState, "gam: policy rejected adjacency to %s", candidate.Name)
	}

	m.nbs.Add(candidate)

	m.mu.Lock()
	m.queue = append(m.queue, Adjacency{Neighbor: candidate, PortID: portID})
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

// FlowAlloc establishes an outgoing N-1 flow to dstName and, on
// success, admits it as an adjacency (gam_flow_alloc, spec §4.9).
func (m *Manager) FlowAlloc(dstName string, candidate nbs.Neighbor) error {
	portID, err := m.device.AllocFlow(dstName)
	if err != nil {
		return errors.Wrapf(err, errors.KindIPCPFailure, "gam: flow_alloc to %s failed", dstName)
	}
	return m.admit(portID, candidate)
}

// FlowArr admits an already-accepted inbound N-1 flow as an
// adjacency (gam_flow_arr, spec §4.9) — portID was accepted by the
// caller via the IPCP device interface before calling in.
func (m *Manager) FlowArr(portID int, candidate nbs.Neighbor) error {
	return m.admit(portID, candidate)
}

// FlowWait returns the next established adjacency, FIFO order,
// blocking until one is available (spec §4.9 gam_flow_wait).
func (m *Manager) FlowWait() Adjacency {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 {
		m.cond.Wait()
	}
	a := m.queue[0]
	m.queue = m.queue[1:]
	return a
}

// Pending reports how many established adjacencies are waiting to
// be consumed by FlowWait.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
