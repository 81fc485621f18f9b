// Package cdap implements the pending-request correlation table of
// spec §4.11: each outbound CDAP request (CREATE, DELETE, READ,
// WRITE, START, STOP) is assigned an invoke-id and a record that an
// inbound reply or a shutdown wakes exactly once.
package cdap

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ouroboros.dev/ouroboros/internal/condutil"
	"ouroboros.dev/ouroboros/internal/errors"
)

// Opcode names a CDAP operation (spec §6.3).
type Opcode int

const (
	OpCreate Opcode = iota
	OpDelete
	OpRead
	OpWrite
	OpStart
	OpStop
)

// State is a CDAP request's lifecycle state (spec §4.11).
type State int

const (
	StateInit State = iota
	StatePending
	StateResponse
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateResponse:
		return "RESPONSE"
	case StateDone:
		return "DONE"
	default:
		return "INIT"
	}
}

// Result carries a reply's outcome, published into the request
// record by respond (spec §4.11).
type Result struct {
	Code    int
	Payload []byte
}

// Request is one outbound CDAP request record (spec §3 "CDAP
// request record").
type Request struct {
	InvokeID string
	Opcode   Opcode
	Name     string
	Instance string // the management flow / CACEP instance this request rides

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	result   Result
	deadline time.Time
}

// State returns the request's current state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Table is the set of in-flight requests, keyed by invoke-id
// (spec's "list under cdap_reqs_lock").
type Table struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// New creates an empty request table.
func New() *Table {
	return &Table{requests: make(map[string]*Request)}
}

// NewRequest allocates a fresh invoke-id and registers a PENDING
// request bound to instance, with a relative timeout converted to an
// absolute deadline at construction (spec §4.11).
func (t *Table) NewRequest(instance string, opcode Opcode, name string, timeout time.Duration) *Request {
	r := &Request{
		InvokeID: uuid.NewString(),
		Opcode:   opcode,
		Name:     name,
		Instance: instance,
		state:    StatePending,
		deadline: time.Now().Add(timeout),
	}
	r.cond = sync.NewCond(&r.mu)

	t.mu.Lock()
	t.requests[r.InvokeID] = r
	t.mu.Unlock()
	return r
}

// Respond resolves the request matching (instance, invokeID) if it
// is still PENDING, recording result and waking its waiter (spec
// §4.11 "only one respond per request").
func (t *Table) Respond(instance, invokeID string, result Result) error {
	t.mu.Lock()
	r, ok := t.requests[invokeID]
	t.mu.Unlock()
	if !ok || r.Instance != instance {
		return errors.Errorf(errors.KindNotFound, "cdap: no pending request %s on instance %s", invokeID, instance)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return errors.Errorf(errors.KindState, "cdap: request %s already resolved", invokeID)
	}
	r.result = result
	r.state = StateResponse
	r.cond.Broadcast()
	return nil
}

// Wait blocks the caller until the request reaches RESPONSE (success),
// its absolute deadline passes (KindTimeout), or Destroy/DestroyAll
// ends it (KindState), then transitions it to DONE and removes it from
// the table in every case.
func (r *Request) Wait(t *Table) (Result, error) {
	r.mu.Lock()
	for r.state == StatePending {
		if condutil.WaitTimeout(r.cond, r.deadline) && r.state == StatePending {
			break
		}
	}
	timedOut := r.state == StatePending
	destroyed := r.state == StateDone
	r.state = StateDone
	result := r.result
	r.mu.Unlock()

	t.mu.Lock()
	delete(t.requests, r.InvokeID)
	t.mu.Unlock()

	if timedOut {
		return Result{}, errors.Errorf(errors.KindTimeout, "cdap: request %s timed out", r.InvokeID)
	}
	if destroyed {
		return Result{}, errors.Errorf(errors.KindState, "cdap: request %s destroyed before a reply arrived", r.InvokeID)
	}
	return result, nil
}

// Destroy moves a still-pending request straight to DONE (the
// PENDING -> DESTROY -> DONE shortcut of spec §4.11), waking any
// waiter with a failure result. Safe to call at any time, including
// after the request has already resolved.
func (t *Table) Destroy(invokeID string) {
	t.mu.Lock()
	r, ok := t.requests[invokeID]
	delete(t.requests, invokeID)
	t.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.state == StatePending {
		r.state = StateDone
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// DestroyAll wakes every pending request on instance with a failure
// result, used when a management flow tears down (spec §4.11
// destruction guarantee: no waiter is lost).
func (t *Table) DestroyAll(instance string) {
	t.mu.Lock()
	var victims []*Request
	for id, r := range t.requests {
		if r.Instance == instance {
			victims = append(victims, r)
			delete(t.requests, id)
		}
	}
	t.mu.Unlock()

	for _, r := range victims {
		r.mu.Lock()
		if r.state == StatePending {
			r.state = StateDone
			r.cond.Broadcast()
		}
		r.mu.Unlock()
	}
}

// Len reports the number of requests still in flight.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
