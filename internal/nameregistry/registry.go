// Package nameregistry implements the name registry and flow
// rendezvous state machine of spec §4.2: binding application names
// to listeners, and matching an inbound flow_req_arr to exactly one
// sleeping accept() instance without losing a wakeup.
package nameregistry

import (
	"os/exec"
	"sync"
	"time"

	"ouroboros.dev/ouroboros/internal/condutil"
	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/latch"
)

// State is a registry entry's lifecycle state (spec §3, §4.2).
type State int

const (
	StateNull State = iota
	StateIdle
	StateAutoAccept
	StateAutoExec
	StateFlowAccept
	StateFlowArrived
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAutoAccept:
		return "AUTO_ACCEPT"
	case StateAutoExec:
		return "AUTO_EXEC"
	case StateFlowAccept:
		return "FLOW_ACCEPT"
	case StateFlowArrived:
		return "FLOW_ARRIVED"
	default:
		return "NULL"
	}
}

// instState is a registration instance's private state (spec §3).
type instState int

const (
	instNull instState = iota
	instSleep
	instWake
)

// AutoExecInfo is one auto-exec candidate bound to a name (spec §3
// "auto_ap_info").
type AutoExecInfo struct {
	ProgramPath string
	Argv        []string
}

// instance sleeps on its own private condvar (spec §4.2: "registers
// an instance, sleeps on its private condvar"), so waking it is a
// plain Signal rather than a Broadcast racing against siblings
// sleeping on the same entry.
type instance struct {
	pid   int
	mu    sync.Mutex
	cond  *sync.Cond
	state instState
	dstAE string
	ack   *latch.Latch[struct{}]
}

func newInstance(pid int) *instance {
	inst := &instance{pid: pid, state: instSleep, ack: latch.New[struct{}]()}
	inst.cond = sync.NewCond(&inst.mu)
	return inst
}

// Entry is one registered name (spec §3 "Registry entry").
type Entry struct {
	Name string

	mu         sync.Mutex
	cond       *sync.Cond // used only for the AUTO_EXEC spawn-wait, not per-instance wakeups
	state      State
	apNames    map[string]bool
	autoAPInfo []AutoExecInfo
	instances  []*instance
}

func newEntry(name string) *Entry {
	e := &Entry{Name: name, apNames: make(map[string]bool), state: StateNull}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Registry holds one Entry per bound name.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	// Exec spawns argv[0] with argv as arguments, returning the
	// spawned process's pid. Overridable in tests to avoid forking
	// real binaries.
	Exec func(path string, argv []string) (pid int, err error)

	AutoExecTimeout time.Duration
}

// New creates an empty Registry. AutoExecTimeout bounds how long
// flow_req_arr waits for an auto-exec'd program to reach accept().
func New(autoExecTimeout time.Duration) *Registry {
	if autoExecTimeout <= 0 {
		autoExecTimeout = 5 * time.Second
	}
	return &Registry{
		entries:         make(map[string]*Entry),
		AutoExecTimeout: autoExecTimeout,
		Exec:            defaultExec,
	}
}

func defaultExec(path string, argv []string) (int, error) {
	cmd := exec.Command(path, argv[1:]...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func (r *Registry) entry(name string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = newEntry(name)
		r.entries[name] = e
	}
	return e
}

// Bind registers apName against name. If auto is true, argv is
// remembered as an auto-exec candidate and the entry (if currently
// unbound) enters AUTO_ACCEPT; otherwise it enters IDLE.
func (r *Registry) Bind(name, apName string, auto bool, argv []string) error {
	if name == "" || apName == "" {
		return errors.New(errors.KindInvalidArg, "nameregistry: name and ap_name are required")
	}
	e := r.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apNames[apName] = true
	if auto {
		e.autoAPInfo = append(e.autoAPInfo, AutoExecInfo{ProgramPath: apName, Argv: argv})
	}
	if e.state == StateNull {
		if auto {
			e.state = StateAutoAccept
		} else {
			e.state = StateIdle
		}
	}
	return nil
}

// Unbind removes apName from name's registration, demoting the
// entry back toward NULL once nothing remains bound and no
// instances are registered (spec §4.2 "any ─ last instance gone ─▶
// IDLE or AUTO_ACCEPT").
func (r *Registry) Unbind(name, apName string) error {
	e := r.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.apNames, apName)
	filtered := e.autoAPInfo[:0]
	for _, info := range e.autoAPInfo {
		if info.ProgramPath != apName {
			filtered = append(filtered, info)
		}
	}
	e.autoAPInfo = filtered
	e.demoteLocked()
	return nil
}

func (e *Entry) demoteLocked() {
	if len(e.apNames) == 0 && len(e.instances) == 0 {
		e.state = StateNull
	} else if len(e.instances) == 0 {
		if len(e.autoAPInfo) > 0 {
			e.state = StateAutoAccept
		} else {
			e.state = StateIdle
		}
	}
}

// Count returns the number of names currently bound to at least one
// ap_name, used by tests verifying bind/unbind round-trips.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		e.mu.Lock()
		if len(e.apNames) > 0 {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// FlowAccept blocks the calling pid until a flow arrives for name,
// returning the requested AE name. It registers a sleeping instance
// under the entry, matching spec §4.2's "flow_accept(pid, ap_name)
// registers an instance, sleeps on its private condvar".
func (r *Registry) FlowAccept(name string, pid int) (string, error) {
	e := r.entry(name)

	e.mu.Lock()
	if e.state == StateNull {
		e.mu.Unlock()
		return "", errors.Errorf(errors.KindNotBound, "nameregistry: %q has no bound application", name)
	}
	inst := newInstance(pid)
	e.instances = append(e.instances, inst)
	if e.state == StateIdle || e.state == StateAutoAccept || e.state == StateAutoExec {
		e.state = StateFlowAccept
	}
	e.cond.Broadcast() // wake any flow_req_arr waiting in AUTO_EXEC
	e.mu.Unlock()

	inst.mu.Lock()
	for inst.state == instSleep {
		inst.cond.Wait()
	}
	woke := inst.state == instWake
	dstAE := inst.dstAE
	inst.mu.Unlock()

	e.mu.Lock()
	e.removeInstanceLocked(inst)
	if e.state == StateFlowArrived {
		e.state = StateFlowAccept
	}
	e.demoteLocked()
	e.mu.Unlock()

	inst.ack.Fire(struct{}{})

	if !woke {
		return "", errors.New(errors.KindState, "nameregistry: instance destroyed before a flow arrived")
	}
	return dstAE, nil
}

func (e *Entry) removeInstanceLocked(target *instance) {
	for i, inst := range e.instances {
		if inst == target {
			e.instances = append(e.instances[:i], e.instances[i+1:]...)
			return
		}
	}
}

// ReapInstances removes every sleeping instance whose pid no longer
// passes alive, waking its FlowAccept call with a destroyed-instance
// error and demoting the entry's state (spec §4.5: "removes registry
// instances whose pid has exited, demoting state as in §4.2").
func (r *Registry) ReapInstances(alive func(pid int) bool) {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		var kept, dead []*instance
		for _, inst := range e.instances {
			if alive(inst.pid) {
				kept = append(kept, inst)
			} else {
				dead = append(dead, inst)
			}
		}
		e.instances = kept
		e.demoteLocked()
		e.mu.Unlock()

		for _, inst := range dead {
			inst.mu.Lock()
			if inst.state == instSleep {
				inst.state = instNull
				inst.cond.Signal()
			}
			inst.mu.Unlock()
		}
	}
}

// FlowReqArr delivers an inbound flow arrival for name, requesting
// ae (the destination AE name). It wakes exactly one sleeping
// instance (spec's chosen "single winner" resolution of the Open
// Question in §9) and blocks until that instance has observed the
// wakeup, to guarantee no lost wakeup, returning that instance's pid
// (spec §4.4: "on success publish n_api in the entry"). If the entry
// is AUTO_ACCEPT, it first spawns the bound auto-exec program and
// waits (up to AutoExecTimeout) for it to call FlowAccept.
func (r *Registry) FlowReqArr(name, ae string) (int, error) {
	e := r.entry(name)

	e.mu.Lock()
	if e.state == StateNull || e.state == StateIdle {
		e.mu.Unlock()
		return 0, errors.Errorf(errors.KindNotBound, "nameregistry: %q not bound or not accepting", name)
	}

	if e.state == StateAutoAccept {
		if len(e.autoAPInfo) == 0 {
			e.mu.Unlock()
			return 0, errors.Errorf(errors.KindNotBound, "nameregistry: %q has no auto-exec candidate", name)
		}
		info := e.autoAPInfo[0]
		e.state = StateAutoExec
		e.mu.Unlock()

		if _, err := r.Exec(info.ProgramPath, info.Argv); err != nil {
			e.mu.Lock()
			e.state = StateAutoAccept
			e.mu.Unlock()
			return 0, errors.Wrapf(err, errors.KindIPCPFailure, "nameregistry: auto-exec %q failed", info.ProgramPath)
		}

		e.mu.Lock()
		deadline := time.Now().Add(r.AutoExecTimeout)
		for e.state != StateFlowAccept {
			if condutil.WaitTimeout(e.cond, deadline) && e.state != StateFlowAccept {
				e.state = StateAutoAccept
				e.mu.Unlock()
				return 0, errors.Errorf(errors.KindTimeout, "nameregistry: auto-exec %q did not call accept in time", info.ProgramPath)
			}
		}
	}

	if e.state != StateFlowAccept {
		e.mu.Unlock()
		return 0, errors.Errorf(errors.KindNotBound, "nameregistry: %q has no listener", name)
	}

	var target *instance
	for _, inst := range e.instances {
		inst.mu.Lock()
		if inst.state == instSleep {
			inst.state = instWake
			inst.dstAE = ae
			inst.cond.Signal()
			inst.mu.Unlock()
			target = inst
			break
		}
		inst.mu.Unlock()
	}
	if target == nil {
		e.mu.Unlock()
		return 0, errors.Errorf(errors.KindNotBound, "nameregistry: %q has no sleeping listener", name)
	}

	e.state = StateFlowArrived
	e.mu.Unlock()

	target.ack.Wait()
	return target.pid, nil
}
