// Package nbs implements the neighbour set of spec §4.8: a table of
// peer IPCP records with observer-pattern notifiers invoked
// synchronously on NEIGHBOR_ADDED/NEIGHBOR_REMOVED.
package nbs

import "sync"

// Event is the kind of change delivered to a Notifier.
type Event int

const (
	NeighborAdded Event = iota
	NeighborRemoved
)

func (e Event) String() string {
	if e == NeighborRemoved {
		return "NEIGHBOR_REMOVED"
	}
	return "NEIGHBOR_ADDED"
}

// Neighbor is one peer IPCP record (spec §3 "nbs" entry).
type Neighbor struct {
	Address uint64
	Name    string
	PortID  int
}

// Notifier receives synchronous callbacks on neighbour changes. The
// classic observer pattern of spec §4.8.
type Notifier interface {
	NotifyNeighbor(event Event, n Neighbor)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(event Event, n Neighbor)

func (f NotifierFunc) NotifyNeighbor(event Event, n Neighbor) { f(event, n) }

// Set is the live neighbour table for one normal IPCP.
type Set struct {
	mu        sync.Mutex
	neighbors map[uint64]Neighbor
	notifiers []Notifier
}

// New creates an empty neighbour set.
func New() *Set {
	return &Set{neighbors: make(map[uint64]Neighbor)}
}

// Attach registers a notifier. Any number of notifiers may be
// attached; invocation order across notifiers is unspecified (spec
// §4.8), so Attach simply appends.
func (s *Set) Attach(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Add inserts or replaces a neighbour record and fires
// NEIGHBOR_ADDED on every attached notifier, in order, before
// returning — so that within one notifier, events on the same
// neighbour are strictly ordered.
func (s *Set) Add(n Neighbor) {
	s.mu.Lock()
	s.neighbors[n.Address] = n
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.Unlock()

	for _, notifier := range notifiers {
		notifier.NotifyNeighbor(NeighborAdded, n)
	}
}

// Remove deletes the neighbour at addr, if present, and fires
// NEIGHBOR_REMOVED on every attached notifier.
func (s *Set) Remove(addr uint64) {
	s.mu.Lock()
	n, ok := s.neighbors[addr]
	if ok {
		delete(s.neighbors, addr)
	}
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, notifier := range notifiers {
		notifier.NotifyNeighbor(NeighborRemoved, n)
	}
}

// Get returns the neighbour record at addr, if any.
func (s *Set) Get(addr uint64) (Neighbor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.neighbors[addr]
	return n, ok
}

// Snapshot returns a point-in-time copy of every live neighbour.
func (s *Set) Snapshot() []Neighbor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Neighbor, 0, len(s.neighbors))
	for _, n := range s.neighbors {
		out = append(out, n)
	}
	return out
}

// Len reports the number of live neighbours.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.neighbors)
}
