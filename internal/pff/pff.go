// Package pff implements the PDU Forwarding Function of spec §4.7:
// a read-mostly map from destination address to the single next-hop
// port-id an N-1-reader should forward on.
package pff

import (
	"sync"

	"ouroboros.dev/ouroboros/internal/errors"
)

// Table is the forwarding table for one normal IPCP. Lookups
// (nhop) run concurrently with each other; add/update/remove take
// the table exclusively. The spec leaves the underlying structure
// unprescribed beyond this access pattern, so a map suffices.
type Table struct {
	mu    sync.RWMutex
	nhops map[uint64]int
}

// New creates an empty forwarding table.
func New() *Table {
	return &Table{nhops: make(map[uint64]int)}
}

// Nhop returns the next-hop port-id for addr, or an error if no
// route exists.
func (t *Table) Nhop(addr uint64) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fd, ok := t.nhops[addr]
	if !ok {
		return 0, errors.Errorf(errors.KindNotFound, "pff: no route to address %d", addr)
	}
	return fd, nil
}

// Add inserts a new route. It fails if addr is already routed, to
// maintain the uniqueness the spec requires of add/update/remove.
func (t *Table) Add(addr uint64, portID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nhops[addr]; exists {
		return errors.Errorf(errors.KindInvalidArg, "pff: route to address %d already exists", addr)
	}
	t.nhops[addr] = portID
	return nil
}

// Update replaces the next hop for an existing route.
func (t *Table) Update(addr uint64, portID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nhops[addr]; !exists {
		return errors.Errorf(errors.KindNotFound, "pff: no route to address %d to update", addr)
	}
	t.nhops[addr] = portID
	return nil
}

// Remove deletes the route to addr, if any. Idempotent.
func (t *Table) Remove(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nhops, addr)
}

// Len reports the number of live routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nhops)
}
