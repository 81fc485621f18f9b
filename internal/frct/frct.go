// Package frct implements the FRCT connection table of spec §4.6:
// a bijection between port-ids and connection endpoint ids (CEP-IDs),
// plus the encapsulate/decapsulate dispatch the flow manager calls
// into on every SDU.
package frct

import (
	"sync"

	"ouroboros.dev/ouroboros/internal/bitmap"
	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/wire"
)

// InvalidCepID is the sentinel value for an unbound CEP-ID slot
// (spec §4.6 "INVALID_CEP_ID / -1").
const InvalidCepID = -1

// Table maintains the fd<->cep_id bijection for one normal IPCP's
// local endpoint, under a single reader/writer lock (spec §4.6).
type Table struct {
	mu        sync.RWMutex
	bm        *bitmap.Bitmap
	portToCep map[int]int
	cepToPort map[int]int
}

// New creates a connection table able to hold up to maxConns
// simultaneous CEP-IDs.
func New(maxConns int) *Table {
	return &Table{
		bm:        bitmap.New(maxConns),
		portToCep: make(map[int]int),
		cepToPort: make(map[int]int),
	}
}

// Alloc draws a CEP-ID and binds it to portID (fmgr_np1_alloc, spec
// §4.6). It fails if portID already owns a CEP-ID.
func (t *Table) Alloc(portID int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.portToCep[portID]; exists {
		return InvalidCepID, errors.Errorf(errors.KindInvalidArg, "frct: port %d already has a connection", portID)
	}
	cepID, ok := t.bm.Allocate()
	if !ok {
		return InvalidCepID, errors.New(errors.KindResource, "frct: cep-id bitmap exhausted")
	}
	t.portToCep[portID] = cepID
	t.cepToPort[cepID] = portID
	return cepID, nil
}

// AllocResp binds an externally-assigned remote cepID alongside the
// local allocation (fmgr_np1_alloc_resp, spec §4.6), used when the
// peer's FLOW_ALLOC_REPLY carries the CEP-ID it chose.
func (t *Table) AllocResp(portID, cepID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.portToCep[portID]; exists {
		return errors.Errorf(errors.KindInvalidArg, "frct: port %d already has a connection", portID)
	}
	if _, taken := t.cepToPort[cepID]; taken {
		return errors.Errorf(errors.KindInvalidArg, "frct: cep-id %d already bound", cepID)
	}
	t.portToCep[portID] = cepID
	t.cepToPort[cepID] = portID
	return nil
}

// Dealloc releases portID's CEP-ID, resetting the bijection entry to
// INVALID_CEP_ID as required on negative reply or deallocation
// (spec §4.6).
func (t *Table) Dealloc(portID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cepID, ok := t.portToCep[portID]
	if !ok {
		return
	}
	delete(t.portToCep, portID)
	delete(t.cepToPort, cepID)
	t.bm.Release(cepID)
}

// CepIDFor returns the CEP-ID bound to portID, or InvalidCepID if
// none.
func (t *Table) CepIDFor(portID int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cepID, ok := t.portToCep[portID]; ok {
		return cepID
	}
	return InvalidCepID
}

// PortFor returns the port-id bound to cepID, or (-1, false) if
// none.
func (t *Table) PortFor(cepID int) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	portID, ok := t.cepToPort[cepID]
	return portID, ok
}

// Encapsulate builds the PCI header for an outbound SDU on portID
// and prepends it to sdu (fmgr_np1_post_sdu's encapsulation half,
// spec §4.6).
func (t *Table) Encapsulate(portID int, pci wire.PCI, sizes wire.FieldSizes, sdu []byte) ([]byte, error) {
	cepID := t.CepIDFor(portID)
	if cepID == InvalidCepID {
		return nil, errors.Errorf(errors.KindNotBound, "frct: port %d has no connection", portID)
	}
	pci.SrcCepID = uint64(cepID)
	header, err := wire.Encode(pci, sizes)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "frct: encode pci")
	}
	out := make([]byte, 0, len(header)+len(sdu))
	out = append(out, header...)
	out = append(out, sdu...)
	return out, nil
}

// Decapsulate strips and parses the PCI header from an inbound PDU,
// resolving the destination CEP-ID to a local port-id.
func (t *Table) Decapsulate(pdu []byte, sizes wire.FieldSizes) (portID int, pci wire.PCI, sdu []byte, err error) {
	pci, sdu, err = wire.Decode(pdu, sizes)
	if err != nil {
		return 0, wire.PCI{}, nil, errors.Wrap(err, errors.KindInternal, "frct: decode pci")
	}
	portID, ok := t.PortFor(int(pci.DstCepID))
	if !ok {
		return 0, pci, nil, errors.Errorf(errors.KindNotBound, "frct: no port bound to cep-id %d", pci.DstCepID)
	}
	return portID, pci, sdu, nil
}
