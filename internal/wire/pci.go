// Package wire implements the datapath PCI (Protocol Control
// Information) codec described at spec §6.4. The wire format for
// CDAP and the underlying SDU transport are explicitly out of scope
// (spec §1); this package only covers the per-PDU header fmgr
// attaches/strips on every forwarded or delivered PDU.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FieldSizes mirrors the DIF static-info fields that size the PCI
// (spec §6.4, populated from the bootstrap configuration of §4.3):
// address width, CEP-ID width, PDU-length field width, sequence
// number width, and whether the optional TTL / checksum fields are
// present at all.
type FieldSizes struct {
	AddrSize      int // bytes, one of {1,2,4,8}
	CepIDSize     int
	PDULengthSize int
	SeqNoSize     int
	HasTTL        bool
	HasChk        bool
}

// PCI is the decoded per-PDU header. Checksum is only meaningful
// when FieldSizes.HasChk is true; TTL only when HasTTL is true.
type PCI struct {
	DstAddr   uint64
	SrcAddr   uint64
	DstCepID  uint64
	SrcCepID  uint64
	QosID     uint8
	TTL       uint8
	SeqNo     uint64
	PDULength uint64
	Checksum  uint32
}

func putUint(buf []byte, width int, v uint64) []byte {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(b, v)
	default:
		// Non-power-of-two widths are encoded big-endian from the
		// low-order bytes; nothing in the spec requires them but a
		// malformed bootstrap conf should not panic the datapath.
		for i := width - 1; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
	}
	return append(buf, b...)
}

func getUint(buf []byte, width int) (uint64, []byte, error) {
	if len(buf) < width {
		return 0, nil, fmt.Errorf("wire: short PCI buffer: need %d bytes, have %d", width, len(buf))
	}
	var v uint64
	switch width {
	case 1:
		v = uint64(buf[0])
	case 2:
		v = uint64(binary.BigEndian.Uint16(buf[:2]))
	case 4:
		v = uint64(binary.BigEndian.Uint32(buf[:4]))
	case 8:
		v = binary.BigEndian.Uint64(buf[:8])
	default:
		for i := 0; i < width; i++ {
			v = v<<8 | uint64(buf[i])
		}
	}
	return v, buf[width:], nil
}

// Encode serialises a PCI according to sizes into a freshly allocated
// header.
func Encode(p PCI, sizes FieldSizes) ([]byte, error) {
	if sizes.AddrSize <= 0 || sizes.PDULengthSize <= 0 || sizes.SeqNoSize <= 0 {
		return nil, fmt.Errorf("wire: invalid field sizes %+v", sizes)
	}
	buf := make([]byte, 0, 2*sizes.AddrSize+2*sizes.CepIDSize+sizes.PDULengthSize+sizes.SeqNoSize+6)
	buf = putUint(buf, sizes.AddrSize, p.DstAddr)
	buf = putUint(buf, sizes.AddrSize, p.SrcAddr)
	if sizes.CepIDSize > 0 {
		buf = putUint(buf, sizes.CepIDSize, p.DstCepID)
		buf = putUint(buf, sizes.CepIDSize, p.SrcCepID)
	}
	buf = append(buf, p.QosID)
	if sizes.HasTTL {
		buf = append(buf, p.TTL)
	}
	buf = putUint(buf, sizes.SeqNoSize, p.SeqNo)
	buf = putUint(buf, sizes.PDULengthSize, p.PDULength)
	if sizes.HasChk {
		cbuf := make([]byte, 4)
		binary.BigEndian.PutUint32(cbuf, p.Checksum)
		buf = append(buf, cbuf...)
	}
	return buf, nil
}

// Decode parses a PCI header from the front of buf and returns the
// remainder (the SDU payload).
func Decode(buf []byte, sizes FieldSizes) (PCI, []byte, error) {
	var p PCI
	var err error

	p.DstAddr, buf, err = getUint(buf, sizes.AddrSize)
	if err != nil {
		return PCI{}, nil, err
	}
	p.SrcAddr, buf, err = getUint(buf, sizes.AddrSize)
	if err != nil {
		return PCI{}, nil, err
	}
	if sizes.CepIDSize > 0 {
		p.DstCepID, buf, err = getUint(buf, sizes.CepIDSize)
		if err != nil {
			return PCI{}, nil, err
		}
		p.SrcCepID, buf, err = getUint(buf, sizes.CepIDSize)
		if err != nil {
			return PCI{}, nil, err
		}
	}
	if len(buf) < 1 {
		return PCI{}, nil, fmt.Errorf("wire: short PCI buffer: missing qos_id")
	}
	p.QosID = buf[0]
	buf = buf[1:]
	if sizes.HasTTL {
		if len(buf) < 1 {
			return PCI{}, nil, fmt.Errorf("wire: short PCI buffer: missing ttl")
		}
		p.TTL = buf[0]
		buf = buf[1:]
	}
	p.SeqNo, buf, err = getUint(buf, sizes.SeqNoSize)
	if err != nil {
		return PCI{}, nil, err
	}
	p.PDULength, buf, err = getUint(buf, sizes.PDULengthSize)
	if err != nil {
		return PCI{}, nil, err
	}
	if sizes.HasChk {
		if len(buf) < 4 {
			return PCI{}, nil, fmt.Errorf("wire: short PCI buffer: missing checksum")
		}
		p.Checksum = binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
	}
	return p, buf, nil
}

// HeaderLen returns the encoded header length for the given sizes,
// used by fmgr to validate against DIF min/max PDU size (§4.3
// bootstrap conf min_pdu/max_pdu).
func HeaderLen(sizes FieldSizes) int {
	n := 2*sizes.AddrSize + sizes.PDULengthSize + sizes.SeqNoSize + 1
	if sizes.CepIDSize > 0 {
		n += 2 * sizes.CepIDSize
	}
	if sizes.HasTTL {
		n++
	}
	if sizes.HasChk {
		n += 4
	}
	return n
}
