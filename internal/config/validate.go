package config

import (
	"ouroboros.dev/ouroboros/internal/errors"
)

func validWidth(w int) bool {
	return w == 1 || w == 2 || w == 4 || w == 8
}

// ValidateBootstrapConf checks the field widths and bounds a
// bootstrap configuration must satisfy before it can size a DIF's
// PCI (spec §4.3, §6.4).
func ValidateBootstrapConf(c *BootstrapConf) error {
	if c.DIFName == "" {
		return errors.New(errors.KindInvalidArg, "config: dif_name is required")
	}
	if !validWidth(c.AddrSize) {
		return errors.Errorf(errors.KindInvalidArg, "config: addr_size must be one of 1,2,4,8, got %d", c.AddrSize)
	}
	if c.CepIDSize != 0 && !validWidth(c.CepIDSize) {
		return errors.Errorf(errors.KindInvalidArg, "config: cep_id_size must be 0 or one of 1,2,4,8, got %d", c.CepIDSize)
	}
	if !validWidth(c.PDULengthSize) {
		return errors.Errorf(errors.KindInvalidArg, "config: pdu_length_size must be one of 1,2,4,8, got %d", c.PDULengthSize)
	}
	if !validWidth(c.SeqNoSize) {
		return errors.Errorf(errors.KindInvalidArg, "config: seqno_size must be one of 1,2,4,8, got %d", c.SeqNoSize)
	}
	if c.MinPDU <= 0 || c.MaxPDU <= 0 {
		return errors.New(errors.KindInvalidArg, "config: min_pdu and max_pdu must be positive")
	}
	if c.MinPDU > c.MaxPDU {
		return errors.Errorf(errors.KindInvalidArg, "config: min_pdu (%d) exceeds max_pdu (%d)", c.MinPDU, c.MaxPDU)
	}
	seen := make(map[int]bool)
	for _, q := range c.QoSCubes {
		if q.Class < 0 {
			return errors.Errorf(errors.KindInvalidArg, "config: qos_cube %q has a negative class", q.Name)
		}
		if seen[q.Class] {
			return errors.Errorf(errors.KindInvalidArg, "config: qos_cube class %d declared more than once", q.Class)
		}
		seen[q.Class] = true
	}
	return nil
}
