// Package config loads the HCL configuration documents Ouroboros
// reads at startup: a normal IPCP's bootstrap configuration (spec
// §4.3/§8 scenario 1) and the DIF static-information record seeded
// into the RIB at enrolment (spec §4.10). It reuses the teacher's
// HCL-via-hclsimple loader shape (`internal/config`'s
// `LoadFileWithOptions`/`DefaultLoadOptions` pair), generalised to
// these two document types instead of a firewall policy file.
package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"ouroboros.dev/ouroboros/internal/errors"
)

// QoSCube is one scheduling class a DIF's bootstrap configuration
// defines (spec §4.6 "QOS_CUBE_MAX queues").
type QoSCube struct {
	Name  string `hcl:"name,label"`
	Class int    `hcl:"class"`
}

// BootstrapConf is a normal IPCP's bootstrap configuration (spec
// §4.3 "BootstrapConf{DIFName, AddrAuth, Sizes}", §6.4 PCI field
// widths).
type BootstrapConf struct {
	DIFName       string    `hcl:"dif_name"`
	AddrAuth      string    `hcl:"addr_auth"`
	AddrSize      int       `hcl:"addr_size"`
	CepIDSize     int       `hcl:"cep_id_size"`
	PDULengthSize int       `hcl:"pdu_length_size"`
	SeqNoSize     int       `hcl:"seqno_size"`
	HasTTL        bool      `hcl:"has_ttl"`
	HasChk        bool      `hcl:"has_chk"`
	MinPDU        int       `hcl:"min_pdu"`
	MaxPDU        int       `hcl:"max_pdu"`
	QoSCubes      []QoSCube `hcl:"qos_cube,block"`
}

// DIFStaticInfo is the DIF-wide object the IRMd seeds into the RIB
// tree on bootstrap and replicates to a new member on enrolment
// (spec §4.10 "Enrolment").
type DIFStaticInfo struct {
	DIFName  string   `hcl:"dif_name"`
	HashAlgo string   `hcl:"hash_algo"`
	Members  []string `hcl:"members,optional"`
}

// LoadOptions controls how a bootstrap configuration is loaded,
// mirroring the teacher's LoadOptions/DefaultLoadOptions pair.
type LoadOptions struct {
	// AllowUnknownFields is carried for callers but not consulted by
	// LoadBootstrapConfWithOptions: an unrecognised HCL block or
	// attribute fails the decode whatever its value.
	AllowUnknownFields bool
}

// DefaultLoadOptions returns the options used when none are given
// explicitly.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{AllowUnknownFields: false}
}

// LoadBootstrapConf reads and validates a bootstrap configuration
// file (spec §4.3).
func LoadBootstrapConf(path string) (*BootstrapConf, error) {
	return LoadBootstrapConfWithOptions(path, DefaultLoadOptions())
}

// LoadBootstrapConfWithOptions is LoadBootstrapConf with explicit
// options. opts does not change how the file is decoded or validated.
func LoadBootstrapConfWithOptions(path string, opts LoadOptions) (*BootstrapConf, error) {
	var conf BootstrapConf
	if err := decodeHCLFile(path, &conf); err != nil {
		return nil, err
	}
	if err := ValidateBootstrapConf(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// LoadDIFStaticInfo reads a DIF static-information document.
func LoadDIFStaticInfo(path string) (*DIFStaticInfo, error) {
	var info DIFStaticInfo
	if err := decodeHCLFile(path, &info); err != nil {
		return nil, err
	}
	if info.DIFName == "" {
		return nil, errors.New(errors.KindInvalidArg, "config: dif_name is required")
	}
	return &info, nil
}

func decodeHCLFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "config: read file")
	}
	if err := hclsimple.Decode(path, data, nil, target); err != nil {
		return errors.Wrap(err, errors.KindInvalidArg, "config: decode HCL")
	}
	return nil
}
