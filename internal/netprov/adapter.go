// Package netprov provisions host-side networking for VM sessions: per-adapter
// bridges a hypervisor tap device can join, and veth links that connect
// bridges to each other. Bridge naming state is explicit and injectable so
// concurrent sessions stay deterministic under test.
package netprov

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	colonMAC   = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)
	compactMAC = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)
)

// Adapter describes one guest network adapter by its MAC address. The derived
// short identifier names the host bridge the adapter's tap device joins.
type Adapter struct {
	// MAC is the colon-separated hardware address, upper case.
	MAC string
}

// NewAdapter normalizes a MAC address in colon or compact form.
// It fails on anything that is not a 48-bit hardware address.
func NewAdapter(mac string) (Adapter, error) {
	switch {
	case colonMAC.MatchString(mac):
		return Adapter{MAC: strings.ToUpper(mac)}, nil
	case compactMAC.MatchString(mac):
		var parts []string
		for i := 0; i < 12; i += 2 {
			parts = append(parts, mac[i:i+2])
		}
		return Adapter{MAC: strings.ToUpper(strings.Join(parts, ":"))}, nil
	default:
		return Adapter{}, fmt.Errorf("invalid MAC address %q", mac)
	}
}

// UID is the stable short identifier derived from the MAC: its last six hex
// characters.
func (a Adapter) UID() string {
	compact := strings.ReplaceAll(a.MAC, ":", "")
	return strings.ToLower(compact[len(compact)-6:])
}

// BridgeName is the host bridge named after this adapter.
func (a Adapter) BridgeName() string {
	return "br-" + a.UID()
}

// AdaptersFromMACs builds adapters from a list of MAC strings, skipping
// entries that do not parse as hardware addresses.
func AdaptersFromMACs(macs []string) []Adapter {
	var out []Adapter
	for _, mac := range macs {
		if ad, err := NewAdapter(mac); err == nil {
			out = append(out, ad)
		}
	}
	return out
}
