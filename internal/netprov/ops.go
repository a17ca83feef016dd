package netprov

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// LinkOps is the narrow slice of link operations the provisioner needs.
// The production implementation sits on netlink; tests substitute a recorder.
type LinkOps interface {
	AddBridge(name string) error
	AddVeth(name, peer string) error
	SetMaster(link, bridge string) error
	SetUp(name string) error
	SetDown(name string) error
	Delete(name string) error
}

// netlinkOps implements LinkOps against the kernel via rtnetlink.
type netlinkOps struct{}

// NewLinkOps returns the kernel-backed LinkOps implementation.
func NewLinkOps() LinkOps {
	return netlinkOps{}
}

func (netlinkOps) AddBridge(name string) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("add bridge %s: %w", name, err)
	}
	return nil
}

func (netlinkOps) AddVeth(name, peer string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth %s/%s: %w", name, peer, err)
	}
	return nil
}

func (netlinkOps) SetMaster(link, bridge string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return fmt.Errorf("find link %s: %w", link, err)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("find bridge %s: %w", bridge, err)
	}
	b, ok := br.(*netlink.Bridge)
	if !ok {
		return fmt.Errorf("%s is not a bridge", bridge)
	}
	if err := netlink.LinkSetMaster(l, b); err != nil {
		return fmt.Errorf("set master of %s to %s: %w", link, bridge, err)
	}
	return nil
}

func (netlinkOps) SetUp(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}

func (netlinkOps) SetDown(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", name, err)
	}
	if err := netlink.LinkSetDown(l); err != nil {
		return fmt.Errorf("set %s down: %w", name, err)
	}
	return nil
}

func (netlinkOps) Delete(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", name, err)
	}
	if err := netlink.LinkDel(l); err != nil {
		return fmt.Errorf("delete link %s: %w", name, err)
	}
	return nil
}
