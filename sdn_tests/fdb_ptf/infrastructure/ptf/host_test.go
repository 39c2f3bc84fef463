package ptf

import (
	"bytes"
	"fmt"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vishvananda/netlink"
)

func fakeHostLinks(t *testing.T, names ...string) (map[string]*netlink.Dummy, map[string][]netlink.Addr) {
	t.Helper()
	links := map[string]*netlink.Dummy{}
	addrs := map[string][]netlink.Addr{}
	for i, name := range names {
		links[name] = &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{
			Name:         name,
			HardwareAddr: net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		}}
		addrs[name] = []netlink.Addr{{IPNet: &net.IPNet{IP: net.IPv4(10, 0, 0, byte(i)), Mask: net.CIDRMask(24, 32)}}}
	}
	origLink, origList, origDel, origSet := hostLinkByName, hostAddrList, hostAddrDel, hostSetHardwareAddr
	hostLinkByName = func(name string) (netlink.Link, error) {
		l, ok := links[name]
		if !ok {
			return nil, fmt.Errorf("link %s not found", name)
		}
		return l, nil
	}
	hostAddrList = func(link netlink.Link) ([]netlink.Addr, error) {
		return addrs[link.Attrs().Name], nil
	}
	hostAddrDel = func(link netlink.Link, addr *netlink.Addr) error {
		name := link.Attrs().Name
		var kept []netlink.Addr
		for _, a := range addrs[name] {
			if !a.IPNet.IP.Equal(addr.IPNet.IP) {
				kept = append(kept, a)
			}
		}
		addrs[name] = kept
		return nil
	}
	hostSetHardwareAddr = func(link netlink.Link, hwaddr net.HardwareAddr) error {
		link.Attrs().HardwareAddr = hwaddr
		return nil
	}
	t.Cleanup(func() {
		hostLinkByName, hostAddrList, hostAddrDel, hostSetHardwareAddr = origLink, origList, origDel, origSet
	})
	return links, addrs
}

func TestLocalHostRemoveIPs(t *testing.T) {
	_, addrs := fakeHostLinks(t, "eth0", "eth1")
	h := LocalHost{Ports: []int{0, 1}}
	if err := h.RemoveIPs(); err != nil {
		t.Fatalf("RemoveIPs() failed: %v", err)
	}
	for name, a := range addrs {
		if len(a) != 0 {
			t.Errorf("%v still has addresses %v", name, a)
		}
	}
}

func TestLocalHostChangeMACs(t *testing.T) {
	links, _ := fakeHostLinks(t, "eth0", "eth1")
	h := LocalHost{Ports: []int{0, 1}}
	if err := h.ChangeMACs(); err != nil {
		t.Fatalf("ChangeMACs() failed: %v", err)
	}
	mac0, mac1 := links["eth0"].Attrs().HardwareAddr, links["eth1"].Attrs().HardwareAddr
	if bytes.Equal(mac0, mac1) {
		t.Errorf("eth0 and eth1 share MAC %v", mac0)
	}
	if diff := cmp.Diff(net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x01}, mac1); diff != "" {
		t.Errorf("eth1 MAC mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalHostMissingLink(t *testing.T) {
	fakeHostLinks(t, "eth0")
	if err := (LocalHost{Ports: []int{5}}).RemoveIPs(); err == nil {
		t.Error("RemoveIPs() on missing eth5 succeeded, want error")
	}
}

func TestUniquePortMAC(t *testing.T) {
	base := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	got, err := UniquePortMAC(base, 0x1c)
	if err != nil {
		t.Fatalf("UniquePortMAC() failed: %v", err)
	}
	if diff := cmp.Diff(net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x1c}, got); diff != "" {
		t.Errorf("UniquePortMAC() mismatch (-want +got):\n%s", diff)
	}
	if base[5] != 0x56 {
		t.Error("UniquePortMAC() modified its input")
	}
	if _, err := UniquePortMAC(base, 256); err == nil {
		t.Error("UniquePortMAC(256) succeeded, want error")
	}
	if _, err := UniquePortMAC(net.HardwareAddr{1, 2, 3}, 1); err == nil {
		t.Error("UniquePortMAC() with short MAC succeeded, want error")
	}
}

func TestScript(t *testing.T) {
	for _, name := range []string{RemoveIPScript, ChangeMACScript} {
		b, err := Script(name)
		if err != nil {
			t.Errorf("Script(%v) failed: %v", name, err)
			continue
		}
		if !bytes.HasPrefix(b, []byte("#!/bin/bash")) {
			t.Errorf("Script(%v) has no bash shebang", name)
		}
	}
	if _, err := Script("missing.sh"); err == nil {
		t.Error("Script(missing.sh) succeeded, want error")
	}
}
