package ptf

import (
	"embed"
	"fmt"
	"net"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Host preparation scripts shipped to the PTF host.
const (
	RemoveIPScript  = "remove_ip.sh"
	ChangeMACScript = "change_mac.sh"
)

//go:embed scripts/*.sh
var scripts embed.FS

// Script returns the body of an embedded host script.
func Script(name string) ([]byte, error) {
	b, err := scripts.ReadFile("scripts/" + name)
	if err != nil {
		return nil, errors.Wrapf(err, "no PTF script named %v", name)
	}
	return b, nil
}

// Function pointers that interact with the host links. They enable unit
// testing of LocalHost.
var (
	hostLinkByName = func(name string) (netlink.Link, error) {
		return netlink.LinkByName(name)
	}
	hostAddrList = func(link netlink.Link) ([]netlink.Addr, error) {
		return netlink.AddrList(link, netlink.FAMILY_ALL)
	}
	hostAddrDel = func(link netlink.Link, addr *netlink.Addr) error {
		return netlink.AddrDel(link, addr)
	}
	hostSetHardwareAddr = func(link netlink.Link, hwaddr net.HardwareAddr) error {
		return netlink.LinkSetHardwareAddr(link, hwaddr)
	}
)

// LocalHost prepares PTF interfaces on the machine running the test. It does
// what remove_ip.sh and change_mac.sh do, for runs where the PTF is local.
type LocalHost struct {
	Ports      []int
	PortFormat string
}

func (h LocalHost) ifname(index int) string {
	format := h.PortFormat
	if format == "" {
		format = DefaultPortFormat
	}
	return fmt.Sprintf(format, index)
}

// RemoveIPs flushes every address from the PTF interfaces. It's equivalent to:
//
//	ip addr flush dev <name>
func (h LocalHost) RemoveIPs() error {
	for _, index := range h.Ports {
		name := h.ifname(index)
		link, err := hostLinkByName(name)
		if err != nil {
			return errors.Wrapf(err, "getting link for interface %q", name)
		}
		addrs, err := hostAddrList(link)
		if err != nil {
			return errors.Wrapf(err, "listing addresses of %q", name)
		}
		for i := range addrs {
			if err := hostAddrDel(link, &addrs[i]); err != nil {
				return errors.Wrapf(err, "removing %v from %q", addrs[i].IPNet, name)
			}
		}
		log.Infof("Flushed %d addresses from %v", len(addrs), name)
	}
	return nil
}

// ChangeMACs rewrites the last octet of every PTF interface MAC with its
// port index so that no two PTF ports share a source MAC.
func (h LocalHost) ChangeMACs() error {
	for _, index := range h.Ports {
		name := h.ifname(index)
		link, err := hostLinkByName(name)
		if err != nil {
			return errors.Wrapf(err, "getting link for interface %q", name)
		}
		old := link.Attrs().HardwareAddr
		mac, err := UniquePortMAC(old, index)
		if err != nil {
			return errors.Wrapf(err, "interface %q", name)
		}
		if err := hostSetHardwareAddr(link, mac); err != nil {
			return errors.Wrapf(err, "setting MAC %v on %q", mac, name)
		}
		log.Infof("Update %v MAC address: %v->%v", name, old, mac)
	}
	return nil
}

// UniquePortMAC returns base with its last octet replaced by the port index.
func UniquePortMAC(base net.HardwareAddr, index int) (net.HardwareAddr, error) {
	if len(base) != 6 {
		return nil, errors.Errorf("unexpected MAC address %v", base)
	}
	if index < 0 || index > 0xff {
		return nil, errors.Errorf("port index %d does not fit in one octet", index)
	}
	mac := append(net.HardwareAddr(nil), base...)
	mac[5] = byte(index)
	return mac, nil
}
