package testhelper

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// CONFIG_DB tables the facts are built from.
const (
	PortTable           = "PORT"
	VLANTable           = "VLAN"
	VLANMemberTable     = "VLAN_MEMBER"
	VLANInterfaceTable  = "VLAN_INTERFACE"
	DeviceMetadataTable = "DEVICE_METADATA"

	configDBKeySeparator = "|"
	routerMACPort        = "Ethernet0"
)

// ConfigDBTable maps a CONFIG_DB key to its fields.
type ConfigDBTable map[string]map[string]any

// ConfigDB holds the CONFIG_DB tables needed to describe the VLAN topology.
type ConfigDB struct {
	Port           ConfigDBTable `json:"PORT"`
	VLAN           ConfigDBTable `json:"VLAN"`
	VLANMember     ConfigDBTable `json:"VLAN_MEMBER"`
	VLANInterface  ConfigDBTable `json:"VLAN_INTERFACE"`
	DeviceMetadata ConfigDBTable `json:"DEVICE_METADATA"`
}

// ParseConfigDB decodes the JSON printed by "sonic-cfggen -d --print-data".
func ParseConfigDB(b []byte) (*ConfigDB, error) {
	db := &ConfigDB{}
	if err := json.Unmarshal(b, db); err != nil {
		return nil, errors.Wrap(err, "failed to decode CONFIG_DB")
	}
	return db, nil
}

// setTable stores a table decoded on its own, as returned by a gNMI Get.
func (db *ConfigDB) setTable(name string, b []byte) error {
	var table ConfigDBTable
	if err := json.Unmarshal(b, &table); err != nil {
		return errors.Wrapf(err, "failed to decode CONFIG_DB table %v", name)
	}
	switch name {
	case PortTable:
		db.Port = table
	case VLANTable:
		db.VLAN = table
	case VLANMemberTable:
		db.VLANMember = table
	case VLANInterfaceTable:
		db.VLANInterface = table
	case DeviceMetadataTable:
		db.DeviceMetadata = table
	default:
		return errors.Errorf("unexpected CONFIG_DB table %v", name)
	}
	return nil
}

// FactsSource reads DUT state needed by the FDB tests.
type FactsSource interface {
	ConfigDB(ctx context.Context) (*ConfigDB, error)
	RouterMAC(ctx context.Context) (net.HardwareAddr, error)
}

// SSHFacts reads facts through the DUT CLI.
type SSHFacts struct {
	DUT *DUT
}

// ConfigDB runs sonic-cfggen on the DUT.
func (s SSHFacts) ConfigDB(ctx context.Context) (*ConfigDB, error) {
	out, err := RunDUTCommand(ctx, s.DUT, "sonic-cfggen -d --print-data")
	if err != nil {
		return nil, err
	}
	return ParseConfigDB([]byte(out))
}

// RouterMAC returns the MAC of the first front panel port.
func (s SSHFacts) RouterMAC(ctx context.Context) (net.HardwareAddr, error) {
	out, err := RunDUTCommand(ctx, s.DUT, fmt.Sprintf("cat /sys/class/net/%s/address", routerMACPort))
	if err != nil {
		return nil, err
	}
	mac, err := net.ParseMAC(strings.TrimSpace(out))
	if err != nil {
		return nil, errors.Wrapf(err, "malformed %v MAC %q", routerMACPort, out)
	}
	return mac, nil
}

// VLAN is a VLAN and its member ports.
type VLAN struct {
	Name    string
	ID      int
	Members []string
}

// VLANInterface is an L3 interface attached to a VLAN.
type VLANInterface struct {
	Attachto string
	Addr     string
	Subnet   string
}

// DUTFacts is the subset of minigraph facts the FDB tests need.
type DUTFacts struct {
	RouterMAC      net.HardwareAddr
	VLANs          map[string]*VLAN
	VLANInterfaces []VLANInterface
	// PortIndices maps a DUT port name to the PTF port index wired to it.
	PortIndices map[string]int
}

// FetchDUTFacts reads CONFIG_DB and the router MAC concurrently and builds
// the DUT facts from them.
func FetchDUTFacts(ctx context.Context, src FactsSource) (*DUTFacts, error) {
	var db *ConfigDB
	var mac net.HardwareAddr
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		db, err = src.ConfigDB(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		mac, err = src.RouterMAC(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "failed to fetch DUT facts")
	}
	facts, err := NewDUTFacts(db, mac)
	if err != nil {
		return nil, err
	}
	log.InfoContextf(ctx, "DUT facts: router MAC %v, %d VLANs, %d VLAN members", facts.RouterMAC, len(facts.VLANs), facts.VLANMemberCount())
	return facts, nil
}

// NewDUTFacts builds DUTFacts from CONFIG_DB.
func NewDUTFacts(db *ConfigDB, routerMAC net.HardwareAddr) (*DUTFacts, error) {
	indices, err := portIndices(db.Port)
	if err != nil {
		return nil, err
	}
	facts := &DUTFacts{
		RouterMAC:   routerMAC,
		VLANs:       map[string]*VLAN{},
		PortIndices: indices,
	}
	for name, fields := range db.VLAN {
		vlan := &VLAN{Name: name}
		if id, ok := fields["vlanid"]; ok {
			if vlan.ID, err = strconv.Atoi(fmt.Sprint(id)); err != nil {
				return nil, errors.Wrapf(err, "malformed vlanid for %v", name)
			}
		}
		facts.VLANs[name] = vlan
	}
	for key := range db.VLANMember {
		vlanName, port, ok := strings.Cut(key, configDBKeySeparator)
		if !ok {
			return nil, errors.Errorf("malformed %v key %q", VLANMemberTable, key)
		}
		vlan, ok := facts.VLANs[vlanName]
		if !ok {
			return nil, errors.Errorf("%v references unknown VLAN %v", key, vlanName)
		}
		vlan.Members = append(vlan.Members, port)
	}
	for _, vlan := range facts.VLANs {
		SortFrontPanelPorts(vlan.Members)
	}
	for key := range db.VLANInterface {
		vlanName, prefix, ok := strings.Cut(key, configDBKeySeparator)
		if !ok {
			// Interface level entry without an address.
			continue
		}
		_, subnet, err := net.ParseCIDR(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed %v key %q", VLANInterfaceTable, key)
		}
		facts.VLANInterfaces = append(facts.VLANInterfaces, VLANInterface{
			Attachto: vlanName,
			Addr:     prefix,
			Subnet:   subnet.String(),
		})
	}
	sort.Slice(facts.VLANInterfaces, func(i, j int) bool {
		a, b := facts.VLANInterfaces[i], facts.VLANInterfaces[j]
		if a.Attachto != b.Attachto {
			return a.Attachto < b.Attachto
		}
		return a.Addr < b.Addr
	})
	return facts, nil
}

// portIndices returns the index of every port. Ports without an index field
// are numbered by their position in the sorted port list.
func portIndices(ports ConfigDBTable) (map[string]int, error) {
	var names []string
	for name := range ports {
		names = append(names, name)
	}
	SortFrontPanelPorts(names)
	indices := map[string]int{}
	for pos, name := range names {
		raw, ok := ports[name]["index"]
		if !ok {
			indices[name] = pos
			continue
		}
		index, err := strconv.Atoi(fmt.Sprint(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "malformed index for port %v", name)
		}
		indices[name] = index
	}
	return indices, nil
}

// VLANMemberCount returns the number of VLAN memberships on the DUT.
func (f *DUTFacts) VLANMemberCount() int {
	n := 0
	for _, vlan := range f.VLANs {
		n += len(vlan.Members)
	}
	return n
}

// PortNames returns PTF port index to DUT port name.
func (f *DUTFacts) PortNames() map[int]string {
	names := map[int]string{}
	for name, index := range f.PortIndices {
		names[index] = name
	}
	return names
}

// VLANTable maps every VLAN subnet to the PTF port indices of the VLAN
// members. A VLAN with both IPv4 and IPv6 interfaces is listed once, under
// its first IPv4 subnet.
func (f *DUTFacts) VLANTable() (VLANPorts, error) {
	table := VLANPorts{}
	seen := map[string]bool{}
	for _, pass := range []bool{true, false} {
		for _, intf := range f.VLANInterfaces {
			isV4 := !strings.Contains(intf.Subnet, ":")
			if isV4 != pass || seen[intf.Attachto] {
				continue
			}
			vlan, ok := f.VLANs[intf.Attachto]
			if !ok {
				return nil, errors.Errorf("VLAN interface %v is attached to unknown VLAN %v", intf.Addr, intf.Attachto)
			}
			seen[intf.Attachto] = true
			var ports []int
			for _, member := range vlan.Members {
				index, ok := f.PortIndices[member]
				if !ok {
					return nil, errors.Errorf("no port index for %v member %v", vlan.Name, member)
				}
				ports = append(ports, index)
			}
			table[intf.Subnet] = ports
		}
	}
	return table, nil
}

// VLANPorts maps a VLAN subnet to the ordered PTF port indices of its members.
type VLANPorts map[string][]int

// Subnets returns the subnets in sorted order.
func (v VLANPorts) Subnets() []string {
	var subnets []string
	for s := range v {
		subnets = append(subnets, s)
	}
	sort.Strings(subnets)
	return subnets
}

// Ports returns every member port once, in ascending order.
func (v VLANPorts) Ports() []int {
	seen := map[int]bool{}
	var ports []int
	for _, members := range v {
		for _, p := range members {
			if !seen[p] {
				seen[p] = true
				ports = append(ports, p)
			}
		}
	}
	sort.Ints(ports)
	return ports
}
