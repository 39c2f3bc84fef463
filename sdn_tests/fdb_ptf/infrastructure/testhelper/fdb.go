package testhelper

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	log "github.com/golang/glog"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/ptf"
)

const (
	// DummyMACPrefix is the OUI-like prefix of the synthetic MACs.
	DummyMACPrefix = "02:11:22:33"
	// DummyMACCount is the number of synthetic MACs learned per port.
	DummyMACCount = 10
	// DefaultFDBPopulateSleep is how long MAC learning is given to settle.
	DefaultFDBPopulateSleep = 2 * time.Second
)

// SupportedFDBTopologies are the testbed topologies the FDB test runs on.
var SupportedFDBTopologies = []string{"t0", "t0-64", "t0-116"}

// IsSupportedFDBTopology reports whether the FDB test runs on topo.
func IsSupportedFDBTopology(topo string) bool {
	for _, t := range SupportedFDBTopologies {
		if t == topo {
			return true
		}
	}
	return false
}

// FDB is the test side model of the DUT forwarding database: the MACs each
// PTF port is expected to have taught the DUT, in send order.
type FDB map[int][]net.HardwareAddr

// Add records macs as learned on port, ignoring ones already recorded.
func (f FDB) Add(port int, macs ...net.HardwareAddr) {
	for _, mac := range macs {
		dup := false
		for _, known := range f[port] {
			if bytes.Equal(known, mac) {
				dup = true
				break
			}
		}
		if !dup {
			f[port] = append(f[port], mac)
		}
	}
}

// Len returns the number of MACs in the model.
func (f FDB) Len() int {
	n := 0
	for _, macs := range f {
		n += len(macs)
	}
	return n
}

// PortOf returns the port mac was learned on.
func (f FDB) PortOf(mac net.HardwareAddr) (int, bool) {
	for port, macs := range f {
		for _, m := range macs {
			if bytes.Equal(m, mac) {
				return port, true
			}
		}
	}
	return 0, false
}

// DummyMACs returns the synthetic MACs for a port:
// 02:11:22:33:<port>:<0..count-1>.
func DummyMACs(port, count int) ([]net.HardwareAddr, error) {
	var macs []net.HardwareAddr
	for i := 0; i < count; i++ {
		mac, err := net.ParseMAC(fmt.Sprintf("%s:%02x:%02x", DummyMACPrefix, port, i))
		if err != nil {
			return nil, errors.Wrapf(err, "no dummy MAC for port %d index %d", port, i)
		}
		macs = append(macs, mac)
	}
	return macs, nil
}

// FDBPopulateSleep is how long SetupFDB waits for the DUT to learn.
var FDBPopulateSleep = DefaultFDBPopulateSleep

// sendFDBPacket sends one frame of pktType sourced from src.
func sendFDBPacket(dp ptf.Dataplane, port int, pktType ptf.PacketType, src, dst net.HardwareAddr) error {
	pkt, err := ptf.PacketFor(pktType, src, dst)
	if err != nil {
		return err
	}
	log.V(1).Infof("send %v packet source port id %d smac: %v dmac: %v", pktType, port, src, dst)
	if err := dp.Send(port, pkt); err != nil {
		return errors.Wrapf(err, "failed to send %v packet from port %d", pktType, port)
	}
	return nil
}

// SetupFDB populates the DUT MAC table from every VLAN member: one ethernet
// frame from the PTF interface MAC, then one pktType frame per dummy MAC. It
// waits FDBPopulateSleep for learning and returns the expected FDB.
func SetupFDB(ctx context.Context, dp ptf.Dataplane, vlans VLANPorts, routerMAC net.HardwareAddr, pktType ptf.PacketType) (FDB, error) {
	if _, err := ptf.ParsePacketType(string(pktType)); err != nil {
		return nil, err
	}

	fdb := FDB{}
	for _, subnet := range vlans.Subnets() {
		for _, member := range vlans[subnet] {
			mac, err := dp.MAC(member)
			if err != nil {
				return nil, err
			}
			// Teach the DUT the PTF interface MAC.
			if err := sendFDBPacket(dp, member, ptf.PacketTypeEthernet, mac, routerMAC); err != nil {
				return nil, err
			}
			fdb.Add(member, mac)

			dummies, err := DummyMACs(member, DummyMACCount)
			if err != nil {
				return nil, err
			}
			for _, dummy := range dummies {
				if err := sendFDBPacket(dp, member, pktType, dummy, routerMAC); err != nil {
					return nil, err
				}
			}
			fdb.Add(member, dummies...)
		}
	}

	log.InfoContextf(ctx, "Sent %d learning packets, waiting %v for the FDB to populate", fdb.Len(), FDBPopulateSleep)
	if err := sleep(ctx, FDBPopulateSleep); err != nil {
		return nil, errors.Wrap(err, "interrupted while waiting for the FDB to populate")
	}
	return fdb, nil
}

// isFDBTestPacket selects frames carrying the FDB test ethertype.
func isFDBTestPacket(pkt []byte) bool {
	if len(pkt) < 14 {
		return false
	}
	return layers.EthernetType(uint16(pkt[12])<<8|uint16(pkt[13])) == ptf.DefaultEthernetType
}

// VerifyFDBForwarding sends an ethernet frame between every pair of MACs
// learned on every pair of members of the same VLAN and fails the test unless
// each arrives on the destination member. Stray test frames on any member
// afterwards mean the DUT flooded instead of forwarding.
func VerifyFDBForwarding(t testing.TB, ctx context.Context, dp ptf.Dataplane, vlans VLANPorts, fdb FDB) {
	t.Helper()
	for _, subnet := range vlans.Subnets() {
		members := vlans[subnet]
		sent := 0
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				src, dst := members[i], members[j]
				for _, srcMAC := range fdb[src] {
					for _, dstMAC := range fdb[dst] {
						pkt, err := ptf.SimpleEthPacket(ptf.EthPacketParams{DstMAC: dstMAC, SrcMAC: srcMAC})
						if err != nil {
							t.Fatalf("Failed to build packet %v -> %v: %v", srcMAC, dstMAC, err)
						}
						log.V(1).Infof("send packet src port %d smac: %v dmac: %v verifying on dst port %d", src, srcMAC, dstMAC, dst)
						if err := dp.Send(src, pkt); err != nil {
							t.Fatalf("Send from port %d failed: %v", src, err)
						}
						if _, err := dp.VerifyPacketAnyPort(ctx, pkt, []int{dst}); err != nil {
							t.Fatalf("Packet %v -> %v from port %d was not forwarded to port %d: %v", srcMAC, dstMAC, src, dst, err)
						}
						sent++
					}
				}
			}
		}
		log.InfoContextf(ctx, "VLAN %v: verified forwarding of %d packets across %d members", subnet, sent, len(members))
		if err := dp.VerifyNoOtherPackets(ctx, members, isFDBTestPacket); err != nil {
			t.Errorf("VLAN %v flooded known unicast traffic: %v", subnet, err)
		}
	}
}

// VerifyDummyMACCount checks that the DUT learned every dummy MAC of every
// VLAN member.
func VerifyDummyMACCount(t testing.TB, table *MACTable, vlanMemberCount int) {
	t.Helper()
	dummyCount, totalCount := CountMACEntries(table.Lines, DummyMACPrefix)
	log.Infof("show mac: %d dummy entries, %d dynamic entries, reported total %d", dummyCount, totalCount, table.Total)
	if want := DummyMACCount * vlanMemberCount; dummyCount != want {
		t.Errorf("DUT learned %d dummy MACs, want %d (%d per VLAN member x %d members)", dummyCount, want, DummyMACCount, vlanMemberCount)
	}
}

// VerifyLearnedPorts checks that each dummy MAC the DUT learned points at
// the port it was sent from. portNames maps PTF port index to DUT port name.
func VerifyLearnedPorts(t testing.TB, table *MACTable, fdb FDB, portNames map[int]string) {
	t.Helper()
	prefix := strings.ToLower(DummyMACPrefix)
	for _, e := range table.Entries {
		if !strings.HasPrefix(e.MAC.String(), prefix) {
			continue
		}
		port, ok := fdb.PortOf(e.MAC)
		if !ok {
			t.Errorf("DUT learned %v on %v, which the test never sent", e.MAC, e.Port)
			continue
		}
		if want := portNames[port]; e.Port != want {
			t.Errorf("DUT learned %v on %v, want %v (PTF port %d)", e.MAC, e.Port, want, port)
		}
	}
}
