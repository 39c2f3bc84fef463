// Package ptf contains the packet builders and the dataplane used to inject
// frames into the DUT from the PTF host and to verify where they come out.
package ptf

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

const (
	// DefaultEthernetType is the ethertype of frames used to populate and
	// verify the FDB. It is not a registered protocol so the DUT only bridges it.
	DefaultEthernetType layers.EthernetType = 0x1234
	// DefaultPacketLength is the minimum Ethernet frame size without FCS.
	DefaultPacketLength = 60
)

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// PacketType selects the frame used to teach the DUT a source MAC.
type PacketType string

// Supported packet types.
const (
	PacketTypeEthernet   PacketType = "ethernet"
	PacketTypeARPRequest PacketType = "arp_request"
	PacketTypeARPReply   PacketType = "arp_reply"
)

// PacketTypes lists every supported packet type in test order.
var PacketTypes = []PacketType{PacketTypeEthernet, PacketTypeARPRequest, PacketTypeARPReply}

// ParsePacketType returns the PacketType named by s.
func ParsePacketType(s string) (PacketType, error) {
	for _, p := range PacketTypes {
		if string(p) == s {
			return p, nil
		}
	}
	return "", errors.Errorf("unknown option '%s'", s)
}

// EthPacketParams are the fields of a plain Ethernet II frame.
// Zero values fall back to DefaultEthernetType and DefaultPacketLength.
type EthPacketParams struct {
	DstMAC    net.HardwareAddr
	SrcMAC    net.HardwareAddr
	EtherType layers.EthernetType
	Length    int
}

// ARPPacketParams are the fields of an untagged ARP frame over Ethernet.
type ARPPacketParams struct {
	DstMAC    net.HardwareAddr
	SrcMAC    net.HardwareAddr
	Operation uint16
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP
	Length    int
}

// SimpleEthPacket builds an Ethernet II frame with a zero filled payload.
func SimpleEthPacket(p EthPacketParams) ([]byte, error) {
	etherType := p.EtherType
	if etherType == 0 {
		etherType = DefaultEthernetType
	}
	eth := &layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       p.DstMAC,
		EthernetType: etherType,
	}
	return serialize(p.Length, eth)
}

// SimpleARPPacket builds an ARP frame for IPv4 over Ethernet.
func SimpleARPPacket(p ARPPacketParams) ([]byte, error) {
	senderIP := p.SenderIP.To4()
	targetIP := p.TargetIP.To4()
	if senderIP == nil || targetIP == nil {
		return nil, errors.Errorf("ARP needs IPv4 addresses, got sender %v target %v", p.SenderIP, p.TargetIP)
	}
	eth := &layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       p.DstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         p.Operation,
		SourceHwAddress:   []byte(p.SenderMAC),
		SourceProtAddress: []byte(senderIP),
		DstHwAddress:      []byte(p.TargetMAC),
		DstProtAddress:    []byte(targetIP),
	}
	return serialize(p.Length, eth, arp)
}

// ARPRequestPacket returns the broadcast who-has used to populate the FDB.
func ARPRequestPacket(src net.HardwareAddr) ([]byte, error) {
	return SimpleARPPacket(ARPPacketParams{
		DstMAC:    BroadcastMAC,
		SrcMAC:    src,
		Operation: layers.ARPRequest,
		SenderMAC: src,
		SenderIP:  net.IPv4(10, 10, 1, 3),
		TargetMAC: BroadcastMAC,
		TargetIP:  net.IPv4(10, 10, 1, 2),
	})
}

// ARPReplyPacket returns the unicast is-at used to populate the FDB.
func ARPReplyPacket(src, dst net.HardwareAddr) ([]byte, error) {
	return SimpleARPPacket(ARPPacketParams{
		DstMAC:    dst,
		SrcMAC:    src,
		Operation: layers.ARPReply,
		SenderMAC: src,
		SenderIP:  net.IPv4(10, 10, 1, 2),
		TargetMAC: dst,
		TargetIP:  net.IPv4(10, 10, 1, 3),
	})
}

// PacketFor returns the frame of the given type sourced from src. dst is the
// destination MAC for ethernet frames and ARP replies; ARP requests are
// always broadcast.
func PacketFor(pktType PacketType, src, dst net.HardwareAddr) ([]byte, error) {
	switch pktType {
	case PacketTypeEthernet:
		return SimpleEthPacket(EthPacketParams{DstMAC: dst, SrcMAC: src})
	case PacketTypeARPRequest:
		return ARPRequestPacket(src)
	case PacketTypeARPReply:
		return ARPReplyPacket(src, dst)
	}
	return nil, errors.Errorf("unknown option '%s'", pktType)
}

func serialize(length int, ls ...gopacket.SerializableLayer) ([]byte, error) {
	if length == 0 {
		length = DefaultPacketLength
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	b := buf.Bytes()
	if len(b) >= length {
		return b, nil
	}
	pkt := make([]byte, length)
	copy(pkt, b)
	return pkt, nil
}
