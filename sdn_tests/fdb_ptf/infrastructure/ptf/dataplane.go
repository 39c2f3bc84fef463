package ptf

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPortFormat maps a PTF port index to its interface name.
	DefaultPortFormat = "eth%d"
	// DefaultVerifyTimeout is how long VerifyPacketAnyPort waits by default.
	DefaultVerifyTimeout = 2 * time.Second

	defaultReadTimeout    = 50 * time.Millisecond
	defaultSnapLen        = 9216
	defaultNoOtherTimeout = 500 * time.Millisecond
)

// Dataplane sends frames into the DUT and verifies where they egress.
type Dataplane interface {
	// Send transmits pkt on the given PTF port.
	Send(port int, pkt []byte) error
	// VerifyPacketAnyPort waits for pkt on any of ports and returns the port
	// it arrived on.
	VerifyPacketAnyPort(ctx context.Context, pkt []byte, ports []int) (int, error)
	// VerifyNoOtherPackets fails if a frame selected by filter arrives on any
	// of ports. A nil filter selects every frame.
	VerifyNoOtherPackets(ctx context.Context, ports []int, filter PacketFilter) error
	// MAC returns the hardware address of the PTF interface behind port.
	MAC(port int) (net.HardwareAddr, error)
	// Reinit reopens every port, picking up interface MAC changes.
	Reinit(ctx context.Context) error
	Close() error
}

// PacketFilter selects received frames of interest.
type PacketFilter func(pkt []byte) bool

// packetHandle is the subset of *pcap.Handle the dataplane uses.
type packetHandle interface {
	WritePacketData(data []byte) error
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// Function pointers that interact with the host interfaces. They enable unit
// testing of the dataplane without raw sockets.
var (
	ptfOpenHandle = func(ifname string, snapLen int32, readTimeout time.Duration) (packetHandle, error) {
		h, err := pcap.OpenLive(ifname, snapLen, true, readTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "pcap.OpenLive(%v) failed", ifname)
		}
		// Frames we inject must not be mistaken for frames the DUT forwarded.
		if err := h.SetDirection(pcap.DirectionIn); err != nil {
			h.Close()
			return nil, errors.Wrapf(err, "failed to set capture direction on %v", ifname)
		}
		return h, nil
	}

	ptfInterfaceMAC = func(ifname string) (net.HardwareAddr, error) {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return nil, errors.Wrapf(err, "getting link for interface %q", ifname)
		}
		return link.Attrs().HardwareAddr, nil
	}
)

// Option configures a PcapDataplane.
type Option func(d *PcapDataplane)

// WithPortFormat sets the fmt pattern mapping a port index to an interface name.
func WithPortFormat(format string) Option {
	return func(d *PcapDataplane) {
		d.portFormat = format
	}
}

// WithVerifyTimeout sets how long VerifyPacketAnyPort waits for a frame.
func WithVerifyTimeout(timeout time.Duration) Option {
	return func(d *PcapDataplane) {
		d.verifyTimeout = timeout
	}
}

// WithNoOtherPacketsTimeout sets how long VerifyNoOtherPackets listens.
func WithNoOtherPacketsTimeout(timeout time.Duration) Option {
	return func(d *PcapDataplane) {
		d.noOtherTimeout = timeout
	}
}

type port struct {
	ifname string
	handle packetHandle
	mac    net.HardwareAddr
}

// PcapDataplane is a Dataplane over live pcap handles on the local PTF
// interfaces, one handle per port.
type PcapDataplane struct {
	mu             sync.Mutex
	indices        []int
	ports          map[int]*port
	portFormat     string
	verifyTimeout  time.Duration
	noOtherTimeout time.Duration
}

var _ Dataplane = &PcapDataplane{}

// NewPcapDataplane opens the given PTF ports.
func NewPcapDataplane(ctx context.Context, ports []int, opts ...Option) (*PcapDataplane, error) {
	d := &PcapDataplane{
		indices:        append([]int(nil), ports...),
		ports:          map[int]*port{},
		portFormat:     DefaultPortFormat,
		verifyTimeout:  DefaultVerifyTimeout,
		noOtherTimeout: defaultNoOtherTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Reinit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// InterfaceName returns the PTF interface name for a port index.
func (d *PcapDataplane) InterfaceName(index int) string {
	return fmt.Sprintf(d.portFormat, index)
}

// Reinit closes and reopens every port and rereads the interface MACs.
func (d *PcapDataplane) Reinit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()

	var mu sync.Mutex
	opened := map[int]*port{}
	g, _ := errgroup.WithContext(ctx)
	for _, index := range d.indices {
		ifname := d.InterfaceName(index)
		g.Go(func() error {
			h, err := ptfOpenHandle(ifname, defaultSnapLen, defaultReadTimeout)
			if err != nil {
				return err
			}
			mac, err := ptfInterfaceMAC(ifname)
			if err != nil {
				h.Close()
				return err
			}
			mu.Lock()
			opened[index] = &port{ifname: ifname, handle: h, mac: mac}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	d.ports = opened
	if err != nil {
		d.closeLocked()
		return errors.Wrap(err, "failed to open PTF ports")
	}
	log.InfoContextf(ctx, "PTF dataplane opened %d ports", len(d.ports))
	return nil
}

func (d *PcapDataplane) port(index int) (*port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[index]
	if !ok {
		return nil, errors.Errorf("PTF port %d is not open", index)
	}
	return p, nil
}

// MAC returns the hardware address read when the port was opened.
func (d *PcapDataplane) MAC(index int) (net.HardwareAddr, error) {
	p, err := d.port(index)
	if err != nil {
		return nil, err
	}
	return p.mac, nil
}

// Send writes pkt on the port.
func (d *PcapDataplane) Send(index int, pkt []byte) error {
	p, err := d.port(index)
	if err != nil {
		return err
	}
	if err := p.handle.WritePacketData(pkt); err != nil {
		return errors.Wrapf(err, "failed to send packet on %v", p.ifname)
	}
	return nil
}

// VerifyPacketAnyPort listens on every port in ports concurrently until pkt
// shows up on one of them or the verify timeout expires.
func (d *PcapDataplane) VerifyPacketAnyPort(ctx context.Context, pkt []byte, ports []int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.verifyTimeout)
	defer cancel()

	found := make(chan int, len(ports))
	g, gctx := errgroup.WithContext(ctx)
	for _, index := range ports {
		p, err := d.port(index)
		if err != nil {
			return -1, err
		}
		g.Go(func() error {
			return readUntil(gctx, p, func(data []byte) bool {
				if !matches(data, pkt) {
					return false
				}
				found <- index
				cancel()
				return true
			})
		})
	}
	if err := g.Wait(); err != nil {
		return -1, err
	}
	select {
	case index := <-found:
		return index, nil
	default:
	}
	return -1, errors.Errorf("did not receive expected packet on any of ports %v for device 0", ports)
}

// VerifyNoOtherPackets listens on ports for the no-other-packets window and
// reports every selected frame that arrived.
func (d *PcapDataplane) VerifyNoOtherPackets(ctx context.Context, ports []int, filter PacketFilter) error {
	ctx, cancel := context.WithTimeout(ctx, d.noOtherTimeout)
	defer cancel()

	var mu sync.Mutex
	unexpected := map[int]int{}
	g, gctx := errgroup.WithContext(ctx)
	for _, index := range ports {
		p, err := d.port(index)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return readUntil(gctx, p, func(data []byte) bool {
				if filter == nil || filter(data) {
					mu.Lock()
					unexpected[index]++
					mu.Unlock()
				}
				return false
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(unexpected) > 0 {
		return errors.Errorf("received unexpected packets, count per port: %v", unexpected)
	}
	return nil
}

// readUntil feeds every frame read from p to done until done returns true or
// ctx expires. Expiry is not an error.
func readUntil(ctx context.Context, p *port, done func(data []byte) bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		data, _, err := p.handle.ReadPacketData()
		switch {
		case err == pcap.NextErrorTimeoutExpired:
			continue
		case err != nil:
			return errors.Wrapf(err, "failed to read from %v", p.ifname)
		}
		if done(data) {
			return nil
		}
		if log.V(2) {
			log.Infof("ignoring %d byte frame on %v", len(data), p.ifname)
		}
	}
}

// matches reports whether a captured frame carries pkt. Captures may carry
// trailing bytes beyond the injected frame.
func matches(data, pkt []byte) bool {
	return len(data) >= len(pkt) && bytes.Equal(data[:len(pkt)], pkt)
}

// Close closes every open port.
func (d *PcapDataplane) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *PcapDataplane) closeLocked() {
	for _, p := range d.ports {
		p.handle.Close()
	}
	d.ports = map[int]*port{}
}
