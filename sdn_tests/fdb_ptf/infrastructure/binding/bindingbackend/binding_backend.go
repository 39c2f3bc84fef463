// Package bindingbackend describes the interface to interact with the reservations and devices.
package bindingbackend

import (
	"context"
	"time"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/testhelper"
	"google.golang.org/grpc"
)

// GRPCService is a gRPC service served by a DUT.
type GRPCService string

// GNMI is the only gRPC service the FDB tests use.
const GNMI GRPCService = "gnmi"

// Device contains data of a reserved device.
type Device struct {
	Name string
	ID   string
	SSH  testhelper.SSHConfig
}

// ServiceInfo contains address and grpc timeout info for the service.
type ServiceInfo struct {
	Addr    string        // GRPC server address for the service.
	Timeout time.Duration // Time to wait for each grpc call for this service.
}

// GRPCServices contains addresses for services using grpc protocol.
type GRPCServices struct {
	Info map[GRPCService]ServiceInfo
}

// DUTDevice contains device and service addresses for DUT device.
type DUTDevice struct {
	*Device
	GRPC GRPCServices
}

// PTFDevice is the packet generator host. Local is set when the tests run
// on the PTF host itself.
type PTFDevice struct {
	*Device
	Local      bool
	PortFormat string
}

// ReservedTopology represents the reserved DUT and PTF devices.
type ReservedTopology struct {
	ID   string
	Topo string
	DUTs []*DUTDevice
	PTFs []*PTFDevice
}

// Backend exposes functions to interact with reservations and reserved devices.
type Backend interface {
	// ReserveTopology returns topology of reserved DUT and PTF devices.
	ReserveTopology(ctx context.Context) (*ReservedTopology, error)
	// Release releases the reserved devices, called during teardown.
	Release(ctx context.Context) error
	// DialGRPC connects to grpc service and returns the opened grpc client for use.
	DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error)
	// GNMIClient wraps the grpc connection under gnmi client.
	GNMIClient(ctx context.Context, dut *DUTDevice, conn *grpc.ClientConn) (gpb.GNMIClient, error)

	// Close closes backend's internal objects.
	Close() error
}

// TestDUT returns the testhelper view of a reserved DUT.
func (d *DUTDevice) TestDUT() *testhelper.DUT {
	return &testhelper.DUT{Name: d.Name, SSH: d.SSH}
}

// TestPTF returns the testhelper view of a reserved PTF host.
func (p *PTFDevice) TestPTF() *testhelper.PTFHost {
	return &testhelper.PTFHost{Name: p.Name, SSH: p.SSH}
}
