// Package sonicbackend reserves the SONiC DUT and PTF host described by a
// testbed file and provides clients to interact with the DUT.
package sonicbackend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/golang/glog"
	gpb "github.com/openconfig/gnmi/proto/gnmi"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/binding/bindingbackend"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/testhelper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

var (
	supportedSecurityModes = []string{"insecure", "mtls"}
	securityMode           = flag.String("security_mode", "insecure", fmt.Sprintf("define the security mode of the conntections to gnmi server, choose from : %v. Uses insecure as default.", supportedSecurityModes))
	testbedFile            = flag.String("testbed_file", "", "path to the YAML file describing the DUT and the PTF host")
)

// TestbedFile returns the testbed file passed on the command line.
func TestbedFile() string {
	return *testbedFile
}

// GNMIConfig is the DUT gNMI server and the client credentials used in mtls mode.
type GNMIConfig struct {
	Addr       string        `yaml:"addr"`
	Timeout    time.Duration `yaml:"timeout"`
	ServerName string        `yaml:"server_name"`
	CACert     string        `yaml:"ca_cert"`
	ClientCert string        `yaml:"client_cert"`
	ClientKey  string        `yaml:"client_key"`
}

// DUTConfig describes the device under test.
type DUTConfig struct {
	Name string               `yaml:"name"`
	SSH  testhelper.SSHConfig `yaml:"ssh"`
	GNMI GNMIConfig           `yaml:"gnmi"`
}

// PTFConfig describes the PTF host.
type PTFConfig struct {
	Name       string               `yaml:"name"`
	Local      bool                 `yaml:"local"`
	PortFormat string               `yaml:"port_format"`
	SSH        testhelper.SSHConfig `yaml:"ssh"`
}

// Testbed is the content of a testbed file.
type Testbed struct {
	Name string    `yaml:"name"`
	Topo string    `yaml:"topo"`
	DUT  DUTConfig `yaml:"dut"`
	PTF  PTFConfig `yaml:"ptf"`
}

// LoadTestbed reads a testbed file. Environment variables in the file are
// expanded, so credentials can be kept out of it.
func LoadTestbed(path string) (*Testbed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read testbed file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	tb := &Testbed{}
	if err := yaml.Unmarshal(data, tb); err != nil {
		return nil, fmt.Errorf("failed to parse testbed file %s: %w", path, err)
	}
	if err := tb.validate(); err != nil {
		return nil, fmt.Errorf("invalid testbed file %s: %w", path, err)
	}
	return tb, nil
}

func (tb *Testbed) validate() error {
	switch {
	case tb.Topo == "":
		return fmt.Errorf("topo is not set")
	case tb.DUT.Name == "":
		return fmt.Errorf("dut.name is not set")
	case tb.DUT.SSH.Addr == "":
		return fmt.Errorf("dut.ssh.addr is not set")
	case !tb.PTF.Local && tb.PTF.SSH.Addr == "":
		return fmt.Errorf("ptf.ssh.addr is not set for a remote PTF host")
	}
	return nil
}

// Backend reserves the devices of a testbed file.
type Backend struct {
	testbed *Testbed
	configs map[string]*tls.Config
}

// New creates a backend object for tb.
func New(tb *Testbed) *Backend {
	return &Backend{testbed: tb, configs: map[string]*tls.Config{}}
}

// registerGRPCTLS caches grpc TLS certificates for the DUT gNMI server.
func (b *Backend) registerGRPCTLS(cfg GNMIConfig, serverName string) error {
	if serverName == "" {
		return fmt.Errorf("serverName is empty")
	}

	// Load certificate of the CA who signed server's certificate.
	pemServerCA, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(pemServerCA) {
		return fmt.Errorf("failed to add server CA's certificate")
	}
	// Load client's certificate and private key
	clientCert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return err
	}

	b.configs[cfg.Addr] = &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      certPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
	}
	return nil
}

// ReserveTopology returns topology containing the DUT and PTF host.
func (b *Backend) ReserveTopology(ctx context.Context) (*bindingbackend.ReservedTopology, error) {
	tb := b.testbed
	log.InfoContextf(ctx, "testbed %s (%s) DUT:%s PTF:%s", tb.Name, tb.Topo, tb.DUT.SSH.Addr, tb.PTF.SSH.Addr)

	dut := &bindingbackend.DUTDevice{
		Device: &bindingbackend.Device{ID: "DUT", Name: tb.DUT.Name, SSH: tb.DUT.SSH},
	}
	if tb.DUT.GNMI.Addr != "" {
		dut.GRPC.Info = map[bindingbackend.GRPCService]bindingbackend.ServiceInfo{
			bindingbackend.GNMI: {Addr: tb.DUT.GNMI.Addr, Timeout: tb.DUT.GNMI.Timeout},
		}
		if *securityMode == "mtls" {
			serverName := tb.DUT.GNMI.ServerName
			if serverName == "" {
				serverName = tb.DUT.Name
			}
			if err := b.registerGRPCTLS(tb.DUT.GNMI, serverName); err != nil {
				return nil, err
			}
		}
	}
	ptf := &bindingbackend.PTFDevice{
		Device:     &bindingbackend.Device{ID: "PTF", Name: tb.PTF.Name, SSH: tb.PTF.SSH},
		Local:      tb.PTF.Local,
		PortFormat: tb.PTF.PortFormat,
	}

	return &bindingbackend.ReservedTopology{
		ID:   tb.Name,
		Topo: tb.Topo,
		DUTs: []*bindingbackend.DUTDevice{dut},
		PTFs: []*bindingbackend.PTFDevice{ptf},
	}, nil
}

// Release releases the reserved devices, called during teardown.
func (b *Backend) Release(ctx context.Context) error {
	return nil
}

// DialGRPC connects to grpc service and returns the opened grpc client for use.
func (b *Backend) DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if *securityMode == "mtls" {
		tlsConfig, ok := b.configs[addr]
		if !ok {
			return nil, fmt.Errorf("failed to find TLS config for %s", addr)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("DialContext(%s, %v) : %v", addr, opts, err)
	}
	return conn, nil
}

// GNMIClient wraps the grpc connection under gnmi client.
func (b *Backend) GNMIClient(ctx context.Context, dut *bindingbackend.DUTDevice, conn *grpc.ClientConn) (gpb.GNMIClient, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn is nil")
	}
	if dut == nil {
		return nil, fmt.Errorf("dut is nil")
	}
	return gpb.NewGNMIClient(conn), nil
}

// Close closes backend's internal objects.
func (b *Backend) Close() error {
	b.configs = nil
	return nil
}
