package sonicbackend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/binding/bindingbackend"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/testhelper"
)

const testbedYAML = `
name: vms-t0
topo: t0
dut:
  name: str-msn2700-01
  ssh:
    addr: 10.250.0.101
    user: admin
    password: ${FDB_DUT_PASSWORD}
  gnmi:
    addr: 10.250.0.101:8080
    timeout: 30s
ptf:
  name: ptf-vms-t0
  port_format: eth%d
  ssh:
    addr: 10.250.0.102
    user: root
    key_file: /root/.ssh/id_rsa
`

func writeTestbed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testbed.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoadTestbed(t *testing.T) {
	t.Setenv("FDB_DUT_PASSWORD", "YourPaSsWoRd")
	tb, err := LoadTestbed(writeTestbed(t, testbedYAML))
	if err != nil {
		t.Fatalf("LoadTestbed() failed: %v", err)
	}
	want := &Testbed{
		Name: "vms-t0",
		Topo: "t0",
		DUT: DUTConfig{
			Name: "str-msn2700-01",
			SSH:  testhelper.SSHConfig{Addr: "10.250.0.101", User: "admin", Password: "YourPaSsWoRd"},
			GNMI: GNMIConfig{Addr: "10.250.0.101:8080", Timeout: 30 * time.Second},
		},
		PTF: PTFConfig{
			Name:       "ptf-vms-t0",
			PortFormat: "eth%d",
			SSH:        testhelper.SSHConfig{Addr: "10.250.0.102", User: "root", KeyFile: "/root/.ssh/id_rsa"},
		},
	}
	if diff := cmp.Diff(want, tb); diff != "" {
		t.Errorf("LoadTestbed() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTestbedErrors(t *testing.T) {
	tests := []struct {
		desc    string
		content string
		wantErr string
	}{
		{desc: "not yaml", content: "topo: [t0", wantErr: "failed to parse"},
		{desc: "no topo", content: "dut: {name: dut, ssh: {addr: 10.0.0.1}}\nptf: {local: true}", wantErr: "topo"},
		{desc: "no dut name", content: "topo: t0\ndut: {ssh: {addr: 10.0.0.1}}\nptf: {local: true}", wantErr: "dut.name"},
		{desc: "no dut address", content: "topo: t0\ndut: {name: dut}\nptf: {local: true}", wantErr: "dut.ssh.addr"},
		{desc: "remote ptf without address", content: "topo: t0\ndut: {name: dut, ssh: {addr: 10.0.0.1}}", wantErr: "ptf.ssh.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := LoadTestbed(writeTestbed(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadTestbed() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
	if _, err := LoadTestbed(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadTestbed() of a missing file succeeded, want error")
	}
}

func TestReserveTopology(t *testing.T) {
	tb, err := LoadTestbed(writeTestbed(t, testbedYAML))
	if err != nil {
		t.Fatalf("LoadTestbed() failed: %v", err)
	}
	b := New(tb)
	defer b.Close()
	topo, err := b.ReserveTopology(context.Background())
	if err != nil {
		t.Fatalf("ReserveTopology() failed: %v", err)
	}
	if topo.ID != "vms-t0" || topo.Topo != "t0" {
		t.Errorf("ReserveTopology() = {ID: %q, Topo: %q}, want {vms-t0, t0}", topo.ID, topo.Topo)
	}
	if len(topo.DUTs) != 1 || len(topo.PTFs) != 1 {
		t.Fatalf("ReserveTopology() reserved %d DUTs and %d PTFs, want 1 and 1", len(topo.DUTs), len(topo.PTFs))
	}
	wantGNMI := bindingbackend.ServiceInfo{Addr: "10.250.0.101:8080", Timeout: 30 * time.Second}
	if diff := cmp.Diff(wantGNMI, topo.DUTs[0].GRPC.Info[bindingbackend.GNMI]); diff != "" {
		t.Errorf("gNMI service mismatch (-want +got):\n%s", diff)
	}
	if got := topo.DUTs[0].TestDUT().SSH.Addr; got != "10.250.0.101" {
		t.Errorf("DUT SSH address = %q, want 10.250.0.101", got)
	}
	if got := topo.PTFs[0].TestPTF().Name; got != "ptf-vms-t0" {
		t.Errorf("PTF name = %q, want ptf-vms-t0", got)
	}
}

func TestReserveTopologyMTLSMissingCerts(t *testing.T) {
	orig := *securityMode
	*securityMode = "mtls"
	defer func() { *securityMode = orig }()

	tb, err := LoadTestbed(writeTestbed(t, testbedYAML))
	if err != nil {
		t.Fatalf("LoadTestbed() failed: %v", err)
	}
	if _, err := New(tb).ReserveTopology(context.Background()); err == nil {
		t.Error("ReserveTopology() without certificates succeeded, want error")
	}
}

func TestDialGRPC(t *testing.T) {
	b := New(&Testbed{})
	conn, err := b.DialGRPC(context.Background(), "127.0.0.1:8080")
	if err != nil {
		t.Fatalf("DialGRPC() failed: %v", err)
	}
	defer conn.Close()
	if _, err := b.GNMIClient(context.Background(), &bindingbackend.DUTDevice{}, conn); err != nil {
		t.Errorf("GNMIClient() failed: %v", err)
	}
	if _, err := b.GNMIClient(context.Background(), nil, conn); err == nil {
		t.Error("GNMIClient() without DUT succeeded, want error")
	}
	if _, err := b.GNMIClient(context.Background(), &bindingbackend.DUTDevice{}, nil); err == nil {
		t.Error("GNMIClient() without conn succeeded, want error")
	}
}

func TestDialGRPCMTLSUnregistered(t *testing.T) {
	orig := *securityMode
	*securityMode = "mtls"
	defer func() { *securityMode = orig }()

	if _, err := New(&Testbed{}).DialGRPC(context.Background(), "127.0.0.1:8080"); err == nil {
		t.Error("DialGRPC() without a TLS config succeeded, want error")
	}
}
