package fdb_test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	log "github.com/golang/glog"
	closer "github.com/openconfig/gocloser"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/binding/bindingbackend"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/binding/sonicbackend"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/ptf"
	"github.com/sonic-net/sonic-mgmt/sdn_tests/fdb_ptf/infrastructure/testhelper"
)

var (
	factsSource      = flag.String("facts_source", "ssh", "where DUT facts are read from: ssh or gnmi")
	fdbPopulateSleep = flag.Duration("fdb_populate_sleep", testhelper.DefaultFDBPopulateSleep, "time given to the DUT to learn the MACs")
	verifyTimeout    = flag.Duration("verify_timeout", ptf.DefaultVerifyTimeout, "time to wait for each forwarded packet")
	fdbClearTimeout  = flag.Duration("fdb_clear_timeout", 30*time.Second, "time to wait for the FDB to drain after clearing it")
)

// Commands whose output is saved when a test fails.
var failureLogCommands = []string{
	testhelper.ShowMACCommand,
	"show vlan brief",
	"show interfaces status",
}

func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	log.Flush()
	os.Exit(code)
}

// reserve loads the testbed and returns its DUT and PTF host. The test is
// skipped when no testbed is configured or its topology cannot run FDB tests.
func reserve(t *testing.T) (*sonicbackend.Backend, *bindingbackend.DUTDevice, *bindingbackend.PTFDevice) {
	t.Helper()
	path := sonicbackend.TestbedFile()
	if path == "" {
		t.Skip("no -testbed_file given")
	}
	tb, err := sonicbackend.LoadTestbed(path)
	if err != nil {
		t.Fatalf("Failed to load testbed: %v", err)
	}
	if !testhelper.IsSupportedFDBTopology(tb.Topo) {
		t.Skipf("FDB tests do not run on topology %v, supported: %v", tb.Topo, testhelper.SupportedFDBTopologies)
	}
	b := sonicbackend.New(tb)
	t.Cleanup(func() { b.Close() })
	topo, err := b.ReserveTopology(context.Background())
	if err != nil {
		t.Fatalf("Failed to reserve testbed %v: %v", tb.Name, err)
	}
	t.Cleanup(func() {
		if err := b.Release(context.Background()); err != nil {
			t.Errorf("Failed to release testbed %v: %v", tb.Name, err)
		}
	})
	return b, topo.DUTs[0], topo.PTFs[0]
}

// fetchFacts reads the DUT facts from the configured source.
func fetchFacts(ctx context.Context, t *testing.T, b *sonicbackend.Backend, dut *bindingbackend.DUTDevice) *testhelper.DUTFacts {
	t.Helper()
	var src testhelper.FactsSource = testhelper.SSHFacts{DUT: dut.TestDUT()}
	if *factsSource == "gnmi" {
		svc, ok := dut.GRPC.Info[bindingbackend.GNMI]
		if !ok {
			t.Fatalf("DUT %v has no gNMI service configured", dut.Name)
		}
		conn, err := b.DialGRPC(ctx, svc.Addr)
		if err != nil {
			t.Fatalf("Failed to dial gNMI on %v: %v", dut.Name, err)
		}
		defer closer.CloseAndLog(conn.Close, "error closing gNMI connection")
		client, err := b.GNMIClient(ctx, dut, conn)
		if err != nil {
			t.Fatalf("Failed to create gNMI client: %v", err)
		}
		if svc.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, svc.Timeout)
			defer cancel()
		}
		src = testhelper.GNMIFacts{Client: client}
	}
	facts, err := testhelper.FetchDUTFacts(ctx, src)
	if err != nil {
		t.Fatalf("Failed to fetch facts from %v: %v", dut.Name, err)
	}
	return facts
}

// preparePTF removes IP addresses from the PTF interfaces and gives each one
// a unique MAC.
func preparePTF(ctx context.Context, t *testing.T, host *bindingbackend.PTFDevice, ports []int) {
	t.Helper()
	if host.Local {
		local := ptf.LocalHost{Ports: ports, PortFormat: host.PortFormat}
		if err := local.RemoveIPs(); err != nil {
			t.Fatalf("Failed to remove PTF IP addresses: %v", err)
		}
		if err := local.ChangeMACs(); err != nil {
			t.Fatalf("Failed to change PTF MAC addresses: %v", err)
		}
		return
	}
	for _, name := range []string{ptf.RemoveIPScript, ptf.ChangeMACScript} {
		body, err := ptf.Script(name)
		if err != nil {
			t.Fatalf("Failed to load %v: %v", name, err)
		}
		if err := testhelper.RunPTFScript(ctx, host.TestPTF(), name, body); err != nil {
			t.Fatalf("Failed to prepare PTF host: %v", err)
		}
	}
}

// clearFDB empties the DUT FDB now and again when the test ends.
func clearFDB(ctx context.Context, t *testing.T, dut *testhelper.DUT) {
	t.Helper()
	if err := testhelper.ClearFDB(ctx, dut); err != nil {
		t.Fatalf("Failed to clear FDB on %v: %v", dut.Name, err)
	}
	clearCtx, cancel := context.WithTimeout(ctx, *fdbClearTimeout)
	defer cancel()
	if err := testhelper.AwaitFDBEmpty(clearCtx, dut, time.Second); err != nil {
		t.Fatalf("FDB on %v did not drain: %v", dut.Name, err)
	}
	t.Cleanup(func() {
		if err := testhelper.ClearFDB(context.Background(), dut); err != nil {
			t.Errorf("Failed to clear FDB on %v: %v", dut.Name, err)
		}
	})
}

func TestFDB(t *testing.T) {
	b, dutDevice, ptfDevice := reserve(t)
	dut := dutDevice.TestDUT()
	testhelper.FDBPopulateSleep = *fdbPopulateSleep
	ctx := context.Background()

	facts := fetchFacts(ctx, t, b, dutDevice)
	vlans, err := facts.VLANTable()
	if err != nil {
		t.Fatalf("Failed to build VLAN table: %v", err)
	}
	ports := vlans.Ports()
	log.InfoContextf(ctx, "VLAN table: %v", vlans)
	preparePTF(ctx, t, ptfDevice, ports)

	var opts []ptf.Option
	if ptfDevice.PortFormat != "" {
		opts = append(opts, ptf.WithPortFormat(ptfDevice.PortFormat))
	}
	opts = append(opts, ptf.WithVerifyTimeout(*verifyTimeout))
	dp, err := ptf.NewPcapDataplane(ctx, ports, opts...)
	if err != nil {
		t.Fatalf("Failed to open PTF dataplane: %v", err)
	}
	defer dp.Close()

	for _, pktType := range ptf.PacketTypes {
		t.Run(string(pktType), func(t *testing.T) {
			defer testhelper.NewTearDownOptions(t, dut).
				WithID(string(pktType)).
				WithSaveLogs(testhelper.SaveDUTCommandLogs(dut, failureLogCommands...)).
				Teardown(t)

			clearFDB(ctx, t, dut)
			// Reopen the ports so that frames from an earlier run are dropped.
			if err := dp.Reinit(ctx); err != nil {
				t.Fatalf("Failed to reinit PTF dataplane: %v", err)
			}

			fdb, err := testhelper.SetupFDB(ctx, dp, vlans, facts.RouterMAC, pktType)
			if err != nil {
				t.Fatalf("Failed to populate FDB with %v packets: %v", pktType, err)
			}
			testhelper.VerifyFDBForwarding(t, ctx, dp, vlans, fdb)

			table, err := testhelper.ShowMAC(ctx, dut)
			if err != nil {
				t.Fatalf("Failed to read MAC table: %v", err)
			}
			for _, line := range table.Lines {
				log.Info(line)
			}
			testhelper.VerifyDummyMACCount(t, table, facts.VLANMemberCount())
			testhelper.VerifyLearnedPorts(t, table, fdb, facts.PortNames())
		})
	}
}
