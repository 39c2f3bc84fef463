// Package testhelper contains APIs that help in writing SONiC PTF tests.
package testhelper

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// Function pointers that interact with the switch. They enable unit testing
// of methods that interact with the switch.
var (
	testhelperDUTCommandRun = func(ctx context.Context, d *DUT, cmd string) (string, error) {
		return RunSSH(d.SSH, cmd)
	}

	testhelperPTFScriptRun = func(ctx context.Context, p *PTFHost, name string, body []byte) (string, error) {
		return RunScript(p.SSH, name, body)
	}
)

// FrontPanelPortPrefix defines prefix string for front panel ports.
const (
	FrontPanelPortPrefix = "Ethernet"
)

// DUT is a reserved SONiC switch reachable over SSH.
type DUT struct {
	Name string
	SSH  SSHConfig
}

// PTFHost is the packet generator host wired to the DUT front panel ports.
type PTFHost struct {
	Name string
	SSH  SSHConfig
}

// RunPTFScript runs one of the PTF host preparation scripts.
func RunPTFScript(ctx context.Context, p *PTFHost, name string, body []byte) error {
	out, err := testhelperPTFScriptRun(ctx, p, name, body)
	if err != nil {
		return errors.Wrapf(err, "failed to run %v on %v", name, p.Name)
	}
	log.InfoContextf(ctx, "Ran %v on %v: %v", name, p.Name, out)
	return nil
}

// DUTInfo contains dut related info.
type DUTInfo struct {
	name string
	addr string
}

// NewDUTInfo creates the DUTInfo structure for a given DUT.
func NewDUTInfo(dut *DUT) DUTInfo {
	return DUTInfo{
		name: dut.Name,
		addr: dut.SSH.Addr,
	}
}

// Name returns the DUT name.
func (d DUTInfo) Name() string {
	return d.name
}

// TearDownOptions consist of the options to be taken into account by the teardown method.
type TearDownOptions struct {
	StartTime     time.Time
	DUTName       string
	IDs           []string
	DUTDeviceInfo DUTInfo
	SaveLogs      func(t *testing.T, savePrefix string, dut DUTInfo)
}

// NewTearDownOptions creates the TearDownOptions structure with default values.
func NewTearDownOptions(t *testing.T, dut *DUT) TearDownOptions {
	return TearDownOptions{
		StartTime:     time.Now(),
		DUTName:       dut.Name,
		DUTDeviceInfo: NewDUTInfo(dut),
	}
}

// WithID attaches an ID to the test.
func (o TearDownOptions) WithID(id string) TearDownOptions {
	o.IDs = append(o.IDs, id)
	return o
}

// WithIDs attaches a list of IDs to the test.
func (o TearDownOptions) WithIDs(ids []string) TearDownOptions {
	o.IDs = append(o.IDs, ids...)
	return o
}

// WithSaveLogs sets the routine that collects logs from a failed test.
func (o TearDownOptions) WithSaveLogs(f func(t *testing.T, savePrefix string, dut DUTInfo)) TearDownOptions {
	o.SaveLogs = f
	return o
}

// TearDown provides an interface to implement the teardown routine.
type TearDown interface {
	Teardown(t *testing.T)
}

// IsFrontPanelPort returns true if the specified port is a front panel port.
func IsFrontPanelPort(port string) bool {
	return strings.HasPrefix(port, FrontPanelPortPrefix)
}

// FrontPanelPortNumber returns N for EthernetN.
func FrontPanelPortNumber(port string) (int, error) {
	if !IsFrontPanelPort(port) {
		return 0, errors.Errorf("%v is not a front panel port", port)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(port, FrontPanelPortPrefix))
	if err != nil {
		return 0, errors.Wrapf(err, "malformed front panel port %v", port)
	}
	return n, nil
}

// SortFrontPanelPorts sorts ports by their numeric suffix. Names that are
// not front panel ports sort last, lexically.
func SortFrontPanelPorts(ports []string) {
	sort.SliceStable(ports, func(i, j int) bool {
		ni, erri := FrontPanelPortNumber(ports[i])
		nj, errj := FrontPanelPortNumber(ports[j])
		switch {
		case erri == nil && errj == nil:
			return ni < nj
		case erri == nil:
			return true
		case errj == nil:
			return false
		}
		return ports[i] < ports[j]
	})
}

// WrapError wraps a new error with new line or creates a new error if
// err == nil. It has been created because errors.Wrapf() returns nil
// if err == nil.
func WrapError(err error, format string, args ...any) error {
	format = format + "\n"
	if err == nil {
		return errors.Errorf(format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
