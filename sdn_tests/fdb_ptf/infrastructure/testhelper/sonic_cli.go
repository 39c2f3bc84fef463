package testhelper

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// SONiC CLI commands used against the DUT.
const (
	ClearFDBCommand = "sonic-clear fdb all"
	ShowMACCommand  = "show mac"
)

const dynamicEntryMarker = "dynamic"

// FDBEntry is one row of the "show mac" table.
type FDBEntry struct {
	Index int
	VLAN  int
	MAC   net.HardwareAddr
	Port  string
	Type  string
}

// Dynamic reports whether the entry was learned from traffic.
func (e FDBEntry) Dynamic() bool {
	return strings.EqualFold(e.Type, dynamicEntryMarker)
}

// MACTable is the parsed output of "show mac".
type MACTable struct {
	// Lines is the raw command output, one element per line.
	Lines   []string
	Entries []FDBEntry
	// Total is the entry count the DUT reports, -1 if it did not report one.
	Total int
}

// RunDUTCommand runs a CLI command on the DUT and returns its output.
func RunDUTCommand(ctx context.Context, dut *DUT, cmd string) (string, error) {
	out, err := testhelperDUTCommandRun(ctx, dut, cmd)
	if err != nil {
		return "", errors.Wrapf(err, "'%v' failed on %v", cmd, dut.Name)
	}
	return out, nil
}

// ClearFDB flushes every dynamic entry from the DUT MAC table.
func ClearFDB(ctx context.Context, dut *DUT) error {
	_, err := RunDUTCommand(ctx, dut, ClearFDBCommand)
	return err
}

// ShowMAC dumps and parses the DUT MAC table.
func ShowMAC(ctx context.Context, dut *DUT) (*MACTable, error) {
	out, err := RunDUTCommand(ctx, dut, ShowMACCommand)
	if err != nil {
		return nil, err
	}
	return ParseShowMAC(out), nil
}

// ParseShowMAC parses "show mac" output:
//
//	  No.    Vlan  MacAddress         Port        Type
//	-----  ------  -----------------  ----------  -------
//	    1    1000  02:11:22:33:04:00  Ethernet4   Dynamic
//	Total number of entries 1
//
// Lines that are not table rows are kept in Lines only.
func ParseShowMAC(out string) *MACTable {
	table := &MACTable{Total: -1}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		table.Lines = append(table.Lines, line)
		fields := strings.Fields(line)
		if n, ok := parseTotal(fields); ok {
			table.Total = n
			continue
		}
		if len(fields) != 5 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		vlan, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		mac, err := net.ParseMAC(fields[2])
		if err != nil {
			continue
		}
		table.Entries = append(table.Entries, FDBEntry{
			Index: index,
			VLAN:  vlan,
			MAC:   mac,
			Port:  fields[3],
			Type:  fields[4],
		})
	}
	return table
}

func parseTotal(fields []string) (int, bool) {
	if len(fields) != 5 || strings.Join(fields[:4], " ") != "Total number of entries" {
		return 0, false
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0, false
	}
	return n, true
}

// CountMACEntries counts, case-insensitively, the lines that mention prefix
// and the lines that mention a dynamic entry.
func CountMACEntries(lines []string, prefix string) (prefixCount, dynamicCount int) {
	prefix = strings.ToLower(prefix)
	for _, l := range lines {
		l = strings.ToLower(l)
		if strings.Contains(l, prefix) {
			prefixCount++
		}
		if strings.Contains(l, dynamicEntryMarker) {
			dynamicCount++
		}
	}
	return prefixCount, dynamicCount
}

// DynamicEntries returns the learned rows of the table.
func (m *MACTable) DynamicEntries() []FDBEntry {
	var dynamic []FDBEntry
	for _, e := range m.Entries {
		if e.Dynamic() {
			dynamic = append(dynamic, e)
		}
	}
	return dynamic
}

// AwaitFDBEmpty polls "show mac" until the DUT reports no dynamic entries or
// ctx expires.
func AwaitFDBEmpty(ctx context.Context, dut *DUT, interval time.Duration) error {
	var remaining int
	var lastErr error
	err := poll(ctx, interval, func() pollStatus {
		table, err := ShowMAC(ctx, dut)
		if err != nil {
			lastErr = err
			return continuePoll
		}
		remaining = len(table.DynamicEntries())
		if remaining > 0 {
			log.Infof("%v still has %d dynamic FDB entries", dut.Name, remaining)
			return continuePoll
		}
		return exitPoll
	})
	if err != nil {
		if lastErr != nil {
			return WrapError(lastErr, "FDB on %v not empty: %v", dut.Name, err)
		}
		return errors.Wrapf(err, "FDB on %v still has %d dynamic entries", dut.Name, remaining)
	}
	return nil
}
