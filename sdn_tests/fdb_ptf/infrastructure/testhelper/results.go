package testhelper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/golang/glog"
)

// Teardown performs the teardown routine after the test completion.
func (o TearDownOptions) Teardown(t *testing.T) {
	log.Infof("%v on %v finished in %v, IDs: %v", t.Name(), o.DUTName, time.Since(o.StartTime), o.IDs)
	if t.Failed() {
		if o.SaveLogs != nil {
			o.SaveLogs(t, t.Name()+"_log", o.DUTDeviceInfo)
		}
	}
}

// logsDir returns the directory failed tests write their logs to.
func logsDir() string {
	if dir := os.Getenv("TEST_UNDECLARED_OUTPUTS_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// SaveDUTCommandLogs returns a SaveLogs routine that runs each command on the
// DUT and stores its output under the test outputs directory.
func SaveDUTCommandLogs(dut *DUT, cmds ...string) func(t *testing.T, savePrefix string, info DUTInfo) {
	return func(t *testing.T, savePrefix string, info DUTInfo) {
		prefix := strings.NewReplacer("/", "_", " ", "_").Replace(savePrefix)
		for _, cmd := range cmds {
			out, err := testhelperDUTCommandRun(context.Background(), dut, cmd)
			if err != nil {
				t.Logf("Failed to collect '%v' from %v: %v", cmd, info.Name(), err)
				continue
			}
			name := prefix + "_" + strings.ReplaceAll(cmd, " ", "_") + ".txt"
			path := filepath.Join(logsDir(), name)
			if err := os.WriteFile(path, []byte(out), 0644); err != nil {
				t.Logf("Failed to save '%v' output to %v: %v", cmd, path, err)
				continue
			}
			t.Logf("Saved '%v' output from %v to %v", cmd, info.Name(), path)
		}
	}
}
