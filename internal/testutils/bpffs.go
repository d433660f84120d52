package testutils

import (
	"os"
	"testing"

	"github.com/probelab/ebpf/internal/sys"
)

// TempBPFFS creates a temporary directory on a BPF FS.
//
// The directory is automatically cleaned up at the end of the test run. The
// test is skipped if /sys/fs/bpf isn't a BPF FS.
func TempBPFFS(tb testing.TB) string {
	tb.Helper()

	if ok, err := sys.IsBPFFS("/sys/fs/bpf"); err != nil || !ok {
		tb.Skip("/sys/fs/bpf is not a BPF FS")
	}

	tmp, err := os.MkdirTemp("/sys/fs/bpf", "probelab-test")
	if err != nil {
		tb.Fatal("Create temporary directory on BPFFS:", err)
	}
	tb.Cleanup(func() { os.RemoveAll(tmp) })

	return tmp
}
