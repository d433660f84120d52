package testutils

import (
	"testing"

	"golang.org/x/sys/unix"
)

type Capability int

// Mirrors of constants from x/sys/unix
const (
	CAP_NET_ADMIN    Capability = 12
	CAP_SYS_ADMIN    Capability = 21
	CAP_SYS_RESOURCE Capability = 24
	CAP_PERFMON      Capability = 38
	CAP_BPF          Capability = 39
)

// SkipIfNotRoot skips the test unless it runs with every capability a
// root process has, which is what loading and attaching programs needs.
func SkipIfNotRoot(tb testing.TB) {
	tb.Helper()

	if unix.Geteuid() != 0 {
		tb.Skip("Test requires root")
	}
}

// SkipUnlessCapable skips the test if any of caps is missing from the
// effective set of the calling thread.
func SkipUnlessCapable(tb testing.TB, caps ...Capability) {
	tb.Helper()

	set, err := capget()
	if err != nil {
		tb.Fatal("Can't get capabilities:", err)
	}

	for _, cap := range caps {
		if set.Effective&(1<<uint(cap)) == 0 {
			tb.Skipf("Test requires capability %d", cap)
		}
	}
}

type capUserData struct {
	Effective   uint64
	Permitted   uint64
	Inheritable uint64
}

func capget() (capUserData, error) {
	var hdr = &unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
	}

	var data [2]unix.CapUserData
	err := unix.Capget(hdr, &data[0])
	if err != nil {
		return capUserData{}, err
	}

	return capUserData{
		Effective:   uint64(data[0].Effective) | uint64(data[1].Effective)<<32,
		Permitted:   uint64(data[0].Permitted) | uint64(data[1].Permitted)<<32,
		Inheritable: uint64(data[0].Inheritable) | uint64(data[1].Inheritable)<<32,
	}, err
}
