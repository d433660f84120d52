package rlimit

import (
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"
)

func TestRemoveMemlock(t *testing.T) {
	if unix.Geteuid() != 0 {
		t.Skip("requires root")
	}

	var before unix.Rlimit
	qt.Assert(t, qt.IsNil(unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &before)))

	err := RemoveMemlock()
	qt.Assert(t, qt.IsNil(err))

	var after unix.Rlimit
	qt.Assert(t, qt.IsNil(unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &after)))

	// We can't use testutils here due to an import cycle.
	if haveMemcgAccounting == nil {
		qt.Assert(t, qt.Equals(after.Cur, before.Cur), qt.Commentf("cur should be unchanged"))
		qt.Assert(t, qt.Equals(after.Max, before.Max), qt.Commentf("max should be unchanged"))
	} else {
		qt.Assert(t, qt.Equals(after.Cur, uint64(unix.RLIM_INFINITY)), qt.Commentf("cur should be INFINITY"))
		qt.Assert(t, qt.Equals(after.Max, uint64(unix.RLIM_INFINITY)), qt.Commentf("max should be INFINITY"))
	}
}

func TestRemoveMemlockIdempotent(t *testing.T) {
	if unix.Geteuid() != 0 {
		t.Skip("requires root")
	}

	qt.Assert(t, qt.IsNil(RemoveMemlock()))
	qt.Assert(t, qt.IsNil(RemoveMemlock()))
}
