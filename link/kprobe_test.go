package link

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/tracefs"
)

func skipWithoutTracefs(tb testing.TB) {
	tb.Helper()

	if _, err := tracefs.Root(); err != nil {
		tb.Skip("tracefs not available:", err)
	}
}

func TestKprobe(t *testing.T) {
	skipWithoutTracefs(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{
		Kind:        ebpf.Kprobe,
		SectionName: "kprobe/vprintk",
		AttachTo:    "vprintk",
	}, 0)

	// The target comes from the section name.
	lnk, err := Attach(prog, nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(lnk.Kind(), "kprobe"))

	// Multiple probes on the same symbol don't conflict.
	lnk2, err := Attach(prog, KprobeTarget{Symbol: "vprintk"})
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.IsNil(lnk.Detach()))
	qt.Assert(t, qt.IsNil(lnk.Detach()))
	qt.Assert(t, qt.IsNil(lnk2.Detach()))
}

func TestKretprobe(t *testing.T) {
	skipWithoutTracefs(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.Kretprobe}, 0)

	lnk, err := AttachWithOptions(prog, KprobeTarget{Symbol: "vprintk"}, Options{TraceFSPrefix: "probelab_test"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(lnk.Detach()))

	_, err = Attach(prog, KprobeTarget{Symbol: "vprintk", Offset: 1})
	qt.Assert(t, qt.ErrorIs(err, tracefs.ErrInvalidInput))
}

func TestKprobeErrors(t *testing.T) {
	skipWithoutTracefs(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.Kprobe, SectionName: "kprobe/"}, 0)

	// A section without symbol doesn't name a target.
	_, err := Attach(prog, nil)
	qt.Assert(t, qt.IsNotNil(err))

	_, err = Attach(prog, KprobeTarget{})
	qt.Assert(t, qt.ErrorIs(err, tracefs.ErrInvalidInput))

	// Depending on the kernel this is ENOENT or EINVAL.
	_, err = Attach(prog, KprobeTarget{Symbol: "bogus_symbol_that_does_not_exist"})
	qt.Assert(t, qt.IsNotNil(err))
}
