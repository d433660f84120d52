package link

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/testutils"
)

// loopback is the index of lo in a fresh network namespace.
const loopback = 1

func TestXDP(t *testing.T) {
	ns := testutils.NewNetNS(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.XDP}, 2)

	target := InterfaceTarget{Index: loopback, XDPMode: XDPGeneric}

	var lnk Link
	err := ns.Do(func() (err error) {
		lnk, err = Attach(prog, target)
		if err != nil {
			return err
		}

		_, err = Attach(prog, target)
		qt.Check(t, qt.ErrorIs(err, ErrAlreadyAttached))
		return nil
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(lnk.Kind(), "xdp"))

	// The link remembers the namespace it was created in.
	qt.Assert(t, qt.IsNil(lnk.Detach()))

	err = ns.Do(func() error {
		lnk, err := Attach(prog, InterfaceTarget{Name: "lo", XDPMode: XDPGeneric})
		if err != nil {
			return err
		}
		return lnk.Detach()
	})
	qt.Assert(t, qt.IsNil(err))
}

func TestXDPUnknownInterface(t *testing.T) {
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.XDP}, 2)

	_, err := Attach(prog, InterfaceTarget{Name: "probelab-bogus0"})
	qt.Assert(t, qt.ErrorIs(err, ErrTargetNotFound))

	_, err = Attach(prog, InterfaceTarget{})
	qt.Assert(t, qt.IsNotNil(err))
}
