package link

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/testutils"
)

func TestTC(t *testing.T) {
	ns := testutils.NewNetNS(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.SchedCLS}, 0)

	ingress := InterfaceTarget{Index: loopback, Direction: Ingress}
	egress := InterfaceTarget{Index: loopback, Direction: Egress, Priority: 2}

	var links []Link
	err := ns.Do(func() error {
		lnk, err := Attach(prog, ingress)
		if err != nil {
			return err
		}
		links = append(links, lnk)

		_, err = Attach(prog, ingress)
		qt.Check(t, qt.ErrorIs(err, ErrAlreadyAttached))

		lnk, err = Attach(prog, egress)
		if err != nil {
			return err
		}
		links = append(links, lnk)
		return nil
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(links, 2))
	qt.Assert(t, qt.Equals(links[0].Kind(), "tc"))

	// The qdisc is shared by both filters.
	clsactRefs.Lock()
	refs := len(clsactRefs.refs)
	clsactRefs.Unlock()
	qt.Assert(t, qt.Equals(refs, 1))

	for _, lnk := range links {
		qt.Assert(t, qt.IsNil(lnk.Detach()))
	}

	clsactRefs.Lock()
	refs = len(clsactRefs.refs)
	clsactRefs.Unlock()
	qt.Assert(t, qt.Equals(refs, 0))

	// Everything was cleaned up, so attaching works again.
	err = ns.Do(func() error {
		lnk, err := Attach(prog, ingress)
		if err != nil {
			return err
		}
		return lnk.Detach()
	})
	qt.Assert(t, qt.IsNil(err))
}

func TestBPFFilter(t *testing.T) {
	filter := bpfFilter(3, InterfaceTarget{Direction: Egress}, nil)
	qt.Assert(t, qt.Equals(filter.Ifindex, 3))
	qt.Assert(t, qt.Equals(filter.Handle, tcFilterHandle))
	qt.Assert(t, qt.Equals(filter.Parent, 0xfffffff3))
	qt.Assert(t, qt.Equals(filter.Info, 1<<16|tcProtocolAll))

	filter = bpfFilter(3, InterfaceTarget{Direction: Ingress, Priority: 7}, nil)
	qt.Assert(t, qt.Equals(filter.Parent, 0xfffffff2))
	qt.Assert(t, qt.Equals(filter.Info, 7<<16|tcProtocolAll))
}
