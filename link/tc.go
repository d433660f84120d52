package link

import (
	"sync"

	"github.com/florianl/go-tc"
	"github.com/florianl/go-tc/core"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
)

const (
	// TCA_BPF_FLAG_ACT_DIRECT: the program's return value is the tc action.
	tcBPFFlagActDirect = 1
	// ETH_P_ALL in network byte order.
	tcProtocolAll = 0x300
	// Handle of filters created by this package.
	tcFilterHandle = 1
)

// clsactRefs counts the links using a clsact qdisc created by this package,
// per interface. Qdiscs created by somebody else aren't tracked and never
// removed.
var clsactRefs = struct {
	sync.Mutex
	refs map[uint32]int
}{refs: make(map[uint32]int)}

func clsactQdisc(ifindex uint32) *tc.Object {
	return &tc.Object{
		Msg: tc.Msg{
			Family:  unix.AF_UNSPEC,
			Ifindex: ifindex,
			Handle:  core.BuildHandle(tc.HandleRoot, 0x0000),
			Parent:  tc.HandleIngress,
			Info:    0,
		},
		Attribute: tc.Attribute{
			Kind: "clsact",
		},
	}
}

// acquireClsact makes sure a clsact qdisc exists on the interface. It returns
// true if the caller holds a reference and must call releaseClsact.
func acquireClsact(rtnl *tc.Tc, ifindex uint32) (bool, error) {
	clsactRefs.Lock()
	defer clsactRefs.Unlock()

	if clsactRefs.refs[ifindex] > 0 {
		clsactRefs.refs[ifindex]++
		return true, nil
	}

	err := rtnl.Qdisc().Add(clsactQdisc(ifindex))
	if errno, _, ok := netlinkErrno(err); ok && errno == unix.EEXIST {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "add clsact qdisc to ifindex %d", ifindex)
	}

	clsactRefs.refs[ifindex] = 1
	return true, nil
}

func releaseClsact(rtnl *tc.Tc, ifindex uint32) error {
	clsactRefs.Lock()
	defer clsactRefs.Unlock()

	clsactRefs.refs[ifindex]--
	if clsactRefs.refs[ifindex] > 0 {
		// another classifier is still using the qdisc, do not delete it yet
		return nil
	}
	delete(clsactRefs.refs, ifindex)

	err := rtnl.Qdisc().Delete(clsactQdisc(ifindex))
	if err != nil && !interfaceGone(err) {
		return errors.Wrapf(err, "delete clsact qdisc from ifindex %d", ifindex)
	}
	return nil
}

// interfaceGone returns true if err is caused by the interface having been
// removed, which takes its qdiscs and filters with it.
func interfaceGone(err error) bool {
	errno, _, ok := netlinkErrno(err)
	return ok && (errno == unix.ENODEV || errno == unix.ENOENT)
}

func bpfFilter(ifindex uint32, t InterfaceTarget, bpf *tc.Bpf) *tc.Object {
	minor := uint32(tc.HandleMinIngress)
	if t.Direction == Egress {
		minor = tc.HandleMinEgress
	}

	prio := uint32(t.Priority)
	if prio == 0 {
		prio = 1
	}

	return &tc.Object{
		Msg: tc.Msg{
			Family:  unix.AF_UNSPEC,
			Ifindex: ifindex,
			Handle:  tcFilterHandle,
			Parent:  core.BuildHandle(tc.HandleRoot, minor),
			Info:    prio<<16 | tcProtocolAll,
		},
		Attribute: tc.Attribute{
			Kind: "bpf",
			BPF:  bpf,
		},
	}
}

func attachTC(prog *ebpf.Program, t InterfaceTarget) (_ func() error, err error) {
	index, err := t.ifindex()
	if err != nil {
		return nil, err
	}
	ifindex := uint32(index)

	rtnl, err := tc.Open(&tc.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open rtnetlink")
	}
	defer func() {
		if err != nil {
			rtnl.Close()
		}
	}()

	owned, err := acquireClsact(rtnl, ifindex)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && owned {
			_ = releaseClsact(rtnl, ifindex)
		}
	}()

	fd := uint32(prog.FD())
	name := prog.Name()
	flags := uint32(tcBPFFlagActDirect)
	filter := bpfFilter(ifindex, t, &tc.Bpf{
		FD:    &fd,
		Name:  &name,
		Flags: &flags,
	})

	if err := rtnl.Filter().Add(filter); err != nil {
		return nil, errors.Wrapf(err, "add %s filter to ifindex %d", t.Direction, ifindex)
	}

	return func() error {
		defer rtnl.Close()

		var result *multierror.Error
		if err := rtnl.Filter().Delete(bpfFilter(ifindex, t, nil)); err != nil && !interfaceGone(err) {
			result = multierror.Append(result, errors.Wrapf(err, "delete %s filter from ifindex %d", t.Direction, ifindex))
		}
		if owned {
			if err := releaseClsact(rtnl, ifindex); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}, nil
}
