package link

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/sys"
)

// CgroupTarget is a cgroup v2 directory.
type CgroupTarget struct {
	Path string
	// Hook defaults to the attach type the program was loaded with.
	Hook ebpf.AttachType
}

func (CgroupTarget) target() {}

func (ct CgroupTarget) String() string {
	return "cgroup " + ct.Path
}

func attachCgroup(prog *ebpf.Program, t CgroupTarget) (func() error, error) {
	hook := t.Hook
	if hook == ebpf.AttachNone {
		hook = prog.AttachType()
	}

	// The directory stays open so detaching works even if the path is
	// renamed in the meantime.
	cgroup, err := os.Open(t.Path)
	if err != nil {
		return nil, err
	}

	attr := sys.ProgAttachAttr{
		TargetFd:    uint32(cgroup.Fd()),
		AttachBpfFd: uint32(prog.FD()),
		AttachType:  uint32(hook),
		// Allow other programs on the same hook, they are run in order.
		AttachFlags: unix.BPF_F_ALLOW_MULTI,
	}
	if err := sys.ProgAttach(&attr); err != nil {
		cgroup.Close()
		return nil, errors.Wrapf(err, "attach to %s", t.Path)
	}

	return func() error {
		defer cgroup.Close()

		// BPF_F_ALLOW_MULTI needs the program to know which one to remove.
		attr := sys.ProgAttachAttr{
			TargetFd:    uint32(cgroup.Fd()),
			AttachBpfFd: uint32(prog.FD()),
			AttachType:  uint32(hook),
		}
		return errors.Wrapf(sys.ProgDetach(&attr), "detach from %s", t.Path)
	}, nil
}
