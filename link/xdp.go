package link

import (
	"github.com/jsimonetti/rtnetlink/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
)

func attachXDP(prog *ebpf.Program, t InterfaceTarget) (func() error, error) {
	ifindex, err := t.ifindex()
	if err != nil {
		return nil, err
	}

	// The connection is kept for detaching, so that the link keeps working
	// if the caller changes network namespace in the meantime.
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial rtnetlink")
	}

	// Refuse to replace a program attached by someone else.
	flags := uint32(t.XDPMode) | unix.XDP_FLAGS_UPDATE_IF_NOEXIST
	if err := setXDP(conn, ifindex, int32(prog.FD()), flags); err != nil {
		conn.Close()
		return nil, err
	}

	return func() error {
		defer conn.Close()
		return setXDP(conn, ifindex, -1, uint32(t.XDPMode))
	}, nil
}

// setXDP installs the program with the given fd on an interface. An fd of -1
// removes the program.
func setXDP(conn *rtnetlink.Conn, ifindex int, fd int32, flags uint32) error {
	err := conn.Link.Set(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  uint32(ifindex),
		Attributes: &rtnetlink.LinkAttributes{
			XDP: &rtnetlink.LinkXDP{
				FD:    fd,
				Flags: flags,
			},
		},
	})
	if err == nil {
		return nil
	}

	op := "attach"
	if fd < 0 {
		op = "detach"
	}
	if errno, msg, ok := netlinkErrno(err); ok && msg != "" {
		return errors.Wrapf(errno, "%s xdp on ifindex %d: %s", op, ifindex, msg)
	}
	return errors.Wrapf(err, "%s xdp on ifindex %d", op, ifindex)
}
