package link

import (
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Direction of traffic a tc program is attached to.
type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "egress"
	}
	return "ingress"
}

// XDPMode selects how an XDP program is attached to an interface.
type XDPMode uint32

const (
	// XDPDefault lets the kernel choose, preferring driver mode.
	XDPDefault XDPMode = 0
	// XDPGeneric (SKB) links XDP BPF program for drivers which do
	// not yet support native XDP.
	XDPGeneric XDPMode = unix.XDP_FLAGS_SKB_MODE
	// XDPDriver links XDP BPF program into the driver's receive path.
	XDPDriver XDPMode = unix.XDP_FLAGS_DRV_MODE
	// XDPOffload offloads the entire XDP BPF program into hardware.
	XDPOffload XDPMode = unix.XDP_FLAGS_HW_MODE
)

// InterfaceTarget is a network interface, used by XDP and tc programs.
type InterfaceTarget struct {
	// Name of the interface, ignored if Index is set.
	Name  string
	Index int

	// XDPMode is only used by XDP programs.
	XDPMode XDPMode

	// Direction and Priority are only used by tc programs. Filters with the
	// same priority on the same hook conflict. Priority defaults to 1.
	Direction Direction
	Priority  uint16
}

func (InterfaceTarget) target() {}

func (it InterfaceTarget) String() string {
	if it.Index != 0 {
		return fmt.Sprintf("ifindex %d", it.Index)
	}
	return "interface " + it.Name
}

func (it InterfaceTarget) ifindex() (int, error) {
	if it.Index > 0 {
		return it.Index, nil
	}
	if it.Name == "" {
		return 0, errors.New("interface needs a name or an index")
	}

	iface, err := net.InterfaceByName(it.Name)
	if err != nil {
		return 0, errors.Wrapf(unix.ENODEV, "interface %q", it.Name)
	}
	return iface.Index, nil
}

// netlinkErrno returns the errno carried by a netlink error, along with the
// kernel's extended acknowledgement if there is one.
func netlinkErrno(err error) (unix.Errno, string, bool) {
	var opErr *netlink.OpError
	if !errors.As(err, &opErr) {
		return 0, "", false
	}

	var errno unix.Errno
	if !errors.As(opErr.Err, &errno) {
		return 0, "", false
	}
	return errno, opErr.Message, true
}
