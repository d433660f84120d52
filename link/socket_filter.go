package link

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
)

// SocketTarget is a socket file descriptor owned by the caller.
//
// The socket must stay open until the link is detached.
type SocketTarget struct {
	FD int
}

func (SocketTarget) target() {}

func (st SocketTarget) String() string {
	return fmt.Sprintf("socket fd %d", st.FD)
}

// RawConnTarget is a socket wrapped by the net package, e.g. a *net.UDPConn.
type RawConnTarget struct {
	Conn syscall.Conn
}

func (RawConnTarget) target() {}

func (rt RawConnTarget) String() string {
	return fmt.Sprintf("socket %T", rt.Conn)
}

func attachSocketFD(prog *ebpf.Program, fd int) (func() error, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, prog.FD()); err != nil {
		return nil, errors.Wrap(err, "setsockopt SO_ATTACH_BPF")
	}

	return func() error {
		return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DETACH_BPF, 0), "setsockopt SO_DETACH_BPF")
	}, nil
}

func attachRawConn(prog *ebpf.Program, conn syscall.Conn) (func() error, error) {
	if conn == nil {
		return nil, errors.New("conn cannot be nil")
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	control := func(opt, value int) error {
		var ssoErr error
		err := rawConn.Control(func(fd uintptr) {
			ssoErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, value)
		})
		if ssoErr != nil {
			return ssoErr
		}
		return err
	}

	if err := control(unix.SO_ATTACH_BPF, prog.FD()); err != nil {
		return nil, errors.Wrap(err, "setsockopt SO_ATTACH_BPF")
	}

	return func() error {
		return errors.Wrap(control(unix.SO_DETACH_BPF, 0), "setsockopt SO_DETACH_BPF")
	}, nil
}
