//go:build linux

package testutils

import (
	"fmt"
	"os"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// NetNS is a network namespace which only contains a loopback device.
type NetNS struct {
	f *os.File
}

// NewNetNS returns a new network namespace and brings up its loopback
// device.
func NewNetNS(tb testing.TB) *NetNS {
	tb.Helper()
	SkipIfNotRoot(tb)

	ns, err := newNetNS()
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { ns.close() })

	return ns
}

// Do runs f on a thread that has joined the namespace, without changing the
// namespace of the calling thread.
//
// f must not call runtime.LockOSThread or start goroutines of its own.
func (ns *NetNS) Do(f func() error) error {
	var g errgroup.Group
	g.Go(func() error {
		restore, err := lockOSThread()
		if err != nil {
			return err
		}

		if err := unix.Setns(int(ns.f.Fd()), unix.CLONE_NEWNET); err != nil {
			// The thread is left locked, so it's discarded when the goroutine exits.
			return errors.Wrap(err, "set netns")
		}

		ferr := f()

		if err := restore(); err != nil {
			return errors.Wrap(err, "restore original netns")
		}
		return ferr
	})

	return g.Wait()
}

func newNetNS() (*NetNS, error) {
	var f *os.File

	var g errgroup.Group
	g.Go(func() error {
		restore, err := lockOSThread()
		if err != nil {
			return err
		}

		if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
			return errors.Wrap(err, "create new netns")
		}

		f, err = currentNetNS()
		if err != nil {
			return errors.Wrap(err, "get current netns")
		}

		if err := setLinkUp("lo"); err != nil {
			return err
		}

		return restore()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	ns := &NetNS{f: f}
	runtime.SetFinalizer(ns, (*NetNS).close)
	return ns, nil
}

func (ns *NetNS) close() error {
	if ns.f == nil {
		return nil
	}

	err := ns.f.Close()
	ns.f = nil
	return err
}

// lockOSThread pins the goroutine to its thread. The returned function moves
// the thread back into its original namespace and unlocks it; if that fails
// the thread stays locked and dies with the goroutine.
func lockOSThread() (func() error, error) {
	runtime.LockOSThread()

	orig, err := currentNetNS()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "get current namespace")
	}

	return func() error {
		defer orig.Close()

		if err := unix.Setns(int(orig.Fd()), unix.CLONE_NEWNET); err != nil {
			return err
		}

		runtime.UnlockOSThread()
		return nil
	}, nil
}

func currentNetNS() (*os.File, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/ns/net", os.Getpid(), unix.Gettid())
	return os.OpenFile(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

func setLinkUp(name string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "socket")
	}
	defer unix.Close(fd)

	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifreq); err != nil {
		return errors.Wrapf(err, "get flags of %s", name)
	}

	ifreq.SetUint16(ifreq.Uint16() | unix.IFF_UP)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifreq); err != nil {
		return errors.Wrapf(err, "bring up %s", name)
	}
	return nil
}
