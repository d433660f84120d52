// Package rlimit lifts RLIMIT_MEMLOCK on kernels which charge eBPF maps and
// programs against it.
package rlimit

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf/internal/sys"
)

var (
	errNoMemcgAccounting = errors.New("memcg-based accounting for BPF memory requires Linux 5.11")
	haveMemcgAccounting  error
)

func init() {
	// The probe temporarily lowers the process wide limit, which is only
	// safe while init functions run on a single goroutine. Importing the
	// package opts into it.
	haveMemcgAccounting = detectMemcgAccounting()
}

func detectMemcgAccounting() error {
	var oldLimit unix.Rlimit
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &oldLimit); err != nil {
		return errors.Wrap(err, "retrieve RLIMIT_MEMLOCK")
	}

	// Lowering a limit needs no privileges.
	zeroLimit := unix.Rlimit{Cur: 0, Max: oldLimit.Max}
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &zeroLimit, &oldLimit); err != nil {
		return errors.Wrap(err, "lower RLIMIT_MEMLOCK")
	}

	attr := sys.MapCreateAttr{
		MapName:    sys.NewObjName("memcg_account"),
		MapType:    2, /* Array */
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 1,
	}

	fd, mapErr := sys.MapCreate(&attr)
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &oldLimit, nil); err != nil {
		return errors.Wrap(err, "restore old RLIMIT_MEMLOCK")
	}
	if mapErr == nil {
		fd.Close()
		return nil
	}

	if !errors.Is(mapErr, unix.EPERM) {
		return errors.Wrap(mapErr, "determine whether RLIMIT_MEMLOCK is used")
	}

	return errNoMemcgAccounting
}

var (
	prlimitLock    sync.Mutex
	memlockRemoved bool
)

// RemoveMemlock sets RLIMIT_MEMLOCK to infinity if the kernel accounts eBPF
// memory against it. From 5.11 on memory is charged to the cgroup instead
// and the call does nothing.
//
// The limit is process wide, so call it early in main. Older kernels require
// CAP_SYS_RESOURCE.
func RemoveMemlock() error {
	if haveMemcgAccounting == nil {
		return nil
	}

	if !errors.Is(haveMemcgAccounting, errNoMemcgAccounting) {
		return haveMemcgAccounting
	}

	prlimitLock.Lock()
	defer prlimitLock.Unlock()

	if memlockRemoved {
		return nil
	}

	newLimit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &newLimit, nil); err != nil {
		return errors.Wrap(err, "raise RLIMIT_MEMLOCK")
	}

	memlockRemoved = true
	return nil
}
