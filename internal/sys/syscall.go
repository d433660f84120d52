package sys

import (
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BPF wraps SYS_BPF.
//
// Pointers inside attr must be of type Pointer.
func BPF(cmd Cmd, attr unsafe.Pointer, size uintptr) (uintptr, error) {
	r1, _, errNo := unix.Syscall(unix.SYS_BPF, uintptr(cmd), uintptr(attr), size)
	runtime.KeepAlive(attr)

	var err error
	if errNo != 0 {
		err = wrappedErrno{errNo}
	}

	return r1, err
}

func MapCreate(attr *MapCreateAttr) (*FD, error) {
	fd, err := BPF(BPF_MAP_CREATE, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	if err != nil {
		return nil, err
	}

	return NewFD(int(fd))
}

func MapLookupElem(attr *MapElemAttr) error {
	_, err := BPF(BPF_MAP_LOOKUP_ELEM, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

func MapUpdateElem(attr *MapElemAttr) error {
	_, err := BPF(BPF_MAP_UPDATE_ELEM, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

func MapDeleteElem(attr *MapElemAttr) error {
	_, err := BPF(BPF_MAP_DELETE_ELEM, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

func MapGetNextKey(attr *MapGetNextKeyAttr) error {
	_, err := BPF(BPF_MAP_GET_NEXT_KEY, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

// ProgLoad wraps BPF_PROG_LOAD.
//
// The verifier can be interrupted by a signal, in which case the kernel
// returns EAGAIN. That is restarted here since no verification happened.
func ProgLoad(attr *ProgLoadAttr) (*FD, error) {
	for {
		fd, err := BPF(BPF_PROG_LOAD, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
		if errors.Is(err, unix.EAGAIN) {
			continue
		}

		if err != nil {
			return nil, err
		}

		return NewFD(int(fd))
	}
}

func ProgAttach(attr *ProgAttachAttr) error {
	_, err := BPF(BPF_PROG_ATTACH, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

func ProgDetach(attr *ProgAttachAttr) error {
	_, err := BPF(BPF_PROG_DETACH, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

func ProgTestRun(attr *ProgTestRunAttr) error {
	_, err := BPF(BPF_PROG_TEST_RUN, unsafe.Pointer(attr), unsafe.Sizeof(*attr))
	return err
}

// ObjPin wraps BPF_OBJ_PIN.
func ObjPin(fileName string, fd *FD) error {
	attr := ObjPinAttr{
		Pathname: NewStringPointer(fileName),
		BpfFd:    fd.Uint(),
	}
	_, err := BPF(BPF_OBJ_PIN, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrapf(err, "pin object %s", fileName)
}

// ObjGet wraps BPF_OBJ_GET.
func ObjGet(fileName string, flags uint32) (*FD, error) {
	attr := ObjPinAttr{
		Pathname:  NewStringPointer(fileName),
		FileFlags: flags,
	}
	ptr, err := BPF(BPF_OBJ_GET, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s", fileName)
	}
	return NewFD(int(ptr))
}

// ObjGetInfoByFD wraps BPF_OBJ_GET_INFO_BY_FD.
func ObjGetInfoByFD(fd *FD, info unsafe.Pointer, size uintptr) error {
	attr := ObjGetInfoByFdAttr{
		BpfFd:   fd.Uint(),
		InfoLen: uint32(size),
		Info:    NewPointer(info),
	}
	_, err := BPF(BPF_OBJ_GET_INFO_BY_FD, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return errors.Wrapf(err, "fd %v", fd)
}

// IsBPFFS reports whether path lives on a bpffs mount.
func IsBPFFS(path string) (bool, error) {
	var statfs unix.Statfs_t
	if err := unix.Statfs(path, &statfs); err != nil {
		return false, err
	}
	return uint32(statfs.Type) == BPF_FS_MAGIC, nil
}

// wrappedErrno forces callers to use errors.Is instead of comparing against
// unix.E* constants. It must stay unexported.
type wrappedErrno struct {
	syscall.Errno
}

func (we wrappedErrno) Unwrap() error {
	return we.Errno
}

type syscallError struct {
	error
	errno syscall.Errno
}

// Error returns an error which matches err via errors.Is and unwraps to
// errno, so that callers can still inspect the kernel's error code.
func Error(err error, errno syscall.Errno) error {
	return &syscallError{err, errno}
}

func (se *syscallError) Is(target error) bool {
	return target == se.error
}

func (se *syscallError) Unwrap() error {
	return se.errno
}

// Errno extracts the kernel error code from err, or returns 0.
func Errno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
