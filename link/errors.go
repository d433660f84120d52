package link

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
)

var (
	// ErrTargetNotFound is matched by an AttachError if the hook doesn't
	// exist, e.g. an unknown symbol, tracepoint or interface.
	ErrTargetNotFound = errors.New("attach target not found")
	// ErrPermissionDenied is matched by an AttachError if the caller lacks
	// the privileges to attach.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadyAttached is matched by an AttachError if the hook is
	// occupied by another program.
	ErrAlreadyAttached = errors.New("hook already occupied")
)

// AttachError is returned by Attach.
//
// The underlying error, usually a unix.Errno, is available via errors.Is
// and errors.As.
type AttachError struct {
	Kind   ebpf.ProgramKind
	Target string
	Err    error
}

func (ae *AttachError) Error() string {
	return fmt.Sprintf("attach %s program to %s: %s", ae.Kind, ae.Target, ae.Err)
}

func (ae *AttachError) Unwrap() error {
	return ae.Err
}

// Is classifies the underlying error.
func (ae *AttachError) Is(target error) bool {
	switch target {
	case ErrTargetNotFound:
		return isAny(ae.Err, unix.ENOENT, unix.ENODEV, unix.ENXIO, os.ErrNotExist, ErrSymbolNotFound)
	case ErrPermissionDenied:
		return isAny(ae.Err, unix.EPERM, unix.EACCES)
	case ErrAlreadyAttached:
		return isAny(ae.Err, unix.EEXIST, unix.EBUSY)
	}
	return false
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
