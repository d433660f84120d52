package sys

import (
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewPointer creates a 64-bit pointer from an unsafe Pointer.
func NewPointer(ptr unsafe.Pointer) Pointer {
	return Pointer{ptr: ptr}
}

// NewSlicePointer creates a 64-bit pointer from a byte slice.
func NewSlicePointer(buf []byte) Pointer {
	if len(buf) == 0 {
		return Pointer{}
	}

	return Pointer{ptr: unsafe.Pointer(&buf[0])}
}

// NewSlicePointerLen creates a 64-bit pointer from a byte slice.
//
// Useful to assign both the pointer and the length in one go.
func NewSlicePointerLen(buf []byte) (Pointer, uint32) {
	n := len(buf)
	if int64(n) > math.MaxUint32 {
		n = 0
	}
	return NewSlicePointer(buf), uint32(n)
}

// NewStringPointer allocates a null-terminated backing slice for str and
// returns a pointer to it.
func NewStringPointer(str string) Pointer {
	p, err := unix.BytePtrFromString(str)
	if err != nil {
		return Pointer{}
	}

	return Pointer{ptr: unsafe.Pointer(p)}
}

// IsNil reports whether the pointer is unset.
func (p Pointer) IsNil() bool {
	return p.ptr == nil
}
