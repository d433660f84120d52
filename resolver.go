package ebpf

import (
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrBadRelocationTarget is returned when a relocation doesn't point at a
	// 64 bit immediate load.
	ErrBadRelocationTarget = errors.New("relocation target is not a 64 bit immediate load")
	// ErrUnresolvedReference is returned when loading a program which still
	// contains map references without a file descriptor.
	ErrUnresolvedReference = errors.New("unresolved map reference")
)

// MapTable resolves a map definition index to a live file descriptor.
type MapTable interface {
	MapFD(index int) (int, bool)
}

// Resolve patches the file descriptors of maps into the instructions of spec.
//
// Every relocation is checked before any instruction is modified, so a
// failed call leaves spec untouched. Resolve keeps no record of previous
// calls: invoking it twice with different tables silently overwrites the
// first result. Call it exactly once per program and load, after all maps
// of the object have been created.
func Resolve(spec *ProgramSpec, table MapTable) error {
	type patch struct {
		index int
		fd    int
	}

	offsets := spec.Instructions.Offsets()
	patches := make([]patch, 0, len(spec.Relocations))

	for _, rel := range spec.Relocations {
		fd, ok := table.MapFD(rel.MapIndex)
		if !ok {
			return errors.Wrapf(ErrDanglingRelocation, "program %s: map index %d (%s)", spec.Name, rel.MapIndex, rel.Symbol)
		}
		if fd <= 0 || int64(fd) > math.MaxInt32 {
			return errors.Errorf("program %s: invalid fd %d for map index %d", spec.Name, fd, rel.MapIndex)
		}

		if rel.Offset%8 != 0 {
			return errors.Wrapf(ErrBadRelocationTarget, "program %s: offset %d is not aligned", spec.Name, rel.Offset)
		}

		i, ok := offsets[rel.Offset]
		if !ok {
			return errors.Wrapf(ErrBadRelocationTarget, "program %s: no instruction at offset %d", spec.Name, rel.Offset)
		}

		if !spec.Instructions[i].OpCode.IsDWordLoad() {
			return errors.Wrapf(ErrBadRelocationTarget, "program %s: offset %d: %v", spec.Name, rel.Offset, spec.Instructions[i])
		}

		patches = append(patches, patch{i, fd})
	}

	for _, p := range patches {
		// Can't fail, the target and fd were checked above.
		if err := spec.Instructions[p.index].RewriteMapPtr(p.fd); err != nil {
			return errors.Wrapf(err, "program %s", spec.Name)
		}
	}

	return nil
}
