package link

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/tracefs"
)

// UprobeTarget is a location in a user space binary.
//
// A uprobe fires when the location is executed, a uretprobe right before
// the function at Symbol returns.
type UprobeTarget struct {
	// Path of the binary, e.g. /bin/bash.
	Path string
	// Symbol of a function in the binary. Its address is resolved from the
	// ELF symbol tables.
	Symbol string
	// Offset relative to Symbol, or relative to the start of the file if
	// Symbol is empty.
	Offset uint64
}

func (UprobeTarget) target() {}

func (ut UprobeTarget) String() string {
	switch {
	case ut.Symbol == "":
		return fmt.Sprintf("%s:%#x", ut.Path, ut.Offset)
	case ut.Offset != 0:
		return fmt.Sprintf("%s:%s+%#x", ut.Path, ut.Symbol, ut.Offset)
	default:
		return ut.Path + ":" + ut.Symbol
	}
}

func attachUprobe(prog *ebpf.Program, t UprobeTarget, ret bool, opts Options) (func() error, error) {
	offset := t.Offset
	name := t.Symbol

	if t.Symbol != "" {
		ex, err := openExecutable(t.Path)
		if err != nil {
			return nil, err
		}

		symOffset, err := ex.offset(t.Symbol)
		if err != nil {
			return nil, err
		}
		offset += symOffset
	} else {
		if offset == 0 {
			return nil, errors.Wrap(tracefs.ErrInvalidInput, "uprobe needs a symbol or an offset")
		}
		name = fmt.Sprintf("off_%x", offset)
	}

	return attachProbe(prog, tracefs.ProbeArgs{
		Type:   tracefs.Uprobe,
		Symbol: name,
		Path:   t.Path,
		Offset: offset,
		Ret:    ret,
		Group:  opts.TraceFSPrefix,
	})
}
