package link

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/tracefs"
)

// KprobeTarget is a kernel symbol, see /proc/kallsyms.
//
// A kprobe fires when the symbol starts executing, a kretprobe right before
// it returns.
type KprobeTarget struct {
	Symbol string
	// Offset of the probe relative to Symbol. Only valid for kprobes.
	Offset uint64
}

func (KprobeTarget) target() {}

func (kt KprobeTarget) String() string {
	if kt.Offset != 0 {
		return fmt.Sprintf("%s+%#x", kt.Symbol, kt.Offset)
	}
	return kt.Symbol
}

func attachKprobe(prog *ebpf.Program, t KprobeTarget, ret bool, opts Options) (func() error, error) {
	if t.Symbol == "" {
		return nil, errors.Wrap(tracefs.ErrInvalidInput, "missing symbol")
	}
	if ret && t.Offset != 0 {
		return nil, errors.Wrap(tracefs.ErrInvalidInput, "kretprobes don't support offsets")
	}

	return attachProbe(prog, tracefs.ProbeArgs{
		Type:   tracefs.Kprobe,
		Symbol: t.Symbol,
		Offset: t.Offset,
		Ret:    ret,
		Group:  opts.TraceFSPrefix,
	})
}
