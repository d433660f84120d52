package ebpf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/probelab/ebpf/asm"
	"github.com/probelab/ebpf/internal/testutils"
)

// mapRef is how a compiler emits a map reference: a 64 bit immediate load
// of zero, patched by the loader.
func mapRef(dst asm.Register) asm.Instruction {
	return asm.LoadImm(dst, 0, asm.DWord)
}

func assemble(tb testing.TB, bo binary.ByteOrder, insns ...asm.Instruction) []byte {
	tb.Helper()

	var buf bytes.Buffer
	qt.Assert(tb, qt.IsNil(asm.Instructions(insns).Marshal(&buf, bo)))
	return buf.Bytes()
}

// testObject returns an object with a hash map used by a kprobe, and an
// array used by a socket filter.
func testObject(tb testing.TB, bo binary.ByteOrder) *testutils.ELFBuilder {
	tb.Helper()

	kprobe := assemble(tb, bo,
		asm.Mov.Imm(asm.R0, 0),
		mapRef(asm.R1),
		asm.Return(),
	)
	socket := assemble(tb, bo,
		mapRef(asm.R1),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)

	return testutils.NewELFBuilder(bo).
		License("GPL").
		Version(0x050400).
		Maps("maps", []string{"counts", "values"},
			[]uint32{uint32(Hash), 4, 4, 1, 0},
			[]uint32{uint32(Array), 4, 8, 16, 0},
		).
		Program("kprobe/do_sys_open", "trace_open", kprobe).
		Program("socket", "filter", socket).
		Relocation("kprobe/do_sys_open", testutils.ELFRelocation{Offset: 8, Symbol: "counts"}).
		Relocation("socket", testutils.ELFRelocation{Offset: 0, Symbol: "values"})
}

func mustParse(tb testing.TB, elf *testutils.ELFBuilder) *Object {
	tb.Helper()

	obj, err := LoadObject(bytes.NewReader(elf.Bytes()))
	qt.Assert(tb, qt.IsNil(err))
	return obj
}
