package ebpf

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf/asm"
	"github.com/probelab/ebpf/internal/testutils"
)

func socketFilterSpec(insns ...asm.Instruction) *ProgramSpec {
	return &ProgramSpec{
		Name:          "test",
		SectionName:   "socket",
		Kind:          SocketFilter,
		Instructions:  insns,
		License:       "MIT",
		KernelVersion: AnyKernelVersion,
	}
}

func TestNewProgram(t *testing.T) {
	testutils.SkipIfNotRoot(t)

	spec := socketFilterSpec(asm.Mov.Imm(asm.R0, 2), asm.Return())
	prog, err := NewProgram(spec)
	qt.Assert(t, qt.IsNil(err))
	defer prog.Close()

	qt.Assert(t, qt.Equals(prog.Kind(), SocketFilter))
	qt.Assert(t, qt.Equals(prog.Name(), "test"))
	qt.Assert(t, qt.Equals(prog.SectionName(), "socket"))
	qt.Assert(t, qt.IsTrue(prog.FD() > 0))

	// Loading twice gives independent programs.
	prog2, err := NewProgram(spec)
	qt.Assert(t, qt.IsNil(err))
	defer prog2.Close()
	qt.Assert(t, qt.Not(qt.Equals(prog2.FD(), prog.FD())))

	ret, err := prog.Test(make([]byte, 14))
	if errors.Is(err, ErrNotSupported) {
		t.Skip(err)
	}
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(ret, 2))
}

func TestNewProgramVerifierError(t *testing.T) {
	testutils.SkipIfNotRoot(t)

	// Reads R0 before writing it.
	spec := socketFilterSpec(asm.Return())
	_, err := NewProgram(spec)
	qt.Assert(t, qt.ErrorIs(err, ErrVerifierRejected))
	qt.Assert(t, qt.ErrorIs(err, unix.EACCES))

	var ve *VerifierError
	qt.Assert(t, qt.ErrorAs(err, &ve))
	qt.Assert(t, qt.IsTrue(len(ve.Log) > 0))
	qt.Assert(t, qt.IsFalse(ve.Truncated))
	qt.Assert(t, qt.IsTrue(strings.Contains(err.Error(), "R0")))
}

func TestNewProgramTruncatedLog(t *testing.T) {
	testutils.SkipIfNotRoot(t)

	// Each instruction adds a line to the log at level 2, which overflows the
	// smallest buffer the kernel accepts.
	var insns asm.Instructions
	for i := 0; i < 32; i++ {
		insns = append(insns, asm.Mov.Imm(asm.R1, int32(i)))
	}
	insns = append(insns, asm.Return())

	_, err := NewProgramWithOptions(socketFilterSpec(insns...), ProgramOptions{LogLevel: 2, LogSize: 128})

	var ve *VerifierError
	qt.Assert(t, qt.ErrorAs(err, &ve))
	qt.Assert(t, qt.IsTrue(ve.Truncated))
	qt.Assert(t, qt.ErrorIs(err, unix.ENOSPC))
}

func TestNewProgramLogDisabled(t *testing.T) {
	testutils.SkipIfNotRoot(t)

	prog, err := NewProgramWithOptions(socketFilterSpec(asm.Mov.Imm(asm.R0, 0), asm.Return()),
		ProgramOptions{LogDisabled: true})
	qt.Assert(t, qt.IsNil(err))
	defer prog.Close()
	qt.Assert(t, qt.Equals(prog.VerifierLog(), ""))
}

func TestNewProgramRefusesUnresolved(t *testing.T) {
	obj := mustParse(t, testObject(t, binary.LittleEndian))

	_, err := NewProgram(obj.Program("filter"))
	qt.Assert(t, qt.ErrorIs(err, ErrUnresolvedReference))
}

func TestNewProgramInvalidSpec(t *testing.T) {
	spec := socketFilterSpec()
	_, err := NewProgram(spec)
	qt.Assert(t, qt.IsNotNil(err))

	spec = socketFilterSpec(asm.Mov.Imm(asm.R0, 0), asm.Return())
	spec.License = ""
	_, err = NewProgram(spec)
	qt.Assert(t, qt.ErrorIs(err, ErrMissingLicense))

	spec = socketFilterSpec(asm.Mov.Imm(asm.R0, 0), asm.Return())
	spec.License = "GPL\x00MIT"
	_, err = NewProgram(spec)
	qt.Assert(t, qt.ErrorMatches(err, `.*NUL byte`))

	_, err = NewProgramWithOptions(socketFilterSpec(asm.Return()), ProgramOptions{LogSize: -1})
	qt.Assert(t, qt.IsNotNil(err))
}

func TestProgramOnClose(t *testing.T) {
	testutils.SkipIfNotRoot(t)

	prog, err := NewProgram(socketFilterSpec(asm.Mov.Imm(asm.R0, 0), asm.Return()))
	qt.Assert(t, qt.IsNil(err))

	calls := 0
	prog.OnClose(func() error { calls++; return nil })
	release := prog.OnClose(func() error { calls += 10; return nil })
	release()

	qt.Assert(t, qt.IsNil(prog.Close()))
	qt.Assert(t, qt.Equals(calls, 1))

	// Hooks run once.
	qt.Assert(t, qt.IsNil(prog.Close()))
	qt.Assert(t, qt.Equals(calls, 1))
}

func TestProgramTestUnsupportedKind(t *testing.T) {
	prog := &Program{kind: Kprobe}
	_, err := prog.Test(make([]byte, 14))
	qt.Assert(t, qt.ErrorIs(err, ErrNotSupported))
}
