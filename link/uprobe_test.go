package link

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/testutils"
	"github.com/probelab/ebpf/internal/tracefs"
)

func testExecutable(tb testing.TB) string {
	tb.Helper()

	path, err := os.Executable()
	qt.Assert(tb, qt.IsNil(err))
	return path
}

func TestExecutableOffset(t *testing.T) {
	path := testExecutable(t)

	ex, err := openExecutable(path)
	qt.Assert(t, qt.IsNil(err))

	// Every Go binary has this function.
	off, err := ex.offset("runtime.main")
	qt.Assert(t, qt.IsNil(err))

	fi, err := os.Stat(path)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(off > 0 && off < uint64(fi.Size())))

	_, err = ex.offset("bogus")
	qt.Assert(t, qt.ErrorIs(err, ErrSymbolNotFound))
}

func TestExecutableRelocatable(t *testing.T) {
	obj := testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Program(".text", "", make([]byte, 16)).
		Symbol(testutils.ELFSymbol{Name: "func", Section: ".text", Value: 8, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL}).
		Symbol(testutils.ELFSymbol{Name: "data", Section: "license", Value: 1, Type: elf.STT_OBJECT}).
		Bytes()

	path := filepath.Join(t.TempDir(), "obj.o")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, obj, 0644)))

	ex, err := openExecutable(path)
	qt.Assert(t, qt.IsNil(err))

	off, err := ex.offset("func")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(off, 8))

	// Only functions can be probed.
	_, err = ex.offset("data")
	qt.Assert(t, qt.ErrorIs(err, ErrSymbolNotFound))

	_, err = openExecutable(filepath.Join(t.TempDir(), "missing"))
	qt.Assert(t, qt.ErrorIs(err, os.ErrNotExist))

	_, err = openExecutable("")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestUprobe(t *testing.T) {
	skipWithoutTracefs(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.Uprobe}, 0)
	path := testExecutable(t)

	lnk, err := Attach(prog, UprobeTarget{Path: path, Symbol: "runtime.main"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(lnk.Kind(), "uprobe"))
	qt.Assert(t, qt.IsNil(lnk.Detach()))

	ret := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.Uretprobe}, 0)
	lnk, err = Attach(ret, UprobeTarget{Path: path, Symbol: "runtime.main"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(lnk.Detach()))
}

func TestUprobeErrors(t *testing.T) {
	skipWithoutTracefs(t)
	prog := mustLoadProgram(t, ebpf.ProgramSpec{Kind: ebpf.Uprobe, SectionName: "uprobe/readline"}, 0)

	// Uprobes need a path, so the section name isn't enough.
	_, err := Attach(prog, nil)
	qt.Assert(t, qt.IsNotNil(err))

	_, err = Attach(prog, UprobeTarget{Path: testExecutable(t), Symbol: "bogus"})
	qt.Assert(t, qt.ErrorIs(err, ErrTargetNotFound))

	_, err = Attach(prog, UprobeTarget{Path: testExecutable(t)})
	qt.Assert(t, qt.ErrorIs(err, tracefs.ErrInvalidInput))

	_, err = Attach(prog, UprobeTarget{Path: "/bogus/path", Symbol: "main"})
	qt.Assert(t, qt.ErrorIs(err, ErrTargetNotFound))
}
