package link

import (
	"debug/elf"
	"os"

	"github.com/pkg/errors"
)

// ErrSymbolNotFound is returned when a uprobe symbol isn't present in the
// binary.
var ErrSymbolNotFound = errors.New("symbol not found")

type executable struct {
	// Path of the executable on the filesystem.
	path string
	// Parsed ELF symbols and dynamic symbols.
	symbols map[string]elf.Symbol
	// Loadable segments, used to turn addresses into file offsets.
	progs []*elf.Prog
}

func openExecutable(path string) (*executable, error) {
	if path == "" {
		return nil, errors.New("path cannot be empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open file '%s'", path)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse ELF file '%s'", path)
	}
	defer ef.Close()

	ex := &executable{
		path:    path,
		symbols: make(map[string]elf.Symbol),
	}

	if err := ex.addSymbols(ef.Symbols); err != nil {
		return nil, err
	}

	if err := ex.addSymbols(ef.DynamicSymbols); err != nil {
		return nil, err
	}

	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			ex.progs = append(ex.progs, prog)
		}
	}

	return ex, nil
}

func (ex *executable) addSymbols(f func() ([]elf.Symbol, error)) error {
	// elf.Symbols and elf.DynamicSymbols return ErrNoSymbols if the section is not found.
	syms, err := f()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return err
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			// Symbol not associated with a function or other executable code.
			continue
		}
		if s.Value == 0 {
			// Imported from another object.
			continue
		}
		ex.symbols[s.Name] = s
	}
	return nil
}

// offset returns the file offset of symbol, which is what uprobe_events
// expects.
func (ex *executable) offset(symbol string) (uint64, error) {
	sym, ok := ex.symbols[symbol]
	if !ok {
		return 0, errors.Wrapf(ErrSymbolNotFound, "symbol %s in %s", symbol, ex.path)
	}

	// Symbols hold virtual addresses. Find the segment which contains the
	// address and translate it.
	for _, prog := range ex.progs {
		if sym.Value >= prog.Vaddr && sym.Value < prog.Vaddr+prog.Memsz {
			return sym.Value - prog.Vaddr + prog.Off, nil
		}
	}

	// Relocatable objects have no program headers. The address is already
	// relative to the file.
	if len(ex.progs) == 0 {
		return sym.Value, nil
	}

	return 0, errors.Errorf("symbol %s in %s: address %#x isn't in an executable segment", symbol, ex.path, sym.Value)
}
