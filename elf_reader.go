package ebpf

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf/asm"
	"github.com/probelab/ebpf/internal"
)

// ObjectOptions control parsing.
type ObjectOptions struct {
	// StrictKinds makes parsing fail with ErrUnknownProgramKind when a
	// program section has an unrecognised prefix. By default such programs
	// are kept with UnknownKind and fail when loaded.
	StrictKinds bool
}

// LoadObjectFromFile parses an ELF from a file.
func LoadObjectFromFile(file string) (*Object, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	obj, err := LoadObject(f)
	if err != nil {
		return nil, errors.Wrapf(err, "file %s", file)
	}
	return obj, nil
}

// LoadObject parses a relocatable ELF containing eBPF programs and map
// definitions.
//
// Parsing never interacts with the kernel.
func LoadObject(rd io.ReaderAt) (*Object, error) {
	return LoadObjectWithOptions(rd, ObjectOptions{})
}

// LoadObjectWithOptions parses an ELF with the given options.
func LoadObjectWithOptions(rd io.ReaderAt, opts ObjectOptions) (*Object, error) {
	f, err := elf.NewFile(rd)
	if err != nil {
		return nil, &ParseError{Err: errors.Wrap(ErrMalformedContainer, err.Error())}
	}
	defer f.Close()

	if err := checkHeader(f); err != nil {
		return nil, &ParseError{Err: err}
	}

	ec := &elfCode{
		File:     f,
		opts:     opts,
		sections: make(map[elf.SectionIndex]*elfSection),
	}

	symbols, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, &ParseError{Err: errors.Wrap(ErrMalformedContainer, err.Error())}
	}
	ec.symbols = symbols

	if err := ec.classifySections(); err != nil {
		return nil, err
	}

	return ec.load()
}

func checkHeader(f *elf.File) error {
	if f.Class != elf.ELFCLASS64 {
		return errors.Wrapf(ErrMalformedContainer, "unsupported class %v", f.Class)
	}

	switch f.Data {
	case elf.ELFDATA2LSB, elf.ELFDATA2MSB:
	default:
		return errors.Wrapf(ErrMalformedContainer, "unsupported encoding %v", f.Data)
	}

	if f.Type != elf.ET_REL {
		return errors.Wrapf(ErrMalformedContainer, "not a relocatable object: %v", f.Type)
	}

	// Old toolchains don't set the machine.
	if f.Machine != elf.EM_BPF && f.Machine != elf.EM_NONE {
		return errors.Wrapf(ErrMalformedContainer, "unsupported machine %v", f.Machine)
	}

	return nil
}

type elfSectionKind int

const (
	undefSection elfSectionKind = iota
	mapSection
	programSection
)

type elfSection struct {
	*elf.Section
	kind elfSectionKind
	// Symbols pointing into the section, sorted by value.
	symbols []elf.Symbol
	// Index of the first map defined by this section.
	firstMap int
	// Size of a single map definition.
	recordSize uint64
	// The relocation section targeting this section.
	relocations *elf.Section
}

type elfCode struct {
	*elf.File
	opts     ObjectOptions
	symbols  []elf.Symbol
	sections map[elf.SectionIndex]*elfSection
	// Section indices in file order.
	order []elf.SectionIndex

	license string
	version uint32
	maps    []*MapSpec
}

func (ec *elfCode) classifySections() error {
	for i, sec := range ec.Sections {
		idx := elf.SectionIndex(i)

		switch {
		case sec.Name == "license":
			data, err := sec.Data()
			if err != nil {
				return &ParseError{sec.Name, err}
			}
			ec.license = internal.CString(data)

		case sec.Name == "version":
			data, err := sec.Data()
			if err != nil {
				return &ParseError{sec.Name, err}
			}
			if len(data) != 4 {
				return &ParseError{sec.Name, errors.Wrapf(ErrMalformedContainer, "version is %d bytes long", len(data))}
			}
			ec.version = ec.ByteOrder.Uint32(data)

		case sec.Name == "maps" || strings.HasPrefix(sec.Name, "maps/"):
			ec.sections[idx] = &elfSection{Section: sec, kind: mapSection}
			ec.order = append(ec.order, idx)

		case sec.Type == elf.SHT_PROGBITS && sec.Flags&elf.SHF_EXECINSTR != 0 && sec.Size > 0:
			// .text holds subprograms called by other sections, which
			// aren't supported.
			if sec.Name == ".text" {
				continue
			}
			ec.sections[idx] = &elfSection{Section: sec, kind: programSection}
			ec.order = append(ec.order, idx)
		}
	}

	for _, sec := range ec.Sections {
		if sec.Type != elf.SHT_REL && sec.Type != elf.SHT_RELA {
			continue
		}

		target, ok := ec.sections[elf.SectionIndex(sec.Info)]
		if !ok || target.kind != programSection {
			// Debug info and the like.
			continue
		}
		target.relocations = sec
	}

	for _, sym := range ec.symbols {
		sec, ok := ec.sections[sym.Section]
		if !ok || sym.Name == "" {
			continue
		}
		if elf.ST_TYPE(sym.Info) == elf.STT_SECTION {
			continue
		}
		sec.symbols = append(sec.symbols, sym)
	}

	for _, sec := range ec.sections {
		slices.SortStableFunc(sec.symbols, func(a, b elf.Symbol) int {
			switch {
			case a.Value < b.Value:
				return -1
			case a.Value > b.Value:
				return 1
			default:
				return 0
			}
		})
	}

	return nil
}

func (ec *elfCode) load() (*Object, error) {
	if ec.license == "" {
		return nil, &ParseError{"license", errors.WithStack(ErrMissingLicense)}
	}

	if ec.version == 0 {
		ec.version = AnyKernelVersion
	}

	obj := &Object{
		License:       ec.license,
		KernelVersion: ec.version,
		ByteOrder:     ec.ByteOrder,
	}

	// Maps must be parsed first, relocations refer to them.
	for _, idx := range ec.order {
		sec := ec.sections[idx]
		if sec.kind != mapSection {
			continue
		}

		if err := ec.loadMaps(sec); err != nil {
			return nil, &ParseError{sec.Name, err}
		}
	}
	obj.Maps = ec.maps

	for _, idx := range ec.order {
		sec := ec.sections[idx]
		if sec.kind != programSection {
			continue
		}

		prog, err := ec.loadProgram(sec)
		if err != nil {
			return nil, &ParseError{sec.Name, err}
		}
		obj.Programs = append(obj.Programs, prog)
	}

	return obj, nil
}

func (ec *elfCode) loadMaps(sec *elfSection) error {
	size := sec.Size
	if sec.Type == elf.SHT_NOBITS {
		return errors.Wrap(ErrMalformedMapDefinition, "section has no data")
	}

	recordSize := uint64(mapDefSize)
	if n := uint64(len(sec.symbols)); n > 0 && size%n == 0 && size/n > recordSize {
		// Newer toolchains append fields to the definition. They are ignored.
		recordSize = size / n
	}

	if size < recordSize {
		return errors.Wrapf(ErrMalformedMapDefinition, "section is %d bytes, need at least %d", size, recordSize)
	}
	if size%recordSize != 0 || recordSize%4 != 0 {
		return errors.Wrapf(ErrMalformedMapDefinition, "section size %d isn't a multiple of the record size %d", size, recordSize)
	}

	data, err := sec.Data()
	if err != nil {
		return err
	}

	names := make(map[uint64]string)
	for _, sym := range sec.symbols {
		if sym.Value%recordSize != 0 || sym.Value >= size {
			return errors.Wrapf(ErrMalformedMapDefinition, "symbol %s at offset %d isn't aligned to a record", sym.Name, sym.Value)
		}
		names[sym.Value] = sym.Name
	}

	sec.firstMap = len(ec.maps)
	sec.recordSize = recordSize

	rd := bytes.NewReader(data)
	for off := uint64(0); off < size; off += recordSize {
		var def struct {
			Type       MapType
			KeySize    uint32
			ValueSize  uint32
			MaxEntries uint32
			Flags      uint32
		}
		if err := binary.Read(rd, ec.ByteOrder, &def); err != nil {
			return errors.Wrapf(ErrMalformedMapDefinition, "offset %d: %v", off, err)
		}
		if _, err := rd.Seek(int64(recordSize-mapDefSize), io.SeekCurrent); err != nil {
			return err
		}

		name, ok := names[off]
		if !ok {
			name = fmt.Sprintf("%s.%d", sec.Name, off/recordSize)
			if suffix, found := strings.CutPrefix(sec.Name, "maps/"); found && size == recordSize {
				name = suffix
			}
		}

		ec.maps = append(ec.maps, &MapSpec{
			Name:       name,
			Type:       def.Type,
			KeySize:    def.KeySize,
			ValueSize:  def.ValueSize,
			MaxEntries: def.MaxEntries,
			Flags:      def.Flags,
			Index:      len(ec.maps),
		})
	}

	return nil
}

func (ec *elfCode) loadProgram(sec *elfSection) (*ProgramSpec, error) {
	kind, attachType, attachTo := KindFromSection(sec.Name)
	if kind == UnknownKind && ec.opts.StrictKinds {
		return nil, errors.WithStack(ErrUnknownProgramKind)
	}

	name := sec.Name
	for _, sym := range sec.symbols {
		if sym.Value == 0 && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
			name = sym.Name
			break
		}
	}

	var insns asm.Instructions
	if _, err := insns.Unmarshal(bufio.NewReader(sec.Open()), ec.ByteOrder); err != nil {
		return nil, errors.Wrap(err, "decode instructions")
	}

	relocs, err := ec.loadRelocations(sec)
	if err != nil {
		return nil, err
	}

	return &ProgramSpec{
		Name:          name,
		SectionName:   sec.Name,
		Kind:          kind,
		AttachType:    attachType,
		AttachTo:      attachTo,
		Instructions:  insns,
		License:       ec.license,
		KernelVersion: ec.version,
		Relocations:   relocs,
	}, nil
}

func (ec *elfCode) loadRelocations(sec *elfSection) ([]Relocation, error) {
	if sec.relocations == nil {
		return nil, nil
	}

	rels, err := readRelocations(sec.relocations, ec.ByteOrder)
	if err != nil {
		return nil, errors.Wrapf(err, "section %s", sec.relocations.Name)
	}

	var result []Relocation
	for _, rel := range rels {
		symNo := elf.R_SYM64(rel.Info)
		if symNo == 0 || int(symNo) > len(ec.symbols) {
			return nil, errors.Wrapf(ErrDanglingRelocation, "offset %d: invalid symbol index %d", rel.Off, symNo)
		}

		// elf.File.Symbols omits the null symbol.
		sym := ec.symbols[symNo-1]

		if sym.Section == elf.SHN_UNDEF {
			return nil, errors.Wrapf(ErrDanglingRelocation, "offset %d: symbol %s is undefined", rel.Off, sym.Name)
		}

		target, ok := ec.sections[sym.Section]
		if !ok || target.kind != mapSection {
			return nil, errors.Wrapf(ErrUnsupportedRelocation, "offset %d: symbol %s", rel.Off, sym.Name)
		}

		index := target.firstMap + int(sym.Value/target.recordSize)
		if index >= len(ec.maps) || sym.Value%target.recordSize != 0 {
			return nil, errors.Wrapf(ErrDanglingRelocation, "offset %d: map index %d out of range", rel.Off, index)
		}

		result = append(result, Relocation{
			Offset:   rel.Off,
			MapIndex: index,
			Symbol:   sym.Name,
		})
	}

	return result, nil
}

// readRelocations decodes SHT_REL and SHT_RELA entries. The addend of RELA
// entries isn't used by map relocations.
func readRelocations(sec *elf.Section, bo binary.ByteOrder) ([]elf.Rela64, error) {
	entSize := uint64(16)
	if sec.Type == elf.SHT_RELA {
		entSize = 24
	}
	if sec.Entsize != 0 && sec.Entsize != entSize {
		return nil, errors.Errorf("unexpected entry size %d", sec.Entsize)
	}
	if sec.Size%entSize != 0 {
		return nil, errors.Errorf("size %d isn't a multiple of %d", sec.Size, entSize)
	}

	data, err := sec.Data()
	if err != nil {
		return nil, err
	}

	rels := make([]elf.Rela64, 0, sec.Size/entSize)
	for off := uint64(0); off < sec.Size; off += entSize {
		rel := elf.Rela64{
			Off:  bo.Uint64(data[off:]),
			Info: bo.Uint64(data[off+8:]),
		}
		if entSize == 24 {
			rel.Addend = int64(bo.Uint64(data[off+16:]))
		}
		rels = append(rels, rel)
	}
	return rels, nil
}
