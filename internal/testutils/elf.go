package testutils

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ELFSymbol is a symbol emitted by ELFBuilder.
type ELFSymbol struct {
	Name string
	// Section the symbol is defined in. Empty means undefined.
	Section string
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
}

// rBPF64_64 is R_BPF_64_64, the relocation of a 64 bit immediate load.
// debug/elf doesn't define the BPF relocation types.
const rBPF64_64 = 1

// ELFRelocation refers to a symbol by name.
type ELFRelocation struct {
	Offset uint64
	Symbol string
	Type   uint32
}

type elfSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	link    uint32
	info    uint32
	entsize uint64

	nameOff uint32
	offset  uint64
}

// ELFBuilder writes minimal relocatable ELF files in memory, the way a BPF
// toolchain lays them out.
type ELFBuilder struct {
	ByteOrder binary.ByteOrder
	Machine   elf.Machine
	Type      elf.Type
	Class     elf.Class

	sections []*elfSection
	symbols  []ELFSymbol
	rels     map[string][]ELFRelocation
	// Section names in the order relocations were first added.
	relOrder []string
}

// NewELFBuilder returns a builder for a 64 bit BPF relocatable object.
func NewELFBuilder(bo binary.ByteOrder) *ELFBuilder {
	return &ELFBuilder{
		ByteOrder: bo,
		Machine:   elf.EM_BPF,
		Type:      elf.ET_REL,
		Class:     elf.ELFCLASS64,
		rels:      make(map[string][]ELFRelocation),
	}
}

// Section adds a section with arbitrary contents.
func (b *ELFBuilder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) *ELFBuilder {
	b.sections = append(b.sections, &elfSection{name: name, typ: typ, flags: flags, data: data})
	return b
}

// License adds a NUL terminated license section.
func (b *ELFBuilder) License(license string) *ELFBuilder {
	return b.Section("license", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, append([]byte(license), 0))
}

// Version adds a version section.
func (b *ELFBuilder) Version(version uint32) *ELFBuilder {
	data := make([]byte, 4)
	b.ByteOrder.PutUint32(data, version)
	return b.Section("version", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, data)
}

// Maps adds a section of map definitions, each record made of the given
// fields, and one object symbol per name.
func (b *ELFBuilder) Maps(section string, names []string, defs ...[]uint32) *ELFBuilder {
	var buf bytes.Buffer
	for i, def := range defs {
		off := uint64(buf.Len())
		for _, field := range def {
			binary.Write(&buf, b.ByteOrder, field)
		}
		if i < len(names) && names[i] != "" {
			b.Symbol(ELFSymbol{
				Name:    names[i],
				Section: section,
				Value:   off,
				Size:    uint64(len(def) * 4),
				Type:    elf.STT_OBJECT,
				Bind:    elf.STB_GLOBAL,
			})
		}
	}
	return b.Section(section, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, buf.Bytes())
}

// Program adds an executable section and a function symbol at its start.
func (b *ELFBuilder) Program(section, name string, insns []byte) *ELFBuilder {
	b.Section(section, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, insns)
	if name != "" {
		b.Symbol(ELFSymbol{
			Name:    name,
			Section: section,
			Size:    uint64(len(insns)),
			Type:    elf.STT_FUNC,
			Bind:    elf.STB_GLOBAL,
		})
	}
	return b
}

// Symbol adds a symbol.
func (b *ELFBuilder) Symbol(sym ELFSymbol) *ELFBuilder {
	b.symbols = append(b.symbols, sym)
	return b
}

// Relocation adds a REL entry against section.
func (b *ELFBuilder) Relocation(section string, rel ELFRelocation) *ELFBuilder {
	if _, ok := b.rels[section]; !ok {
		b.relOrder = append(b.relOrder, section)
	}
	if rel.Type == 0 {
		rel.Type = rBPF64_64
	}
	b.rels[section] = append(b.rels[section], rel)
	return b
}

// Bytes serialises the object.
func (b *ELFBuilder) Bytes() []byte {
	const (
		ehdrSize = 64
		shdrSize = 64
		symSize  = 24
		relSize  = 16
	)

	sections := []*elfSection{{}}
	sections = append(sections, b.sections...)

	index := make(map[string]uint32)
	for i, sec := range sections {
		if sec.name != "" {
			index[sec.name] = uint32(i)
		}
	}

	symIndex := make(map[string]uint64)
	for i, sym := range b.symbols {
		symIndex[sym.Name] = uint64(i + 1)
	}

	symtabIndex := uint32(len(sections) + len(b.relOrder))
	for _, name := range b.relOrder {
		var data bytes.Buffer
		for _, rel := range b.rels[name] {
			binary.Write(&data, b.ByteOrder, rel.Offset)
			binary.Write(&data, b.ByteOrder, symIndex[rel.Symbol]<<32|uint64(rel.Type))
		}
		sections = append(sections, &elfSection{
			name:    ".rel" + name,
			typ:     elf.SHT_REL,
			data:    data.Bytes(),
			link:    symtabIndex,
			info:    index[name],
			entsize: relSize,
		})
	}

	strtab := []byte{0}
	var symtab bytes.Buffer
	symtab.Write(make([]byte, symSize))
	for _, sym := range b.symbols {
		nameOff := uint32(len(strtab))
		strtab = append(append(strtab, sym.Name...), 0)

		binary.Write(&symtab, b.ByteOrder, nameOff)
		symtab.WriteByte(byte(sym.Bind)<<4 | byte(sym.Type)&0xf)
		symtab.WriteByte(0)
		binary.Write(&symtab, b.ByteOrder, uint16(index[sym.Section]))
		binary.Write(&symtab, b.ByteOrder, sym.Value)
		binary.Write(&symtab, b.ByteOrder, sym.Size)
	}

	sections = append(sections,
		&elfSection{
			name:    ".symtab",
			typ:     elf.SHT_SYMTAB,
			data:    symtab.Bytes(),
			link:    symtabIndex + 1,
			info:    1,
			entsize: symSize,
		},
		&elfSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
	)

	shstrtab := &elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB}
	sections = append(sections, shstrtab)
	shstrtab.data = []byte{0}
	for _, sec := range sections[1:] {
		sec.nameOff = uint32(len(shstrtab.data))
		shstrtab.data = append(append(shstrtab.data, sec.name...), 0)
	}

	offset := uint64(ehdrSize)
	for _, sec := range sections[1:] {
		offset = (offset + 7) &^ 7
		sec.offset = offset
		offset += uint64(len(sec.data))
	}
	shoff := (offset + 7) &^ 7

	buf := make([]byte, shoff, shoff+uint64(len(sections))*shdrSize)

	var data byte
	switch b.ByteOrder {
	case binary.BigEndian:
		data = byte(elf.ELFDATA2MSB)
	default:
		data = byte(elf.ELFDATA2LSB)
	}
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(b.Class)
	buf[elf.EI_DATA] = data
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	bo := b.ByteOrder
	bo.PutUint16(buf[16:], uint16(b.Type))
	bo.PutUint16(buf[18:], uint16(b.Machine))
	bo.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	bo.PutUint64(buf[40:], shoff)
	bo.PutUint16(buf[52:], ehdrSize)
	bo.PutUint16(buf[58:], shdrSize)
	bo.PutUint16(buf[60:], uint16(len(sections)))
	bo.PutUint16(buf[62:], uint16(len(sections)-1))

	for _, sec := range sections[1:] {
		copy(buf[sec.offset:], sec.data)
	}

	for _, sec := range sections {
		hdr := make([]byte, shdrSize)
		bo.PutUint32(hdr[0:], sec.nameOff)
		bo.PutUint32(hdr[4:], uint32(sec.typ))
		bo.PutUint64(hdr[8:], uint64(sec.flags))
		bo.PutUint64(hdr[24:], sec.offset)
		bo.PutUint64(hdr[32:], uint64(len(sec.data)))
		bo.PutUint32(hdr[40:], sec.link)
		bo.PutUint32(hdr[44:], sec.info)
		if sec.typ != elf.SHT_NULL {
			bo.PutUint64(hdr[48:], 8)
		}
		bo.PutUint64(hdr[56:], sec.entsize)
		buf = append(buf, hdr...)
	}

	return buf
}
