package ebpf

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf/asm"
)

// Errors returned while parsing an object. They are always wrapped in a
// *ParseError.
var (
	ErrMalformedContainer     = errors.New("malformed container")
	ErrMissingLicense         = errors.New("missing license")
	ErrUnknownProgramKind     = errors.New("unknown program kind")
	ErrMalformedMapDefinition = errors.New("malformed map definition")
	ErrDanglingRelocation     = errors.New("dangling relocation")
	ErrUnsupportedRelocation  = errors.New("unsupported relocation")
)

// AnyKernelVersion is used when an object doesn't carry a version section.
//
// Kernels that still check the version of kprobe programs accept this value
// as a wildcard.
const AnyKernelVersion uint32 = 0xFFFFFFFE

// mapDefSize is the size of the five fixed fields of a map definition.
const mapDefSize = 5 * 4

// ParseError is returned by LoadObject.
type ParseError struct {
	// The section that caused the error, if any.
	Section string
	Err     error
}

func (pe *ParseError) Error() string {
	if pe.Section == "" {
		return pe.Err.Error()
	}
	return "section " + pe.Section + ": " + pe.Err.Error()
}

func (pe *ParseError) Unwrap() error {
	return pe.Err
}

// Object is the parsed contents of a relocatable ELF.
//
// It is immutable after parsing with one exception: Resolve patches map
// references in place. Use Copy to obtain an independent instance.
type Object struct {
	License       string
	KernelVersion uint32
	Programs      []*ProgramSpec
	Maps          []*MapSpec

	// The byte order of the object.
	ByteOrder binary.ByteOrder
}

// Program returns the program with the given name, or nil.
func (obj *Object) Program(name string) *ProgramSpec {
	for _, prog := range obj.Programs {
		if prog.Name == name {
			return prog
		}
	}
	return nil
}

// Map returns the map definition with the given name, or nil.
func (obj *Object) Map(name string) *MapSpec {
	for _, m := range obj.Maps {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Copy returns a deep copy of the object.
func (obj *Object) Copy() *Object {
	if obj == nil {
		return nil
	}

	cpy := Object{
		License:       obj.License,
		KernelVersion: obj.KernelVersion,
		Programs:      make([]*ProgramSpec, 0, len(obj.Programs)),
		Maps:          make([]*MapSpec, 0, len(obj.Maps)),
		ByteOrder:     obj.ByteOrder,
	}

	for _, prog := range obj.Programs {
		cpy.Programs = append(cpy.Programs, prog.Copy())
	}

	for _, m := range obj.Maps {
		cpy.Maps = append(cpy.Maps, m.Copy())
	}

	return &cpy
}

// WriteDigestInput writes a normalised representation of the object to w,
// suitable as input to a reproducible build digest.
//
// The output contains the license, every map definition in index order and
// the instructions of every program in section order. Integers are encoded
// little endian regardless of the object's byte order.
func (obj *Object) WriteDigestInput(w io.Writer) error {
	bo := binary.LittleEndian

	if err := writeCString(w, obj.License); err != nil {
		return err
	}

	for _, m := range obj.Maps {
		fields := [5]uint32{uint32(m.Type), m.KeySize, m.ValueSize, m.MaxEntries, m.Flags}
		if err := binary.Write(w, bo, fields); err != nil {
			return errors.Wrapf(err, "map %s", m.Name)
		}
		if err := writeCString(w, m.Name); err != nil {
			return err
		}
	}

	for _, prog := range obj.Programs {
		if err := writeCString(w, prog.SectionName); err != nil {
			return err
		}
		if err := prog.Instructions.Marshal(w, bo); err != nil {
			return errors.Wrapf(err, "program %s", prog.Name)
		}
	}

	return nil
}

func writeCString(w io.Writer, s string) error {
	_, err := io.WriteString(w, s+"\x00")
	return err
}

// MapSpec is a map definition parsed from an object.
type MapSpec struct {
	// Name is the symbol of the definition, or a synthesized name for
	// anonymous definitions.
	Name       string
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32

	// Index is the position of the definition in the maps section(s). It is
	// the number relocations refer to.
	Index int

	// Pinning controls whether the map is pinned to a bpffs, see MapOptions.
	Pinning PinType
}

// Copy returns a copy of the spec.
func (ms *MapSpec) Copy() *MapSpec {
	if ms == nil {
		return nil
	}

	cpy := *ms
	return &cpy
}

func (ms *MapSpec) String() string {
	return ms.Name + "(" + ms.Type.String() + ")"
}

// Relocation ties an instruction of a program to a map definition.
type Relocation struct {
	// Offset of the instruction in bytes, relative to the start of the
	// program section.
	Offset uint64
	// MapIndex is the definition index of the referenced map.
	MapIndex int
	// Symbol is the name of the referenced symbol.
	Symbol string
}

// ProgramSpec is a program section parsed from an object.
type ProgramSpec struct {
	// Name is the function symbol at the start of the section, or the
	// section name if there is none.
	Name        string
	SectionName string
	Kind        ProgramKind
	// AttachType is only used by cgroup programs.
	AttachType AttachType
	// AttachTo is the remainder of the section name after the kind prefix,
	// e.g. the function of a kprobe.
	AttachTo      string
	Instructions  asm.Instructions
	License       string
	KernelVersion uint32
	Relocations   []Relocation
}

// Copy returns a deep copy of the spec.
func (ps *ProgramSpec) Copy() *ProgramSpec {
	if ps == nil {
		return nil
	}

	cpy := *ps
	cpy.Instructions = ps.Instructions.Copy()
	if ps.Relocations != nil {
		cpy.Relocations = make([]Relocation, len(ps.Relocations))
		copy(cpy.Relocations, ps.Relocations)
	}
	return &cpy
}

func (ps *ProgramSpec) String() string {
	return ps.Name + "(" + ps.Kind.String() + ")"
}

// Validate checks that the program can be submitted to the kernel, without
// looking at map references.
func (ps *ProgramSpec) Validate() error {
	if ps.Kind == UnknownKind {
		return errors.Wrapf(ErrUnknownProgramKind, "section %s", ps.SectionName)
	}
	if ps.License == "" {
		return errors.WithStack(ErrMissingLicense)
	}
	if len(ps.Instructions) == 0 {
		return errors.New("no instructions")
	}
	return nil
}

// Unresolved returns the relocations whose target instruction doesn't carry
// a map file descriptor yet.
func (ps *ProgramSpec) Unresolved() []Relocation {
	offsets := ps.Instructions.Offsets()

	var unresolved []Relocation
	for _, rel := range ps.Relocations {
		i, ok := offsets[rel.Offset]
		if !ok || !ps.Instructions[i].IsLoadFromMap() {
			unresolved = append(unresolved, rel)
		}
	}
	return unresolved
}
