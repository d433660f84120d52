package ebpf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"

	"github.com/probelab/ebpf/asm"
	"github.com/probelab/ebpf/internal/testutils"
)

func TestLoadObject(t *testing.T) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(bo.String(), func(t *testing.T) {
			obj := mustParse(t, testObject(t, bo))

			qt.Assert(t, qt.Equals(obj.License, "GPL"))
			qt.Assert(t, qt.Equals(obj.KernelVersion, 0x050400))
			qt.Assert(t, qt.Equals(obj.ByteOrder, bo))

			wantMaps := []*MapSpec{
				{Name: "counts", Type: Hash, KeySize: 4, ValueSize: 4, MaxEntries: 1, Index: 0},
				{Name: "values", Type: Array, KeySize: 4, ValueSize: 8, MaxEntries: 16, Index: 1},
			}
			if diff := cmp.Diff(wantMaps, obj.Maps); diff != "" {
				t.Errorf("MapSpec mismatch (-want +got):\n%s", diff)
			}

			wantProgs := []*ProgramSpec{
				{
					Name:        "trace_open",
					SectionName: "kprobe/do_sys_open",
					Kind:        Kprobe,
					AttachTo:    "do_sys_open",
					Instructions: asm.Instructions{
						asm.Mov.Imm(asm.R0, 0),
						mapRef(asm.R1),
						asm.Return(),
					},
					License:       "GPL",
					KernelVersion: 0x050400,
					Relocations:   []Relocation{{Offset: 8, MapIndex: 0, Symbol: "counts"}},
				},
				{
					Name:        "filter",
					SectionName: "socket",
					Kind:        SocketFilter,
					Instructions: asm.Instructions{
						mapRef(asm.R1),
						asm.Mov.Imm(asm.R0, 0),
						asm.Return(),
					},
					License:       "GPL",
					KernelVersion: 0x050400,
					Relocations:   []Relocation{{Offset: 0, MapIndex: 1, Symbol: "values"}},
				},
			}
			if diff := cmp.Diff(wantProgs, obj.Programs); diff != "" {
				t.Errorf("ProgramSpec mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadObjectDeterministic(t *testing.T) {
	raw := testObject(t, binary.LittleEndian).Bytes()

	a, err := LoadObject(bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	b, err := LoadObject(bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))

	if diff := cmp.Diff(a.Programs, b.Programs); diff != "" {
		t.Error("Programs differ:", diff)
	}
	if diff := cmp.Diff(a.Maps, b.Maps); diff != "" {
		t.Error("Maps differ:", diff)
	}

	var digestA, digestB bytes.Buffer
	qt.Assert(t, qt.IsNil(a.WriteDigestInput(&digestA)))
	qt.Assert(t, qt.IsNil(b.WriteDigestInput(&digestB)))
	qt.Assert(t, qt.DeepEquals(digestA.Bytes(), digestB.Bytes()))
}

func TestDigestInputIgnoresByteOrder(t *testing.T) {
	le := mustParse(t, testObject(t, binary.LittleEndian))
	be := mustParse(t, testObject(t, binary.BigEndian))

	var a, b bytes.Buffer
	qt.Assert(t, qt.IsNil(le.WriteDigestInput(&a)))
	qt.Assert(t, qt.IsNil(be.WriteDigestInput(&b)))
	qt.Assert(t, qt.DeepEquals(a.Bytes(), b.Bytes()))
}

func TestLoadObjectAnyKernelVersion(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, asm.Mov.Imm(asm.R0, 0), asm.Return())
	obj := mustParse(t, testutils.NewELFBuilder(binary.LittleEndian).
		License("Dual MIT/GPL").
		Program("xdp", "pass", insns))

	qt.Assert(t, qt.Equals(obj.KernelVersion, AnyKernelVersion))
	qt.Assert(t, qt.HasLen(obj.Programs, 1))
	qt.Assert(t, qt.Equals(obj.Programs[0].Kind, XDP))
	qt.Assert(t, qt.Equals(obj.Programs[0].KernelVersion, AnyKernelVersion))
	qt.Assert(t, qt.HasLen(obj.Maps, 0))
}

func TestLoadObjectSkipsText(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, asm.Mov.Imm(asm.R0, 0), asm.Return())
	obj := mustParse(t, testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Program(".text", "helper", insns).
		Program("xdp", "", insns))

	qt.Assert(t, qt.HasLen(obj.Programs, 1))
	qt.Assert(t, qt.Equals(obj.Programs[0].Name, "xdp"))
}

func TestLoadObjectNamedMapSection(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, asm.Mov.Imm(asm.R0, 0), asm.Return())
	obj := mustParse(t, testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Maps("maps/flows", nil, []uint32{uint32(LRUHash), 16, 8, 1024, 0}).
		Maps("maps", nil,
			[]uint32{uint32(Array), 4, 4, 1, 0},
			[]uint32{uint32(PerCPUArray), 4, 8, 1, 0},
		).
		Program("xdp", "", insns))

	var names []string
	for _, m := range obj.Maps {
		names = append(names, m.Name)
	}
	qt.Assert(t, qt.DeepEquals(names, []string{"flows", "maps.0", "maps.1"}))
	qt.Assert(t, qt.Equals(obj.Maps[2].Index, 2))
	qt.Assert(t, qt.Equals(obj.Map("flows").Type, LRUHash))
}

func TestLoadObjectExtendedMapDefinition(t *testing.T) {
	// Two extra fields per record, as emitted by toolchains which add
	// pinning and inner map information.
	insns := assemble(t, binary.LittleEndian, mapRef(asm.R1), asm.Return())
	obj := mustParse(t, testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Maps("maps", []string{"a", "b"},
			[]uint32{uint32(Hash), 4, 4, 1, 0, 1, 0},
			[]uint32{uint32(Hash), 8, 8, 2, 0, 1, 0},
		).
		Program("xdp", "", insns).
		Relocation("xdp", testutils.ELFRelocation{Symbol: "b"}))

	qt.Assert(t, qt.HasLen(obj.Maps, 2))
	qt.Assert(t, qt.Equals(obj.Maps[1].KeySize, 8))
	qt.Assert(t, qt.Equals(obj.Programs[0].Relocations[0].MapIndex, 1))
}

func TestLoadObjectShortMapDefinition(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, asm.Mov.Imm(asm.R0, 0), asm.Return())
	// 17 bytes: three bytes short of a definition.
	def := make([]byte, 17)
	elfFile := testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Section("maps", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, def).
		Program("xdp", "", insns)

	_, err := LoadObject(bytes.NewReader(elfFile.Bytes()))
	qt.Assert(t, qt.ErrorIs(err, ErrMalformedMapDefinition))

	var pe *ParseError
	qt.Assert(t, qt.ErrorAs(err, &pe))
	qt.Assert(t, qt.Equals(pe.Section, "maps"))
}

func TestLoadObjectMissingLicense(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, asm.Mov.Imm(asm.R0, 0), asm.Return())
	elfFile := testutils.NewELFBuilder(binary.LittleEndian).Program("xdp", "", insns)

	_, err := LoadObject(bytes.NewReader(elfFile.Bytes()))
	qt.Assert(t, qt.ErrorIs(err, ErrMissingLicense))
}

func TestLoadObjectMalformedContainer(t *testing.T) {
	raw := testObject(t, binary.LittleEndian).Bytes()

	t.Run("magic", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[1] = 'X'
		_, err := LoadObject(bytes.NewReader(bad))
		qt.Assert(t, qt.ErrorIs(err, ErrMalformedContainer))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := LoadObject(bytes.NewReader(raw[:32]))
		qt.Assert(t, qt.ErrorIs(err, ErrMalformedContainer))
	})

	t.Run("executable", func(t *testing.T) {
		b := testObject(t, binary.LittleEndian)
		b.Type = elf.ET_EXEC
		_, err := LoadObject(bytes.NewReader(b.Bytes()))
		qt.Assert(t, qt.ErrorIs(err, ErrMalformedContainer))
	})

	t.Run("machine", func(t *testing.T) {
		b := testObject(t, binary.LittleEndian)
		b.Machine = elf.EM_X86_64
		_, err := LoadObject(bytes.NewReader(b.Bytes()))
		qt.Assert(t, qt.ErrorIs(err, ErrMalformedContainer))
	})
}

func TestLoadObjectDanglingRelocation(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, mapRef(asm.R1), asm.Return())

	t.Run("undefined symbol", func(t *testing.T) {
		elfFile := testutils.NewELFBuilder(binary.LittleEndian).
			License("GPL").
			Program("xdp", "", insns).
			Symbol(testutils.ELFSymbol{Name: "missing", Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL}).
			Relocation("xdp", testutils.ELFRelocation{Symbol: "missing"})

		_, err := LoadObject(bytes.NewReader(elfFile.Bytes()))
		qt.Assert(t, qt.ErrorIs(err, ErrDanglingRelocation))
	})

	t.Run("past last definition", func(t *testing.T) {
		elfFile := testutils.NewELFBuilder(binary.LittleEndian).
			License("GPL").
			Maps("maps", nil, []uint32{uint32(Hash), 4, 4, 1, 0}).
			Symbol(testutils.ELFSymbol{Name: "beyond", Section: "maps", Value: 40, Type: elf.STT_NOTYPE}).
			Program("xdp", "", insns).
			Relocation("xdp", testutils.ELFRelocation{Symbol: "beyond"})

		_, err := LoadObject(bytes.NewReader(elfFile.Bytes()))
		qt.Assert(t, qt.IsNotNil(err))
	})
}

func TestLoadObjectUnsupportedRelocation(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, mapRef(asm.R1), asm.Return())
	elfFile := testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Program("xdp", "entry", insns).
		Relocation("xdp", testutils.ELFRelocation{Symbol: "entry"})

	_, err := LoadObject(bytes.NewReader(elfFile.Bytes()))
	qt.Assert(t, qt.ErrorIs(err, ErrUnsupportedRelocation))
}

func TestLoadObjectUnknownKind(t *testing.T) {
	insns := assemble(t, binary.LittleEndian, asm.Mov.Imm(asm.R0, 0), asm.Return())
	elfFile := testutils.NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Program("lsm/file_open", "open", insns)

	obj, err := LoadObject(bytes.NewReader(elfFile.Bytes()))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(obj.Programs[0].Kind, UnknownKind))
	qt.Assert(t, qt.ErrorIs(obj.Programs[0].Validate(), ErrUnknownProgramKind))

	_, err = NewProgram(obj.Programs[0])
	qt.Assert(t, qt.ErrorIs(err, ErrUnknownProgramKind))

	_, err = LoadObjectWithOptions(bytes.NewReader(elfFile.Bytes()), ObjectOptions{StrictKinds: true})
	qt.Assert(t, qt.ErrorIs(err, ErrUnknownProgramKind))
}

func TestKindFromSection(t *testing.T) {
	for _, tc := range []struct {
		section    string
		kind       ProgramKind
		attachType AttachType
		attachTo   string
	}{
		{"kprobe/do_sys_open", Kprobe, AttachNone, "do_sys_open"},
		{"kretprobe/do_sys_open", Kretprobe, AttachNone, "do_sys_open"},
		{"uprobe/readline", Uprobe, AttachNone, "readline"},
		{"uretprobe/readline", Uretprobe, AttachNone, "readline"},
		{"tracepoint/syscalls/sys_enter_open", Tracepoint, AttachNone, "syscalls/sys_enter_open"},
		{"xdp", XDP, AttachNone, ""},
		{"tc/ingress", SchedCLS, AttachNone, "ingress"},
		{"classifier", SchedCLS, AttachNone, ""},
		{"socket", SocketFilter, AttachNone, ""},
		{"socketfilter/dns", SocketFilter, AttachNone, "dns"},
		{"cgroup/skb/ingress", CGroupSKB, AttachCGroupInetIngress, ""},
		{"cgroup_skb/egress", CGroupSKB, AttachCGroupInetEgress, ""},
		{"cgroup/sock", CGroupSock, AttachCGroupInetSockCreate, ""},
		{"perf_event", PerfEvent, AttachNone, ""},
		{"xdp/redirect", XDP, AttachNone, "redirect"},
		{"lsm/file_open", UnknownKind, AttachNone, ""},
		{"cgroup/sock_ops", UnknownKind, AttachNone, ""},
		{"cgroup/skb/ingress_v2", UnknownKind, AttachNone, ""},
		{"sockets", UnknownKind, AttachNone, ""},
		{"xdp_pass", UnknownKind, AttachNone, ""},
		{"perf_events", UnknownKind, AttachNone, ""},
	} {
		t.Run(tc.section, func(t *testing.T) {
			kind, attachType, attachTo := KindFromSection(tc.section)
			qt.Assert(t, qt.Equals(kind, tc.kind))
			qt.Assert(t, qt.Equals(attachType, tc.attachType))
			qt.Assert(t, qt.Equals(attachTo, tc.attachTo))
		})
	}
}

func TestParseErrorUnwrap(t *testing.T) {
	err := error(&ParseError{Section: "maps", Err: ErrMalformedMapDefinition})
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrMalformedMapDefinition)))
	qt.Assert(t, qt.Equals(err.Error(), "section maps: malformed map definition"))
}
