package testutils

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestELFBuilderRelocation(t *testing.T) {
	raw := NewELFBuilder(binary.LittleEndian).
		License("GPL").
		Program("socket", "filter", make([]byte, 16)).
		Relocation("socket", ELFRelocation{Offset: 8, Symbol: "filter"}).
		Bytes()

	f, err := elf.NewFile(bytes.NewReader(raw))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(f.Machine, elf.EM_BPF))

	sec := f.Section(".relsocket")
	qt.Assert(t, qt.IsNotNil(sec))
	qt.Assert(t, qt.Equals(sec.Type, elf.SHT_REL))

	data, err := sec.Data()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(data, 16))

	info := binary.LittleEndian.Uint64(data[8:])
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint64(data), 8))
	qt.Assert(t, qt.Equals(elf.R_TYPE64(info), rBPF64_64))
	qt.Assert(t, qt.Equals(elf.R_SYM64(info), 1))
}
