package asm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"
)

var test64bitImmProg = []byte{
	// r0 = math.MinInt32 - 1
	0x18, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x7f,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
}

func TestRead64bitImmediate(t *testing.T) {
	var ins Instruction
	n, err := ins.Unmarshal(bytes.NewReader(test64bitImmProg), binary.LittleEndian)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(n, 16))
	qt.Assert(t, qt.Equals(ins.Constant, math.MinInt32-1))
	qt.Assert(t, qt.Equals(ins.Width(), 2))
}

func TestWrite64bitImmediate(t *testing.T) {
	insns := Instructions{
		LoadImm(R0, math.MinInt32-1, DWord),
	}

	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(insns.Marshal(&buf, binary.LittleEndian)))

	if prog := buf.Bytes(); !bytes.Equal(prog, test64bitImmProg) {
		t.Errorf("Marshalled program does not match:\n%s", hex.Dump(prog))
	}
}

func TestTruncated64bitImmediate(t *testing.T) {
	var insns Instructions
	_, err := insns.Unmarshal(bytes.NewReader(test64bitImmProg[:8]), binary.LittleEndian)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestUnmarshalOffsets(t *testing.T) {
	insns := Instructions{
		Mov.Imm(R1, 0),
		LoadMapPtr(R1, 0),
		FnMapLookupElem.Call(),
		Mov.Imm(R0, 0),
		Return(),
	}

	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(insns.Marshal(&buf, binary.LittleEndian)))
	qt.Assert(t, qt.Equals(uint64(buf.Len()), insns.Size()))

	var have Instructions
	offsets, err := have.Unmarshal(&buf, binary.LittleEndian)
	qt.Assert(t, qt.IsNil(err))

	if diff := cmp.Diff(insns, have); diff != "" {
		t.Errorf("Decoded instructions differ (-want +got):\n%s", diff)
	}

	want := map[uint64]int{0: 0, 8: 1, 24: 2, 32: 3, 40: 4}
	qt.Assert(t, qt.DeepEquals(offsets, want))
	qt.Assert(t, qt.DeepEquals(insns.Offsets(), want))
}

func TestBigEndianRegisters(t *testing.T) {
	ins := Mov.Reg(R3, R7)

	var buf bytes.Buffer
	_, err := ins.Marshal(&buf, binary.BigEndian)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(buf.Bytes()[1], 0x37))

	var have Instruction
	_, err = have.Unmarshal(&buf, binary.BigEndian)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(have, ins))
}

func TestRewriteMapPtr(t *testing.T) {
	ins := LoadImm(R1, 0, DWord)
	qt.Assert(t, qt.IsFalse(ins.IsLoadFromMap()))

	qt.Assert(t, qt.IsNil(ins.RewriteMapPtr(42)))
	qt.Assert(t, qt.IsTrue(ins.IsLoadFromMap()))
	qt.Assert(t, qt.Equals(ins.Src, PseudoMapFD))
	qt.Assert(t, qt.Equals(ins.MapPtr(), 42))

	var buf bytes.Buffer
	_, err := ins.Marshal(&buf, binary.LittleEndian)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(buf.Bytes(), []byte{
		0x18, 0x11, 0, 0, 42, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
	}))

	call := FnMapLookupElem.Call()
	qt.Assert(t, qt.IsNotNil(call.RewriteMapPtr(1)))
	qt.Assert(t, qt.IsNotNil(ins.RewriteMapPtr(-1)))
}

func TestInvalidRegister(t *testing.T) {
	ins := Mov.Reg(Register(11), R1)
	_, err := ins.Marshal(&bytes.Buffer{}, binary.LittleEndian)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestDSL(t *testing.T) {
	testcases := []struct {
		name string
		have Instruction
		want Instruction
	}{
		{"Call", FnMapLookupElem.Call(), Instruction{OpCode: 0x85, Constant: 1}},
		{"Exit", Return(), Instruction{OpCode: 0x95}},
		{"LoadAbs", LoadAbs(2, Byte), Instruction{OpCode: 0x30, Constant: 2}},
		{"Store", StoreMem(RFP, -4, R0, Word), Instruction{
			OpCode: 0x63,
			Dst:    RFP,
			Src:    R0,
			Offset: -4,
		}},
		{"Add.Imm", Add.Imm(R1, 22), Instruction{OpCode: 0x07, Dst: R1, Constant: 22}},
		{"Add.Reg", Add.Reg(R1, R2), Instruction{OpCode: 0x0f, Dst: R1, Src: R2}},
		{"Add.Imm32", Add.Imm32(R1, 22), Instruction{
			OpCode: 0x04, Dst: R1, Constant: 22,
		}},
		{"Mov.Imm", Mov.Imm(R0, 0), Instruction{OpCode: 0xb7}},
		{"JSGT.Imm", JSGT.Imm(R1, 4, 2), Instruction{
			OpCode: 0x65, Dst: R1, Constant: 4, Offset: 2,
		}},
		{"JSLT.Reg", JSLT.Reg(R1, R2, -1), Instruction{
			OpCode: 0xcd, Dst: R1, Src: R2, Offset: -1,
		}},
		{"LoadMapPtr", LoadMapPtr(R2, 7), Instruction{
			OpCode: 0x18, Dst: R2, Src: PseudoMapFD, Constant: 7,
		}},
	}

	for _, tc := range testcases {
		if tc.have != tc.want {
			t.Errorf("%s: have %v, want %v", tc.name, tc.have, tc.want)
		}
	}
}

func TestGetSetJumpOp(t *testing.T) {
	test := func(class Class, op JumpOp, valid bool) {
		t.Run(fmt.Sprintf("%s-%s", class, op), func(t *testing.T) {
			opcode := OpCode(class).SetJumpOp(op)

			if valid {
				qt.Assert(t, qt.Not(qt.Equals(opcode, InvalidOpCode)))
				qt.Assert(t, qt.Equals(opcode.JumpOp(), op))
			} else {
				qt.Assert(t, qt.Equals(opcode, InvalidOpCode))
				qt.Assert(t, qt.Equals(opcode.JumpOp(), InvalidJumpOp))
			}
		})
	}

	// Exit, call and JA aren't allowed with Jump32
	test(Jump32Class, Exit, false)
	test(Jump32Class, Call, false)
	test(Jump32Class, Ja, false)

	// But are with Jump
	test(JumpClass, Exit, true)
	test(JumpClass, Call, true)
	test(JumpClass, Ja, true)

	for _, op := range []JumpOp{JEq, JGT, JGE, JSet, JNE, JSGT, JSGE, JLT, JLE, JSLT, JSLE} {
		test(Jump32Class, op, true)
		test(JumpClass, op, true)
	}
}

func TestOpCodeString(t *testing.T) {
	qt.Assert(t, qt.Equals(LdImmDW.String(), "LdImmDW"))
	qt.Assert(t, qt.Equals(Mov.Op(ImmSource).String(), "MovImm"))
	qt.Assert(t, qt.Equals(Add.Op32(RegSource).String(), "AddReg32"))
	qt.Assert(t, qt.Equals(Return().OpCode.String(), "Exit"))
}

// ExampleInstructions_Format shows the different options available
// to format an instruction stream.
func ExampleInstructions_Format() {
	insns := Instructions{
		FnMapLookupElem.Call(),
		LoadImm(R0, 42, DWord),
		Return(),
	}

	fmt.Println("Default format:")
	fmt.Printf("%v", insns)

	fmt.Println("Don't indent instructions:")
	fmt.Printf("%.0v", insns)

	fmt.Println("Indent using spaces:")
	fmt.Printf("% v", insns)

	// Output: Default format:
	// 	0: Call FnMapLookupElem
	// 	1: LdImmDW dst: r0 imm: 42
	// 	3: Exit
	// Don't indent instructions:
	// 0: Call FnMapLookupElem
	// 1: LdImmDW dst: r0 imm: 42
	// 3: Exit
	// Indent using spaces:
	//  0: Call FnMapLookupElem
	//  1: LdImmDW dst: r0 imm: 42
	//  3: Exit
}
