package asm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// InstructionSize is the encoded size of an instruction. Wide loads take two.
const InstructionSize = 8

// Instruction is a single eBPF instruction.
//
// A LdImmDW occupies two raw slots but is represented by a single
// Instruction carrying the full 64 bit Constant.
type Instruction struct {
	OpCode   OpCode
	Dst      Register
	Src      Register
	Offset   int16
	Constant int64
}

// Unmarshal decodes a BPF instruction.
func (ins *Instruction) Unmarshal(r io.Reader, bo binary.ByteOrder) (uint64, error) {
	var bi bpfInstruction
	if err := binary.Read(r, bo, &bi); err != nil {
		return 0, err
	}

	ins.OpCode = bi.OpCode
	ins.Offset = bi.Offset
	ins.Constant = int64(bi.Constant)
	ins.Dst, ins.Src = bi.Registers.Dst(bo), bi.Registers.Src(bo)

	if !bi.OpCode.IsDWordLoad() {
		return InstructionSize, nil
	}

	var bi2 bpfInstruction
	if err := binary.Read(r, bo, &bi2); err != nil {
		// No Wrap, to avoid io.EOF clash
		return 0, errors.New("64bit immediate is missing second half")
	}
	if bi2.OpCode != 0 || bi2.Offset != 0 || bi2.Registers != 0 {
		return 0, errors.New("64bit immediate has non-zero fields")
	}
	ins.Constant = int64(uint64(uint32(bi2.Constant))<<32 | uint64(uint32(bi.Constant)))

	return 2 * InstructionSize, nil
}

// Marshal encodes a BPF instruction.
func (ins Instruction) Marshal(w io.Writer, bo binary.ByteOrder) (uint64, error) {
	if ins.OpCode == InvalidOpCode {
		return 0, errors.New("invalid opcode")
	}

	isDWordLoad := ins.OpCode.IsDWordLoad()

	cons := int32(ins.Constant)
	if isDWordLoad {
		// Encode least significant 32bit first for 64bit operations.
		cons = int32(uint32(ins.Constant))
	}

	regs, err := newBPFRegisters(ins.Dst, ins.Src, bo)
	if err != nil {
		return 0, errors.Wrap(err, "can't marshal registers")
	}

	bpfi := bpfInstruction{
		ins.OpCode,
		regs,
		ins.Offset,
		cons,
	}

	if err := binary.Write(w, bo, &bpfi); err != nil {
		return 0, err
	}

	if !isDWordLoad {
		return InstructionSize, nil
	}

	bpfi = bpfInstruction{
		Constant: int32(ins.Constant >> 32),
	}

	if err := binary.Write(w, bo, &bpfi); err != nil {
		return 0, err
	}

	return 2 * InstructionSize, nil
}

// Width returns the number of raw slots the instruction occupies.
func (ins Instruction) Width() int {
	return ins.OpCode.rawInstructions()
}

// IsLoadFromMap returns true if the instruction loads from a map.
//
// This covers both loading the map pointer and direct map value loads.
func (ins Instruction) IsLoadFromMap() bool {
	return ins.OpCode == LdImmDW && (ins.Src == PseudoMapFD || ins.Src == PseudoMapValue)
}

// RewriteMapPtr changes an instruction to use a new map fd.
//
// Returns an error if the instruction is not a 64 bit immediate load.
func (ins *Instruction) RewriteMapPtr(fd int) error {
	if !ins.OpCode.IsDWordLoad() {
		return errors.Errorf("%s is not a 64 bit load", ins.OpCode)
	}

	if fd < 0 || int64(fd) > math.MaxInt32 {
		return errors.Errorf("invalid map fd %d", fd)
	}

	ins.Src = PseudoMapFD

	// Preserve the offset value for direct map loads.
	offset := uint64(ins.Constant) & (math.MaxUint32 << 32)
	rawFd := uint64(uint32(fd))
	ins.Constant = int64(offset | rawFd)
	return nil
}

// MapPtr returns the map fd for this instruction.
//
// The result is undefined if the instruction is not a load from a map,
// see IsLoadFromMap.
func (ins Instruction) MapPtr() int {
	return int(int32(uint64(ins.Constant) & math.MaxUint32))
}

// Format implements fmt.Formatter.
func (ins Instruction) Format(f fmt.State, c rune) {
	if c != 'v' {
		fmt.Fprintf(f, "{UNRECOGNIZED: %c}", c)
		return
	}

	op := ins.OpCode

	if op == InvalidOpCode {
		fmt.Fprint(f, "INVALID")
		return
	}

	// Omit trailing space for Exit
	if op.JumpOp() == Exit {
		fmt.Fprint(f, op)
		return
	}

	if ins.IsLoadFromMap() {
		fd := ins.MapPtr()
		switch ins.Src {
		case PseudoMapFD:
			fmt.Fprintf(f, "LoadMapPtr dst: %s fd: %d", ins.Dst, fd)
		case PseudoMapValue:
			fmt.Fprintf(f, "LoadMapValue dst: %s, fd: %d off: %d", ins.Dst, fd, uint64(ins.Constant)>>32)
		}
		return
	}

	fmt.Fprintf(f, "%v ", op)
	switch cls := op.Class(); {
	case cls.isLoadOrStore():
		switch op.Mode() {
		case ImmMode:
			fmt.Fprintf(f, "dst: %s imm: %d", ins.Dst, ins.Constant)
		case AbsMode:
			fmt.Fprintf(f, "imm: %d", ins.Constant)
		case IndMode:
			fmt.Fprintf(f, "dst: %s src: %s imm: %d", ins.Dst, ins.Src, ins.Constant)
		case MemMode:
			fmt.Fprintf(f, "dst: %s src: %s off: %d imm: %d", ins.Dst, ins.Src, ins.Offset, ins.Constant)
		case XAddMode:
			fmt.Fprintf(f, "dst: %s src: %s", ins.Dst, ins.Src)
		}

	case cls.IsALU():
		fmt.Fprintf(f, "dst: %s ", ins.Dst)
		if op.ALUOp() == Swap || op.Source() == ImmSource {
			fmt.Fprintf(f, "imm: %d", ins.Constant)
		} else {
			fmt.Fprintf(f, "src: %s", ins.Src)
		}

	case cls.IsJump():
		switch jop := op.JumpOp(); jop {
		case Call:
			fmt.Fprint(f, BuiltinFunc(ins.Constant))

		default:
			fmt.Fprintf(f, "dst: %s off: %d ", ins.Dst, ins.Offset)
			if op.Source() == ImmSource {
				fmt.Fprintf(f, "imm: %d", ins.Constant)
			} else {
				fmt.Fprintf(f, "src: %s", ins.Src)
			}
		}
	}
}

// Instructions is an eBPF program.
type Instructions []Instruction

// Size returns the amount of bytes the instructions occupy when encoded.
func (insns Instructions) Size() uint64 {
	var n uint64
	for _, ins := range insns {
		n += uint64(ins.Width()) * InstructionSize
	}
	return n
}

// Offsets maps the byte offset of every encoded instruction to its index in
// insns.
//
// The second slot of a LdImmDW has no entry.
func (insns Instructions) Offsets() map[uint64]int {
	offsets := make(map[uint64]int, len(insns))

	var offset uint64
	for i, ins := range insns {
		offsets[offset] = i
		offset += uint64(ins.Width()) * InstructionSize
	}
	return offsets
}

// Copy returns a copy of insns.
func (insns Instructions) Copy() Instructions {
	if insns == nil {
		return nil
	}
	cpy := make(Instructions, len(insns))
	copy(cpy, insns)
	return cpy
}

func (insns Instructions) String() string {
	return fmt.Sprint(insns)
}

// Format implements fmt.Formatter.
//
// Setting a precision controls the indentation of instructions. The default
// character is a tab, which can be overridden by specifying the ' ' space
// flag.
func (insns Instructions) Format(f fmt.State, c rune) {
	if c != 's' && c != 'v' {
		fmt.Fprintf(f, "{UNKNOWN FORMAT '%c'}", c)
		return
	}

	// %.2v indents by two tabs.
	padding, ok := f.Precision()
	if !ok {
		padding = 1
	}

	indent := strings.Repeat("\t", padding)
	if f.Flag(' ') {
		indent = strings.Repeat(" ", padding)
	}

	offsetWidth := len(strconv.Itoa(int(insns.Size() / InstructionSize)))

	offset := 0
	for _, ins := range insns {
		fmt.Fprintf(f, "%s%*d: %v\n", indent, offsetWidth, offset, ins)
		offset += ins.Width()
	}
}

// Marshal encodes a BPF program into the kernel format.
func (insns Instructions) Marshal(w io.Writer, bo binary.ByteOrder) error {
	for i, ins := range insns {
		if _, err := ins.Marshal(w, bo); err != nil {
			return errors.Wrapf(err, "instruction %d", i)
		}
	}
	return nil
}

// Unmarshal decodes a BPF program from the kernel format.
//
// The returned map is the same as produced by Offsets.
func (insns *Instructions) Unmarshal(r io.Reader, bo binary.ByteOrder) (map[uint64]int, error) {
	*insns = nil

	// Relocations refer to byte offsets.
	var (
		offsets = make(map[uint64]int)
		offset  uint64
	)
	for {
		var ins Instruction
		n, err := ins.Unmarshal(r, bo)
		if errors.Is(err, io.EOF) {
			return offsets, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "offset %d", offset)
		}

		offsets[offset] = len(*insns)
		*insns = append(*insns, ins)
		offset += n
	}
}

type bpfInstruction struct {
	OpCode    OpCode
	Registers bpfRegisters
	Offset    int16
	Constant  int32
}

type bpfRegisters uint8

func newBPFRegisters(dst, src Register, bo binary.ByteOrder) (bpfRegisters, error) {
	if dst > R10 || src > R10 {
		return 0, errors.Errorf("register out of range: dst %d src %d", dst, src)
	}

	switch bo {
	case binary.LittleEndian:
		return bpfRegisters((src << 4) | (dst & 0xF)), nil
	case binary.BigEndian:
		return bpfRegisters((dst << 4) | (src & 0xF)), nil
	default:
		return 0, errors.Errorf("unrecognized ByteOrder %T", bo)
	}
}

func (r bpfRegisters) Dst(bo binary.ByteOrder) Register {
	if bo == binary.BigEndian {
		return Register(r >> 4)
	}
	return Register(r & 0xF)
}

func (r bpfRegisters) Src(bo binary.ByteOrder) Register {
	if bo == binary.BigEndian {
		return Register(r & 0xF)
	}
	return Register(r >> 4)
}
