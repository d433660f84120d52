package asm

import "fmt"

// BuiltinFunc is a built-in eBPF function.
type BuiltinFunc int32

// eBPF built-in functions, numbered as in the kernel's helper table.
const (
	FnUnspec            BuiltinFunc = 0
	FnMapLookupElem     BuiltinFunc = 1
	FnMapUpdateElem     BuiltinFunc = 2
	FnMapDeleteElem     BuiltinFunc = 3
	FnProbeRead         BuiltinFunc = 4
	FnKtimeGetNs        BuiltinFunc = 5
	FnTracePrintk       BuiltinFunc = 6
	FnGetPrandomU32     BuiltinFunc = 7
	FnGetSmpProcessorId BuiltinFunc = 8
	FnTailCall          BuiltinFunc = 12
	FnGetCurrentPidTgid BuiltinFunc = 14
	FnGetCurrentComm    BuiltinFunc = 16
	FnRedirect          BuiltinFunc = 23
	FnPerfEventOutput   BuiltinFunc = 25
	FnRedirectMap       BuiltinFunc = 51
)

var fnNames = map[BuiltinFunc]string{
	FnUnspec:            "FnUnspec",
	FnMapLookupElem:     "FnMapLookupElem",
	FnMapUpdateElem:     "FnMapUpdateElem",
	FnMapDeleteElem:     "FnMapDeleteElem",
	FnProbeRead:         "FnProbeRead",
	FnKtimeGetNs:        "FnKtimeGetNs",
	FnTracePrintk:       "FnTracePrintk",
	FnGetPrandomU32:     "FnGetPrandomU32",
	FnGetSmpProcessorId: "FnGetSmpProcessorId",
	FnTailCall:          "FnTailCall",
	FnGetCurrentPidTgid: "FnGetCurrentPidTgid",
	FnGetCurrentComm:    "FnGetCurrentComm",
	FnRedirect:          "FnRedirect",
	FnPerfEventOutput:   "FnPerfEventOutput",
	FnRedirectMap:       "FnRedirectMap",
}

func (fn BuiltinFunc) String() string {
	if name, ok := fnNames[fn]; ok {
		return name
	}
	return fmt.Sprintf("BuiltinFunc(%d)", int32(fn))
}

// Call emits a function call.
func (fn BuiltinFunc) Call() Instruction {
	return Instruction{
		OpCode:   OpCode(JumpClass).SetJumpOp(Call),
		Constant: int64(fn),
	}
}
