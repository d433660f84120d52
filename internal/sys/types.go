package sys

import (
	"golang.org/x/sys/unix"
)

// Cmd is a bpf(2) command.
type Cmd uint32

const (
	BPF_MAP_CREATE Cmd = iota
	BPF_MAP_LOOKUP_ELEM
	BPF_MAP_UPDATE_ELEM
	BPF_MAP_DELETE_ELEM
	BPF_MAP_GET_NEXT_KEY
	BPF_PROG_LOAD
	BPF_OBJ_PIN
	BPF_OBJ_GET
	BPF_PROG_ATTACH
	BPF_PROG_DETACH
	BPF_PROG_TEST_RUN
	BPF_PROG_GET_NEXT_ID
	BPF_MAP_GET_NEXT_ID
	BPF_PROG_GET_FD_BY_ID
	BPF_MAP_GET_FD_BY_ID
	BPF_OBJ_GET_INFO_BY_FD
)

const BPF_OBJ_NAME_LEN = 16

// ObjName is a null-terminated string made up of
// 'A-Za-z0-9_' characters.
type ObjName [BPF_OBJ_NAME_LEN]byte

// NewObjName truncates the result if it is too long.
func NewObjName(name string) ObjName {
	var result ObjName
	copy(result[:BPF_OBJ_NAME_LEN-1], name)
	return result
}

// SanitizeName replaces every character the kernel rejects in object names
// with an underscore.
func SanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

type MapCreateAttr struct {
	MapType    uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
	InnerMapFd uint32
	NumaNode   uint32
	MapName    ObjName
	MapIfindex uint32
}

type MapElemAttr struct {
	MapFd uint32
	_     [4]byte
	Key   Pointer
	Value Pointer
	Flags uint64
}

type MapGetNextKeyAttr struct {
	MapFd   uint32
	_       [4]byte
	Key     Pointer
	NextKey Pointer
}

type ProgLoadAttr struct {
	ProgType           uint32
	InsnCnt            uint32
	Insns              Pointer
	License            Pointer
	LogLevel           uint32
	LogSize            uint32
	LogBuf             Pointer
	KernVersion        uint32
	ProgFlags          uint32
	ProgName           ObjName
	ProgIfindex        uint32
	ExpectedAttachType uint32
}

type ObjGetInfoByFdAttr struct {
	BpfFd   uint32
	InfoLen uint32
	Info    Pointer
}

// MapInfo is the prefix of struct bpf_map_info this package uses.
type MapInfo struct {
	Type       uint32
	Id         uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
	Name       ObjName
}

type ObjPinAttr struct {
	Pathname  Pointer
	BpfFd     uint32
	FileFlags uint32
}

type ProgAttachAttr struct {
	TargetFd     uint32
	AttachBpfFd  uint32
	AttachType   uint32
	AttachFlags  uint32
	ReplaceBpfFd uint32
}

type ProgTestRunAttr struct {
	ProgFd      uint32
	Retval      uint32
	DataSizeIn  uint32
	DataSizeOut uint32
	DataIn      Pointer
	DataOut     Pointer
	Repeat      uint32
	Duration    uint32
}

// Flags for BPF_MAP_UPDATE_ELEM.
const (
	BPF_ANY     = unix.BPF_ANY
	BPF_NOEXIST = unix.BPF_NOEXIST
	BPF_EXIST   = unix.BPF_EXIST
)

// BPF_PSEUDO_MAP_FD marks the source register of a lddw whose immediate
// carries a map file descriptor.
const BPF_PSEUDO_MAP_FD = unix.BPF_PSEUDO_MAP_FD

// BPF_FS_MAGIC is the statfs magic of a bpffs mount.
const BPF_FS_MAGIC = 0xcafe4a11
