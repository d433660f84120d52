package ebpf

import (
	"fmt"
	"strings"

	"github.com/probelab/ebpf/internal/sys"
)

// MapType is the kernel's bpf_map_type.
type MapType uint32

// Map types, in kernel order.
const (
	UnspecifiedMap MapType = iota
	Hash
	Array
	// ProgramArray holds program fds for tail calls. Keys and values are
	// four bytes.
	ProgramArray
	// PerfEventArray holds a perf event fd per CPU, written to by
	// bpf_perf_event_output. See the perf package.
	PerfEventArray
	PerCPUHash
	PerCPUArray
	// StackTrace stores stack traces indexed by bpf_get_stackid.
	StackTrace
	CGroupArray
	// LRUHash evicts the least recently used entry when full instead of
	// failing the update.
	LRUHash
	LRUCPUHash
	// LPMTrie matches keys by longest prefix, for example IP networks.
	LPMTrie
	// ArrayOfMaps and HashOfMaps hold fds of inner maps, which can't be map
	// of maps themselves.
	ArrayOfMaps
	HashOfMaps
)

var mapTypeNames = [...]string{
	UnspecifiedMap: "UnspecifiedMap",
	Hash:           "Hash",
	Array:          "Array",
	ProgramArray:   "ProgramArray",
	PerfEventArray: "PerfEventArray",
	PerCPUHash:     "PerCPUHash",
	PerCPUArray:    "PerCPUArray",
	StackTrace:     "StackTrace",
	CGroupArray:    "CGroupArray",
	LRUHash:        "LRUHash",
	LRUCPUHash:     "LRUCPUHash",
	LPMTrie:        "LPMTrie",
	ArrayOfMaps:    "ArrayOfMaps",
	HashOfMaps:     "HashOfMaps",
}

func (mt MapType) String() string {
	if int(mt) < len(mapTypeNames) {
		return mapTypeNames[mt]
	}
	return fmt.Sprintf("MapType(%d)", uint32(mt))
}

// hasPerCPUValue is true if lookups return one value per possible CPU.
func (mt MapType) hasPerCPUValue() bool {
	return mt == PerCPUHash || mt == PerCPUArray || mt == LRUCPUHash
}

// ProgramKind is the kind of a program, derived from its section name.
//
// The set is closed: every kind maps to exactly one kernel program type and
// one attach procedure.
type ProgramKind uint32

const (
	// UnknownKind is assigned to sections whose prefix isn't recognised.
	UnknownKind ProgramKind = iota
	SocketFilter
	Kprobe
	Kretprobe
	Uprobe
	Uretprobe
	Tracepoint
	XDP
	SchedCLS
	CGroupSKB
	CGroupSock
	PerfEvent
)

var kindNames = [...]string{
	UnknownKind:  "Unknown",
	SocketFilter: "SocketFilter",
	Kprobe:       "Kprobe",
	Kretprobe:    "Kretprobe",
	Uprobe:       "Uprobe",
	Uretprobe:    "Uretprobe",
	Tracepoint:   "Tracepoint",
	XDP:          "XDP",
	SchedCLS:     "SchedCLS",
	CGroupSKB:    "CGroupSKB",
	CGroupSock:   "CGroupSock",
	PerfEvent:    "PerfEvent",
}

func (k ProgramKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ProgramKind(%d)", uint32(k))
}

// ProgType is the kernel's bpf_prog_type.
type ProgType uint32

const (
	UnspecifiedProgram ProgType = iota
	SocketFilterType
	KprobeType
	SchedCLSType
	SchedACTType
	TracePointType
	XDPType
	PerfEventType
	CGroupSKBType
	CGroupSockType
)

// ProgType returns the kernel program type used to load programs of kind k.
func (k ProgramKind) ProgType() ProgType {
	switch k {
	case SocketFilter:
		return SocketFilterType
	case Kprobe, Kretprobe, Uprobe, Uretprobe:
		return KprobeType
	case Tracepoint:
		return TracePointType
	case XDP:
		return XDPType
	case SchedCLS:
		return SchedCLSType
	case CGroupSKB:
		return CGroupSKBType
	case CGroupSock:
		return CGroupSockType
	case PerfEvent:
		return PerfEventType
	default:
		return UnspecifiedProgram
	}
}

// AttachType is the kernel's bpf_attach_type, used by cgroup programs.
type AttachType uint32

// AttachNone is used by kinds which don't need an attach type. It shares
// its value with AttachCGroupInetIngress.
const AttachNone AttachType = 0

const (
	AttachCGroupInetIngress AttachType = iota
	AttachCGroupInetEgress
	AttachCGroupInetSockCreate
)

// sectionPrefixes maps section names to program kinds. A prefix without a
// trailing slash matches the whole section name or a name continuing with
// a slash, so "cgroup/sock" doesn't claim "cgroup/sock_ops".
//
// The table is a contract with the compiler: changing an entry changes how
// existing objects are loaded.
var sectionPrefixes = []struct {
	prefix     string
	kind       ProgramKind
	attachType AttachType
}{
	{"kretprobe/", Kretprobe, AttachNone},
	{"kprobe/", Kprobe, AttachNone},
	{"uretprobe/", Uretprobe, AttachNone},
	{"uprobe/", Uprobe, AttachNone},
	{"tracepoint/", Tracepoint, AttachNone},
	{"socketfilter/", SocketFilter, AttachNone},
	{"socket", SocketFilter, AttachNone},
	{"xdp", XDP, AttachNone},
	{"tc/", SchedCLS, AttachNone},
	{"classifier", SchedCLS, AttachNone},
	{"cgroup/skb/ingress", CGroupSKB, AttachCGroupInetIngress},
	{"cgroup/skb/egress", CGroupSKB, AttachCGroupInetEgress},
	{"cgroup_skb/ingress", CGroupSKB, AttachCGroupInetIngress},
	{"cgroup_skb/egress", CGroupSKB, AttachCGroupInetEgress},
	{"cgroup/sock", CGroupSock, AttachCGroupInetSockCreate},
	{"cgroup_sock", CGroupSock, AttachCGroupInetSockCreate},
	{"perf_event", PerfEvent, AttachNone},
}

// KindFromSection derives the program kind from a section name.
//
// The second return value is the remainder of the section name after the
// prefix, which names the attach point for kinds like kprobes and
// tracepoints.
func KindFromSection(section string) (ProgramKind, AttachType, string) {
	for _, t := range sectionPrefixes {
		rest, ok := strings.CutPrefix(section, t.prefix)
		if !ok {
			continue
		}
		if !strings.HasSuffix(t.prefix, "/") {
			if rest != "" && rest[0] != '/' {
				continue
			}
			rest = strings.TrimPrefix(rest, "/")
		}
		return t.kind, t.attachType, rest
	}

	return UnknownKind, AttachNone, ""
}

// MapUpdateFlags controls the behaviour of the Map.Update call.
type MapUpdateFlags uint64

const (
	// UpdateAny creates a new element or update an existing one.
	UpdateAny MapUpdateFlags = sys.BPF_ANY
	// UpdateNoExist creates a new element.
	UpdateNoExist MapUpdateFlags = sys.BPF_NOEXIST
	// UpdateExist updates an existing element.
	UpdateExist MapUpdateFlags = sys.BPF_EXIST
)

// PinType determines whether a map is pinned into a BPFFS.
type PinType uint32

const (
	PinNone PinType = iota
	// Pin an object by using its name as the filename.
	PinByName
)

// XDPAction is the verdict returned by an XDP program.
type XDPAction uint32

const (
	XDPAborted XDPAction = iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
)

func (a XDPAction) String() string {
	switch a {
	case XDPAborted:
		return "XDP_ABORTED"
	case XDPDrop:
		return "XDP_DROP"
	case XDPPass:
		return "XDP_PASS"
	case XDPTx:
		return "XDP_TX"
	case XDPRedirect:
		return "XDP_REDIRECT"
	default:
		return fmt.Sprintf("XDPAction(%d)", uint32(a))
	}
}
