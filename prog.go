package ebpf

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf/asm"
	"github.com/probelab/ebpf/internal"
	"github.com/probelab/ebpf/internal/sys"
)

// ErrNotSupported is returned when a program kind doesn't support an
// operation.
var ErrNotSupported = errors.New("not supported")

// ErrVerifierRejected is matched by every *VerifierError.
var ErrVerifierRejected = internal.ErrVerifierRejected

// VerifierError is returned when the kernel refuses to load a program.
//
// It unwraps to the errno of the failed syscall.
type VerifierError = internal.VerifierError

// DefaultVerifierLogSize is the default size of the verifier log buffer.
const DefaultVerifierLogSize = 64 * 1024

// maxVerifierLogSize is the maximum size of verifier log buffer the kernel
// will accept before returning EINVAL.
const maxVerifierLogSize = math.MaxUint32 >> 2

// ProgramOptions control loading a program into the kernel.
type ProgramOptions struct {
	// Bitmap controlling the detail emitted by the kernel's eBPF verifier log.
	// Zero requests level 1 unless LogDisabled is set.
	LogLevel uint32

	// Size of the buffer for the verifier log, in bytes. Defaults to
	// DefaultVerifierLogSize.
	LogSize int

	// Disables the verifier log completely, regardless of other options.
	LogDisabled bool

	Logger logrus.FieldLogger
}

// Program represents a program loaded into the kernel.
//
// It is not safe to close a Program that is used by other goroutines.
type Program struct {
	fd          *sys.FD
	name        string
	section     string
	kind        ProgramKind
	attachType  AttachType
	attachTo    string
	verifierLog string

	mu      sync.Mutex
	nextID  uint64
	onClose map[uint64]func() error
}

// NewProgram creates a new Program.
//
// See NewProgramWithOptions for details.
func NewProgram(spec *ProgramSpec) (*Program, error) {
	return NewProgramWithOptions(spec, ProgramOptions{})
}

// NewProgramWithOptions creates a new Program.
//
// The spec must have been passed to Resolve if it references maps. Loading
// the same spec twice yields two independent programs.
//
// Returns a *VerifierError if the kernel rejects the program. The loader
// never retries with a bigger log buffer: a log which didn't fit is marked
// as truncated.
func NewProgramWithOptions(spec *ProgramSpec, opts ProgramOptions) (*Program, error) {
	if spec == nil {
		return nil, errors.New("can't load a nil spec")
	}

	if err := spec.Validate(); err != nil {
		return nil, errors.Wrapf(err, "program %s", spec.Name)
	}

	if unresolved := spec.Unresolved(); len(unresolved) > 0 {
		return nil, errors.Wrapf(ErrUnresolvedReference, "program %s: %d reference(s) to %s",
			spec.Name, len(unresolved), unresolved[0].Symbol)
	}

	log := internal.Logger(opts.Logger)

	buf := bytes.NewBuffer(make([]byte, 0, spec.Instructions.Size()))
	if err := spec.Instructions.Marshal(buf, internal.NativeEndian); err != nil {
		return nil, errors.Wrapf(err, "program %s", spec.Name)
	}

	bytecode := buf.Bytes()
	insCount := uint32(len(bytecode) / asm.InstructionSize)

	attr := sys.ProgLoadAttr{
		ProgType:    uint32(spec.Kind.ProgType()),
		InsnCnt:     insCount,
		Insns:       sys.NewSlicePointer(bytecode),
		License:     sys.NewStringPointer(spec.License),
		KernVersion: spec.KernelVersion,
		ProgName:    sys.NewObjName(sys.SanitizeName(spec.Name)),
	}
	if attr.License.IsNil() {
		return nil, errors.Errorf("program %s: license %q contains a NUL byte", spec.Name, spec.License)
	}
	if spec.Kind == CGroupSKB || spec.Kind == CGroupSock {
		attr.ExpectedAttachType = uint32(spec.AttachType)
	}

	var logBuf []byte
	if !opts.LogDisabled {
		size := opts.LogSize
		if size == 0 {
			size = DefaultVerifierLogSize
		}
		if size < 0 || size > maxVerifierLogSize {
			return nil, errors.Errorf("program %s: log size %d out of range", spec.Name, size)
		}

		level := opts.LogLevel
		if level == 0 {
			level = 1
		}

		logBuf = make([]byte, size)
		attr.LogLevel = level
		attr.LogBuf, attr.LogSize = sys.NewSlicePointerLen(logBuf)
	}

	fd, err := sys.ProgLoad(&attr)
	if errors.Is(err, unix.EINVAL) && attr.ProgName != (sys.ObjName{}) {
		// Kernels before 4.15 don't support object names.
		attr.ProgName = sys.ObjName{}
		fd, err = sys.ProgLoad(&attr)
	}
	if err != nil {
		truncated := errors.Is(err, unix.ENOSPC)
		if logBuf == nil {
			return nil, errors.Wrapf(err, "program %s: load", spec.Name)
		}
		return nil, internal.ErrorWithLog("load program "+spec.Name, err, logBuf, truncated)
	}

	prog := &Program{
		fd:         fd,
		name:       spec.Name,
		section:    spec.SectionName,
		kind:       spec.Kind,
		attachType: spec.AttachType,
		attachTo:   spec.AttachTo,
		onClose:    make(map[uint64]func() error),
	}
	if logBuf != nil {
		prog.verifierLog = internal.CString(logBuf)
	}

	log.WithFields(logrus.Fields{
		"program":      spec.Name,
		"kind":         spec.Kind,
		"fd":           fd.Int(),
		"instructions": insCount,
	}).Debug("program loaded")

	return prog, nil
}

// LoadPinnedProgram loads a Program from a bpffs.
func LoadPinnedProgram(fileName string, kind ProgramKind) (*Program, error) {
	fd, err := sys.ObjGet(fileName, 0)
	if err != nil {
		return nil, err
	}

	return &Program{
		fd:      fd,
		name:    fileName,
		kind:    kind,
		onClose: make(map[uint64]func() error),
	}, nil
}

func (p *Program) String() string {
	if p.name != "" {
		return fmt.Sprintf("%s(%s)#%v", p.kind, p.name, p.fd)
	}
	return fmt.Sprintf("%s(%v)", p.kind, p.fd)
}

// FD gets the file descriptor of the Program.
//
// It is invalid to call this function after Close has been called.
func (p *Program) FD() int {
	return p.fd.Int()
}

// Kind returns the kind the program was loaded as.
func (p *Program) Kind() ProgramKind { return p.kind }

// Name returns the name of the program.
func (p *Program) Name() string { return p.name }

// SectionName returns the ELF section the program was parsed from.
func (p *Program) SectionName() string { return p.section }

// AttachType returns the cgroup hook the program was loaded for.
func (p *Program) AttachType() AttachType { return p.attachType }

// AttachTo returns the attach point encoded in the section name, for example
// the symbol of a kprobe. It is empty for pinned programs.
func (p *Program) AttachTo() string { return p.attachTo }

// VerifierLog returns the output of the verifier, or an empty string if the
// log was disabled.
func (p *Program) VerifierLog() string { return p.verifierLog }

// Pin persists the Program on the BPF virtual file system past the lifetime of
// the process that created it.
func (p *Program) Pin(fileName string) error {
	if p.fd.Int() < 0 {
		return errors.Wrapf(ErrClosed, "program %s", p.name)
	}
	return sys.ObjPin(fileName, p.fd)
}

// OnClose registers fn to be called when the program is closed, before its
// file descriptor is released. The returned function removes the
// registration again.
//
// Links use this to detach when their program goes away.
func (p *Program) OnClose(fn func() error) (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.onClose[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.onClose, id)
	}
}

// Close the Program's underlying file descriptor, which could unload
// the program from the kernel if it is not pinned or attached to a
// kernel hook.
//
// Every link still attached through this package is detached first.
func (p *Program) Close() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	hooks := p.onClose
	p.onClose = make(map[uint64]func() error)
	p.mu.Unlock()

	var result *multierror.Error
	for _, fn := range hooks {
		if err := fn(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := p.fd.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Test runs the Program in the kernel with the given input and returns the
// value returned by the eBPF program.
//
// Only socket filter, XDP and tc programs can be tested.
func (p *Program) Test(in []byte) (uint32, error) {
	switch p.kind {
	case SocketFilter, XDP, SchedCLS:
	default:
		return 0, errors.Wrapf(ErrNotSupported, "test run of %s", p.kind)
	}

	// Older kernels require the input to be at least 14 bytes, the size of
	// an ethernet header.
	if len(in) < 14 {
		return 0, errors.Errorf("input is too short (%d < 14 bytes)", len(in))
	}

	// The kernel may grow packets by up to a page for XDP.
	out := make([]byte, len(in)+4096)
	attr := sys.ProgTestRunAttr{
		ProgFd: p.fd.Uint(),
		Repeat: 1,
	}
	attr.DataIn, attr.DataSizeIn = sys.NewSlicePointerLen(in)
	attr.DataOut, attr.DataSizeOut = sys.NewSlicePointerLen(out)

	if err := sys.ProgTestRun(&attr); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return 0, errors.Wrapf(ErrNotSupported, "test run: %s", err)
		}
		return 0, errors.Wrap(err, "test run")
	}

	return attr.Retval, nil
}
