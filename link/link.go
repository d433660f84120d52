// Package link attaches loaded programs to kernel hooks.
package link

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal"
)

// Link is a program attached to a hook.
//
// A Link detaches automatically when it becomes unreachable or when its
// program is closed. Call Detach to control the point in time.
type Link interface {
	// Detach removes the program from the hook. Calling it more than once
	// is a no-op.
	Detach() error

	// Kind describes the attach mechanism, e.g. "kprobe" or "xdp".
	Kind() string
}

// Target is a hook a program can be attached to.
//
// The implementations are KprobeTarget, UprobeTarget, TracepointTarget,
// InterfaceTarget, SocketTarget, RawConnTarget, CgroupTarget and
// PerfEventTarget.
type Target interface {
	fmt.Stringer

	target()
}

// Options control attaching a program.
type Options struct {
	// Prefix of the tracefs group created for kprobes and uprobes. The group
	// name is formatted as `<prefix>_<randomstr>`. Defaults to "probelab".
	TraceFSPrefix string

	Logger logrus.FieldLogger
}

// Attach attaches prog to target.
//
// See AttachWithOptions.
func Attach(prog *ebpf.Program, target Target) (Link, error) {
	return AttachWithOptions(prog, target, Options{})
}

// AttachWithOptions attaches prog to target using the mechanism of the
// program's kind.
//
// A nil target is derived from the program's section name, which works for
// kprobes, kretprobes and tracepoints. Other kinds need an explicit target.
//
// Errors are of type *AttachError and match ErrTargetNotFound,
// ErrPermissionDenied or ErrAlreadyAttached if the cause is known.
func AttachWithOptions(prog *ebpf.Program, target Target, opts Options) (Link, error) {
	if prog == nil {
		return nil, errors.New("can't attach a nil program")
	}

	if target == nil {
		var err error
		target, err = targetFromSection(prog)
		if err != nil {
			return nil, &AttachError{Kind: prog.Kind(), Target: prog.SectionName(), Err: err}
		}
	}

	if prog.FD() < 0 {
		return nil, &AttachError{Kind: prog.Kind(), Target: target.String(), Err: errors.WithStack(ebpf.ErrClosed)}
	}

	var (
		kind   string
		detach func() error
		err    error
	)

	switch prog.Kind() {
	case ebpf.Kprobe, ebpf.Kretprobe:
		kind = "kprobe"
		if t, ok := target.(KprobeTarget); ok {
			detach, err = attachKprobe(prog, t, prog.Kind() == ebpf.Kretprobe, opts)
		} else {
			err = mismatch(prog, target)
		}

	case ebpf.Uprobe, ebpf.Uretprobe:
		kind = "uprobe"
		if t, ok := target.(UprobeTarget); ok {
			detach, err = attachUprobe(prog, t, prog.Kind() == ebpf.Uretprobe, opts)
		} else {
			err = mismatch(prog, target)
		}

	case ebpf.Tracepoint:
		kind = "tracepoint"
		if t, ok := target.(TracepointTarget); ok {
			detach, err = attachTracepoint(prog, t)
		} else {
			err = mismatch(prog, target)
		}

	case ebpf.XDP:
		kind = "xdp"
		if t, ok := target.(InterfaceTarget); ok {
			detach, err = attachXDP(prog, t)
		} else {
			err = mismatch(prog, target)
		}

	case ebpf.SchedCLS:
		kind = "tc"
		if t, ok := target.(InterfaceTarget); ok {
			detach, err = attachTC(prog, t)
		} else {
			err = mismatch(prog, target)
		}

	case ebpf.SocketFilter:
		kind = "socket"
		switch t := target.(type) {
		case SocketTarget:
			detach, err = attachSocketFD(prog, t.FD)
		case RawConnTarget:
			detach, err = attachRawConn(prog, t.Conn)
		default:
			err = mismatch(prog, target)
		}

	case ebpf.CGroupSKB, ebpf.CGroupSock:
		kind = "cgroup"
		if t, ok := target.(CgroupTarget); ok {
			detach, err = attachCgroup(prog, t)
		} else {
			err = mismatch(prog, target)
		}

	case ebpf.PerfEvent:
		kind = "perf_event"
		if t, ok := target.(PerfEventTarget); ok {
			detach, err = attachPerfEventFD(prog, t.FD)
		} else {
			err = mismatch(prog, target)
		}

	default:
		err = errors.Wrapf(ebpf.ErrNotSupported, "attaching %s programs", prog.Kind())
	}

	if err != nil {
		return nil, &AttachError{Kind: prog.Kind(), Target: target.String(), Err: err}
	}

	lnk := newLink(prog, kind, target, internal.Logger(opts.Logger), detach)
	lnk.a.log.Debug("program attached")
	return lnk, nil
}

func mismatch(prog *ebpf.Program, target Target) error {
	return errors.Errorf("%T is not a valid target for %s programs", target, prog.Kind())
}

// targetFromSection derives the target of a program from its section name.
func targetFromSection(prog *ebpf.Program) (Target, error) {
	attachTo := prog.AttachTo()

	switch prog.Kind() {
	case ebpf.Kprobe, ebpf.Kretprobe:
		if attachTo == "" {
			break
		}
		return KprobeTarget{Symbol: attachTo}, nil

	case ebpf.Tracepoint:
		group, name, ok := splitTracepoint(attachTo)
		if !ok {
			break
		}
		return TracepointTarget{Group: group, Name: name}, nil
	}

	return nil, errors.Errorf("section %q of %s program doesn't name a target", prog.SectionName(), prog.Kind())
}

// attachment is the state shared by a link, the cleanup attached to it and
// the close hook of its program. It must not refer to the link itself, or
// the cleanup would never run.
type attachment struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	detach  func() error
	release func()
}

func (a *attachment) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detach == nil {
		return nil
	}

	err := a.detach()
	a.detach = nil
	if a.release != nil {
		a.release()
	}

	if err != nil {
		a.log.WithError(err).Debug("detach failed")
		return err
	}
	a.log.Debug("program detached")
	return nil
}

type link struct {
	kind    string
	target  Target
	a       *attachment
	cleanup runtime.Cleanup
}

func newLink(prog *ebpf.Program, kind string, target Target, log logrus.FieldLogger, detach func() error) *link {
	a := &attachment{
		log: log.WithFields(logrus.Fields{
			"program": prog.Name(),
			"kind":    kind,
			"target":  target.String(),
		}),
		detach: detach,
	}
	a.mu.Lock()
	a.release = prog.OnClose(a.close)
	a.mu.Unlock()

	lnk := &link{kind: kind, target: target, a: a}
	lnk.cleanup = runtime.AddCleanup(lnk, func(a *attachment) { _ = a.close() }, a)
	return lnk
}

func (l *link) Detach() error {
	l.cleanup.Stop()
	return l.a.close()
}

func (l *link) Kind() string { return l.kind }

func (l *link) String() string {
	return fmt.Sprintf("%s(%s)", l.kind, l.target)
}
