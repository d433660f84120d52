package link

import (
	"fmt"

	"github.com/elastic/go-perf"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/tracefs"
)

// Tracing programs go through two layers. A trace event is an entry under
// <tracefs>/events: either a static tracepoint or a kprobe or uprobe created
// by writing to <tracefs>/[ku]probe_events. A perf event is opened on the id
// of a trace event and carries at most one program, which stops running when
// the perf event is closed. Dynamic trace events can only be removed once no
// perf event refers to them.

// PerfEventTarget is a perf event opened by the caller, e.g. a software
// clock or a hardware counter.
//
// The caller keeps ownership of FD. Detaching disables the event, the
// program is released once the caller closes it.
type PerfEventTarget struct {
	FD int
}

func (PerfEventTarget) target() {}

func (pt PerfEventTarget) String() string {
	return fmt.Sprintf("perf event fd %d", pt.FD)
}

// openTraceEvent instantiates a perf event for the trace event with the
// given id and attaches prog to it.
func openTraceEvent(prog *ebpf.Program, id uint64) (*perf.Event, error) {
	attr := &perf.Attr{
		Type:   perf.TracepointEvent,
		Config: id,
	}
	attr.SetSamplePeriod(1)
	attr.SetWakeupEvents(1)

	// Trace events fire on every CPU regardless of the one the perf event
	// is bound to.
	ev, err := perf.Open(attr, perf.AllThreads, 0, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open perf event")
	}

	if err := ev.SetBPF(uint32(prog.FD())); err != nil {
		ev.Close()
		return nil, errors.Wrap(err, "set perf event program")
	}

	if err := ev.Enable(); err != nil {
		ev.Close()
		return nil, errors.Wrap(err, "enable perf event")
	}

	return ev, nil
}

// attachProbe attaches prog to a dynamic trace event. The event is removed
// again on detach.
func attachProbe(prog *ebpf.Program, args tracefs.ProbeArgs) (func() error, error) {
	evt, err := tracefs.CreateProbe(args)
	if err != nil {
		return nil, err
	}

	ev, err := openTraceEvent(prog, evt.ID())
	if err != nil {
		// Symbols under livepatch accept the probe but refuse the perf event
		// with EBUSY.
		_ = evt.Close()
		return nil, err
	}

	return func() error {
		var result *multierror.Error
		if err := ev.Disable(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "disable perf event"))
		}
		if err := ev.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close perf event"))
		}
		// Must come after the perf event is gone.
		if err := evt.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}, nil
}

func attachPerfEventFD(prog *ebpf.Program, fd int) (func() error, error) {
	if fd < 0 {
		return nil, errors.Wrapf(unix.EBADF, "perf event fd %d", fd)
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		return nil, errors.Wrap(err, "set perf event program")
	}

	// PERF_EVENT_IOC_ENABLE and _DISABLE ignore their given values.
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return nil, errors.Wrap(err, "enable perf event")
	}

	return func() error {
		return errors.Wrap(unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0), "disable perf event")
	}, nil
}
