package link

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal/tracefs"
)

// TracepointTarget is a static kernel tracepoint, see
// <tracefs>/events/<group>/<name>.
type TracepointTarget struct {
	Group string
	Name  string
}

func (TracepointTarget) target() {}

func (tt TracepointTarget) String() string {
	return tt.Group + "/" + tt.Name
}

// splitTracepoint splits "syscalls/sys_enter_open" into its group and name.
func splitTracepoint(s string) (group, name string, ok bool) {
	group, name, ok = strings.Cut(s, "/")
	if !ok || group == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return group, name, true
}

func attachTracepoint(prog *ebpf.Program, t TracepointTarget) (func() error, error) {
	id, err := tracefs.EventID(t.Group, t.Name)
	if err != nil {
		return nil, err
	}

	ev, err := openTraceEvent(prog, id)
	if err != nil {
		return nil, err
	}

	return func() error {
		if err := ev.Disable(); err != nil {
			ev.Close()
			return errors.Wrap(err, "disable perf event")
		}
		return errors.Wrap(ev.Close(), "close perf event")
	}, nil
}
