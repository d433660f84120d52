package tracefs

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ProbeType is the kind of dynamic trace event.
type ProbeType uint8

const (
	Kprobe ProbeType = iota
	Uprobe
)

func (pt ProbeType) String() string {
	if pt == Kprobe {
		return "kprobe"
	}
	return "uprobe"
}

// eventsFile is where probes of this type are added and removed.
func (pt ProbeType) eventsFile(root string) (*os.File, error) {
	path, err := joinPath(root, fmt.Sprintf("%s_events", pt))
	if err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
}

// ProbeArgs describes a kprobe or uprobe trace event.
type ProbeArgs struct {
	Type ProbeType
	// Symbol is the kernel symbol of a kprobe. For uprobes it is only used
	// to name the event.
	Symbol string
	// Path of the binary a uprobe is placed in.
	Path string
	// Offset relative to Symbol for kprobes, or to the start of the file
	// for uprobes.
	Offset uint64
	// Ret creates a return probe.
	Ret bool
	// Group prefix, defaults to "probelab".
	Group string
}

// Event is a trace event created by writing to a probe events file. It must
// be closed to remove it again.
type Event struct {
	typ   ProbeType
	root  string
	group string
	name  string
	id    uint64
}

// CreateProbe adds a kprobe or uprobe trace event.
//
// The event is placed in a randomly named group so that multiple probes on
// the same symbol don't collide.
func CreateProbe(args ProbeArgs) (*Event, error) {
	root, err := Root()
	if err != nil {
		return nil, err
	}
	return createProbe(root, args)
}

func createProbe(root string, args ProbeArgs) (*Event, error) {
	if args.Symbol == "" {
		return nil, errors.Wrap(ErrInvalidInput, "missing symbol")
	}
	if args.Type == Uprobe && args.Path == "" {
		return nil, errors.Wrap(ErrInvalidInput, "missing path for uprobe")
	}

	prefix := args.Group
	if prefix == "" {
		prefix = "probelab"
	}

	group, err := RandomGroup(prefix)
	if err != nil {
		return nil, err
	}

	evt := &Event{
		typ:   args.Type,
		root:  root,
		group: group,
		name:  sanitizeIdentifier(args.Symbol),
	}

	f, err := args.Type.eventsFile(root)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s events", args.Type)
	}
	defer f.Close()

	// Kernels 4.x and earlier don't return an error on writing a duplicate
	// entry, so check for existence first.
	if _, err := evt.readID(); err == nil {
		return nil, errors.Wrapf(os.ErrExist, "trace event %s/%s", evt.group, evt.name)
	}

	if _, err := f.WriteString(probeDefinition(evt.group, evt.name, args)); err != nil {
		return nil, errors.Wrapf(err, "create %s %s", args.Type, args.Symbol)
	}

	evt.id, err = evt.readID()
	if err != nil {
		_ = evt.Close()
		return nil, errors.Wrapf(err, "%s %s", args.Type, args.Symbol)
	}

	return evt, nil
}

// probeDefinition formats the line written to [k,u]probe_events, e.g.
//
//	p:ebpf_1234/readline /bin/bash:0x12345
//	r:ebpf_1234/do_sys_open do_sys_open+0x10
func probeDefinition(group, name string, args ProbeArgs) string {
	prefix := "p"
	if args.Ret {
		prefix = "r"
	}

	var token string
	switch args.Type {
	case Kprobe:
		token = args.Symbol
		if args.Offset != 0 {
			token = fmt.Sprintf("%s+%#x", args.Symbol, args.Offset)
		}
	case Uprobe:
		token = fmt.Sprintf("%s:%#x", args.Path, args.Offset)
	}

	return fmt.Sprintf("%s:%s/%s %s", prefix, group, name, token)
}

func (evt *Event) readID() (uint64, error) {
	path, err := joinPath(evt.root, "events", evt.group, evt.name, "id")
	if err != nil {
		return 0, err
	}
	return readID(path)
}

// ID is the trace event id used as the perf event config.
func (evt *Event) ID() uint64 { return evt.id }

func (evt *Event) String() string {
	return fmt.Sprintf("%s %s/%s", evt.typ, evt.group, evt.name)
}

// Close removes the trace event. It may only be called once all perf events
// referring to it are closed.
func (evt *Event) Close() error {
	if evt.group == "" {
		return nil
	}

	f, err := evt.typ.eventsFile(evt.root)
	if err != nil {
		return err
	}
	defer f.Close()

	pe := fmt.Sprintf("-:%s/%s", evt.group, evt.name)
	if _, err = f.WriteString(pe); err != nil {
		return errors.Wrapf(err, "remove event %q from %s", pe, f.Name())
	}

	evt.group = ""
	return nil
}

// RandomGroup generates a pseudorandom string for use as a tracefs group name.
// Returns an error when the output string would exceed 63 characters (kernel
// limitation), when rand.Read() fails or when prefix contains characters not
// allowed by validIdentifier.
func RandomGroup(prefix string) (string, error) {
	if !validIdentifier(prefix) {
		return "", errors.Wrapf(ErrInvalidInput, "prefix '%s' must be alphanumeric or underscore", prefix)
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "reading random bytes")
	}

	group := fmt.Sprintf("%s_%x", prefix, b)
	if len(group) > 63 {
		return "", errors.Wrapf(ErrInvalidInput, "group name '%s' cannot be longer than 63 characters", group)
	}

	return group, nil
}
