package perf

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Record is either a sample or a count of lost samples.
type Record struct {
	CPU int

	// Seq is the position of the record in the ring of its CPU. It grows
	// monotonically per CPU, there is no order across CPUs.
	Seq uint64

	// RawSample is the data passed to bpf_perf_event_output. It may end in
	// up to 7 bytes of padding.
	RawSample []byte

	// LostSamples counts samples the kernel dropped because the ring was
	// full.
	LostSamples uint64
}

// The poller stores the CPU index of a ring in the event.
func cpuForEvent(event *unix.EpollEvent) int {
	return int(event.Pad)
}

type unknownEventError struct {
	eventType uint32
}

func (uev *unknownEventError) Error() string {
	return fmt.Sprintf("unknown event type: %d", uev.eventType)
}

// IsUnknownEvent is true if err was caused by a record which is neither a
// sample nor a lost count. Reading can continue after such an error.
func IsUnknownEvent(err error) bool {
	var uee *unknownEventError
	return errors.As(err, &uee)
}
