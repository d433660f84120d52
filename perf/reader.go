package perf

import (
	"context"
	"iter"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf"
	"github.com/probelab/ebpf/internal"
	"github.com/probelab/ebpf/internal/epoll"
)

var (
	ErrClosed  = os.ErrClosed
	ErrFlushed = epoll.ErrFlushed
)

// Reader consumes the samples written by bpf_perf_event_output into the
// per CPU rings of a perf event array.
type Reader struct {
	poller *epoll.Poller
	log    logrus.FieldLogger

	// mu guards everything except pauseFds. Lock it before pauseMu.
	mu sync.Mutex

	// The kernel empties a perf event array once its last fd is closed,
	// so the reader owns a clone.
	array       *ebpf.Map
	rings       []*perfEventRing
	epollEvents []unix.EpollEvent
	epollRings  []*perfEventRing
	deadline    time.Time
	pendingErr  error

	// pauseFds mirrors the ring fds, indexed by CPU. A separate lock lets
	// Pause and Resume run while Read is blocked.
	pauseMu  sync.Mutex
	pauseFds []int
}

// ReaderOptions tune a Reader.
type ReaderOptions struct {
	// Watermark is the number of bytes a ring must hold before the kernel
	// wakes up Read. It must be less than the per CPU buffer size. Zero
	// wakes up on every sample.
	Watermark int

	// Logger receives debug entries about lost samples. Defaults to the
	// logrus standard logger.
	Logger logrus.FieldLogger
}

// NewReader opens a ring of perCPUBuffer bytes for every CPU and installs
// them into array, which must be a PerfEventArray.
//
// The size is rounded up to a power of two number of pages.
func NewReader(array *ebpf.Map, perCPUBuffer int) (*Reader, error) {
	return NewReaderWithOptions(array, perCPUBuffer, ReaderOptions{})
}

// NewReaderWithOptions is like NewReader but takes options.
func NewReaderWithOptions(array *ebpf.Map, perCPUBuffer int, opts ReaderOptions) (pr *Reader, err error) {
	if perCPUBuffer < 1 {
		return nil, errors.New("per CPU buffer size must be positive")
	}
	if array.Type() != ebpf.PerfEventArray {
		return nil, errors.Errorf("%s is not a perf event array", array)
	}

	nCPU, err := internal.PossibleCPUs()
	if err != nil {
		return nil, err
	}
	nCPU = min(nCPU, int(array.MaxEntries()))

	var (
		rings    = make([]*perfEventRing, 0, nCPU)
		pauseFds = make([]int, 0, nCPU)
	)

	poller, err := epoll.New()
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			poller.Close()
			for _, ring := range rings {
				if ring != nil {
					ring.Close()
				}
			}
		}
	}()

	// The helper writes to the event of the CPU it runs on, so every CPU
	// needs its own ring.
	for i := 0; i < nCPU; i++ {
		ring, err := newPerfEventRing(i, perCPUBuffer, opts.Watermark)
		if errors.Is(err, unix.ENODEV) {
			// Offline CPU.
			rings = append(rings, nil)
			pauseFds = append(pauseFds, -1)
			continue
		}

		if err != nil {
			return nil, errors.Wrapf(err, "create ring for CPU %d", i)
		}
		rings = append(rings, ring)
		pauseFds = append(pauseFds, ring.fd)

		if err := poller.Add(ring.fd, i); err != nil {
			return nil, errors.Wrapf(err, "CPU %d", i)
		}
	}

	array, err = array.Clone()
	if err != nil {
		return nil, err
	}

	pr = &Reader{
		array:       array,
		rings:       rings,
		poller:      poller,
		log:         internal.Logger(opts.Logger),
		epollEvents: make([]unix.EpollEvent, len(rings)),
		epollRings:  make([]*perfEventRing, 0, len(rings)),
		pauseFds:    pauseFds,
	}
	if err = pr.Resume(); err != nil {
		array.Close()
		return nil, err
	}
	runtime.SetFinalizer(pr, (*Reader).Close)
	return pr, nil
}

// Close unblocks Read and releases the rings.
//
// Programs writing to the array afterwards get ENOENT from
// bpf_perf_event_output.
func (pr *Reader) Close() error {
	if err := pr.poller.Close(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return errors.Wrap(err, "close poller")
	}

	// Read can't block on the closed poller, so mu becomes available.
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.pauseMu.Lock()
	pr.pauseFds = nil
	pr.pauseMu.Unlock()

	for _, ring := range pr.rings {
		if ring != nil {
			ring.Close()
		}
	}
	pr.rings = nil
	pr.epollRings = nil
	pr.array.Close()

	return nil
}

// SetDeadline makes Read and ReadInto return os.ErrDeadlineExceeded once t
// has passed. The zero value disables the deadline.
func (pr *Reader) SetDeadline(t time.Time) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.deadline = t
}

// Read returns the next record.
//
// It blocks until a ring holds at least Watermark bytes, the deadline
// passes, Flush is called or the reader is closed. After a flush every
// pending record is returned before ErrFlushed.
//
// The kernel pads samples to 8 bytes, so RawSample may end in up to 7
// bytes of padding.
func (pr *Reader) Read() (Record, error) {
	var r Record

	return r, pr.ReadInto(&r)
}

// ReadInto is like Read but reuses the RawSample buffer of rec.
func (pr *Reader) ReadInto(rec *Record) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.rings == nil {
		return errors.Wrap(ErrClosed, "perf ringbuffer")
	}

	for {
		if len(pr.epollRings) == 0 {
			if pr.pendingErr != nil {
				err := pr.pendingErr
				pr.pendingErr = nil
				return err
			}

			nEvents, err := pr.poller.Wait(pr.epollEvents, pr.deadline)
			if errors.Is(err, ErrFlushed) {
				// Drain every ring before reporting the flush.
				pr.pendingErr = err
				for _, ring := range pr.rings {
					if ring != nil {
						ring.loadHead()
						pr.epollRings = append(pr.epollRings, ring)
					}
				}
				continue
			}
			if err != nil {
				return err
			}

			for _, event := range pr.epollEvents[:nEvents] {
				ring := pr.rings[cpuForEvent(&event)]
				pr.epollRings = append(pr.epollRings, ring)

				// Snapshot the head once per wakeup, otherwise a busy CPU
				// could starve the others.
				ring.loadHead()
			}
		}

		// Rings are drained back to front so that finished ones can be
		// popped off.
		ring := pr.epollRings[len(pr.epollRings)-1]
		rec.CPU = ring.cpu
		err := ring.readRecord(rec)
		ring.writeTail()
		if err == errEOR {
			pr.epollRings = pr.epollRings[:len(pr.epollRings)-1]
			continue
		}

		if err == nil && rec.LostSamples > 0 {
			pr.log.WithFields(logrus.Fields{
				"cpu":  ring.cpu,
				"lost": rec.LostSamples,
			}).Debug("perf ring overflowed")
		}
		return err
	}
}

// All returns an iterator over records until ctx is cancelled or the reader
// is closed.
//
// Records which aren't samples or lost counts are passed on as errors, see
// IsUnknownEvent. Any other error ends the iteration after being yielded.
// RawSample is only valid until the next iteration.
//
// Cancelling ctx flushes the reader, so records which were already in the
// rings are yielded before the iteration ends.
func (pr *Reader) All(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		flushed := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(flushed)
			pr.poller.Flush()
		})
		defer func() {
			if !stop() {
				// The flush may not have been consumed by Read.
				<-flushed
				pr.discardFlush()
			}
		}()

		var rec Record
		for {
			err := pr.ReadInto(&rec)
			switch {
			case err == nil:
				if !yield(rec, nil) {
					return
				}
			case errors.Is(err, ErrFlushed):
				if ctx.Err() != nil {
					return
				}
			case errors.Is(err, ErrClosed):
				return
			case IsUnknownEvent(err):
				if !yield(Record{}, err) {
					return
				}
			default:
				yield(Record{}, err)
				return
			}
		}
	}
}

// discardFlush forgets a flush which Read hasn't reported yet.
func (pr *Reader) discardFlush() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.rings == nil {
		return
	}
	if errors.Is(pr.pendingErr, ErrFlushed) {
		pr.pendingErr = nil
	}
	if err := pr.poller.DiscardFlush(); err != nil {
		pr.log.WithError(err).Debug("discard flush")
	}
}

// Flush unblocks Read if it's waiting. Read returns the samples which are
// already in the rings followed by ErrFlushed.
func (pr *Reader) Flush() error {
	return pr.poller.Flush()
}

// Pause removes the rings from the array. Until Resume is called, programs
// get ENOENT from bpf_perf_event_output and Read blocks once the rings are
// drained.
func (pr *Reader) Pause() error {
	pr.pauseMu.Lock()
	defer pr.pauseMu.Unlock()

	if pr.pauseFds == nil {
		return errors.WithStack(ErrClosed)
	}

	for i := range pr.pauseFds {
		if err := pr.array.Delete(uint32(i)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return errors.Wrapf(err, "remove ring of CPU %d", i)
		}
	}

	return nil
}

// Resume installs the rings into the array again.
func (pr *Reader) Resume() error {
	pr.pauseMu.Lock()
	defer pr.pauseMu.Unlock()

	if pr.pauseFds == nil {
		return errors.WithStack(ErrClosed)
	}

	for i, fd := range pr.pauseFds {
		if fd == -1 {
			continue
		}

		if err := pr.array.Put(uint32(i), uint32(fd)); err != nil {
			return errors.Wrapf(err, "install ring of CPU %d", i)
		}
	}

	return nil
}
