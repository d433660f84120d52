package perf

import (
	"math/bits"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf/internal"
)

// perfEventHeaderSize is the size of struct perf_event_header.
const perfEventHeaderSize = 8

var errEOR = errors.New("end of ring")

// perfEventRing is a page of metadata followed by
// a power of two number of pages which form a ring buffer.
type perfEventRing struct {
	fd   int
	cpu  int
	mmap []byte
	*ringReader
}

func newPerfEventRing(cpu, perCPUBuffer, watermark int) (*perfEventRing, error) {
	if watermark >= perCPUBuffer {
		return nil, errors.New("watermark must be smaller than perCPUBuffer")
	}

	fd, err := createPerfEvent(cpu, watermark)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	pageSize := os.Getpagesize()
	size := perfBufferSize(perCPUBuffer)
	mmap, err := unix.Mmap(fd, 0, pageSize+size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't mmap")
	}

	// This relies on the fact that we allocate an extra metadata page,
	// and that the struct is smaller than an OS page.
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0]))

	// Kernels before 4.1 don't fill in data_offset and data_size.
	offset, dataSize := uint64(pageSize), uint64(size)
	if meta.Data_size != 0 {
		offset, dataSize = meta.Data_offset, meta.Data_size
	}
	if !internal.IsPow(dataSize) {
		unix.Munmap(mmap)
		unix.Close(fd)
		return nil, errors.Errorf("ring of %d bytes is not a power of two", dataSize)
	}

	ring := &perfEventRing{
		fd:         fd,
		cpu:        cpu,
		mmap:       mmap,
		ringReader: newRingReader(meta, mmap[offset:offset+dataSize]),
	}
	runtime.SetFinalizer(ring, (*perfEventRing).Close)

	return ring, nil
}

// perfBufferSize returns a valid mmap buffer size for use with perf_event_open (2^n pages)
func perfBufferSize(perCPUBuffer int) int {
	pageSize := uint64(os.Getpagesize())

	// Smallest whole number of pages
	nPages := (uint64(perCPUBuffer) + pageSize - 1) / pageSize

	// Round up to nearest power of two number of pages
	nPages = 1 << bits.Len64(nPages-1)

	return int(nPages * pageSize)
}

func (ring *perfEventRing) size() int {
	return len(ring.ring)
}

func (ring *perfEventRing) Close() error {
	runtime.SetFinalizer(ring, nil)

	if ring.fd == -1 {
		return nil
	}

	err := unix.Munmap(ring.mmap)
	if cerr := unix.Close(ring.fd); err == nil {
		err = cerr
	}

	ring.fd = -1
	ring.mmap = nil
	return err
}

func createPerfEvent(cpu, watermark int) (int, error) {
	if watermark == 0 {
		watermark = 1
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_BPF_OUTPUT,
		Bits:        unix.PerfBitWatermark,
		Sample_type: unix.PERF_SAMPLE_RAW,
		Wakeup:      uint32(watermark),
	}

	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err == nil {
		return fd, nil
	}

	switch err {
	case unix.ENODEV:
		return -1, errors.WithMessage(unix.ENODEV, "cpu is offline")
	case unix.EACCES, unix.EPERM:
		return -1, errors.WithMessage(err, "insufficient capabilities to create a perf event")
	case unix.EMFILE:
		return -1, errors.WithMessage(unix.EMFILE, "this process has reached its limit of open events")
	case unix.EINVAL:
		return -1, errors.WithMessage(unix.EINVAL, "bpf output events are not supported")
	default:
		return -1, errors.Wrap(err, "can't create perf event")
	}
}

// ringReader consumes records from a perf ring. It is the only code which
// touches the cursors shared with the kernel.
type ringReader struct {
	meta       *unix.PerfEventMmapPage
	head, tail uint64
	mask       uint64
	ring       []byte
}

func newRingReader(meta *unix.PerfEventMmapPage, ring []byte) *ringReader {
	return &ringReader{
		meta: meta,
		head: atomic.LoadUint64(&meta.Data_head),
		tail: atomic.LoadUint64(&meta.Data_tail),
		// len is always a power of two
		mask: uint64(len(ring) - 1),
		ring: ring,
	}
}

// loadHead reads the position up to which the kernel has published
// records. The load has acquire semantics.
func (rr *ringReader) loadHead() {
	rr.head = atomic.LoadUint64(&rr.meta.Data_head)
}

// writeTail commits the consumed position, which lets the kernel reuse the
// space. The store has release semantics.
func (rr *ringReader) writeTail() {
	atomic.StoreUint64(&rr.meta.Data_tail, rr.tail)
}

func (rr *ringReader) remaining() uint64 {
	return rr.head - rr.tail
}

// copyAt copies len(dst) bytes starting at the free running position pos,
// wrapping around the end of the ring.
func (rr *ringReader) copyAt(pos uint64, dst []byte) {
	start := pos & rr.mask
	n := copy(dst, rr.ring[start:])
	copy(dst[n:], rr.ring)
}

// readRecord decodes the record at the tail into rec and advances the tail.
//
// Returns errEOR if there is no complete record left before the head. The
// tail isn't moved in that case, so a partially published record is picked
// up by the next call after loadHead.
func (rr *ringReader) readRecord(rec *Record) error {
	if rr.remaining() < perfEventHeaderSize {
		return errEOR
	}

	var header [perfEventHeaderSize]byte
	rr.copyAt(rr.tail, header[:])

	typ := internal.NativeEndian.Uint32(header[0:4])
	size := uint64(internal.NativeEndian.Uint16(header[6:8]))
	if size < perfEventHeaderSize {
		// There is no way to find the next record, drop what's left.
		rr.tail = rr.head
		return errors.Errorf("corrupt record header: size %d", size)
	}
	if size > rr.remaining() {
		return errEOR
	}

	rec.Seq = rr.tail
	body := rr.tail + perfEventHeaderSize
	bodySize := size - perfEventHeaderSize
	defer func() { rr.tail += size }()

	switch typ {
	case unix.PERF_RECORD_SAMPLE:
		// This must match 'struct perf_event_sample' in the kernel sources.
		if bodySize < 4 {
			return errors.Errorf("sample record of %d bytes is too short", size)
		}
		var sizeBuf [4]byte
		rr.copyAt(body, sizeBuf[:])
		n := uint64(internal.NativeEndian.Uint32(sizeBuf[:]))
		if n > bodySize-4 {
			return errors.Errorf("sample of %d bytes exceeds record of %d bytes", n, size)
		}

		if uint64(cap(rec.RawSample)) < n {
			rec.RawSample = make([]byte, n)
		}
		rec.RawSample = rec.RawSample[:n]
		rr.copyAt(body+4, rec.RawSample)
		rec.LostSamples = 0
		return nil

	case unix.PERF_RECORD_LOST:
		// This must match 'struct perf_event_lost' in the kernel sources.
		if bodySize < 16 {
			return errors.Errorf("lost record of %d bytes is too short", size)
		}
		var lost [16]byte
		rr.copyAt(body, lost[:])
		rec.RawSample = rec.RawSample[:0]
		rec.LostSamples = internal.NativeEndian.Uint64(lost[8:])
		return nil

	default:
		return &unknownEventError{typ}
	}
}
