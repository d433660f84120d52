package perf

import (
	"os"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf/internal"
	"github.com/probelab/ebpf/internal/testutils"
)

// testRing is an in-memory perf ring which records can be published to.
type testRing struct {
	meta unix.PerfEventMmapPage
	data []byte
}

func newTestRing(size int, start uint64) *testRing {
	if !internal.IsPow(size) {
		panic("size must be power of two")
	}
	return &testRing{
		meta: unix.PerfEventMmapPage{
			Data_head: start,
			Data_tail: start,
			Data_size: uint64(size),
		},
		data: make([]byte, size),
	}
}

func (tr *testRing) write(pos uint64, buf []byte) {
	for i, b := range buf {
		tr.data[(pos+uint64(i))&uint64(len(tr.data)-1)] = b
	}
}

// publish appends a raw record and moves the head past it.
func (tr *testRing) publish(typ uint32, body []byte) {
	size := perfEventHeaderSize + len(body)
	header := make([]byte, perfEventHeaderSize)
	internal.NativeEndian.PutUint32(header[0:4], typ)
	internal.NativeEndian.PutUint16(header[6:8], uint16(size))

	tr.write(tr.meta.Data_head, header)
	tr.write(tr.meta.Data_head+perfEventHeaderSize, body)
	tr.meta.Data_head += uint64(size)
}

func (tr *testRing) publishSample(sample []byte) {
	// The kernel pads samples to a multiple of eight bytes.
	body := make([]byte, internal.Align(4+len(sample), 8))
	internal.NativeEndian.PutUint32(body, uint32(len(sample)))
	copy(body[4:], sample)
	tr.publish(unix.PERF_RECORD_SAMPLE, body)
}

func (tr *testRing) publishLost(lost uint64) {
	body := make([]byte, 16)
	internal.NativeEndian.PutUint64(body[8:], lost)
	tr.publish(unix.PERF_RECORD_LOST, body)
}

func (tr *testRing) reader() *ringReader {
	return newRingReader(&tr.meta, tr.data)
}

func TestRingReaderSamples(t *testing.T) {
	tr := newTestRing(64, 0)
	tr.publishSample([]byte{1, 2, 3})
	tr.publishSample([]byte{4, 5, 6, 7, 8})

	rr := tr.reader()
	var rec Record
	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{1, 2, 3}))
	qt.Assert(t, qt.Equals(rec.LostSamples, 0))
	qt.Assert(t, qt.Equals(rec.Seq, 0))

	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{4, 5, 6, 7, 8}))
	qt.Assert(t, qt.Equals(rec.Seq, 16))

	qt.Assert(t, qt.Equals(rr.readRecord(&rec), errEOR))

	// The kernel only sees the consumed position once it's written back.
	qt.Assert(t, qt.Equals(tr.meta.Data_tail, 0))
	rr.writeTail()
	qt.Assert(t, qt.Equals(tr.meta.Data_tail, tr.meta.Data_head))
}

func TestRingReaderWrapAround(t *testing.T) {
	// Start close to the end of the ring so that records straddle it.
	tr := newTestRing(32, 28)
	tr.publishSample([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

	rr := tr.reader()
	var rec Record
	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}))
	qt.Assert(t, qt.Equals(rec.Seq, 28))
	rr.writeTail()

	// The body of this one wraps as well.
	tr.publishSample([]byte{1})
	rr.loadHead()
	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{1}))
	// Header, length prefix and six bytes padded to eight.
	qt.Assert(t, qt.Equals(rec.Seq, 28+24))
	qt.Assert(t, qt.Equals(rr.readRecord(&rec), errEOR))
}

func TestRingReaderWrapAroundOrder(t *testing.T) {
	tr := newTestRing(64, 40)
	rr := tr.reader()

	var (
		rec  Record
		want byte
		next = tr.meta.Data_head
	)
	for batch := 0; batch < 8; batch++ {
		// Three 16 byte records fit into the ring without overwriting
		// unread data.
		for i := 0; i < 3; i++ {
			n := byte(batch*3 + i)
			tr.publishSample([]byte{n, n + 1, n + 2})
		}

		rr.loadHead()
		for {
			err := rr.readRecord(&rec)
			if err == errEOR {
				break
			}
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{want, want + 1, want + 2}))
			qt.Assert(t, qt.Equals(rec.Seq, next))
			want++
			next += 16
		}
		rr.writeTail()
	}

	qt.Assert(t, qt.Equals(want, 24))
	qt.Assert(t, qt.Equals(tr.meta.Data_tail, tr.meta.Data_head))
}

func TestRingReaderIncompleteRecord(t *testing.T) {
	tr := newTestRing(64, 0)
	tr.publishSample([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	// Pretend the kernel has only published part of the record.
	full := tr.meta.Data_head
	tr.meta.Data_head = full - 4

	rr := tr.reader()
	var rec Record
	qt.Assert(t, qt.Equals(rr.readRecord(&rec), errEOR))
	qt.Assert(t, qt.Equals(rr.tail, 0))

	tr.meta.Data_head = full
	rr.loadHead()
	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
}

func TestRingReaderLostAndUnknown(t *testing.T) {
	tr := newTestRing(64, 0)
	tr.publishLost(23)
	tr.publish(unix.PERF_RECORD_MMAP, make([]byte, 8))
	tr.publishSample([]byte{42})

	rr := tr.reader()
	rec := Record{RawSample: make([]byte, 0, 16)}
	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.Equals(rec.LostSamples, 23))
	qt.Assert(t, qt.HasLen(rec.RawSample, 0))

	err := rr.readRecord(&rec)
	qt.Assert(t, qt.IsTrue(IsUnknownEvent(err)))

	// Unknown records are skipped.
	qt.Assert(t, qt.IsNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.DeepEquals(rec.RawSample, []byte{42}))
	qt.Assert(t, qt.Equals(rec.LostSamples, 0))
}

func TestRingReaderCorruptHeader(t *testing.T) {
	tr := newTestRing(64, 0)
	tr.publish(unix.PERF_RECORD_SAMPLE, nil)
	// Overwrite the size with something smaller than a header.
	internal.NativeEndian.PutUint16(tr.data[6:8], 4)

	rr := tr.reader()
	var rec Record
	qt.Assert(t, qt.IsNotNil(rr.readRecord(&rec)))
	qt.Assert(t, qt.Equals(rr.readRecord(&rec), errEOR))
}

func TestPerfBufferSize(t *testing.T) {
	pageSize := os.Getpagesize()

	qt.Assert(t, qt.Equals(perfBufferSize(1), pageSize))
	qt.Assert(t, qt.Equals(perfBufferSize(pageSize), pageSize))
	qt.Assert(t, qt.Equals(perfBufferSize(pageSize+1), 2*pageSize))
	qt.Assert(t, qt.Equals(perfBufferSize(3*pageSize), 4*pageSize))
}

func TestPerfEventRing(t *testing.T) {
	testutils.SkipIfNotRoot(t)

	check := func(buffer, watermark int) {
		ring, err := newPerfEventRing(0, buffer, watermark)
		qt.Assert(t, qt.IsNil(err))
		defer ring.Close()

		size := ring.size()

		// Ring size should be at least as big as buffer
		if size < buffer {
			t.Fatalf("ring size %d smaller than buffer %d", size, buffer)
		}

		// Ring size should be of the form 2^n pages (meta page has already been removed)
		if size%os.Getpagesize() != 0 {
			t.Fatalf("ring size %d not whole number of pages (pageSize %d)", size, os.Getpagesize())
		}
		nPages := size / os.Getpagesize()
		if nPages&(nPages-1) != 0 {
			t.Fatalf("ring size %d (%d pages) not a power of two pages (pageSize %d)", size, nPages, os.Getpagesize())
		}

		qt.Assert(t, qt.IsNil(ring.Close()))
	}

	// watermark > buffer
	_, err := newPerfEventRing(0, 8192, 8193)
	qt.Assert(t, qt.IsNotNil(err))

	// watermark == buffer
	_, err = newPerfEventRing(0, 8192, 8192)
	qt.Assert(t, qt.IsNotNil(err))

	check(8193, 1)
	check(os.Getpagesize()+1, 1)
	check(os.Getpagesize()*3, 1)
}
