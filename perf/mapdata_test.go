package perf

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/probelab/ebpf/internal"
)

type flowKey struct {
	Saddr, Daddr uint32
	Sport, Dport uint16
	Proto        uint8
}

// mapDataSample lays out a sample like an XDP program would, including the
// padding the kernel appends.
func mapDataSample(data []byte, offset, size uint32, packet []byte) []byte {
	sample := make([]byte, internal.Align(len(data), 4)+8)
	copy(sample, data)
	internal.NativeEndian.PutUint32(sample[len(sample)-8:], offset)
	internal.NativeEndian.PutUint32(sample[len(sample)-4:], size)
	sample = append(sample, packet...)
	return append(sample, make([]byte, internal.Align(len(sample), 8)-len(sample))...)
}

func TestParseMapData(t *testing.T) {
	data := make([]byte, 13)
	internal.NativeEndian.PutUint32(data[0:], 0x0a000001)
	internal.NativeEndian.PutUint32(data[4:], 0x0a000002)
	internal.NativeEndian.PutUint16(data[8:], 1234)
	internal.NativeEndian.PutUint16(data[10:], 53)
	data[12] = 17

	packet := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3}
	md, err := ParseMapData[flowKey](mapDataSample(data, 4, uint32(len(packet)), packet))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(md.Data, flowKey{0x0a000001, 0x0a000002, 1234, 53, 17}))
	qt.Assert(t, qt.Equals(md.Offset, 4))
	qt.Assert(t, qt.Equals(md.Size, 7))
	qt.Assert(t, qt.DeepEquals(md.Payload(), []byte{1, 2, 3}))
}

func TestParseMapDataWithoutPayload(t *testing.T) {
	data := make([]byte, 4)
	internal.NativeEndian.PutUint32(data, 42)

	md, err := ParseMapData[uint32](mapDataSample(data, 0, 0, nil))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(md.Data, 42))
	qt.Assert(t, qt.HasLen(md.Payload(), 0))
}

func TestParseMapDataMalformed(t *testing.T) {
	for _, sample := range [][]byte{
		nil,
		make([]byte, 11),
		mapDataSample(make([]byte, 4), 0, 64, []byte{1, 2}),
		mapDataSample(make([]byte, 4), 3, 2, []byte{1, 2}),
	} {
		_, err := ParseMapData[uint32](sample)
		qt.Assert(t, qt.ErrorIs(err, ErrMalformedMapData))
	}

	_, err := ParseMapData[string](make([]byte, 16))
	qt.Assert(t, qt.IsNotNil(err))
}
