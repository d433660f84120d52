package perf

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf/internal"
)

// ErrMalformedMapData is returned when a sample doesn't hold a valid
// MapData layout.
var ErrMalformedMapData = errors.New("malformed map data")

// MapData is a sample made of a fixed size value followed by bytes of the
// packet which triggered it. XDP programs emit it by passing the packet
// length in the upper bits of the flags of bpf_perf_event_output.
//
// The layout in the sample is the value, padded to four bytes, followed by
// two uint32 fields offset and size and then size bytes of packet. Offset
// marks where the interesting part of the packet starts.
type MapData[T any] struct {
	Data   T
	Offset uint32
	Size   uint32

	packet []byte
}

// Payload returns the packet bytes after Offset. It aliases the sample.
func (md *MapData[T]) Payload() []byte {
	return md.packet[md.Offset:]
}

// ParseMapData decodes the RawSample of a record into a MapData.
//
// T must have a fixed, non-zero size, see encoding/binary. Padding which
// the compiler inserts between fields of the C type must be spelled out as
// fields of T.
func ParseMapData[T any](sample []byte) (*MapData[T], error) {
	var md MapData[T]

	dataSize := binary.Size(&md.Data)
	if dataSize <= 0 {
		return nil, errors.Errorf("%T doesn't have a fixed size", md.Data)
	}

	header := internal.Align(dataSize, 4)
	if len(sample) < header+8 {
		return nil, errors.Wrapf(ErrMalformedMapData, "sample of %d bytes is shorter than the %d byte header", len(sample), header+8)
	}

	if err := binary.Read(bytes.NewReader(sample[:dataSize]), internal.NativeEndian, &md.Data); err != nil {
		return nil, errors.Wrapf(err, "decoding %T", md.Data)
	}
	md.Offset = internal.NativeEndian.Uint32(sample[header:])
	md.Size = internal.NativeEndian.Uint32(sample[header+4:])

	packet := sample[header+8:]
	if uint64(md.Size) > uint64(len(packet)) {
		return nil, errors.Wrapf(ErrMalformedMapData, "payload of %d bytes exceeds the %d bytes left", md.Size, len(packet))
	}
	if md.Offset > md.Size {
		return nil, errors.Wrapf(ErrMalformedMapData, "offset %d is past the payload of %d bytes", md.Offset, md.Size)
	}
	md.packet = packet[:md.Size]

	return &md, nil
}
