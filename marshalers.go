package ebpf

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"io"
	"reflect"

	"github.com/pkg/errors"

	"github.com/probelab/ebpf/internal"
)

// ErrSizeMismatch is returned when a key or value doesn't have the size
// declared by the map. No system call is made in that case.
var ErrSizeMismatch = errors.New("size mismatch")

func marshalBytes(data any, length int) (buf []byte, err error) {
	switch value := data.(type) {
	case encoding.BinaryMarshaler:
		buf, err = value.MarshalBinary()
	case string:
		buf = []byte(value)
	case []byte:
		buf = value
	case nil:
		if length == 0 {
			return nil, nil
		}
		return nil, errors.Wrap(ErrSizeMismatch, "nil key or value")
	default:
		var wr bytes.Buffer
		if err := binary.Write(&wr, internal.NativeEndian, value); err != nil {
			return nil, errors.Wrapf(err, "encoding %T", value)
		}
		buf = wr.Bytes()
	}
	if err != nil {
		return nil, err
	}

	if len(buf) != length {
		return nil, errors.Wrapf(ErrSizeMismatch, "%T marshals to %d bytes instead of %d", data, len(buf), length)
	}
	return buf, nil
}

func unmarshalBytes(data any, buf []byte) error {
	switch value := data.(type) {
	case encoding.BinaryUnmarshaler:
		return value.UnmarshalBinary(buf)
	case *string:
		*value = string(buf)
		return nil
	case *[]byte:
		*value = buf
		return nil
	case string:
		return errors.New("require pointer to string")
	case []byte:
		return errors.New("require pointer to []byte")
	default:
		rd := bytes.NewReader(buf)
		err := binary.Read(rd, internal.NativeEndian, value)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.Wrapf(ErrSizeMismatch, "%T needs more than %d bytes", value, len(buf))
		}
		if err != nil {
			return errors.Wrapf(err, "decoding %T", value)
		}
		if rd.Len() != 0 {
			return errors.Wrapf(ErrSizeMismatch, "%T doesn't consume all %d bytes", value, len(buf))
		}
		return nil
	}
}

// checkOutSize rejects fixed size outputs which don't decode exactly length
// bytes. Outputs without a fixed size are checked while decoding.
func checkOutSize(out any, length int) error {
	switch out.(type) {
	case nil, encoding.BinaryUnmarshaler, *string, *[]byte:
		return nil
	}

	if n := binary.Size(out); n >= 0 && n != length {
		return errors.Wrapf(ErrSizeMismatch, "%T is %d bytes instead of %d", out, n, length)
	}
	return nil
}

// checkPerCPUOutSize is like checkOutSize for the elements of a per-CPU
// output, which must be a pointer to a slice.
func checkPerCPUOutSize(slicePtr any, elemLength int) error {
	typ := reflect.TypeOf(slicePtr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Slice {
		return nil
	}

	elemType := typ.Elem().Elem()
	if elemType.Kind() == reflect.Ptr {
		elemType = elemType.Elem()
	}
	return checkOutSize(reflect.New(elemType).Interface(), elemLength)
}

// marshalPerCPUValue encodes a slice containing one value per
// possible CPU into a buffer of bytes.
//
// Values are initialized to zero if the slice has less elements than CPUs.
//
// slice must have a type like []elementType
func marshalPerCPUValue(slice any, elemLength int) ([]byte, error) {
	sliceType := reflect.TypeOf(slice)
	if sliceType == nil || sliceType.Kind() != reflect.Slice {
		return nil, errors.New("per-CPU value requires slice")
	}

	possibleCPUs, err := internal.PossibleCPUs()
	if err != nil {
		return nil, err
	}

	sliceValue := reflect.ValueOf(slice)
	sliceLen := sliceValue.Len()
	if sliceLen > possibleCPUs {
		return nil, errors.Wrapf(ErrSizeMismatch, "per-CPU value has %d elements for %d CPUs", sliceLen, possibleCPUs)
	}

	alignedElemLength := internal.Align(elemLength, 8)
	buf := make([]byte, alignedElemLength*possibleCPUs)

	for i := 0; i < sliceLen; i++ {
		elem := sliceValue.Index(i).Interface()
		elemBytes, err := marshalBytes(elem, elemLength)
		if err != nil {
			return nil, errors.Wrapf(err, "cpu %d", i)
		}

		offset := i * alignedElemLength
		copy(buf[offset:offset+elemLength], elemBytes)
	}

	return buf, nil
}

// unmarshalPerCPUValue decodes a buffer into a slice containing one value per
// possible CPU.
//
// valueOut must have a type like *[]elementType
func unmarshalPerCPUValue(slicePtr any, elemLength int, buf []byte) error {
	slicePtrType := reflect.TypeOf(slicePtr)
	if slicePtrType == nil || slicePtrType.Kind() != reflect.Ptr || slicePtrType.Elem().Kind() != reflect.Slice {
		return errors.Errorf("per-cpu value requires pointer to slice")
	}

	possibleCPUs, err := internal.PossibleCPUs()
	if err != nil {
		return err
	}

	sliceType := slicePtrType.Elem()
	slice := reflect.MakeSlice(sliceType, possibleCPUs, possibleCPUs)

	sliceElemType := sliceType.Elem()
	sliceElemIsPointer := sliceElemType.Kind() == reflect.Ptr
	if sliceElemIsPointer {
		sliceElemType = sliceElemType.Elem()
	}

	step := len(buf) / possibleCPUs
	if step < elemLength {
		return errors.Errorf("per-cpu element length is larger than available data")
	}
	for i := 0; i < possibleCPUs; i++ {
		var elem any
		if sliceElemIsPointer {
			newElem := reflect.New(sliceElemType)
			slice.Index(i).Set(newElem)
			elem = newElem.Interface()
		} else {
			elem = slice.Index(i).Addr().Interface()
		}

		// Make a copy, since unmarshal can hold on to itemBytes
		elemBytes := make([]byte, elemLength)
		copy(elemBytes, buf[:elemLength])

		err := unmarshalBytes(elem, elemBytes)
		if err != nil {
			return errors.Wrapf(err, "cpu %d", i)
		}

		buf = buf[step:]
	}

	reflect.ValueOf(slicePtr).Elem().Set(slice)
	return nil
}

// sumPerCPU adds up unsigned integer values of every CPU.
func sumPerCPU(buf []byte, elemLength int) (uint64, error) {
	possibleCPUs, err := internal.PossibleCPUs()
	if err != nil {
		return 0, err
	}

	step := internal.Align(elemLength, 8)
	if len(buf) < step*possibleCPUs {
		return 0, errors.Wrapf(ErrSizeMismatch, "buffer of %d bytes for %d CPUs", len(buf), possibleCPUs)
	}

	var sum uint64
	for i := 0; i < possibleCPUs; i++ {
		elem := buf[i*step : i*step+elemLength]
		switch elemLength {
		case 1:
			sum += uint64(elem[0])
		case 2:
			sum += uint64(internal.NativeEndian.Uint16(elem))
		case 4:
			sum += uint64(internal.NativeEndian.Uint32(elem))
		case 8:
			sum += internal.NativeEndian.Uint64(elem)
		default:
			return 0, errors.Errorf("can't sum values of %d bytes", elemLength)
		}
	}
	return sum, nil
}
