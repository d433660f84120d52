package ebpf

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/probelab/ebpf/internal"
	"github.com/probelab/ebpf/internal/sys"
)

// Errors returned by Map and MapIterator methods.
var (
	ErrKeyNotExist       = errors.New("key does not exist")
	ErrKeyExist          = errors.New("key already exists")
	ErrIterationAborted  = errors.New("iteration aborted")
	ErrMapCreateRejected = errors.New("map creation rejected")
	// ErrClosed is returned when using a handle after Close.
	ErrClosed = os.ErrClosed
)

// MapCreateError is returned when the kernel refuses to create a map.
type MapCreateError struct {
	Name  string
	Errno unix.Errno
}

func (mce *MapCreateError) Error() string {
	msg := fmt.Sprintf("map %s: create: %s", mce.Name, mce.Errno)
	switch mce.Errno {
	case unix.EPERM:
		msg += " (MEMLOCK may be too low, consider rlimit.RemoveMemlock)"
	case unix.EINVAL:
		msg += " (invalid type, size or flags)"
	}
	return msg
}

func (mce *MapCreateError) Unwrap() error {
	return mce.Errno
}

func (mce *MapCreateError) Is(target error) bool {
	return target == ErrMapCreateRejected
}

// Map represents a map in the kernel.
//
// A Map is a handle: closing it drops this process' reference, but the kernel
// keeps the map alive while a loaded program or a pin refers to it.
//
// Concurrent use of a Map is safe as far as the map type itself guarantees
// atomic access to a single entry.
type Map struct {
	name       string
	fd         *sys.FD
	typ        MapType
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	flags      uint32
	pinnedPath string
	// Per CPU maps return values larger than the size in the spec
	fullValueSize int
}

// NewMap creates a new Map.
//
// Prefer using a MapManager, which takes care of closing the map.
func NewMap(spec *MapSpec) (*Map, error) {
	if spec.Type == UnspecifiedMap {
		return nil, errors.Errorf("map %s: unspecified map type", spec.Name)
	}

	attr := sys.MapCreateAttr{
		MapType:    uint32(spec.Type),
		KeySize:    spec.KeySize,
		ValueSize:  spec.ValueSize,
		MaxEntries: spec.MaxEntries,
		MapFlags:   spec.Flags,
		MapName:    sys.NewObjName(sys.SanitizeName(spec.Name)),
	}

	fd, err := sys.MapCreate(&attr)
	if errors.Is(err, unix.EINVAL) && attr.MapName != (sys.ObjName{}) {
		// Kernels before 4.15 don't support object names.
		attr.MapName = sys.ObjName{}
		fd, err = sys.MapCreate(&attr)
	}
	if err != nil {
		return nil, &MapCreateError{Name: spec.Name, Errno: sys.Errno(err)}
	}

	return newMap(fd, spec.Name, spec.Type, spec.KeySize, spec.ValueSize, spec.MaxEntries, spec.Flags)
}

// LoadPinnedMap loads a Map from a bpffs.
//
// Returns an error if the pinned map doesn't match spec, unless spec is nil.
func LoadPinnedMap(fileName string, spec *MapSpec) (*Map, error) {
	fd, err := sys.ObjGet(fileName, 0)
	if err != nil {
		return nil, err
	}

	var info sys.MapInfo
	if err := sys.ObjGetInfoByFD(fd, unsafe.Pointer(&info), unsafe.Sizeof(info)); err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "pinned map %s", fileName)
	}

	name := filepath.Base(fileName)
	m, err := newMap(fd, name, MapType(info.Type), info.KeySize, info.ValueSize, info.MaxEntries, info.MapFlags)
	if err != nil {
		return nil, err
	}
	m.pinnedPath = fileName

	if spec != nil {
		if err := m.compatible(spec); err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "pinned map %s", fileName)
		}
		m.name = spec.Name
	}

	return m, nil
}

func newMap(fd *sys.FD, name string, typ MapType, keySize, valueSize, maxEntries, flags uint32) (*Map, error) {
	m := &Map{
		name:          name,
		fd:            fd,
		typ:           typ,
		keySize:       keySize,
		valueSize:     valueSize,
		maxEntries:    maxEntries,
		flags:         flags,
		fullValueSize: int(valueSize),
	}

	if !typ.hasPerCPUValue() {
		return m, nil
	}

	possibleCPUs, err := internal.PossibleCPUs()
	if err != nil {
		return nil, err
	}

	m.fullValueSize = int(internal.Align(valueSize, 8)) * possibleCPUs
	return m, nil
}

func (m *Map) compatible(spec *MapSpec) error {
	switch {
	case m.typ != spec.Type:
		return errors.Errorf("expected type %v, got %v", spec.Type, m.typ)
	case m.keySize != spec.KeySize:
		return errors.Errorf("expected key size %v, got %v", spec.KeySize, m.keySize)
	case m.valueSize != spec.ValueSize:
		return errors.Errorf("expected value size %v, got %v", spec.ValueSize, m.valueSize)
	case m.maxEntries != spec.MaxEntries:
		return errors.Errorf("expected max entries %v, got %v", spec.MaxEntries, m.maxEntries)
	case m.flags != spec.Flags:
		return errors.Errorf("expected flags %v, got %v", spec.Flags, m.flags)
	}
	return nil
}

func (m *Map) String() string {
	if m.name != "" {
		return fmt.Sprintf("%s(%s)#%v", m.typ, m.name, m.fd)
	}
	return fmt.Sprintf("%s#%v", m.typ, m.fd)
}

// Name returns the name of the map.
func (m *Map) Name() string { return m.name }

// Type returns the underlying type of the map.
func (m *Map) Type() MapType { return m.typ }

// KeySize returns the size of the map key in bytes.
func (m *Map) KeySize() uint32 { return m.keySize }

// ValueSize returns the size of the map value in bytes.
func (m *Map) ValueSize() uint32 { return m.valueSize }

// MaxEntries returns the maximum number of elements the map can hold.
func (m *Map) MaxEntries() uint32 { return m.maxEntries }

// Flags returns the flags of the map.
func (m *Map) Flags() uint32 { return m.flags }

// FD gets the file descriptor of the Map.
//
// Calling this function is invalid after Close has been called.
func (m *Map) FD() int {
	return m.fd.Int()
}

// Clone creates a duplicate of the Map.
//
// Closing the duplicate does not affect the original, and vice versa.
// Changes made to the map are reflected by both instances however.
//
// Cloning a nil Map returns nil.
func (m *Map) Clone() (*Map, error) {
	if m == nil {
		return nil, nil
	}

	dup, err := m.fd.Dup()
	if err != nil {
		return nil, errors.Wrap(err, "can't clone map")
	}

	cpy := *m
	cpy.fd = dup
	return &cpy, nil
}

// IsPinned returns true if the map has a non-empty pinned path.
func (m *Map) IsPinned() bool {
	return m.pinnedPath != ""
}

// Close the Map's underlying file descriptor, which could unload the
// Map from the kernel if it is not pinned or in use by a loaded Program.
func (m *Map) Close() error {
	if m == nil {
		// This makes it easier to clean up when iterating maps
		// of maps / programs.
		return nil
	}

	return m.fd.Close()
}

// Pin persists the map on the BPF virtual file system past the lifetime of
// the process that created it.
func (m *Map) Pin(fileName string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := sys.ObjPin(fileName, m.fd); err != nil {
		return err
	}
	m.pinnedPath = fileName
	return nil
}

// Unpin removes the persisted state for the map from the BPF virtual filesystem.
func (m *Map) Unpin() error {
	if m.pinnedPath == "" {
		return nil
	}
	if err := os.Remove(m.pinnedPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unpin map")
	}
	m.pinnedPath = ""
	return nil
}

func (m *Map) checkOpen() error {
	if m.fd.Int() < 0 {
		return errors.Wrapf(ErrClosed, "map %s", m.name)
	}
	return nil
}

// Lookup retrieves a value from a Map.
//
// Returns an error if the key doesn't exist, see ErrKeyNotExist.
//
// Per-CPU maps require valueOut to be a pointer to a slice, which receives
// one element per possible CPU.
func (m *Map) Lookup(key, valueOut any) error {
	if err := m.checkValueOut(valueOut); err != nil {
		return err
	}

	valueBytes := make([]byte, m.fullValueSize)
	if err := m.lookup(key, valueBytes); err != nil {
		return err
	}

	return m.unmarshalValue(valueOut, valueBytes)
}

// LookupBytes gets a value from Map.
//
// Returns a nil value if a key doesn't exist.
func (m *Map) LookupBytes(key any) ([]byte, error) {
	valueBytes := make([]byte, m.fullValueSize)
	err := m.lookup(key, valueBytes)
	if errors.Is(err, ErrKeyNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return valueBytes, nil
}

// LookupSum adds the values of every CPU for key.
//
// Only valid for per-CPU maps with integer values of 1, 2, 4 or 8 bytes.
func (m *Map) LookupSum(key any) (uint64, error) {
	if !m.typ.hasPerCPUValue() {
		return 0, errors.Errorf("map %s: %v is not a per-CPU map", m.name, m.typ)
	}

	valueBytes := make([]byte, m.fullValueSize)
	if err := m.lookup(key, valueBytes); err != nil {
		return 0, err
	}

	return sumPerCPU(valueBytes, int(m.valueSize))
}

func (m *Map) lookup(key any, valueOut []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	keyBytes, err := m.marshalKey(key)
	if err != nil {
		return errors.Wrap(err, "can't marshal key")
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(keyBytes),
		Value: sys.NewSlicePointer(valueOut),
	}
	if err := sys.MapLookupElem(&attr); err != nil {
		return errors.Wrap(wrapMapError(err), "lookup")
	}
	return nil
}

// Put replaces or creates a value in map.
//
// It is equivalent to calling Update with UpdateAny.
func (m *Map) Put(key, value any) error {
	return m.Update(key, value, UpdateAny)
}

// Update changes the value of a key.
func (m *Map) Update(key, value any, flags MapUpdateFlags) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	keyBytes, err := m.marshalKey(key)
	if err != nil {
		return errors.Wrap(err, "can't marshal key")
	}

	valueBytes, err := m.marshalValue(value)
	if err != nil {
		return errors.Wrap(err, "can't marshal value")
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(keyBytes),
		Value: sys.NewSlicePointer(valueBytes),
		Flags: uint64(flags),
	}
	if err := sys.MapUpdateElem(&attr); err != nil {
		return errors.Wrap(wrapMapError(err), "update")
	}
	return nil
}

// Delete removes a value.
//
// Returns ErrKeyNotExist if the key does not exist.
func (m *Map) Delete(key any) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	keyBytes, err := m.marshalKey(key)
	if err != nil {
		return errors.Wrap(err, "can't marshal key")
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(keyBytes),
	}
	if err := sys.MapDeleteElem(&attr); err != nil {
		return errors.Wrap(wrapMapError(err), "delete")
	}
	return nil
}

// NextKey finds the key following an initial key.
//
// See NextKeyBytes for details.
//
// Returns ErrKeyNotExist if there is no next key.
func (m *Map) NextKey(key, nextKeyOut any) error {
	if err := checkOutSize(nextKeyOut, int(m.keySize)); err != nil {
		return errors.Wrap(err, "next key")
	}

	nextKeyBytes := make([]byte, m.keySize)

	if err := m.nextKey(key, nextKeyBytes); err != nil {
		return err
	}

	if err := unmarshalBytes(nextKeyOut, nextKeyBytes); err != nil {
		return errors.Wrap(err, "can't unmarshal next key")
	}
	return nil
}

// NextKeyBytes returns the key following an initial key as a byte slice.
//
// Passing nil will return the first key.
//
// Use Iterate if you want to traverse all entries in the map.
//
// Returns nil if there are no more keys.
func (m *Map) NextKeyBytes(key any) ([]byte, error) {
	nextKey := make([]byte, m.keySize)
	err := m.nextKey(key, nextKey)
	if errors.Is(err, ErrKeyNotExist) {
		return nil, nil
	}

	return nextKey, err
}

func (m *Map) nextKey(key any, nextKeyOut []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	var keyPtr sys.Pointer
	if key != nil {
		keyBytes, err := m.marshalKey(key)
		if err != nil {
			return errors.Wrap(err, "can't marshal key")
		}
		keyPtr = sys.NewSlicePointer(keyBytes)
	}

	attr := sys.MapGetNextKeyAttr{
		MapFd:   m.fd.Uint(),
		Key:     keyPtr,
		NextKey: sys.NewSlicePointer(nextKeyOut),
	}
	if err := sys.MapGetNextKey(&attr); err != nil {
		return errors.Wrap(wrapMapError(err), "next key")
	}
	return nil
}

// Iterate traverses a map.
//
// It's safe to create multiple iterators at the same time. An iterator
// can't be rewound: call Iterate again to start from the beginning.
//
// It's not possible to guarantee that all keys in a map will be
// returned if there are concurrent modifications to the map.
func (m *Map) Iterate() *MapIterator {
	return newMapIterator(m)
}

// MapEntry is a raw key and value pair.
type MapEntry struct {
	Key, Value []byte
}

// All iterates the raw keys and values of the map.
//
// An error ends the iteration after being yielded with an empty entry.
func (m *Map) All() iter.Seq2[MapEntry, error] {
	return func(yield func(MapEntry, error) bool) {
		it := m.Iterate()
		var key, value []byte
		for it.Next(&key, &value) {
			if !yield(MapEntry{key, value}, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(MapEntry{}, err)
		}
	}
}

func (m *Map) marshalKey(data any) ([]byte, error) {
	return marshalBytes(data, int(m.keySize))
}

func (m *Map) marshalValue(data any) ([]byte, error) {
	if !m.typ.hasPerCPUValue() {
		return marshalBytes(data, int(m.valueSize))
	}

	if raw, ok := data.([]byte); ok {
		if len(raw) != m.fullValueSize {
			return nil, errors.Wrapf(ErrSizeMismatch, "per-CPU value of %d bytes instead of %d", len(raw), m.fullValueSize)
		}
		return raw, nil
	}

	return marshalPerCPUValue(data, int(m.valueSize))
}

func (m *Map) checkValueOut(valueOut any) error {
	var err error
	if m.typ.hasPerCPUValue() {
		if _, ok := valueOut.(*[]byte); ok {
			return nil
		}
		err = checkPerCPUOutSize(valueOut, int(m.valueSize))
	} else {
		err = checkOutSize(valueOut, int(m.valueSize))
	}
	return errors.Wrap(err, "lookup")
}

func (m *Map) unmarshalValue(value any, buf []byte) error {
	if value == nil {
		return nil
	}

	if m.typ.hasPerCPUValue() {
		if raw, ok := value.(*[]byte); ok {
			*raw = buf
			return nil
		}
		return unmarshalPerCPUValue(value, int(m.valueSize), buf)
	}

	return unmarshalBytes(value, buf)
}

// wrapMapError turns common errnos into the package's sentinel errors while
// keeping the errno reachable.
func wrapMapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, unix.ENOENT) {
		return sys.Error(ErrKeyNotExist, unix.ENOENT)
	}

	if errors.Is(err, unix.EEXIST) {
		return sys.Error(ErrKeyExist, unix.EEXIST)
	}

	return err
}

// MapIterator iterates a Map.
//
// See Map.Iterate.
type MapIterator struct {
	target            *Map
	prevKey           any
	prevBytes         []byte
	count, maxEntries uint32
	done              bool
	err               error
}

func newMapIterator(target *Map) *MapIterator {
	return &MapIterator{
		target:     target,
		maxEntries: target.maxEntries,
		prevBytes:  make([]byte, target.keySize),
	}
}

// Next decodes the next key and value.
//
// Iterating a hash map from which keys are being deleted is not
// safe. You may see the same key multiple times. Iteration may
// also abort with ErrIterationAborted.
//
// Returns false if there are no more entries. You must check
// the result of Err afterwards.
//
// See Map.Lookup for further caveats around valueOut.
func (mi *MapIterator) Next(keyOut, valueOut any) bool {
	if mi.err != nil || mi.done {
		return false
	}

	// For array-like maps NextKeyBytes returns nil only after maxEntries
	// iterations.
	for mi.count <= mi.maxEntries {
		var nextBytes []byte
		nextBytes, mi.err = mi.target.NextKeyBytes(mi.prevKey)
		if mi.err != nil {
			return false
		}

		if nextBytes == nil {
			mi.done = true
			return false
		}

		// The user can get access to nextBytes since unmarshalBytes
		// does not copy when unmarshaling into a []byte.
		// Make a copy to prevent accidental corruption of
		// iterator state.
		copy(mi.prevBytes, nextBytes)
		mi.prevKey = mi.prevBytes

		mi.count++
		mi.err = mi.target.Lookup(nextBytes, valueOut)
		if errors.Is(mi.err, ErrKeyNotExist) {
			// Even though the key should be valid, we couldn't look up
			// its value. If we're iterating a hash map this is probably
			// because a concurrent delete removed the value before we
			// could get it. This means that the next call to NextKeyBytes
			// is very likely to restart iteration.
			// If we're iterating one of the fd maps like
			// ProgramArray it means that a given slot doesn't have
			// a valid fd associated. It's OK to continue to the next slot.
			continue
		}
		if mi.err != nil {
			return false
		}

		mi.err = unmarshalBytes(keyOut, nextBytes)
		return mi.err == nil
	}

	mi.err = errors.Wrapf(ErrIterationAborted, "%d iterations", mi.maxEntries)
	return false
}

// Err returns any encountered error.
//
// The method must be called after Next returns false.
//
// Returns ErrIterationAborted if it wasn't possible to do a full iteration.
func (mi *MapIterator) Err() error {
	return mi.err
}
