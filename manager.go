package ebpf

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/probelab/ebpf/internal"
)

// MapOptions - Options shared by every map created through a MapManager
type MapOptions struct {
	// PinPath - Directory on a bpffs where maps with PinByName are pinned. If a map of the same name is already
	// pinned there, it is reused instead of created.
	PinPath string

	// Logger - Receives debug entries about map creation. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// MapManager - Registry of the maps created for one object, indexed by their position in the object
type MapManager struct {
	opts   MapOptions
	log    logrus.FieldLogger
	maps   map[int]*Map
	byName map[string]*Map
}

// NewMapManager - Returns an empty map registry
func NewMapManager(opts MapOptions) *MapManager {
	return &MapManager{
		opts:   opts,
		log:    internal.Logger(opts.Logger),
		maps:   make(map[int]*Map),
		byName: make(map[string]*Map),
	}
}

// Create - Creates the map described by spec and registers it under spec.Index. A rejected creation leaves the
// manager usable.
func (mm *MapManager) Create(spec *MapSpec) (*Map, error) {
	if _, ok := mm.maps[spec.Index]; ok {
		return nil, errors.Errorf("map %s: index %d already in use", spec.Name, spec.Index)
	}

	var (
		m   *Map
		err error
	)
	pinned := false
	if spec.Pinning == PinByName && mm.opts.PinPath != "" {
		m, err = mm.loadPinned(spec)
		if err != nil {
			return nil, err
		}
		pinned = m != nil
	}

	if m == nil {
		m, err = NewMap(spec)
		if err != nil {
			return nil, err
		}
		if spec.Pinning == PinByName && mm.opts.PinPath != "" {
			if err := m.Pin(filepath.Join(mm.opts.PinPath, spec.Name)); err != nil {
				m.Close()
				return nil, errors.Wrapf(err, "map %s: pin", spec.Name)
			}
		}
	}

	mm.maps[spec.Index] = m
	mm.byName[spec.Name] = m
	mm.log.WithFields(logrus.Fields{
		"map":    spec.Name,
		"type":   spec.Type,
		"fd":     m.FD(),
		"pinned": pinned,
	}).Debug("map created")

	return m, nil
}

// loadPinned - Returns a nil map if nothing is pinned under the map's name
func (mm *MapManager) loadPinned(spec *MapSpec) (*Map, error) {
	path := filepath.Join(mm.opts.PinPath, spec.Name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	m, err := LoadPinnedMap(path, spec)
	if err != nil {
		return nil, errors.Wrapf(err, "map %s: reuse pin", spec.Name)
	}
	return m, nil
}

// Map - Returns the map registered at index, or nil
func (mm *MapManager) Map(index int) *Map {
	return mm.maps[index]
}

// MapByName - Returns the map with the given name, or nil
func (mm *MapManager) MapByName(name string) *Map {
	return mm.byName[name]
}

// MapFD - Implements MapTable
func (mm *MapManager) MapFD(index int) (int, bool) {
	m, ok := mm.maps[index]
	if !ok {
		return 0, false
	}
	fd := m.FD()
	return fd, fd > 0
}

// Close - Closes every registered map. Maps created with PinByName stay pinned.
func (mm *MapManager) Close() error {
	var result *multierror.Error
	for index, m := range mm.maps {
		if err := m.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "map %s", m.Name()))
		}
		delete(mm.maps, index)
	}
	clear(mm.byName)
	return result.ErrorOrNil()
}
