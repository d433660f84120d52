package ebpf

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// CollectionOptions control loading a collection into the kernel.
type CollectionOptions struct {
	Maps     MapOptions
	Programs ProgramOptions
}

// Collection holds the maps and programs loaded from an object, keyed by
// name.
type Collection struct {
	programs map[string]*Program
	maps     *MapManager
}

// NewCollection creates all maps of obj, resolves map references of every
// program and loads them.
//
// obj is not modified: programs are resolved on a copy. On error every
// object created so far is released again.
func NewCollection(obj *Object, opts CollectionOptions) (*Collection, error) {
	if opts.Maps.Logger == nil {
		opts.Maps.Logger = opts.Programs.Logger
	}

	maps := NewMapManager(opts.Maps)
	coll := &Collection{
		programs: make(map[string]*Program),
		maps:     maps,
	}

	for _, spec := range obj.Maps {
		if _, err := maps.Create(spec); err != nil {
			coll.Close()
			return nil, err
		}
	}

	for _, spec := range obj.Programs {
		if _, ok := coll.programs[spec.Name]; ok {
			coll.Close()
			return nil, errors.Errorf("program %s: duplicate name", spec.Name)
		}

		spec = spec.Copy()
		if err := Resolve(spec, maps); err != nil {
			coll.Close()
			return nil, errors.Wrapf(err, "program %s", spec.Name)
		}

		prog, err := NewProgramWithOptions(spec, opts.Programs)
		if err != nil {
			coll.Close()
			return nil, err
		}
		coll.programs[spec.Name] = prog
	}

	return coll, nil
}

// NewCollectionFromFile loads the object at file.
func NewCollectionFromFile(file string, opts CollectionOptions) (*Collection, error) {
	obj, err := LoadObjectFromFile(file)
	if err != nil {
		return nil, err
	}
	return NewCollection(obj, opts)
}

// Close frees all programs and maps associated with the collection.
//
// Programs are closed first, in name order, then the maps. The collection
// mustn't be used afterwards.
func (coll *Collection) Close() error {
	var result *multierror.Error
	for _, name := range coll.programNames() {
		if err := coll.programs[name].Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "program %s", name))
		}
		delete(coll.programs, name)
	}
	if err := coll.maps.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (coll *Collection) programNames() []string {
	names := make([]string, 0, len(coll.programs))
	for name := range coll.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns the map with the given name, or nil.
func (coll *Collection) Map(name string) *Map {
	return coll.maps.MapByName(name)
}

// Program returns the program with the given name, or nil.
func (coll *Collection) Program(name string) *Program {
	return coll.programs[name]
}

// Programs returns all programs of the collection, by name.
func (coll *Collection) Programs() map[string]*Program {
	progs := make(map[string]*Program, len(coll.programs))
	for name, prog := range coll.programs {
		progs[name] = prog
	}
	return progs
}

// Pin keeps the collection alive after the process exits.
//
// This requires bpffs to be mounted at or above dirName.
func (coll *Collection) Pin(dirName string, fileMode os.FileMode) error {
	err := mkdirIfNotExists(dirName, fileMode)
	if err != nil {
		return err
	}
	if len(coll.maps.byName) > 0 {
		mapPath := filepath.Join(dirName, "maps")
		err = mkdirIfNotExists(mapPath, fileMode)
		if err != nil {
			return err
		}
		for k, v := range coll.maps.byName {
			if v.IsPinned() {
				continue
			}
			err := v.Pin(filepath.Join(mapPath, k))
			if err != nil {
				return errors.Wrapf(err, "map %s", k)
			}
		}
	}
	if len(coll.programs) > 0 {
		progPath := filepath.Join(dirName, "programs")
		err = mkdirIfNotExists(progPath, fileMode)
		if err != nil {
			return err
		}
		for k, v := range coll.programs {
			err = v.Pin(filepath.Join(progPath, k))
			if err != nil {
				return errors.Wrapf(err, "program %s", k)
			}
		}
	}
	return nil
}

func mkdirIfNotExists(dirName string, fileMode os.FileMode) error {
	_, err := os.Stat(dirName)
	if err != nil && os.IsNotExist(err) {
		err = os.Mkdir(dirName, fileMode)
	}
	if err != nil {
		return err
	}
	return nil
}

// LoadCollection loads a Collection from a directory written by Pin.
//
// The object is needed to check the pinned maps and to recover the kind,
// section and attach point of every program, which the kernel doesn't keep.
func LoadCollection(dirName string, obj *Object) (*Collection, error) {
	maps, err := readFileNames(filepath.Join(dirName, "maps"))
	if err != nil {
		return nil, err
	}
	progs, err := readFileNames(filepath.Join(dirName, "programs"))
	if err != nil {
		return nil, err
	}

	coll := &Collection{
		maps:     NewMapManager(MapOptions{}),
		programs: make(map[string]*Program),
	}
	for _, name := range maps {
		spec := obj.Map(name)
		if spec == nil {
			coll.Close()
			return nil, errors.Errorf("map %s: not part of the object", name)
		}
		m, err := LoadPinnedMap(filepath.Join(dirName, "maps", name), spec)
		if err != nil {
			coll.Close()
			return nil, errors.Wrapf(err, "map %s", name)
		}
		coll.maps.maps[spec.Index] = m
		coll.maps.byName[name] = m
	}
	for _, name := range progs {
		spec := obj.Program(name)
		if spec == nil {
			coll.Close()
			return nil, errors.Errorf("program %s: not part of the object", name)
		}
		prog, err := LoadPinnedProgram(filepath.Join(dirName, "programs", name), spec.Kind)
		if err != nil {
			coll.Close()
			return nil, errors.Wrapf(err, "program %s", name)
		}
		prog.name = spec.Name
		prog.section = spec.SectionName
		prog.attachType = spec.AttachType
		prog.attachTo = spec.AttachTo
		coll.programs[name] = prog
	}
	return coll, nil
}

func readFileNames(dirName string) ([]string, error) {
	entries, err := os.ReadDir(dirName)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fileNames := make([]string, 0, len(entries))
	for _, entry := range entries {
		fileNames = append(fileNames, entry.Name())
	}
	return fileNames, nil
}
