// Package tracefs creates and reads trace events through the kernel's
// tracing file system.
package tracefs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrInvalidInput = errors.New("invalid input")

// Root returns the mount point of tracefs.
//
// Since kernel 4.1 tracefs should be mounted by default at /sys/kernel/tracing,
// but may be also be available at /sys/kernel/debug/tracing if debugfs is mounted.
var Root = sync.OnceValues(func() (string, error) {
	for _, p := range []struct {
		path   string
		fsType int64
	}{
		{"/sys/kernel/tracing", unix.TRACEFS_MAGIC},
		{"/sys/kernel/debug/tracing", unix.TRACEFS_MAGIC},
		// RHEL/CentOS
		{"/sys/kernel/debug/tracing", unix.DEBUGFS_MAGIC},
	} {
		var statfs unix.Statfs_t
		if err := unix.Statfs(p.path, &statfs); err == nil && int64(statfs.Type) == p.fsType {
			return p.path, nil
		}
	}

	return "", errors.Wrap(os.ErrNotExist, "neither debugfs nor tracefs are mounted")
})

// sanitizePath joins path onto the tracefs root and makes sure the result
// doesn't escape it.
func sanitizePath(path ...string) (string, error) {
	base, err := Root()
	if err != nil {
		return "", err
	}
	return joinPath(base, path...)
}

func joinPath(base string, path ...string) (string, error) {
	l := filepath.Join(path...)
	p := filepath.Join(base, l)
	if !strings.HasPrefix(p, base) {
		return "", errors.Wrapf(ErrInvalidInput, "path '%s' attempts to escape base path '%s'", l, base)
	}
	return p, nil
}

// EventID reads a trace event's ID from tracefs given its group and name.
//
// Returns an error wrapping os.ErrNotExist if there is no such event.
func EventID(group, name string) (uint64, error) {
	if !validIdentifier(group) || !validIdentifier(name) {
		return 0, errors.Wrapf(ErrInvalidInput, "trace event %s/%s", group, name)
	}

	path, err := sanitizePath("events", group, name, "id")
	if err != nil {
		return 0, err
	}

	return readID(path)
}

func readID(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read trace event id")
	}

	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse trace event id of %s", path)
	}
	if id == 0 {
		return 0, errors.Errorf("%s: invalid id 0", path)
	}
	return id, nil
}

// validIdentifier implements the equivalent of a regex match
// against "^[a-zA-Z_][0-9a-zA-Z_-]*$".
//
// Trace event groups, names and kernel symbols must adhere to this set of
// characters. Non-empty, first character must not be a number or a dash, all
// characters must be alphanumeric, underscore or dash.
func validIdentifier(s string) bool {
	if len(s) < 1 {
		return false
	}
	for i, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case i > 0 && c == '-':
		case i > 0 && c >= '0' && c <= '9':

		default:
			return false
		}
	}

	return true
}

// sanitizeIdentifier replaces every invalid character for the tracefs api with an underscore.
//
// It is equivalent to calling regexp.MustCompile("[^a-zA-Z0-9]+").ReplaceAllString("_").
func sanitizeIdentifier(s string) string {
	var skip bool
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9':
			skip = false
			return c

		case skip:
			return -1

		default:
			skip = true
			return '_'
		}
	}, s)
}
