package internal

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// PossibleCPUs returns the max number of CPUs a system may possibly have.
// Logical CPU numbers must be of the form 0-n.
var PossibleCPUs = sync.OnceValues(func() (int, error) {
	return parseCPUsFromFile("/sys/devices/system/cpu/possible")
})

func parseCPUsFromFile(path string) (int, error) {
	spec, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	n, err := parseCPUs(string(spec))
	if err != nil {
		return 0, errors.Wrapf(err, "can't parse %s", path)
	}

	return n, nil
}

// parseCPUs parses the number of cpus from a string produced
// by bitmap_list_string() in the Linux kernel.
// Multiple ranges are rejected, since they can't be unified
// into a single number.
// This is the format of /sys/devices/system/cpu/possible.
func parseCPUs(spec string) (int, error) {
	if strings.Trim(spec, "\n") == "0" {
		return 1, nil
	}

	var low, high int
	n, err := scanRange(strings.TrimSpace(spec), &low, &high)
	if n != 2 || err != nil {
		return 0, errors.Errorf("invalid format: %s", spec)
	}
	if low != 0 {
		return 0, errors.Errorf("CPU spec doesn't start at zero: %s", spec)
	}

	// cpus is 0 indexed
	return high + 1, nil
}

func scanRange(spec string, low, high *int) (int, error) {
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, errors.New("missing range")
	}

	var err error
	if *low, err = strconv.Atoi(first); err != nil {
		return 0, err
	}
	if *high, err = strconv.Atoi(last); err != nil {
		return 1, err
	}
	return 2, nil
}
