package testutils

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/probelab/ebpf/rlimit"
)

func init() {
	// Increase the memlock for all tests unconditionally. It's a great source of
	// weird bugs, since different distros have different default limits.
	if err := rlimit.RemoveMemlock(); err != nil && os.Geteuid() == 0 {
		logrus.WithError(err).Warn("Failed to adjust rlimit, tests may fail")
	}
}
