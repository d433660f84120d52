package internal

import (
	"github.com/sirupsen/logrus"
)

// Logger returns l, or the logrus standard logger if l is nil.
func Logger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
