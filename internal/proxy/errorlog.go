package proxy

import (
	"log"

	"github.com/sirupsen/logrus"
)

// newErrorLog routes net/http's own messages, mostly aborted handshakes,
// to debug level.
func newErrorLog(l logrus.FieldLogger, component string) *log.Logger {
	return log.New(l.WithField("component", component).WriterLevel(logrus.DebugLevel), "", 0)
}
