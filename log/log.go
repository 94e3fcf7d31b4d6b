// Package log centralizes the structured logger used across every core
// component. Each component asks for its own named entry so verbosity and
// fields (thread id, tick, address) stay consistent without each package
// constructing its own logrus instance.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.WarnLevel)
	return l
}

// For returns a component-scoped logger, e.g. log.For("asm"), log.For("dispatch").
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}

// SetVerbosity maps the embedder-facing 0..3 verbosity knob onto logrus
// levels: 0=warn, 1=info, 2=debug, 3=trace.
func SetVerbosity(v int) {
	switch {
	case v <= 0:
		root.SetLevel(logrus.WarnLevel)
	case v == 1:
		root.SetLevel(logrus.InfoLevel)
	case v == 2:
		root.SetLevel(logrus.DebugLevel)
	default:
		root.SetLevel(logrus.TraceLevel)
	}
}
