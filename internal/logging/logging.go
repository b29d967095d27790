// Package logging configures the shared logrus logger used by every
// component, following the same logrus + prefixed-formatter pairing used by
// github.com/bbnote/gostlink.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var root = logrus.New()

func init() {
	root.Out = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		root.Formatter = &prefixed.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		}
	} else {
		root.Formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		}
	}
	root.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the verbosity of every component logger.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}

// For returns a component-scoped logger, e.g. logging.For("rtt").
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}
