// Package log provides loggers for worklet components.
package log

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var debug bool

// Logger is a global interface for worklet loggers.
type Logger interface {
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})
}

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("WORKLET_DEBUG"))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// WithComponent returns logger that tags entries with component name.
func WithComponent(l *logrus.Logger, name string) Logger {
	return l.WithField("component", name)
}

// Once reports only the first of repeated problems. It's safe to use from
// the rendering context: no allocation happens after the first report.
type Once struct {
	done uint32
}

// Error logs args if nothing was reported yet and returns true in this case.
func (o *Once) Error(l Logger, args ...interface{}) bool {
	if atomic.LoadUint32(&o.done) == 1 || !atomic.CompareAndSwapUint32(&o.done, 0, 1) {
		return false
	}
	l.Error(args...)
	return true
}

// Warn logs args with warning level if nothing was reported yet.
func (o *Once) Warn(l Logger, args ...interface{}) bool {
	if atomic.LoadUint32(&o.done) == 1 || !atomic.CompareAndSwapUint32(&o.done, 0, 1) {
		return false
	}
	l.Warn(args...)
	return true
}

// Reported returns true if Once already logged.
func (o *Once) Reported() bool {
	return atomic.LoadUint32(&o.done) == 1
}
