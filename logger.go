package pscompat

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// StdLogger is the interface the subsystems use to log through. It is
// satisfied by *log.Logger, mirroring the teacher's exported
// sarama.Logger so an embedding application can redirect it, but the
// default implementation underneath is a named *logrus.Logger the way
// getsops-sops wires up its per-package loggers.
type StdLogger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

var (
	loggersMu sync.Mutex
	loggers   = make(map[string]*logrus.Logger)
)

// NewLogger returns the named logger, creating it on first use. Every
// component that logs (ledger, dispatch, lease, pull, autocommit,
// subscriber) gets its own, so a log line's component is evident from
// which logger emitted it instead of being parsed out of the message.
func NewLogger(name string) *logrus.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[name]; ok {
		return l
	}
	l := logrus.New()
	l.Out = os.Stderr
	l.SetLevel(logrus.WarnLevel)
	l.Formatter = &componentFormatter{component: name}
	loggers[name] = l
	return l
}

// SetLogLevel sets the level on every logger created so far, the way
// getsops-sops/logging.SetLevel fans a level change out to all named
// loggers at once.
func SetLogLevel(level logrus.Level) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		l.SetLevel(level)
	}
}

type componentFormatter struct {
	component string
	logrus.TextFormatter
}

func (f *componentFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Message = "[" + f.component + "] " + entry.Message
	return f.TextFormatter.Format(entry)
}
