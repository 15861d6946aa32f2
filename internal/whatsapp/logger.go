package whatsapp

import (
	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// logAdapter bridges whatsmeow's logger to logrus with its own minimum
// level, so protocol chatter can stay quiet while the service logs at info.
type logAdapter struct {
	entry *logrus.Entry
	min   logrus.Level
}

func newLogAdapter(entry *logrus.Entry, level string) waLog.Logger {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	return logAdapter{entry: entry, min: lvl}
}

func (l logAdapter) logf(level logrus.Level, msg string, args []interface{}) {
	if level > l.min {
		return
	}
	l.entry.Logf(level, msg, args...)
}

func (l logAdapter) Errorf(msg string, args ...interface{}) { l.logf(logrus.ErrorLevel, msg, args) }
func (l logAdapter) Warnf(msg string, args ...interface{})  { l.logf(logrus.WarnLevel, msg, args) }
func (l logAdapter) Infof(msg string, args ...interface{})  { l.logf(logrus.InfoLevel, msg, args) }
func (l logAdapter) Debugf(msg string, args ...interface{}) { l.logf(logrus.DebugLevel, msg, args) }

func (l logAdapter) Sub(module string) waLog.Logger {
	if parent, ok := l.entry.Data["module"].(string); ok && parent != "" {
		module = parent + "/" + module
	}
	return logAdapter{entry: l.entry.WithField("module", module), min: l.min}
}
