// Package klog is the keeper's logging facade. It wraps logrus the way the
// teacher's cluster.LogPrintf(level, fmt, args...) wraps its own logger: one
// place to stamp component/node/group fields, one place to decide format.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Level mirrors the teacher's LvlInfo/LvlWarn/LvlErr/LvlDbg constants.
type Level = logrus.Level

const (
	LvlDbg  Level = logrus.DebugLevel
	LvlInfo Level = logrus.InfoLevel
	LvlWarn Level = logrus.WarnLevel
	LvlErr  Level = logrus.ErrorLevel
	LvlFatal Level = logrus.FatalLevel
)

var root = logrus.New()

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetVerbose raises the root logger to debug level. Bound to the
// PG_AUTOCTL_DEBUG environment variable at startup; never toggled again
// except on SIGHUP reload.
func SetVerbose(v bool) {
	if v {
		root.SetLevel(logrus.DebugLevel)
	} else {
		root.SetLevel(logrus.InfoLevel)
	}
}

// EnableSyslog attaches a syslog hook, matching the teacher's
// lSyslog.NewSyslogHook usage for operators who redirect daemon logs.
func EnableSyslog(tag string) error {
	hook, err := lSyslog.NewSyslogHook("", "", 0, tag)
	if err != nil {
		return err
	}
	root.AddHook(hook)
	return nil
}

// For is the entry point components use to get a scoped logger, analogous to
// the teacher stamping "cluster" name into every log line.
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}

// ForNode scopes a logger to a specific node/group pair, used throughout the
// node-active loop and FSM once the keeper has registered.
func ForNode(component string, nodeID int64, groupID int) *logrus.Entry {
	return root.WithFields(logrus.Fields{
		"component": component,
		"node_id":   nodeID,
		"group_id":  groupID,
	})
}
