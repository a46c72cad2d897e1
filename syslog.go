package nspool

import (
	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// SyslogHook is a logrus hook that forwards log entries to a syslog server.
type SyslogHook struct {
	writer *syslog.Writer
	levels []logrus.Level
}

var _ logrus.Hook = &SyslogHook{}

// SyslogOptions configure the connection to the syslog server.
type SyslogOptions struct {
	// "udp", "tcp", "unix". Defaults to the local syslog server if empty.
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag
	Tag string

	// Lowest level that is sent to syslog. Defaults to Info.
	Level logrus.Level
}

// NewSyslogHook connects to a syslog server and returns a hook that can be
// added to Log.
func NewSyslogHook(opt SyslogOptions) (*SyslogHook, error) {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		return nil, err
	}
	if opt.Level == logrus.PanicLevel {
		opt.Level = logrus.InfoLevel
	}
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= opt.Level {
			levels = append(levels, l)
		}
	}
	return &SyslogHook{writer: writer, levels: levels}, nil
}

// Levels returns the log levels forwarded to syslog.
func (h *SyslogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire sends one log entry to syslog with the severity matching its level.
func (h *SyslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.writer.Crit(line)
	case logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.InfoLevel:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

// Close the connection to the syslog server.
func (h *SyslogHook) Close() error {
	return h.writer.Close()
}
