//go:build !windows

package alertsink

import (
	"context"
	"log/syslog"
)

// SyslogSink writes notifications to the local syslog daemon, using
// LOG_ALERT for alerts and LOG_INFO for OK status lines, matching the
// source's priority split.
type SyslogSink struct {
	w *syslog.Writer
}

func NewSyslogSink(tag string) (*SyslogSink, error) {
	w, err := syslog.New(syslog.LOG_LOCAL0, tag)
	if err != nil {
		return nil, err
	}
	return &SyslogSink{w: w}, nil
}

func (s *SyslogSink) Notify(_ context.Context, n Notification) error {
	line := formatLine(n)
	if n.Status == StatusAlert {
		return s.w.Alert(line)
	}
	return s.w.Info(line)
}

func (s *SyslogSink) Close() error { return s.w.Close() }
