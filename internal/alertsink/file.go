package alertsink

import (
	"context"
	"os"
)

// FileSink appends notification lines to a file polled by an external
// monitoring agent (the source's "hobbit" interface). Unlike SyslogSink,
// it also writes OK lines: the polling agent needs a steady heartbeat to
// tell "quiet" from "dead".
type FileSink struct {
	f *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Notify(_ context.Context, n Notification) error {
	_, err := s.f.WriteString(formatLine(n))
	return err
}

func (s *FileSink) Close() error { return s.f.Close() }
