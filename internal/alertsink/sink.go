// Package alertsink fans a detection verdict out to the configured
// notification surfaces: syslog, a file polled by an external monitoring
// agent, and an optional Redis pub/sub channel.
package alertsink

import (
	"context"
	"fmt"
	"time"
)

// Status is the verdict carried on every tick, independent of whether it
// produced an alert.
type Status string

const (
	StatusOK    Status = "OK"
	StatusAlert Status = "FATAL"
)

// Notification is one tick's outcome, ready to render to any sink.
type Notification struct {
	Status      Status
	Institution string
	Cursor      time.Time
	AlertID     uint64 // only meaningful when Status == StatusAlert
	RowCount    int
}

// Sink delivers a Notification to one downstream surface.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// timestampLayout mirrors the source's SipGetTimeStamp format.
const timestampLayout = "2006-01-02 15:04:05"

func formatLine(n Notification) string {
	ts := n.Cursor.Format(timestampLayout)
	if n.Status == StatusAlert {
		return fmt.Sprintf("[%s]    %s  %s  %d\n", ts, n.Status, n.Institution, n.AlertID)
	}
	return fmt.Sprintf("[%s]    %s     %s\n", ts, n.Status, n.Institution)
}
