package alertsink

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/uninett/sipade/pkg/config"
)

// MultiSink fans a notification out to every configured sink. A delivery
// failure on one sink is logged and does not block the others.
type MultiSink struct {
	sinks  []Sink
	logger zerolog.Logger
}

func NewMultiSink(logger zerolog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, n); err != nil {
			m.logger.Error().Err(err).Msg("alert sink delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build assembles the configured sinks per alert.mode ("syslog", "hobbit",
// or "both"), adding an independent Redis sink when alert.redis-stream is
// enabled. The syslog sink suppresses OK lines; the file sink does not
// (an external polling agent needs the heartbeat).
func Build(cfg config.Alert, institution string, logger zerolog.Logger) (*MultiSink, error) {
	var sinks []Sink

	mode := strings.ToLower(cfg.Mode)
	switch mode {
	case "syslog", "both", "":
		sl, err := NewSyslogSink("sipaded")
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, &okSuppressingSink{inner: sl})
	}
	switch mode {
	case "hobbit", "both":
		fs, err := NewFileSink(cfg.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.RedisStream {
		sinks = append(sinks, NewRedisSink(cfg.RedisAddr, cfg.RedisChannel))
	}

	return NewMultiSink(logger, sinks...), nil
}

// okSuppressingSink drops OK notifications before delegating, matching
// the source's "syslog mode never logs OK" rule.
type okSuppressingSink struct {
	inner Sink
}

func (s *okSuppressingSink) Notify(ctx context.Context, n Notification) error {
	if n.Status == StatusOK {
		return nil
	}
	return s.inner.Notify(ctx, n)
}

func (s *okSuppressingSink) Close() error { return s.inner.Close() }
