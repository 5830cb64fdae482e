// Package audit records successful administrative operations.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink receives audit events.
type Sink interface {
	// RecordEnableSharding records that caller enabled sharding on database.
	RecordEnableSharding(ctx context.Context, caller, database string)
}

// LogSink writes audit events as log entries.
type LogSink struct {
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewLogSink returns a Sink writing to logger, usually log.Audit().
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "audit"), now: time.Now}
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *LogSink) RecordEnableSharding(ctx context.Context, caller, database string) {
	s.logger.WithFields(logrus.Fields{
		"event":    "enableSharding",
		"caller":   caller,
		"database": database,
		"time":     s.now().UTC().Format(time.RFC3339Nano),
	}).Info("audit")
}

// Discard drops all events.
type Discard struct{}

//nolint: revive,stylecheck // This is documented in the interface.
func (Discard) RecordEnableSharding(context.Context, string, string) {}
