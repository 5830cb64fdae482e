package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"
)

var (
	defaultLogger = logrus.StandardLogger()
	auditLogger   = logrus.New()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger, auditLogger}
)

func init() {
	// Anything logged before the configuration has been loaded goes to
	// stdout instead of stderr.
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

// Configure sets the format and level on all loggers. The audit logger is
// never configured below info level, otherwise audit events would be lost
// when operators silence regular logging.
func Configure(loggers []*logrus.Logger, format string, level string) error {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		return fmt.Errorf("invalid logger format %q", format)
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == auditLogger && logrusLevel < logrus.InfoLevel {
			l.SetLevel(logrus.InfoLevel)
		} else {
			l.SetLevel(logrusLevel)
		}

		if formatter != nil {
			l.Formatter = formatter
		}
	}

	return nil
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// Audit is a dedicated logger for audit events.
func Audit() *logrus.Entry { return auditLogger.WithField("pid", os.Getpid()) }
