package obs

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// LogOptions configures the shared logger.
type LogOptions struct {
	Level  string // trace|debug|info|warning|error|fatal
	Format string // text|json
}

// InitLogger configures the shared logger. Safe to call once at startup;
// later calls are ignored.
func InitLogger(opts LogOptions) {
	loggerOnce.Do(func() {
		logger = build(opts)
	})
}

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = build(LogOptions{Level: "info", Format: "json"})
	})
	return logger
}

func build(opts LogOptions) *logrus.Logger {
	l := logrus.New()
	switch opts.Level {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warning", "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	case "fatal":
		l.SetLevel(logrus.FatalLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if opts.Format != "text" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}
