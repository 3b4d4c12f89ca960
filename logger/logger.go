// Package logger is the process-wide logrus logger. Packages log through the
// helpers here; long-running components tag entries with Component.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the global logger instance
var Log *logrus.Logger

func init() {
	// usable before Init is called (tests, cobra flag parsing)
	Log = newLogger(&Config{Level: "info", Format: "text"}, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) *logrus.Logger {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(out)
	l.SetReportCaller(cfg.ReportCaller)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}
	return l
}

// Init replaces the global logger. A nil config means text output at info level.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	Log = newLogger(cfg, os.Stdout)
	return nil
}

// Component returns an entry tagged with the emitting subsystem
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func Debug(args ...interface{}) { Log.Debug(args...) }
func Info(args ...interface{})  { Log.Info(args...) }
func Warn(args ...interface{})  { Log.Warn(args...) }
func Error(args ...interface{}) { Log.Error(args...) }

func Debugf(format string, args ...interface{}) { Log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Log.Errorf(format, args...) }
