package logger

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes gorm's SQL logging into the global logrus logger
type GormLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger creates a gorm adapter. Only errors and slow queries are
// reported unless the global level is debug.
func NewGormLogger(slowThreshold time.Duration) *GormLogger {
	level := gormlogger.Warn
	if Log.IsLevelEnabled(logrus.DebugLevel) {
		level = gormlogger.Info
	}
	if slowThreshold <= 0 {
		slowThreshold = 500 * time.Millisecond
	}
	return &GormLogger{level: level, slowThreshold: slowThreshold}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		Log.Infof("[gorm] "+msg, args...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		Log.Warnf("[gorm] "+msg, args...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		Log.Errorf("[gorm] "+msg, args...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		Log.WithFields(logrus.Fields{"elapsed": elapsed, "rows": rows}).Errorf("[gorm] %s: %v", sql, err)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		Log.WithFields(logrus.Fields{"elapsed": elapsed, "rows": rows}).Warnf("[gorm] slow query: %s", sql)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		Log.WithFields(logrus.Fields{"elapsed": elapsed, "rows": rows}).Debugf("[gorm] %s", sql)
	}
}
