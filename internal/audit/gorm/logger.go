/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package gorm

import (
	"context"
	"time"

	glogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/Juice-Labs/gpu-relay/pkg/logger"
)

// queryLogger reports audit database activity through the relay logger.
// Failed queries are warnings since the audit log never blocks the relay.
type queryLogger struct {
	level glogger.LogLevel
	slow  time.Duration
}

func newQueryLogger(level glogger.LogLevel, slow time.Duration) glogger.Interface {
	return queryLogger{level: level, slow: slow}
}

func (l queryLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	l.level = level
	return l
}

func (l queryLogger) Info(ctx context.Context, message string, data ...any) {
	if l.level >= glogger.Info {
		logger.Infof("audit: "+message, data...)
	}
}

func (l queryLogger) Warn(ctx context.Context, message string, data ...any) {
	if l.level >= glogger.Warn {
		logger.Warningf("audit: "+message, data...)
	}
}

func (l queryLogger) Error(ctx context.Context, message string, data ...any) {
	if l.level >= glogger.Error {
		logger.Warningf("audit: "+message, data...)
	}
}

func (l queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= glogger.Silent {
		return
	}

	elapsed := time.Since(begin)

	if err != nil {
		sql, rows := fc()
		logger.Warningw("audit query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
		return
	}

	if l.slow > 0 && elapsed > l.slow && l.level >= glogger.Warn {
		sql, rows := fc()
		logger.Warningw("slow audit query", "caller", utils.FileWithLineNum(), "elapsed", elapsed, "rows", rows, "sql", sql)
		return
	}

	if l.level >= glogger.Info {
		sql, rows := fc()
		logger.Debugw("audit query", "elapsed", elapsed, "rows", rows, "sql", sql)
	}
}
