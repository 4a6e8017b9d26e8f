/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package sentry

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Juice-Labs/gpu-relay/pkg/logger"
)

var (
	SentryDsn = ""
)

type ClientOptions = sentry.ClientOptions

func Initialize(config sentry.ClientOptions) error {
	var err error

	// Use config DSN if available, falling back to SENTRY_DSN, or package level (build time) DSN
	if config.Dsn == "" {
		config.Dsn = os.Getenv("SENTRY_DSN")
		if config.Dsn == "" {
			config.Dsn = SentryDsn
		}
	}

	if config.Dsn != "" {
		err = sentry.Init(config)

		if err == nil {
			// errors and warnings become breadcrumbs on the next reported event
			logger.AddOption(zap.Hooks(func(entry zapcore.Entry) error {
				if entry.Level >= zapcore.WarnLevel {
					level := sentry.LevelWarning
					if entry.Level >= zapcore.ErrorLevel {
						level = sentry.LevelError
					}

					sentry.AddBreadcrumb(&sentry.Breadcrumb{
						Type:      "error",
						Category:  entry.Level.String(),
						Level:     level,
						Message:   fmt.Sprintf("%s %s", entry.Caller.TrimmedPath(), entry.Message),
						Timestamp: entry.Time,
					})
				}
				return nil
			}))
		}
	}

	return err
}

func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// Recover reports a recovered panic without re-raising it. Meant for
// handlers where one failure must not take down its neighbours.
func Recover(err any, context string) {
	logger.Errorw("recovered from panic", "context", context, "panic", fmt.Sprint(err))

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("context", context)
	})
	hub.Recover(err)
}

func Close() {
	if err := recover(); err != nil {
		sentry.CurrentHub().Recover(err)
		sentry.Flush(2 * time.Second)
		// re-raise panic
		panic(err)
	}
	sentry.Flush(2 * time.Second)
}
