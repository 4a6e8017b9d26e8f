/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package gorm

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/Juice-Labs/gpu-relay/internal/audit"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/task"
)

const backlog = 1024

var (
	ErrInvalidDriver = errors.New("audit: invalid database, expected sqlite:<dsn> or postgres:<dsn>")
)

// PresenceEvent is one row of the presence log.
type PresenceEvent struct {
	gorm.Model

	Node   string `gorm:"index"`
	Handle string `gorm:"index"`
	Role   string
	Tenant string `gorm:"index"`
	Kind   string
	At     time.Time `gorm:"index"`
}

// Recorder writes presence events to a SQL database from a background task,
// so Record never waits on the database.
type Recorder struct {
	db      *gorm.DB
	events  chan audit.Event
	dropped atomic.Uint64
}

func open(driver string, dsn string) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger: newQueryLogger(glogger.Warn, 200*time.Millisecond),
	}

	switch driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), config)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), config)
	}

	return nil, ErrInvalidDriver.Wrapf("got %q", driver)
}

// OpenRecorder connects to database, given as sqlite:<dsn> or
// postgres:<dsn>, and migrates the presence table.
func OpenRecorder(ctx context.Context, database string) (*Recorder, error) {
	driver, dsn, found := strings.Cut(database, ":")
	if !found || dsn == "" {
		return nil, ErrInvalidDriver
	}

	db, err := open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).AutoMigrate(&PresenceEvent{}); err != nil {
		return nil, err
	}

	logger.Infow("presence audit enabled", "driver", driver)

	return &Recorder{
		db:     db,
		events: make(chan audit.Event, backlog),
	}, nil
}

func (recorder *Recorder) Record(ctx context.Context, event audit.Event) {
	select {
	case recorder.events <- event:
	default:
		if recorder.dropped.Add(1)%100 == 1 {
			logger.Warningw("presence audit backlog full, dropping events", "dropped", recorder.dropped.Load())
		}
	}
}

func (recorder *Recorder) write(ctx context.Context, event audit.Event) {
	row := PresenceEvent{
		Node:   event.Node,
		Handle: event.Handle,
		Role:   event.Role,
		Tenant: event.Tenant,
		Kind:   event.Kind,
		At:     event.At,
	}

	if err := recorder.db.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Warningw("failed to write presence event", "handle", event.Handle, "kind", event.Kind, "error", err)
	}
}

// Run writes events until the group is cancelled, then writes whatever is
// still buffered. Writes outlive the cancellation so no accepted event is
// lost on shutdown.
func (recorder *Recorder) Run(group task.Group) error {
	ctx := context.WithoutCancel(group.Ctx())

	for {
		select {
		case <-group.Ctx().Done():
			for {
				select {
				case event := <-recorder.events:
					recorder.write(ctx, event)
				default:
					return nil
				}
			}

		case event := <-recorder.events:
			recorder.write(ctx, event)
		}
	}
}

// Recent returns up to limit events, newest first, optionally for one
// handle.
func (recorder *Recorder) Recent(ctx context.Context, handle string, limit int) ([]audit.Event, error) {
	query := recorder.db.WithContext(ctx).Order("at desc, id desc").Limit(limit)
	if handle != "" {
		query = query.Where("handle = ?", handle)
	}

	var rows []PresenceEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, audit.Event{
			Node:   row.Node,
			Handle: row.Handle,
			Role:   row.Role,
			Tenant: row.Tenant,
			Kind:   row.Kind,
			At:     row.At,
		})
	}

	return events, nil
}

func (recorder *Recorder) Close() error {
	db, err := recorder.db.DB()
	if err != nil {
		return err
	}

	return db.Close()
}
