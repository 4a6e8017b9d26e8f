/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/internal/metrics"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
)

const (
	Queued     = "queued"
	Processing = "processing"

	// StaleAfter is how long a record may stand before a new submission
	// replaces it.
	StaleAfter = 600 * time.Second

	// RecordTTL bounds the life of orphaned records.
	RecordTTL = time.Hour
)

const (
	ReasonTimeout       = "timeout"
	ReasonReplaceQueued = "replace_queued"
)

var (
	ErrStore = errors.New("status: shared store failure")
)

// Record is the stored state of one tenant's task type.
type Record struct {
	TaskType  string `json:"task_type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	StartTime int64  `json:"start_time"`
}

// Decision is the outcome of Admit. A rejected decision names the request
// still in flight. An accepted one with a reason names the request it
// supersedes.
type Decision struct {
	Accepted     bool
	Reason       string
	OldRequestID string
	Elapsed      time.Duration
}

// Tracker allows at most one task in flight per tenant and task type.
type Tracker struct {
	store storage.Storage
	keys  keys.Keyspace
	clock clock.Clock
}

func New(store storage.Storage, ks keys.Keyspace, clock clock.Clock) *Tracker {
	return &Tracker{
		store: store,
		keys:  ks,
		clock: clock,
	}
}

func (tracker *Tracker) encode(taskType string, requestID string, status string) string {
	data, _ := json.Marshal(Record{
		TaskType:  taskType,
		RequestID: requestID,
		Status:    status,
		StartTime: tracker.clock.Now().Unix(),
	})

	return string(data)
}

// Admit decides whether a new submission may run. Accepted submissions are
// reserved as processing before Admit returns, so a concurrent submission
// for the same task type sees the reservation.
func (tracker *Tracker) Admit(ctx context.Context, tenant string, taskType string, requestID string) (Decision, error) {
	key := tracker.keys.TaskStatus(tenant)
	reservation := tracker.encode(taskType, requestID, Processing)

	// A record that expires between the two reads is retried.
	for attempt := 0; attempt < 3; attempt++ {
		reserved, err := tracker.store.HSetNX(ctx, key, taskType, reservation)
		if err != nil {
			return Decision{}, ErrStore.Wrap(err)
		}

		if reserved {
			return Decision{Accepted: true}, tracker.expire(ctx, key)
		}

		value, err := tracker.store.HGet(ctx, key, taskType)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}

			return Decision{}, ErrStore.Wrap(err)
		}

		var record Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			logger.Warningw("discarding unreadable task status", "tenant", tenant, "task_type", taskType, "error", err)
			return tracker.replace(ctx, key, taskType, reservation, Decision{Accepted: true, Reason: ReasonTimeout})
		}

		elapsed := tracker.clock.Now().Sub(time.Unix(record.StartTime, 0))
		decision := Decision{OldRequestID: record.RequestID, Elapsed: elapsed}

		switch {
		case elapsed > StaleAfter:
			decision.Accepted = true
			decision.Reason = ReasonTimeout
			logger.Infow("task status timed out", "tenant", tenant, "task_type", taskType, "old_request_id", record.RequestID, "elapsed", elapsed)

		case record.Status == Queued:
			decision.Accepted = true
			decision.Reason = ReasonReplaceQueued

		default:
			metrics.Rejections.Inc()
			logger.Infow("submission rejected, task in flight", "tenant", tenant, "task_type", taskType, "request_id", record.RequestID, "elapsed", elapsed)
			return decision, nil
		}

		return tracker.replace(ctx, key, taskType, reservation, decision)
	}

	return Decision{Accepted: true}, nil
}

func (tracker *Tracker) replace(ctx context.Context, key string, taskType string, reservation string, decision Decision) (Decision, error) {
	if err := tracker.store.HSet(ctx, key, taskType, reservation); err != nil {
		return Decision{}, ErrStore.Wrap(err)
	}

	return decision, tracker.expire(ctx, key)
}

func (tracker *Tracker) expire(ctx context.Context, key string) error {
	if err := tracker.store.Expire(ctx, key, RecordTTL); err != nil {
		return ErrStore.Wrap(err)
	}

	return nil
}

// Set records status for the task type, starting its clock now.
func (tracker *Tracker) Set(ctx context.Context, tenant string, taskType string, requestID string, status string) error {
	key := tracker.keys.TaskStatus(tenant)

	if err := tracker.store.HSet(ctx, key, taskType, tracker.encode(taskType, requestID, status)); err != nil {
		return ErrStore.Wrap(err)
	}

	return tracker.expire(ctx, key)
}

func (tracker *Tracker) Clear(ctx context.Context, tenant string, taskType string) error {
	if err := tracker.store.HDel(ctx, tracker.keys.TaskStatus(tenant), taskType); err != nil {
		return ErrStore.Wrap(err)
	}

	return nil
}

// Get returns the record for the task type, or ErrNotFound.
func (tracker *Tracker) Get(ctx context.Context, tenant string, taskType string) (Record, error) {
	value, err := tracker.store.HGet(ctx, tracker.keys.TaskStatus(tenant), taskType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Record{}, err
		}

		return Record{}, ErrStore.Wrap(err)
	}

	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return Record{}, ErrStore.Wrap(err)
	}

	return record, nil
}
