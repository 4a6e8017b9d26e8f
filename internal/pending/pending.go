/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package pending

import (
	"context"
	"encoding/json"

	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/internal/metrics"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

const (
	// Capacity is the most entries a tenant's backlog holds; the oldest entry
	// is evicted first.
	Capacity = 100

	// FlushBatch bounds how many entries one flush takes from each backlog.
	FlushBatch = 50
)

var (
	ErrStore = errors.New("pending: shared store failure")
)

// Workers delivers a payload to every registered worker.
type Workers interface {
	ToWorkers(ctx context.Context, payload []byte) (int, error)
}

// Queue holds tasks that found no worker until one becomes available.
type Queue struct {
	store   storage.Storage
	keys    keys.Keyspace
	workers Workers
	pusher  transport.Pusher
}

func New(store storage.Storage, ks keys.Keyspace, workers Workers, pusher transport.Pusher) *Queue {
	return &Queue{
		store:   store,
		keys:    ks,
		workers: workers,
		pusher:  pusher,
	}
}

// Dispatch offers payload to every worker. When none takes it, payload is
// appended to tenant's backlog and queued is true.
func (queue *Queue) Dispatch(ctx context.Context, tenant string, payload []byte) (delivered int, queued bool, err error) {
	delivered, err = queue.workers.ToWorkers(ctx, payload)
	if err != nil {
		return 0, false, err
	}

	if delivered > 0 {
		metrics.Dispatches.WithLabelValues(metrics.OutcomeDelivered).Inc()
		return delivered, false, nil
	}

	if err = queue.Enqueue(ctx, tenant, payload); err != nil {
		return 0, false, err
	}

	metrics.Dispatches.WithLabelValues(metrics.OutcomeQueued).Inc()
	return 0, true, nil
}

// Enqueue appends payload to tenant's backlog, or the global backlog when
// tenant is empty, keeping only the newest Capacity entries.
func (queue *Queue) Enqueue(ctx context.Context, tenant string, payload []byte) error {
	key := queue.keys.Pending(tenant)

	length, err := queue.store.RPush(ctx, key, string(payload))
	if err != nil {
		return ErrStore.Wrap(err)
	}

	if length > Capacity {
		if err := queue.store.LTrim(ctx, key, -Capacity, -1); err != nil {
			return ErrStore.Wrap(err)
		}

		logger.Warningw("backlog full, dropped oldest tasks", "tenant", tenant, "dropped", length-Capacity)
	}

	logger.Infow("task queued", "tenant", tenant, "depth", min(length, Capacity))
	return nil
}

// Flush pushes every backlog, oldest first, to worker. At most FlushBatch
// entries are taken from each backlog. If worker stops accepting, the entry
// in hand goes back to the front of its backlog and the flush ends.
func (queue *Queue) Flush(ctx context.Context, worker transport.Handle) (int, error) {
	backlogs, err := queue.store.Keys(ctx, queue.keys.PendingPrefix())
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	flushed := 0
	for _, key := range backlogs {
		for i := 0; i < FlushBatch; i++ {
			entry, err := queue.store.LPop(ctx, key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					break
				}

				return flushed, ErrStore.Wrap(err)
			}

			if !queue.pusher.IsLive(ctx, worker) || queue.pusher.Push(ctx, worker, []byte(entry)) != nil {
				if _, err := queue.store.LPush(ctx, key, entry); err != nil {
					logger.Errorw("failed to return task to backlog", "backlog", key, "error", err)
				}

				logger.Warningw("worker went away during flush", "worker", worker, "flushed", flushed)
				return flushed, nil
			}

			flushed++
			metrics.Flushed.Inc()
		}
	}

	if flushed > 0 {
		logger.Infow("backlog flushed", "worker", worker, "tasks", flushed)
	}

	return flushed, nil
}

// Remove deletes the first entry of tenant's backlog whose request_id is
// requestID and reports whether one was found.
func (queue *Queue) Remove(ctx context.Context, tenant string, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}

	key := queue.keys.Pending(tenant)

	entries, err := queue.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return false, ErrStore.Wrap(err)
	}

	for _, entry := range entries {
		var task struct {
			RequestID json.RawMessage `json:"request_id"`
		}

		if json.Unmarshal([]byte(entry), &task) != nil || !matches(task.RequestID, requestID) {
			continue
		}

		removed, err := queue.store.LRem(ctx, key, 1, entry)
		if err != nil {
			return false, ErrStore.Wrap(err)
		}

		if removed > 0 {
			logger.Debugw("queued task replaced", "tenant", tenant, "request_id", requestID)
		}

		return removed > 0, nil
	}

	return false, nil
}

func matches(raw json.RawMessage, requestID string) bool {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text == requestID
	}

	return string(raw) == requestID
}

func (queue *Queue) Len(ctx context.Context, tenant string) (int64, error) {
	length, err := queue.store.LLen(ctx, queue.keys.Pending(tenant))
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	return length, nil
}

// Total sums the depth of every backlog.
func (queue *Queue) Total(ctx context.Context) (int64, error) {
	backlogs, err := queue.store.Keys(ctx, queue.keys.PendingPrefix())
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	var total int64
	for _, key := range backlogs {
		length, err := queue.store.LLen(ctx, key)
		if err != nil {
			return 0, ErrStore.Wrap(err)
		}

		total += length
	}

	return total, nil
}
