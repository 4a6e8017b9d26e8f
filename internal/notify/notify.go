/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package notify

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/internal/metrics"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/task"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

const (
	DrainInterval = 2 * time.Second

	// DrainBatch bounds how many notifications one drain relays.
	DrainBatch = 10
)

var (
	ErrStore = errors.New("notify: shared store failure")
)

// Monitors reaches the registered power monitors.
type Monitors interface {
	LiveMonitors(ctx context.Context) ([]transport.Handle, error)
	DeliverToMonitors(ctx context.Context, monitors []transport.Handle, payload []byte) int
}

// Relay moves notifications left in the shared queue by processes without
// monitor connections to the monitors connected here.
type Relay struct {
	store    storage.Storage
	keys     keys.Keyspace
	monitors Monitors
	clock    clock.Clock

	kick chan struct{}
}

func New(store storage.Storage, ks keys.Keyspace, monitors Monitors, clock clock.Clock) *Relay {
	return &Relay{
		store:    store,
		keys:     ks,
		monitors: monitors,
		clock:    clock,
		kick:     make(chan struct{}, 1),
	}
}

// Enqueue appends payload to the shared queue and wakes relays on every node.
func (relay *Relay) Enqueue(ctx context.Context, payload []byte) error {
	if _, err := relay.store.RPush(ctx, relay.keys.MonitorNotify(), string(payload)); err != nil {
		return ErrStore.Wrap(err)
	}

	if _, err := relay.store.Publish(ctx, relay.keys.MonitorNotifyWake(), nil); err != nil {
		logger.Debugw("failed to publish notification wake up", "error", err)
	}

	return nil
}

// Kick asks for a drain without waiting for it.
func (relay *Relay) Kick() {
	select {
	case relay.kick <- struct{}{}:
	default:
	}
}

func (relay *Relay) Len(ctx context.Context) (int64, error) {
	length, err := relay.store.LLen(ctx, relay.keys.MonitorNotify())
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	return length, nil
}

// Drain relays up to DrainBatch notifications to every live monitor.
// Notifications no monitor accepted return to the front of the queue in
// their original order. Nothing is taken while no monitor is live.
func (relay *Relay) Drain(ctx context.Context) (int, error) {
	key := relay.keys.MonitorNotify()

	length, err := relay.store.LLen(ctx, key)
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	if length == 0 {
		return 0, nil
	}

	monitors, err := relay.monitors.LiveMonitors(ctx)
	if err != nil || len(monitors) == 0 {
		return 0, err
	}

	relayed := 0
	var undelivered []string

	for i := 0; i < DrainBatch; i++ {
		entry, err := relay.store.LPop(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Warningw("failed to pop notification", "error", err)
			}
			break
		}

		if relay.monitors.DeliverToMonitors(ctx, monitors, []byte(entry)) == 0 {
			undelivered = append(undelivered, entry)
			continue
		}

		relayed++
	}

	for i := len(undelivered) - 1; i >= 0; i-- {
		if _, err := relay.store.LPush(ctx, key, undelivered[i]); err != nil {
			return relayed, ErrStore.Wrap(err)
		}
	}

	metrics.Notifications.WithLabelValues(metrics.OutcomeRelayed).Add(float64(relayed))
	metrics.Notifications.WithLabelValues(metrics.OutcomeRequeued).Add(float64(len(undelivered)))

	if relayed > 0 || len(undelivered) > 0 {
		logger.Debugw("monitor notifications drained", "relayed", relayed, "requeued", len(undelivered), "monitors", len(monitors))
	}

	return relayed, nil
}

func (relay *Relay) drain(ctx context.Context) {
	if _, err := relay.Drain(ctx); err != nil {
		logger.Warningw("monitor notification drain failed", "error", err)
	}
}

// Run drains on a timer, on Kick and on wake ups published by Enqueue.
func (relay *Relay) Run(group task.Group) error {
	wake, err := relay.store.Subscribe(group.Ctx(), relay.keys.MonitorNotifyWake())
	if err != nil {
		return err
	}

	group.GoFn("Notify Drain", func(group task.Group) error {
		ticker := relay.clock.Ticker(DrainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-group.Ctx().Done():
				return nil

			case <-ticker.C:
			case <-relay.kick:
			case _, ok := <-wake:
				if !ok {
					wake = nil
				}
			}

			relay.drain(group.Ctx())
		}
	})

	return nil
}
