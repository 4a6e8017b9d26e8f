/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Juice-Labs/gpu-relay/internal/metrics"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/server"
	"github.com/Juice-Labs/gpu-relay/pkg/task"
)

const UpdateInterval = time.Second

type Presence interface {
	Counts(ctx context.Context) (int64, int64, error)
}

type Notifications interface {
	Len(ctx context.Context) (int64, error)
}

type Backlog interface {
	Total(ctx context.Context) (int64, error)
}

type Connections interface {
	Len() int
}

type Sources struct {
	Presence      Presence
	Notifications Notifications
	Backlog       Backlog
	Connections   Connections
}

// Relay samples the shared store and publishes the results as gauges.
type Relay struct {
	sync.Mutex

	sources Sources

	workers       prometheus.Gauge
	monitors      prometheus.Gauge
	notifications prometheus.Gauge
	backlog       prometheus.Gauge
	connections   prometheus.Gauge
}

func getGaugeOpts(name string, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      name,
		Help:      help,
	}
}

func NewRelay(sources Sources) *Relay {
	return &Relay{
		sources: sources,

		workers:       prometheus.NewGauge(getGaugeOpts("workers", "Registered GPU workers across all nodes")),
		monitors:      prometheus.NewGauge(getGaugeOpts("monitors", "Registered GPU monitors across all nodes")),
		notifications: prometheus.NewGauge(getGaugeOpts("monitor_notifications", "Queued monitor notifications")),
		backlog:       prometheus.NewGauge(getGaugeOpts("pending_tasks", "Tasks waiting for a worker, all tenants")),
		connections:   prometheus.NewGauge(getGaugeOpts("connections", "WebSocket connections owned by this node")),
	}
}

// Register adds the gauges and the relay counters to registerer and mounts
// GET /metrics.
func (relay *Relay) Register(server *server.Server, registerer prometheus.Registerer, gatherer prometheus.Gatherer) {
	registerer.MustRegister(relay)
	metrics.Register(registerer)

	server.AddEndpointHandler("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (relay *Relay) Run(group task.Group) error {
	ticker := time.NewTicker(UpdateInterval)
	defer ticker.Stop()

	for {
		if err := relay.update(group.Ctx()); err != nil {
			logger.Warningw("failed to sample relay metrics", "error", err)
		}

		select {
		case <-group.Ctx().Done():
			return nil

		case <-ticker.C:
		}
	}
}

func (relay *Relay) update(ctx context.Context) error {
	workers, monitors, err := relay.sources.Presence.Counts(ctx)
	if err != nil {
		return err
	}

	notifications, err := relay.sources.Notifications.Len(ctx)
	if err != nil {
		return err
	}

	backlog, err := relay.sources.Backlog.Total(ctx)
	if err != nil {
		return err
	}

	relay.Lock()
	defer relay.Unlock()

	relay.workers.Set(float64(workers))
	relay.monitors.Set(float64(monitors))
	relay.notifications.Set(float64(notifications))
	relay.backlog.Set(float64(backlog))
	relay.connections.Set(float64(relay.sources.Connections.Len()))

	return nil
}

func (relay *Relay) Describe(ch chan<- *prometheus.Desc) {
	relay.workers.Describe(ch)
	relay.monitors.Describe(ch)
	relay.notifications.Describe(ch)
	relay.backlog.Describe(ch)
	relay.connections.Describe(ch)
}

func (relay *Relay) Collect(ch chan<- prometheus.Metric) {
	relay.Lock()
	defer relay.Unlock()

	relay.workers.Collect(ch)
	relay.monitors.Collect(ch)
	relay.notifications.Collect(ch)
	relay.backlog.Collect(ch)
	relay.connections.Collect(ch)
}
