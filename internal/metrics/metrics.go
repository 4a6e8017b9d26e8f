/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeRelayed   = "relayed"
	OutcomeRequeued  = "requeued"
)

func counterOpts(name string, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "relay",
		Name:      name,
		Help:      help,
	}
}

var (
	Frames        = prometheus.NewCounterVec(counterOpts("frames_total", "Inbound frames by message type"), []string{"type"})
	Dispatches    = prometheus.NewCounterVec(counterOpts("dispatches_total", "Client tasks by dispatch outcome"), []string{"outcome"})
	Flushed       = prometheus.NewCounter(counterOpts("flushed_total", "Backlog entries pushed to a newly available worker"))
	Rejections    = prometheus.NewCounter(counterOpts("submit_rejections_total", "Submissions rejected while a task was in flight"))
	Notifications = prometheus.NewCounterVec(counterOpts("monitor_notifications_total", "Queued monitor notifications by outcome"), []string{"outcome"})
	Pruned        = prometheus.NewCounterVec(counterOpts("pruned_handles_total", "Stale handles removed from shared sets"), []string{"set"})

	registerOnce sync.Once
)

// Register adds the relay counters to registerer. Later calls are ignored.
func Register(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		registerer.MustRegister(Frames, Dispatches, Flushed, Rejections, Notifications, Pruned)
	})
}
