/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package app

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	relayprometheus "github.com/Juice-Labs/gpu-relay/cmd/relay/prometheus"
	"github.com/Juice-Labs/gpu-relay/internal/audit"
	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/internal/notify"
	"github.com/Juice-Labs/gpu-relay/internal/pending"
	"github.com/Juice-Labs/gpu-relay/internal/registry"
	"github.com/Juice-Labs/gpu-relay/internal/router"
	"github.com/Juice-Labs/gpu-relay/internal/status"
	"github.com/Juice-Labs/gpu-relay/pkg/server"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/task"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

type Config struct {
	Store storage.Storage
	Keys  keys.Keyspace

	// Node overrides the generated node id.
	Node  string
	Clock clock.Clock

	Tenants TenantValidator
	Audit   audit.Recorder

	// Authenticate guards the HTTP ingress. Nil leaves it open.
	Authenticate func(http.Handler) http.Handler

	// Registerer, when set, receives the relay metrics and /metrics is
	// served from Gatherer.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Relay wires the WebSocket hub to the shared-store components and exposes
// them over HTTP.
type Relay struct {
	startTime time.Time

	hub      *transport.Hub
	registry *registry.Registry
	queue    *pending.Queue
	tracker  *status.Tracker
	notify   *notify.Relay
	router   *router.Router

	tenants TenantValidator
	metrics *relayprometheus.Relay
}

func NewRelay(srv *server.Server, config Config) *Relay {
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	recorder := config.Audit
	if recorder == nil {
		recorder = audit.Nop()
	}

	tenants := config.Tenants
	if tenants == nil {
		tenants = NewTenantValidator()
	}

	hub := transport.NewHub(config.Store, config.Keys, nil, transport.Options{
		Node:           config.Node,
		AllowedOrigins: server.AllowedOrigins(),
		Clock:          clk,
	})

	presence := registry.New(config.Store, config.Keys, hub,
		registry.WithNode(hub.Node()),
		registry.WithClock(clk),
		registry.WithAudit(recorder))

	queue := pending.New(config.Store, config.Keys, presence, hub)
	tracker := status.New(config.Store, config.Keys, clk)
	notifications := notify.New(config.Store, config.Keys, presence, clk)

	relay := &Relay{
		startTime: clk.Now(),
		hub:       hub,
		registry:  presence,
		queue:     queue,
		tracker:   tracker,
		notify:    notifications,
		router:    router.New(presence, queue, tracker, notifications),
		tenants:   tenants,
	}

	hub.SetEvents(relay.router)

	if config.Registerer != nil {
		relay.metrics = relayprometheus.NewRelay(relayprometheus.Sources{
			Presence:      presence,
			Notifications: notifications,
			Backlog:       queue,
			Connections:   hub,
		})
		relay.metrics.Register(srv, config.Registerer, config.Gatherer)
	}

	relay.initializeEndpoints(srv, config.Authenticate)

	return relay
}

// Stopped is closed once the hub has shut down and removed this node's
// records from the store.
func (relay *Relay) Stopped() <-chan struct{} {
	return relay.hub.Stopped()
}

func (relay *Relay) Node() string {
	return relay.hub.Node()
}

// Run starts the hub and the background tasks. It returns once they are
// running.
func (relay *Relay) Run(group task.Group) error {
	if err := relay.hub.Run(group); err != nil {
		return err
	}

	if err := relay.notify.Run(group); err != nil {
		return err
	}

	if relay.metrics != nil {
		group.Go("Relay Metrics", relay.metrics)
	}

	return nil
}
