/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package registry

import (
	"context"

	"github.com/Juice-Labs/gpu-relay/internal/metrics"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

const (
	setWorkers  = "workers"
	setMonitors = "monitors"
	setClients  = "clients"
)

func (registry *Registry) prune(ctx context.Context, key string, label string, handle transport.Handle) {
	if err := registry.store.SRem(ctx, key, string(handle)); err != nil {
		logger.Warningw("failed to prune stale handle", "set", label, "handle", handle, "error", err)
		return
	}

	metrics.Pruned.WithLabelValues(label).Inc()
	logger.Debugw("pruned stale handle", "set", label, "handle", handle)
}

// pushAll reports whether handle was live and accepted every payload.
func (registry *Registry) pushAll(ctx context.Context, handle transport.Handle, payloads [][]byte) bool {
	if !registry.pusher.IsLive(ctx, handle) {
		return false
	}

	for _, payload := range payloads {
		if err := registry.pusher.Push(ctx, handle, payload); err != nil {
			return false
		}
	}

	return true
}

// Deliver pushes payload to one connection and reports whether it arrived.
func (registry *Registry) Deliver(ctx context.Context, handle transport.Handle, payload []byte) bool {
	return handle != "" && registry.pushAll(ctx, handle, [][]byte{payload})
}

func (registry *Registry) deliverToSet(ctx context.Context, key string, label string, payloads ...[]byte) (int, error) {
	members, err := registry.store.SMembers(ctx, key)
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	delivered := 0
	for _, member := range members {
		handle := transport.Handle(member)
		if !registry.pushAll(ctx, handle, payloads) {
			registry.prune(ctx, key, label, handle)
			continue
		}

		delivered++
	}

	return delivered, nil
}

// ToWorkers pushes payload to every registered worker and returns how many
// received it.
func (registry *Registry) ToWorkers(ctx context.Context, payload []byte) (int, error) {
	return registry.deliverToSet(ctx, registry.keys.Workers(), setWorkers, payload)
}

// LiveMonitors lists monitors that are currently reachable.
func (registry *Registry) LiveMonitors(ctx context.Context) ([]transport.Handle, error) {
	members, err := registry.store.SMembers(ctx, registry.keys.Monitors())
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}

	live := make([]transport.Handle, 0, len(members))
	for _, member := range members {
		handle := transport.Handle(member)
		if !registry.pusher.IsLive(ctx, handle) {
			registry.prune(ctx, registry.keys.Monitors(), setMonitors, handle)
			continue
		}

		live = append(live, handle)
	}

	return live, nil
}

// DeliverToMonitors pushes payload to each of monitors, pruning the ones that
// fail, and returns how many received it.
func (registry *Registry) DeliverToMonitors(ctx context.Context, monitors []transport.Handle, payload []byte) int {
	delivered := 0
	for _, handle := range monitors {
		if err := registry.pusher.Push(ctx, handle, payload); err != nil {
			registry.prune(ctx, registry.keys.Monitors(), setMonitors, handle)
			continue
		}

		delivered++
	}

	return delivered
}

func (registry *Registry) ToMonitors(ctx context.Context, payload []byte) (int, error) {
	monitors, err := registry.LiveMonitors(ctx)
	if err != nil {
		return 0, err
	}

	return registry.DeliverToMonitors(ctx, monitors, payload), nil
}

// ToTenant pushes payloads, in order, to every connection of tenant.
func (registry *Registry) ToTenant(ctx context.Context, tenant string, payloads ...[]byte) (int, error) {
	return registry.deliverToSet(ctx, registry.keys.ClientHandles(tenant), setClients, payloads...)
}

// ToAllTenants pushes payloads to every client connection of every tenant.
func (registry *Registry) ToAllTenants(ctx context.Context, payloads ...[]byte) (int, error) {
	sets, err := registry.store.Keys(ctx, registry.keys.ClientHandlesPrefix())
	if err != nil {
		return 0, ErrStore.Wrap(err)
	}

	delivered := 0
	for _, key := range sets {
		count, err := registry.deliverToSet(ctx, key, setClients, payloads...)
		if err != nil {
			return delivered, err
		}

		delivered += count
	}

	return delivered, nil
}

// Reply sends payload to sender when it is still connected, otherwise to
// every connection of tenant.
func (registry *Registry) Reply(ctx context.Context, tenant string, sender transport.Handle, payload []byte) (int, error) {
	if sender != "" && registry.pusher.IsLive(ctx, sender) {
		if err := registry.pusher.Push(ctx, sender, payload); err == nil {
			return 1, nil
		}
	}

	if tenant == "" {
		return 0, nil
	}

	return registry.ToTenant(ctx, tenant, payload)
}

// BroadcastPowerOnline announces an available GPU to every client, legacy
// shape first.
func (registry *Registry) BroadcastPowerOnline(ctx context.Context, extra ...protocol.Field) (int, error) {
	envelope := protocol.PowerOnline(registry.clock.Now(), extra...)
	legacy, _ := envelope.Legacy()

	legacyPayload, err := protocol.Encode(legacy)
	if err != nil {
		return 0, err
	}

	payload, err := protocol.Encode(envelope)
	if err != nil {
		return 0, err
	}

	notified, err := registry.ToAllTenants(ctx, legacyPayload, payload)
	if err == nil {
		logger.Infow("gpu online broadcast", "clients", notified)
	}

	return notified, err
}
