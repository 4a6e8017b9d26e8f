/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package registry

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/Juice-Labs/gpu-relay/internal/audit"
	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

var (
	ErrStore = errors.New("registry: shared store failure")
)

// Registry records who is connected and in which role, and fans payloads
// out to groups of connections. Stale handles found while fanning out are
// removed from the shared sets.
type Registry struct {
	store  storage.Storage
	keys   keys.Keyspace
	pusher transport.Pusher
	audit  audit.Recorder
	clock  clock.Clock
	node   string
}

type Option func(*Registry)

func WithAudit(recorder audit.Recorder) Option {
	return func(registry *Registry) {
		registry.audit = recorder
	}
}

func WithClock(clock clock.Clock) Option {
	return func(registry *Registry) {
		registry.clock = clock
	}
}

// WithNode tags audit events with the node that observed them.
func WithNode(node string) Option {
	return func(registry *Registry) {
		registry.node = node
	}
}

func New(store storage.Storage, ks keys.Keyspace, pusher transport.Pusher, options ...Option) *Registry {
	registry := &Registry{
		store:  store,
		keys:   ks,
		pusher: pusher,
		audit:  audit.Nop(),
		clock:  clock.New(),
	}

	for _, option := range options {
		option(registry)
	}

	return registry
}

func (registry *Registry) Clock() clock.Clock {
	return registry.clock
}

func (registry *Registry) record(ctx context.Context, kind string, handle transport.Handle, role string, tenant string) {
	registry.audit.Record(ctx, audit.Event{
		Node:   registry.node,
		Handle: string(handle),
		Role:   role,
		Tenant: tenant,
		Kind:   kind,
		At:     registry.clock.Now(),
	})
}

// Send encodes v and pushes it to one connection.
func (registry *Registry) Send(ctx context.Context, handle transport.Handle, v any) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	return registry.pusher.Push(ctx, handle, payload)
}

// Connect acknowledges a new connection with its handle.
func (registry *Registry) Connect(ctx context.Context, handle transport.Handle) error {
	registry.record(ctx, audit.KindConnect, handle, "", "")

	return registry.Send(ctx, handle, protocol.Connected{
		Type: protocol.TypeConnected,
		Fd:   string(handle),
	})
}

func (registry *Registry) RegisterWorker(ctx context.Context, handle transport.Handle) error {
	if err := registry.store.SAdd(ctx, registry.keys.Workers(), string(handle)); err != nil {
		return ErrStore.Wrap(err)
	}

	if err := registry.store.HSet(ctx, registry.keys.HandleRole(), string(handle), protocol.RoleWorker); err != nil {
		return ErrStore.Wrap(err)
	}

	registry.record(ctx, audit.KindRegister, handle, protocol.RoleWorker, "")
	logger.Infow("worker registered", "handle", handle)

	return registry.Send(ctx, handle, protocol.Registered{
		Type: protocol.TypeRegistered,
		Role: protocol.RoleWorker,
	})
}

func (registry *Registry) RegisterMonitor(ctx context.Context, handle transport.Handle) error {
	if err := registry.store.SAdd(ctx, registry.keys.Monitors(), string(handle)); err != nil {
		return ErrStore.Wrap(err)
	}

	if err := registry.store.HSet(ctx, registry.keys.HandleRole(), string(handle), protocol.RoleMonitor); err != nil {
		return ErrStore.Wrap(err)
	}

	registry.record(ctx, audit.KindRegister, handle, protocol.RoleMonitor, "")
	logger.Infow("gpu monitor registered", "handle", handle)

	return registry.Send(ctx, handle, protocol.Registered{
		Type: protocol.TypeRegistered,
		Role: protocol.RoleMonitor,
	})
}

// RegisterClient binds handle to tenant in the given device slot, pc when
// empty, and returns the slot used.
func (registry *Registry) RegisterClient(ctx context.Context, handle transport.Handle, tenant string, device string) (string, error) {
	if device == "" {
		device = protocol.RolePC
	}

	previous, err := registry.Tenant(ctx, handle)
	if err != nil {
		return "", err
	}

	if previous != "" && previous != tenant {
		if err := registry.store.SRem(ctx, registry.keys.ClientHandles(previous), string(handle)); err != nil {
			return "", ErrStore.Wrap(err)
		}
	}

	steps := []func() error{
		func() error { return registry.store.SAdd(ctx, registry.keys.ClientHandles(tenant), string(handle)) },
		func() error { return registry.store.HSet(ctx, registry.keys.HandleTenant(), string(handle), tenant) },
		func() error { return registry.store.HSet(ctx, registry.keys.HandleRole(), string(handle), device) },
		func() error { return registry.store.HSet(ctx, registry.keys.DeviceSlots(tenant), device, string(handle)) },
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return "", ErrStore.Wrap(err)
		}
	}

	registry.record(ctx, audit.KindRegister, handle, device, tenant)
	logger.Infow("client registered", "handle", handle, "tenant", tenant, "device", device)

	return device, registry.Send(ctx, handle, protocol.Registered{
		Type:       protocol.TypeRegistered,
		Key:        tenant,
		DeviceType: device,
	})
}

// Disconnect removes every registration of handle. Safe to repeat.
func (registry *Registry) Disconnect(ctx context.Context, handle transport.Handle) error {
	member := string(handle)

	if err := registry.store.SRem(ctx, registry.keys.Workers(), member); err != nil {
		return ErrStore.Wrap(err)
	}

	if err := registry.store.SRem(ctx, registry.keys.Monitors(), member); err != nil {
		return ErrStore.Wrap(err)
	}

	tenant, err := registry.Tenant(ctx, handle)
	if err != nil {
		return err
	}

	role, err := registry.Role(ctx, handle)
	if err != nil {
		return err
	}

	if tenant != "" {
		if err := registry.store.SRem(ctx, registry.keys.ClientHandles(tenant), member); err != nil {
			return ErrStore.Wrap(err)
		}

		if role != "" && role != protocol.RoleWorker && role != protocol.RoleMonitor {
			if err := registry.ReleaseDeviceSlot(ctx, tenant, role, handle); err != nil {
				return err
			}
		}
	}

	if err := registry.store.HDel(ctx, registry.keys.HandleTenant(), member); err != nil {
		return ErrStore.Wrap(err)
	}

	if err := registry.store.HDel(ctx, registry.keys.HandleRole(), member); err != nil {
		return ErrStore.Wrap(err)
	}

	registry.record(ctx, audit.KindDisconnect, handle, role, tenant)
	logger.Debugw("connection unregistered", "handle", handle, "tenant", tenant, "role", role)

	return nil
}

// ReleaseDeviceSlot clears the device slot only while handle still occupies
// it, so a late disconnect cannot evict a newer connection.
func (registry *Registry) ReleaseDeviceSlot(ctx context.Context, tenant string, device string, handle transport.Handle) error {
	current, found, err := registry.DeviceSlot(ctx, tenant, device)
	if err != nil || !found || current != handle {
		return err
	}

	return registry.ClearDeviceSlot(ctx, tenant, device)
}

func (registry *Registry) lookup(ctx context.Context, key string, field string) (string, error) {
	value, err := registry.store.HGet(ctx, key, field)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}

		return "", ErrStore.Wrap(err)
	}

	return value, nil
}

// Role returns the registered role of handle, or "" when unregistered.
func (registry *Registry) Role(ctx context.Context, handle transport.Handle) (string, error) {
	return registry.lookup(ctx, registry.keys.HandleRole(), string(handle))
}

// Tenant returns the tenant bound to handle, or "".
func (registry *Registry) Tenant(ctx context.Context, handle transport.Handle) (string, error) {
	return registry.lookup(ctx, registry.keys.HandleTenant(), string(handle))
}

func (registry *Registry) IsWorker(ctx context.Context, handle transport.Handle) (bool, error) {
	found, err := registry.store.SIsMember(ctx, registry.keys.Workers(), string(handle))
	if err != nil {
		return false, ErrStore.Wrap(err)
	}

	return found, nil
}

func (registry *Registry) IsMonitor(ctx context.Context, handle transport.Handle) (bool, error) {
	found, err := registry.store.SIsMember(ctx, registry.keys.Monitors(), string(handle))
	if err != nil {
		return false, ErrStore.Wrap(err)
	}

	return found, nil
}

func (registry *Registry) DeviceSlot(ctx context.Context, tenant string, device string) (transport.Handle, bool, error) {
	value, err := registry.lookup(ctx, registry.keys.DeviceSlots(tenant), device)
	if err != nil || value == "" {
		return "", false, err
	}

	return transport.Handle(value), true, nil
}

func (registry *Registry) ClearDeviceSlot(ctx context.Context, tenant string, device string) error {
	if err := registry.store.HDel(ctx, registry.keys.DeviceSlots(tenant), device); err != nil {
		return ErrStore.Wrap(err)
	}

	return nil
}

// Counts reports the size of the worker and monitor sets.
func (registry *Registry) Counts(ctx context.Context) (int64, int64, error) {
	workers, err := registry.store.SCard(ctx, registry.keys.Workers())
	if err != nil {
		return 0, 0, ErrStore.Wrap(err)
	}

	monitors, err := registry.store.SCard(ctx, registry.keys.Monitors())
	if err != nil {
		return 0, 0, ErrStore.Wrap(err)
	}

	return workers, monitors, nil
}
