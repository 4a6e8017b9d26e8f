/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Juice-Labs/gpu-relay/internal/relaytest"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

func newRegistry(t *testing.T) (*Registry, storage.Storage, *relaytest.Pusher) {
	store := relaytest.NewStore(t)
	pusher := relaytest.NewPusher()

	return New(store, relaytest.Keys, pusher), store, pusher
}

func TestConnectAcknowledgesHandle(t *testing.T) {
	registry, _, pusher := newRegistry(t)
	ctx := context.Background()

	pusher.Open("n1:1")
	require.NoError(t, registry.Connect(ctx, "n1:1"))

	assert.Equal(t, map[string]any{"type": "connected", "fd": "n1:1"}, pusher.Last("n1:1"))

	role, err := registry.Role(ctx, "n1:1")
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestRegisterClientDefaultsToPC(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	pusher.Open("n1:1")
	device, err := registry.RegisterClient(ctx, "n1:1", "ABC", "")
	require.NoError(t, err)
	assert.Equal(t, protocol.RolePC, device)

	assert.Equal(t, map[string]any{"type": "registered", "key": "ABC", "device_type": "pc"}, pusher.Last("n1:1"))

	tenant, err := registry.Tenant(ctx, "n1:1")
	require.NoError(t, err)
	assert.Equal(t, "ABC", tenant)

	slot, found, err := registry.DeviceSlot(ctx, "ABC", protocol.RolePC)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, transport.Handle("n1:1"), slot)

	members, err := store.SMembers(ctx, "dsp:client_fds:ABC")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1:1"}, members)
}

func TestDisconnectKeepsNewerDeviceSlot(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	pusher.Open("n1:1", "n1:2")

	_, err := registry.RegisterClient(ctx, "n1:1", "ABC", protocol.RoleMobile)
	require.NoError(t, err)
	_, err = registry.RegisterClient(ctx, "n1:2", "ABC", protocol.RoleMobile)
	require.NoError(t, err)

	require.NoError(t, registry.Disconnect(ctx, "n1:1"))

	slot, found, err := registry.DeviceSlot(ctx, "ABC", protocol.RoleMobile)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, transport.Handle("n1:2"), slot)

	require.NoError(t, registry.Disconnect(ctx, "n1:2"))
	require.NoError(t, registry.Disconnect(ctx, "n1:2"))

	_, found, err = registry.DeviceSlot(ctx, "ABC", protocol.RoleMobile)
	require.NoError(t, err)
	assert.False(t, found)

	roles, err := store.HGetAll(ctx, "dsp:fdToRole")
	require.NoError(t, err)
	assert.Empty(t, roles)

	tenants, err := store.HGetAll(ctx, "dsp:fdToKey")
	require.NoError(t, err)
	assert.Empty(t, tenants)
}

func TestDisconnectRemovesWorkerAndMonitor(t *testing.T) {
	registry, _, pusher := newRegistry(t)
	ctx := context.Background()

	pusher.Open("n1:1", "n1:2")
	require.NoError(t, registry.RegisterWorker(ctx, "n1:1"))
	require.NoError(t, registry.RegisterMonitor(ctx, "n1:2"))

	assert.Equal(t, map[string]any{"type": "registered", "role": "worker"}, pusher.Last("n1:1"))
	assert.Equal(t, map[string]any{"type": "registered", "role": "gpu_monitor"}, pusher.Last("n1:2"))

	workers, monitors, err := registry.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, workers)
	assert.EqualValues(t, 1, monitors)

	require.NoError(t, registry.Disconnect(ctx, "n1:1"))
	require.NoError(t, registry.Disconnect(ctx, "n1:2"))

	workers, monitors, err = registry.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, workers)
	assert.Zero(t, monitors)
}

func TestReregisterMovesTenant(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	pusher.Open("n1:1")
	_, err := registry.RegisterClient(ctx, "n1:1", "OLD", "")
	require.NoError(t, err)
	_, err = registry.RegisterClient(ctx, "n1:1", "NEW", "")
	require.NoError(t, err)

	members, err := store.SMembers(ctx, "dsp:client_fds:OLD")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestToWorkersPrunesDeadHandles(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "dsp:workers", "n1:1", "n1:2", "n1:3"))
	pusher.Open("n1:1", "n1:3")
	pusher.Fail("n1:3")

	delivered, err := registry.ToWorkers(ctx, []byte(`{"type":"url"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	members, err := store.SMembers(ctx, "dsp:workers")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1:1"}, members)
}

func TestReplyFallsBackToTenant(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "dsp:client_fds:ABC", "n1:2", "n1:3", "n1:4"))
	pusher.Open("n1:2", "n1:3")

	delivered, err := registry.Reply(ctx, "ABC", "n1:1", []byte(`{"type":"result"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{`{"type":"result"}`}, pusher.Sent("n1:2"))

	members, err := store.SMembers(ctx, "dsp:client_fds:ABC")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1:2", "n1:3"}, members)

	pusher.Reset()
	pusher.Open("n1:1")

	delivered, err = registry.Reply(ctx, "ABC", "n1:1", []byte(`{"type":"result"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, pusher.Sent("n1:2"))
}

func TestBroadcastPowerOnlineSendsLegacyFirst(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "dsp:client_fds:A", "n1:1"))
	require.NoError(t, store.SAdd(ctx, "dsp:client_fds:B", "n1:2"))
	pusher.Open("n1:1", "n1:2")

	notified, err := registry.BroadcastPowerOnline(ctx, protocol.Field{Key: "source", Value: "worker"})
	require.NoError(t, err)
	assert.Equal(t, 2, notified)

	for _, handle := range []transport.Handle{"n1:1", "n1:2"} {
		assert.Equal(t, []string{protocol.TypeLegacyOnline, protocol.TypePowerOnline}, pusher.Types(handle))

		envelope := pusher.Last(handle)
		data := envelope["data"].(map[string]any)
		assert.Equal(t, "online", data["status"])
		assert.Equal(t, "worker", data["source"])
		assert.Equal(t, "1.0", envelope["version"])
	}
}

func TestLiveMonitorsPrunes(t *testing.T) {
	registry, store, pusher := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "dsp:gpu_monitors", "n1:1", "n1:2"))
	pusher.Open("n1:2")

	monitors, err := registry.LiveMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []transport.Handle{"n1:2"}, monitors)

	count, err := store.SCard(ctx, "dsp:gpu_monitors")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
