/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package pending

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Juice-Labs/gpu-relay/internal/registry"
	"github.com/Juice-Labs/gpu-relay/internal/relaytest"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	pkgtask "github.com/Juice-Labs/gpu-relay/pkg/task"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

func newQueue(t *testing.T) (*Queue, storage.Storage, *relaytest.Pusher) {
	store := relaytest.NewStore(t)
	pusher := relaytest.NewPusher()
	reg := registry.New(store, relaytest.Keys, pusher)

	return New(store, relaytest.Keys, reg, pusher), store, pusher
}

func task(tenant string, n int) []byte {
	return []byte(fmt.Sprintf(`{"type":"url","key":%q,"request_id":"r%d"}`, tenant, n))
}

func TestDispatchDeliversToLiveWorkers(t *testing.T) {
	queue, store, pusher := newQueue(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "dsp:workers", "n1:1", "n1:2"))
	pusher.Open("n1:1")

	delivered, queued, err := queue.Dispatch(ctx, "ABC", task("ABC", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.False(t, queued)

	length, err := queue.Len(ctx, "ABC")
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestDispatchQueuesWithoutWorkers(t *testing.T) {
	queue, _, _ := newQueue(t)
	ctx := context.Background()

	delivered, queued, err := queue.Dispatch(ctx, "ABC", task("ABC", 1))
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.True(t, queued)

	_, queued, err = queue.Dispatch(ctx, "", task("", 2))
	require.NoError(t, err)
	assert.True(t, queued)

	length, err := queue.Len(ctx, "ABC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	length, err = queue.Len(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	total, err := queue.Total(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestEnqueueKeepsNewest(t *testing.T) {
	queue, store, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < Capacity+5; i++ {
		require.NoError(t, queue.Enqueue(ctx, "ABC", task("ABC", i)))
	}

	entries, err := store.LRange(ctx, "dsp:pending_tasks:ABC", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, Capacity)
	assert.Equal(t, string(task("ABC", 5)), entries[0])
	assert.Equal(t, string(task("ABC", Capacity+4)), entries[Capacity-1])
}

func TestFlushIsBoundedPerTenant(t *testing.T) {
	queue, _, pusher := newQueue(t)
	ctx := context.Background()

	for i := 0; i < FlushBatch+10; i++ {
		require.NoError(t, queue.Enqueue(ctx, "A", task("A", i)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, "B", task("B", i)))
	}

	pusher.Open("n1:9")

	flushed, err := queue.Flush(ctx, "n1:9")
	require.NoError(t, err)
	assert.Equal(t, FlushBatch+3, flushed)

	sent := pusher.Sent("n1:9")
	require.Len(t, sent, FlushBatch+3)
	assert.Equal(t, string(task("A", 0)), sent[0])
	assert.Equal(t, string(task("A", FlushBatch-1)), sent[FlushBatch-1])
	assert.Equal(t, string(task("B", 0)), sent[FlushBatch])

	length, err := queue.Len(ctx, "A")
	require.NoError(t, err)
	assert.EqualValues(t, 10, length)

	length, err = queue.Len(ctx, "B")
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFlushStopsWhenWorkerGoes(t *testing.T) {
	queue, store, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, "A", task("A", i)))
		require.NoError(t, queue.Enqueue(ctx, "B", task("B", i)))
	}

	flushed, err := queue.Flush(ctx, "n1:9")
	require.NoError(t, err)
	assert.Zero(t, flushed)

	for _, tenant := range []string{"A", "B"} {
		entries, err := store.LRange(ctx, "dsp:pending_tasks:"+tenant, 0, -1)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, string(task(tenant, 0)), entries[0])
	}
}

func TestFlushReturnsEntryWhenWorkerFailsMidway(t *testing.T) {
	queue, store, pusher := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, queue.Enqueue(ctx, "A", task("A", i)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, "B", task("B", i)))
	}

	pusher.Open("n1:9")
	pusher.FailAfter("n1:9", 2)

	flushed, err := queue.Flush(ctx, "n1:9")
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	assert.Equal(t, []string{string(task("A", 0)), string(task("A", 1))}, pusher.Sent("n1:9"))

	entries, err := store.LRange(ctx, "dsp:pending_tasks:A", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{string(task("A", 2)), string(task("A", 3)), string(task("A", 4))}, entries)

	entries, err = store.LRange(ctx, "dsp:pending_tasks:B", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{string(task("B", 0)), string(task("B", 1)), string(task("B", 2))}, entries)
}

type idle struct{}

func (idle) OnOpen(ctx context.Context, handle transport.Handle)                  {}
func (idle) OnMessage(ctx context.Context, handle transport.Handle, data []byte) {}
func (idle) OnClose(ctx context.Context, handle transport.Handle)                 {}

func TestDispatchQueuesForStaleRemoteWorker(t *testing.T) {
	store := relaytest.NewStore(t)
	ctx := context.Background()

	manager := pkgtask.NewTaskManager(ctx)
	t.Cleanup(func() {
		manager.Cancel()
		manager.Wait()
	})

	local := transport.NewHub(store, relaytest.Keys, idle{}, transport.Options{Node: "node-a"})
	require.NoError(t, local.Run(manager))

	remote := transport.NewHub(store, relaytest.Keys, idle{}, transport.Options{Node: "node-b"})
	require.NoError(t, remote.Run(manager))

	// node-b is heartbeating but holds no such connection.
	require.NoError(t, store.SAdd(ctx, "dsp:workers", "node-b:42"))

	reg := registry.New(store, relaytest.Keys, local)
	queue := New(store, relaytest.Keys, reg, local)

	delivered, queued, err := queue.Dispatch(ctx, "ABC", task("ABC", 1))
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.True(t, queued)

	length, err := queue.Len(ctx, "ABC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	workers, err := store.SMembers(ctx, "dsp:workers")
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestRemoveByRequestID(t *testing.T) {
	queue, store, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, "A", task("A", i)))
	}

	removed, err := queue.Remove(ctx, "A", "r1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = queue.Remove(ctx, "A", "r7")
	require.NoError(t, err)
	assert.False(t, removed)

	entries, err := store.LRange(ctx, "dsp:pending_tasks:A", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{string(task("A", 0)), string(task("A", 2))}, entries)
}
