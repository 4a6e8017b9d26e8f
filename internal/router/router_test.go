/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Juice-Labs/gpu-relay/internal/notify"
	"github.com/Juice-Labs/gpu-relay/internal/pending"
	"github.com/Juice-Labs/gpu-relay/internal/registry"
	"github.com/Juice-Labs/gpu-relay/internal/relaytest"
	"github.com/Juice-Labs/gpu-relay/internal/status"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  storage.Storage
	pusher *relaytest.Pusher
	clock  *clock.Mock
	queue  *pending.Queue
	router *Router
}

func newFixture(t *testing.T) *fixture {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	store := relaytest.NewStore(t)
	pusher := relaytest.NewPusher()

	reg := registry.New(store, relaytest.Keys, pusher, registry.WithClock(mock))
	queue := pending.New(store, relaytest.Keys, reg, pusher)
	tracker := status.New(store, relaytest.Keys, mock)
	relay := notify.New(store, relaytest.Keys, reg, mock)

	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		pusher: pusher,
		clock:  mock,
		queue:  queue,
		router: New(reg, queue, tracker, relay),
	}
}

func (f *fixture) open(handle transport.Handle) {
	f.pusher.Open(handle)
	f.router.OnOpen(f.ctx, handle)
}

func (f *fixture) send(handle transport.Handle, frame string) {
	f.router.OnMessage(f.ctx, handle, []byte(frame))
}

func (f *fixture) client(handle transport.Handle, tenant string, device string) {
	f.open(handle)
	f.send(handle, `{"type":"register","key":"`+tenant+`","device_type":"`+device+`"}`)
	f.pusher.Reset()
}

func (f *fixture) worker(handle transport.Handle) {
	f.open(handle)
	f.send(handle, `{"type":"register","role":"worker"}`)
	f.pusher.Reset()
}

func (f *fixture) monitor(handle transport.Handle) {
	f.open(handle)
	f.send(handle, `{"type":"register","role":"gpu_monitor"}`)
	f.pusher.Reset()
}

func TestPingBeforeRegister(t *testing.T) {
	f := newFixture(t)

	f.open("n1:1")
	assert.Equal(t, map[string]any{"type": "connected", "fd": "n1:1"}, f.pusher.Last("n1:1"))

	f.send("n1:1", `{"type":"ping"}`)
	assert.Equal(t, map[string]any{"type": "pong"}, f.pusher.Last("n1:1"))
}

func TestUnregisteredFramesIgnored(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")

	f.open("n1:1")
	f.pusher.Reset()

	f.send("n1:1", `{"type":"url","url":"https://example.com/v"}`)
	f.send("n1:1", `not json`)
	f.send("n1:1", `[1,2]`)

	assert.Empty(t, f.pusher.Sent("n1:1"))
	assert.Empty(t, f.pusher.Sent("n1:9"))
}

func TestBareLinkIsDispatched(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", "  https://example.com/v/1  ")

	assert.Equal(t, map[string]any{"type": "url", "url": "https://example.com/v/1", "key": "ABC"}, f.pusher.Last("n1:9"))
	assert.Equal(t, map[string]any{"type": "ack", "msg": "Submitted"}, f.pusher.Last("n1:1"))
}

func TestOfflineTaskIsQueuedAndFlushed(t *testing.T) {
	f := newFixture(t)
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"url","url":"https://example.com/v/1"}`)

	notice := f.pusher.Last("n1:1")
	assert.Equal(t, "gpu.power.offline", notice["type"])
	assert.Equal(t, "api", notice["source"])
	assert.Equal(t, map[string]any{"status": "offline"}, notice["data"])

	depth, err := f.queue.Len(f.ctx, "ABC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	f.pusher.Reset()
	f.open("n1:9")
	f.send("n1:9", `{"type":"register","role":"worker"}`)

	assert.Equal(t, []string{"connected", "registered", "url"}, f.pusher.Types("n1:9"))
	assert.Equal(t, []string{"gpu_online", "gpu.power.online"}, f.pusher.Types("n1:1"))

	online := f.pusher.Last("n1:1")
	data := online["data"].(map[string]any)
	assert.Equal(t, "worker", data["source"])
	assert.Equal(t, "n1:9", data["worker_fd"])

	depth, err = f.queue.Len(f.ctx, "ABC")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestVideoCarriesSender(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"chatglm_video","content":"a cat","request_id":"v1"}`)

	assert.Equal(t, map[string]any{
		"type":       "chatglm_video",
		"content":    "a cat",
		"key":        "ABC",
		"request_id": "v1",
		"sender_fd":  "n1:1",
	}, f.pusher.Last("n1:9"))
	assert.Equal(t, map[string]any{"type": "ack", "request_id": "v1", "msg": "Submitted"}, f.pusher.Last("n1:1"))
}

func TestMonitorsHearAboutTasks(t *testing.T) {
	f := newFixture(t)
	f.monitor("n1:5")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r1","payload":{"text":"hi"}}`)

	assert.Equal(t, map[string]any{"type": "gpu.job.submit", "task_type": "tts", "key": "ABC"}, f.pusher.Last("n1:5"))
}

func TestSubmitRejectedWhileProcessing(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r1","payload":{"text":"hi"}}`)

	submitted := f.pusher.Last("n1:9")
	assert.Equal(t, "gpu.job.submit", submitted["type"])
	assert.Equal(t, "n1:1", submitted["sender_fd"])
	assert.Equal(t, map[string]any{"text": "hi"}, submitted["payload"])

	assert.Equal(t, map[string]any{
		"type":       "ack",
		"request_id": "r1",
		"task_type":  "tts",
		"msg":        "Submitted to the GPU server",
	}, f.pusher.Last("n1:1"))

	f.clock.Add(42 * time.Second)
	f.send("n1:1", `{"type":"gpu_task","task_type":"tts","request_id":"r2"}`)

	rejection := f.pusher.Last("n1:1")
	assert.Equal(t, "error", rejection["type"])
	assert.Equal(t, "r2", rejection["request_id"])
	assert.Equal(t, "r1", rejection["old_request_id"])
	assert.Contains(t, rejection["msg"], "42 s")

	assert.Len(t, f.pusher.Sent("n1:9"), 1)
}

func TestQueuedSubmitIsReplaced(t *testing.T) {
	f := newFixture(t)
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r1"}`)

	notice := f.pusher.Last("n1:1")
	assert.Equal(t, "gpu.power.offline", notice["type"])
	assert.Equal(t, "r1", notice["request_id"])
	assert.Equal(t, "tts", notice["task_type"])

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r2"}`)

	entries, err := f.store.LRange(f.ctx, "dsp:pending_tasks:ABC", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], `"request_id":"r2"`)
}

func TestStaleSubmitIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r1"}`)
	f.clock.Add(status.StaleAfter + time.Second)
	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r2"}`)

	assert.Equal(t, "ack", f.pusher.Last("n1:1")["type"])
	assert.Len(t, f.pusher.Sent("n1:9"), 2)
}

func TestJobResultReachesSenderInBothFormats(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")
	f.client("n1:2", "ABC", "mobile")

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r1"}`)
	f.pusher.Reset()

	f.send("n1:9", `{"type":"gpu.job.result","key":"ABC","task_type":"tts","request_id":"r1","sender_fd":"n1:1","result":{"url":"https://example.com/a.wav"}}`)

	assert.Equal(t, []string{"gpu.job.result", "gpu_task_result"}, f.pusher.Types("n1:1"))
	assert.Empty(t, f.pusher.Sent("n1:2"))
	assert.Equal(t, map[string]any{"url": "https://example.com/a.wav"}, f.pusher.Last("n1:1")["result"])

	_, err := f.store.HGet(f.ctx, "dsp:task_status:ABC", "tts")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobResultWithLooseFieldsClearsStatus(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"gpu.job.submit","task_type":"tts","request_id":"r1"}`)
	f.pusher.Reset()

	f.send("n1:9", `{"type":"gpu.job.result","key":"ABC","task_type":"tts","request_id":"r1","sender_fd":"n1:1","status":200,"msg":1}`)

	assert.Equal(t, []string{"gpu.job.result", "gpu_task_result"}, f.pusher.Types("n1:1"))

	_, err := f.store.HGet(f.ctx, "dsp:task_status:ABC", "tts")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobResultFallsBackToTenant(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:2", "ABC", "mobile")

	f.send("n1:9", `{"type":"gpu_task_result","key":"ABC","task_type":"tts","request_id":"r1","sender_fd":"n1:1","error":1}`)

	messages := f.pusher.Messages("n1:2")
	require.Len(t, messages, 2)
	assert.Equal(t, true, messages[0]["error"])
	assert.Equal(t, "Unknown error", messages[0]["error_msg"])
}

func TestResultsRequireWorker(t *testing.T) {
	f := newFixture(t)
	f.client("n1:1", "ABC", "")
	f.client("n1:2", "ABC", "")

	f.send("n1:1", `{"type":"gpu.job.result","key":"ABC","task_type":"tts","sender_fd":"n1:2"}`)

	assert.Empty(t, f.pusher.Sent("n1:2"))
	assert.Equal(t, "error", f.pusher.Last("n1:1")["type"])
	assert.Contains(t, f.pusher.Last("n1:1")["msg"], "gpu.job.result")
}

func TestTranscriptResultToTenant(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")
	f.client("n1:2", "ABC", "mobile")
	f.client("n1:3", "XYZ", "")

	f.send("n1:9", `{"type":"result","key":"ABC","content":"hello"}`)

	assert.Equal(t, map[string]any{"type": "result", "content": "hello"}, f.pusher.Last("n1:1"))
	assert.Equal(t, map[string]any{"type": "result", "content": "hello"}, f.pusher.Last("n1:2"))
	assert.Empty(t, f.pusher.Sent("n1:3"))
}

func TestVideoResultShapes(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.send("n1:9", `{"type":"chatglm_video_result","key":"ABC","sender_fd":"n1:1","video_url":"https://v","cover_url":"https://c"}`)
	assert.Equal(t, map[string]any{"type": "chatglm_video_result", "video_url": "https://v", "cover_url": "https://c"}, f.pusher.Last("n1:1"))

	f.send("n1:9", `{"type":"chatglm_video_result","key":"ABC","request_id":"v1","sender_fd":"n1:1","error":true}`)
	assert.Equal(t, map[string]any{"type": "chatglm_video_result", "request_id": "v1", "error": true, "error_msg": ""}, f.pusher.Last("n1:1"))
}

func TestPowerOnlineFromMonitor(t *testing.T) {
	f := newFixture(t)
	f.monitor("n1:5")
	f.client("n1:1", "ABC", "")
	f.queue.Enqueue(f.ctx, "ABC", []byte(`{"type":"url"}`))

	f.send("n1:5", `{"type":"gpu.power.online","request_id":"p1"}`)

	assert.Equal(t, []string{"gpu_online", "gpu.power.online"}, f.pusher.Types("n1:1"))
	data := f.pusher.Last("n1:1")["data"].(map[string]any)
	assert.Equal(t, "gpu_monitor", data["from"])
	assert.Equal(t, "p1", data["request_id"])

	depth, err := f.queue.Len(f.ctx, "ABC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	f.pusher.Reset()
	f.send("n1:1", `{"type":"gpu.power.online"}`)
	assert.Equal(t, []string{"error"}, f.pusher.Types("n1:1"))
}

func TestBootAndQueryReachMonitors(t *testing.T) {
	f := newFixture(t)
	f.monitor("n1:5")
	f.client("n1:1", "ABC", "")

	f.send("n1:1", `{"type":"gpu.power.boot"}`)
	boot := f.pusher.Last("n1:5")
	assert.Equal(t, "gpu.power.boot", boot["type"])
	assert.Equal(t, "client", boot["source"])
	assert.Equal(t, "n1:1", boot["fd"])
	assert.True(t, strings.HasPrefix(boot["request_id"].(string), "boot_"))

	f.send("n1:1", `{"type":"gpu.status.query","request_id":7}`)
	assert.Equal(t, map[string]any{
		"type":       "gpu.status.query",
		"source":     "client",
		"sender_fd":  "n1:1",
		"request_id": "7",
	}, f.pusher.Last("n1:5"))
}

func TestStatusResponseNormalisesState(t *testing.T) {
	f := newFixture(t)
	f.monitor("n1:5")
	f.client("n1:1", "ABC", "")
	f.client("n1:2", "XYZ", "")

	f.send("n1:5", `{"type":"gpu.status.response","status":"offline","State":"initializing","request_id":"s1"}`)

	expected := map[string]any{
		"type":       "gpu.status.response",
		"status":     "starting",
		"State":      "initializing",
		"request_id": "s1",
		"fresh":      false,
	}
	assert.Equal(t, expected, f.pusher.Last("n1:1"))
	assert.Equal(t, expected, f.pusher.Last("n1:2"))

	f.send("n1:1", `{"type":"gpu.status.response","status":"online"}`)
	assert.Equal(t, "error", f.pusher.Last("n1:1")["type"])
	assert.Equal(t, expected, f.pusher.Last("n1:2"))
}

func TestMobileTaskNeedsDesktop(t *testing.T) {
	f := newFixture(t)
	f.client("n1:2", "ABC", "mobile")

	f.send("n1:2", `{"type":"mobile_task","task_type":"clone","request_id":"m1"}`)
	assert.Equal(t, map[string]any{
		"type":       "error",
		"request_id": "m1",
		"msg":        "The desktop client is offline, please open the desktop application first",
	}, f.pusher.Last("n1:2"))

	f.client("n1:1", "ABC", "pc")
	f.pusher.Close("n1:1")

	f.send("n1:2", `{"type":"mobile_task","task_type":"clone","request_id":"m2"}`)
	assert.Equal(t, "error", f.pusher.Last("n1:2")["type"])

	_, err := f.store.HGet(f.ctx, "dsp:device_fd:ABC", "pc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMobileTaskRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.client("n1:1", "ABC", "pc")
	f.client("n1:2", "ABC", "mobile")

	f.send("n1:2", `{"type":"mobile_task","task_type":"clone","request_id":"m1","payload":{"a":1}}`)

	assert.Equal(t, map[string]any{
		"type":       "mobile_task",
		"task_type":  "clone",
		"request_id": "m1",
		"key":        "ABC",
		"sender_fd":  "n1:2",
		"payload":    map[string]any{"a": float64(1)},
	}, f.pusher.Last("n1:1"))
	assert.Equal(t, "ack", f.pusher.Last("n1:2")["type"])

	f.pusher.Reset()
	f.send("n1:1", `{"type":"mobile_task_result","task_type":"clone","request_id":"m1","sender_fd":"n1:2","result":{"ok":true}}`)

	assert.Equal(t, map[string]any{
		"type":       "mobile_task_result",
		"request_id": "m1",
		"task_type":  "clone",
		"result":     map[string]any{"ok": true},
	}, f.pusher.Last("n1:2"))

	f.send("n1:2", `{"type":"mobile_task_result","request_id":"m1"}`)
	assert.Equal(t, "error", f.pusher.Last("n1:2")["type"])
}

func TestMobileTaskResultFallsBackToSlot(t *testing.T) {
	f := newFixture(t)
	f.client("n1:1", "ABC", "pc")
	f.client("n1:3", "ABC", "mobile")

	f.send("n1:1", `{"type":"mobile_task_result","request_id":"m1","sender_fd":"n1:2","error":true,"error_msg":"failed"}`)

	assert.Equal(t, map[string]any{
		"type":       "mobile_task_result",
		"request_id": "m1",
		"task_type":  "",
		"error":      true,
		"error_msg":  "failed",
	}, f.pusher.Last("n1:3"))
}

func TestSyncIsForwardedVerbatim(t *testing.T) {
	f := newFixture(t)
	f.client("n1:1", "ABC", "pc")
	f.client("n1:2", "ABC", "mobile")

	frame := `{"type":"sync","target_device":"mobile","data":{"z":1,"a":[true]}}`
	f.send("n1:1", frame)

	assert.Equal(t, []string{frame}, f.pusher.Sent("n1:2"))

	f.send("n1:1", `{"type":"sync","target_device":"tablet"}`)
	f.send("n1:1", `{"type":"sync"}`)
	assert.Len(t, f.pusher.Sent("n1:2"), 1)
}

func TestCloseUnregisters(t *testing.T) {
	f := newFixture(t)
	f.worker("n1:9")
	f.client("n1:1", "ABC", "")

	f.router.OnClose(f.ctx, "n1:9")
	f.router.OnClose(f.ctx, "n1:1")

	workers, err := f.store.SCard(f.ctx, "dsp:workers")
	require.NoError(t, err)
	assert.Zero(t, workers)

	role, err := f.store.HGetAll(f.ctx, "dsp:fdToRole")
	require.NoError(t, err)
	assert.Empty(t, role)
}
