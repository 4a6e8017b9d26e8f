/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Juice-Labs/gpu-relay/pkg/server"
)

type fakeSources struct {
	workers, monitors, notifications, backlog int64
	connections                               int
	err                                       error
}

func (f *fakeSources) Counts(ctx context.Context) (int64, int64, error) {
	return f.workers, f.monitors, f.err
}

func (f *fakeSources) Len(ctx context.Context) (int64, error) {
	return f.notifications, nil
}

func (f *fakeSources) Total(ctx context.Context) (int64, error) {
	return f.backlog, nil
}

type connections int

func (c connections) Len() int {
	return int(c)
}

func newRelay(fake *fakeSources) *Relay {
	return NewRelay(Sources{
		Presence:      fake,
		Notifications: fake,
		Backlog:       fake,
		Connections:   connections(fake.connections),
	})
}

func TestUpdateSetsGauges(t *testing.T) {
	fake := &fakeSources{workers: 2, monitors: 1, notifications: 7, backlog: 12, connections: 5}
	relay := newRelay(fake)

	require.NoError(t, relay.update(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(relay.workers))
	assert.Equal(t, 1.0, testutil.ToFloat64(relay.monitors))
	assert.Equal(t, 7.0, testutil.ToFloat64(relay.notifications))
	assert.Equal(t, 12.0, testutil.ToFloat64(relay.backlog))
	assert.Equal(t, 5.0, testutil.ToFloat64(relay.connections))
}

func TestUpdateKeepsLastSampleOnError(t *testing.T) {
	fake := &fakeSources{workers: 3}
	relay := newRelay(fake)
	require.NoError(t, relay.update(context.Background()))

	fake.workers = 9
	fake.err = errors.New("store unavailable")
	assert.Error(t, relay.update(context.Background()))
	assert.Equal(t, 3.0, testutil.ToFloat64(relay.workers))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, err := server.NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)

	relay := newRelay(&fakeSources{workers: 4})
	require.NoError(t, relay.update(context.Background()))

	registry := prometheus.NewRegistry()
	relay.Register(srv, registry, registry)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, string(body), "relay_workers 4")
}
