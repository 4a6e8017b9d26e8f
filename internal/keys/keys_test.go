/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyspace(t *testing.T) {
	ks := New("dsp:")

	assert.Equal(t, "dsp:workers", ks.Workers())
	assert.Equal(t, "dsp:gpu_monitors", ks.Monitors())
	assert.Equal(t, "dsp:fdToKey", ks.HandleTenant())
	assert.Equal(t, "dsp:fdToRole", ks.HandleRole())
	assert.Equal(t, "dsp:client_fds:ABC", ks.ClientHandles("ABC"))
	assert.Equal(t, "dsp:device_fd:ABC", ks.DeviceSlots("ABC"))
	assert.Equal(t, "dsp:task_status:ABC", ks.TaskStatus("ABC"))
	assert.Equal(t, "dsp:gpu_monitor_notify", ks.MonitorNotify())
	assert.Equal(t, "dsp:conns:n1", ks.NodeConnections("n1"))
}

func TestPendingUsesGlobalListWithoutTenant(t *testing.T) {
	ks := New("relay:")

	assert.Equal(t, "relay:pending_tasks:__global__", ks.Pending(""))
	assert.Equal(t, "relay:pending_tasks:ABC", ks.Pending("ABC"))
	assert.Equal(t, "ABC", ks.PendingTenant(ks.Pending("ABC")))
}
