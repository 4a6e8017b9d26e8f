/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package keys

import (
	"flag"
	"strings"
)

var (
	keyPrefix = flag.String("key-prefix", "dsp:", "Prefix applied to every key in the shared store")
)

// GlobalTenant names the pending list for tasks submitted without a tenant.
const GlobalTenant = "__global__"

// Keyspace names every key and channel the relay uses in the shared store.
type Keyspace struct {
	prefix string
}

func New(prefix string) Keyspace {
	return Keyspace{prefix: prefix}
}

// FromFlags uses the --key-prefix flag.
func FromFlags() Keyspace {
	return New(*keyPrefix)
}

func (ks Keyspace) Prefix() string {
	return ks.prefix
}

func (ks Keyspace) Workers() string {
	return ks.prefix + "workers"
}

func (ks Keyspace) Monitors() string {
	return ks.prefix + "gpu_monitors"
}

func (ks Keyspace) HandleTenant() string {
	return ks.prefix + "fdToKey"
}

func (ks Keyspace) HandleRole() string {
	return ks.prefix + "fdToRole"
}

func (ks Keyspace) ClientHandles(tenant string) string {
	return ks.prefix + "client_fds:" + tenant
}

func (ks Keyspace) ClientHandlesPrefix() string {
	return ks.prefix + "client_fds:"
}

func (ks Keyspace) DeviceSlots(tenant string) string {
	return ks.prefix + "device_fd:" + tenant
}

func (ks Keyspace) Pending(tenant string) string {
	if tenant == "" {
		tenant = GlobalTenant
	}

	return ks.prefix + "pending_tasks:" + tenant
}

func (ks Keyspace) PendingPrefix() string {
	return ks.prefix + "pending_tasks:"
}

// PendingTenant recovers the tenant from a pending list key.
func (ks Keyspace) PendingTenant(key string) string {
	return strings.TrimPrefix(key, ks.PendingPrefix())
}

func (ks Keyspace) TaskStatus(tenant string) string {
	return ks.prefix + "task_status:" + tenant
}

func (ks Keyspace) MonitorNotify() string {
	return ks.prefix + "gpu_monitor_notify"
}

func (ks Keyspace) MonitorNotifyWake() string {
	return ks.prefix + "gpu_monitor_notify:wake"
}

func (ks Keyspace) Nodes() string {
	return ks.prefix + "nodes"
}

func (ks Keyspace) NodeChannel(node string) string {
	return ks.prefix + "node:" + node
}

func (ks Keyspace) NodeConnections(node string) string {
	return ks.prefix + "conns:" + node
}
