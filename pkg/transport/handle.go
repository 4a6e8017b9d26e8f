/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package transport

import (
	"context"
	"strconv"
	"strings"
)

// Handle identifies one open connection as "<node>:<seq>". It is only
// meaningful while the owning node is running.
type Handle string

func NewHandle(node string, seq uint64) Handle {
	return Handle(node + ":" + strconv.FormatUint(seq, 10))
}

// Node returns the id of the process that owns the connection.
func (handle Handle) Node() string {
	index := strings.LastIndexByte(string(handle), ':')
	if index < 0 {
		return ""
	}

	return string(handle[:index])
}

func (handle Handle) String() string {
	return string(handle)
}

// Events receives connection lifecycle callbacks. All callbacks for a node
// are made from a single goroutine, in arrival order.
type Events interface {
	OnOpen(ctx context.Context, handle Handle)
	OnMessage(ctx context.Context, handle Handle, data []byte)
	OnClose(ctx context.Context, handle Handle)
}

// Pusher delivers payloads to connections on any node.
type Pusher interface {
	Push(ctx context.Context, handle Handle, payload []byte) error
	IsLive(ctx context.Context, handle Handle) bool
}

// Directory names the shared keys used to coordinate nodes.
type Directory interface {
	Nodes() string
	NodeChannel(node string) string
	// NodeConnections is the set of handles open on node.
	NodeConnections(node string) string
}
