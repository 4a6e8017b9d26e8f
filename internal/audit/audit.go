/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package audit

import (
	"context"
	"time"
)

const (
	KindConnect    = "connect"
	KindRegister   = "register"
	KindDisconnect = "disconnect"
)

// Event is one change in a connection's presence.
type Event struct {
	Node   string
	Handle string
	Role   string
	Tenant string
	Kind   string
	At     time.Time
}

// Recorder stores presence events. Implementations must not block the caller
// and must never report failures back to it.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(ctx context.Context, event Event) {}

func Nop() Recorder {
	return nopRecorder{}
}
