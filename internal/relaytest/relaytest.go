/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */

// Package relaytest provides fakes shared by the relay package tests.
package relaytest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/storage/memdb"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

var Keys = keys.New("dsp:")

func NewStore(t testing.TB) storage.Storage {
	store, err := memdb.OpenStorage(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// Pusher is an in-memory transport. Handles are live once opened; a failing
// handle reports live but rejects pushes.
type Pusher struct {
	sync.Mutex

	live    map[transport.Handle]bool
	failing map[transport.Handle]bool
	limits  map[transport.Handle]int
	sent    map[transport.Handle][]string
}

func NewPusher() *Pusher {
	return &Pusher{
		live:    map[transport.Handle]bool{},
		failing: map[transport.Handle]bool{},
		limits:  map[transport.Handle]int{},
		sent:    map[transport.Handle][]string{},
	}
}

func (pusher *Pusher) Open(handles ...transport.Handle) {
	pusher.Lock()
	defer pusher.Unlock()

	for _, handle := range handles {
		pusher.live[handle] = true
		delete(pusher.failing, handle)
	}
}

func (pusher *Pusher) Close(handles ...transport.Handle) {
	pusher.Lock()
	defer pusher.Unlock()

	for _, handle := range handles {
		delete(pusher.live, handle)
	}
}

func (pusher *Pusher) Fail(handles ...transport.Handle) {
	pusher.Lock()
	defer pusher.Unlock()

	for _, handle := range handles {
		pusher.failing[handle] = true
	}
}

// FailAfter lets handle accept n more pushes, then rejects the rest.
func (pusher *Pusher) FailAfter(handle transport.Handle, n int) {
	pusher.Lock()
	defer pusher.Unlock()

	pusher.limits[handle] = len(pusher.sent[handle]) + n
}

func (pusher *Pusher) IsLive(ctx context.Context, handle transport.Handle) bool {
	pusher.Lock()
	defer pusher.Unlock()

	return pusher.live[handle]
}

func (pusher *Pusher) Push(ctx context.Context, handle transport.Handle, payload []byte) error {
	pusher.Lock()
	defer pusher.Unlock()

	if !pusher.live[handle] || pusher.failing[handle] {
		return transport.ErrNotLive
	}

	if limit, found := pusher.limits[handle]; found && len(pusher.sent[handle]) >= limit {
		return transport.ErrNotLive
	}

	pusher.sent[handle] = append(pusher.sent[handle], string(payload))
	return nil
}

// Sent returns the raw payloads pushed to handle.
func (pusher *Pusher) Sent(handle transport.Handle) []string {
	pusher.Lock()
	defer pusher.Unlock()

	return append([]string(nil), pusher.sent[handle]...)
}

// Messages decodes every payload pushed to handle.
func (pusher *Pusher) Messages(handle transport.Handle) []map[string]any {
	messages := []map[string]any{}
	for _, payload := range pusher.Sent(handle) {
		var message map[string]any
		if err := json.Unmarshal([]byte(payload), &message); err == nil {
			messages = append(messages, message)
		}
	}

	return messages
}

// Types lists the type field of every message pushed to handle.
func (pusher *Pusher) Types(handle transport.Handle) []string {
	types := []string{}
	for _, message := range pusher.Messages(handle) {
		kind, _ := message["type"].(string)
		types = append(types, kind)
	}

	return types
}

// Last returns the most recent message pushed to handle, or nil.
func (pusher *Pusher) Last(handle transport.Handle) map[string]any {
	messages := pusher.Messages(handle)
	if len(messages) == 0 {
		return nil
	}

	return messages[len(messages)-1]
}

func (pusher *Pusher) Reset() {
	pusher.Lock()
	defer pusher.Unlock()

	pusher.sent = map[transport.Handle][]string{}
}
