/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/sentry"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/task"
)

const (
	HeartbeatInterval = 10 * time.Second
	NodeExpiry        = 30 * time.Second

	inboxSize = 1024
)

var (
	ErrNotLive     = errors.New("transport: connection is not live")
	ErrNodeOffline = errors.New("transport: owning node is offline")
)

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
)

type event struct {
	kind   eventKind
	handle Handle
	data   []byte
}

// forward carries a push to the node that owns the connection.
type forward struct {
	Handle  Handle `json:"handle"`
	Payload []byte `json:"payload"`
}

type Options struct {
	// Node overrides the generated node id.
	Node string
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	Clock          clock.Clock
}

// Hub owns this node's WebSocket connections and serialises their events
// into a single loop. Pushes to connections owned by other nodes travel over
// the store's pub/sub.
type Hub struct {
	node      string
	store     storage.Storage
	directory Directory
	events    Events
	clock     clock.Clock
	upgrader  websocket.Upgrader

	seq atomic.Uint64

	mutex sync.Mutex
	conns *orderedmap.OrderedMap[Handle, *conn]

	inbox   chan event
	ctx     context.Context
	stopped chan struct{}
}

func NewHub(store storage.Storage, directory Directory, events Events, options Options) *Hub {
	node := options.Node
	if node == "" {
		node = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}

	hub := &Hub{
		node:      node,
		store:     store,
		directory: directory,
		events:    events,
		clock:     clk,
		conns:     orderedmap.New[Handle, *conn](),
		inbox:     make(chan event, inboxSize),
		ctx:       context.Background(),
		stopped:   make(chan struct{}),
	}

	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(options.AllowedOrigins),
	}

	return hub
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}

		return false
	}
}

func (hub *Hub) Node() string {
	return hub.node
}

// SetEvents replaces the event sink. Only valid before Run.
func (hub *Hub) SetEvents(events Events) {
	hub.events = events
}

// Len is the number of connections owned by this node.
func (hub *Hub) Len() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	return hub.conns.Len()
}

// Handles lists this node's connections, oldest first.
func (hub *Hub) Handles() []Handle {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	handles := make([]Handle, 0, hub.conns.Len())
	for pair := hub.conns.Oldest(); pair != nil; pair = pair.Next() {
		handles = append(handles, pair.Key)
	}

	return handles
}

func (hub *Hub) lookup(handle Handle) (*conn, bool) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	return hub.conns.Get(handle)
}

// Stopped is closed once the event loop has exited and this node's records
// are removed from the store.
func (hub *Hub) Stopped() <-chan struct{} {
	return hub.stopped
}

func (hub *Hub) Run(group task.Group) error {
	hub.ctx = group.Ctx()

	// A previous process with the same node id may have left its
	// connections behind.
	if err := hub.store.Del(group.Ctx(), hub.directory.NodeConnections(hub.node)); err != nil {
		return err
	}

	if err := hub.beat(group.Ctx()); err != nil {
		return err
	}

	forwards, err := hub.store.Subscribe(group.Ctx(), hub.directory.NodeChannel(hub.node))
	if err != nil {
		return err
	}

	logger.Infow("relay node started", "node", hub.node)

	group.GoFn("Hub Events", hub.processEvents)
	group.GoFn("Hub Heartbeat", hub.heartbeat)
	group.GoFn("Hub Forwards", func(group task.Group) error {
		for msg := range forwards {
			hub.receiveForward(group.Ctx(), msg)
		}

		return nil
	})

	return nil
}

func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(NewHandle(hub.node, hub.seq.Add(1)), ws)

	hub.mutex.Lock()
	hub.conns.Set(c.handle, c)
	hub.mutex.Unlock()

	if err := hub.store.SAdd(r.Context(), hub.directory.NodeConnections(hub.node), c.handle.String()); err != nil {
		logger.Warningw("failed to record connection", "handle", c.handle, "error", err)
		hub.drop(c)
		return
	}

	logger.Debugw("connection opened", "handle", c.handle, "remote", r.RemoteAddr)

	ctx := r.Context()
	if !hub.post(ctx, event{kind: eventOpen, handle: c.handle}) {
		hub.drop(c)
		return
	}

	ticker := hub.clock.Ticker(pingPeriod)
	go c.writePump(ticker.C, ticker.Stop)

	c.readPump(func(data []byte) bool {
		return hub.post(ctx, event{kind: eventMessage, handle: c.handle, data: data})
	})

	hub.drop(c)
	hub.post(context.Background(), event{kind: eventClose, handle: c.handle})

	logger.Debugw("connection closed", "handle", c.handle)
}

func (hub *Hub) drop(c *conn) {
	c.close()

	hub.mutex.Lock()
	current, found := hub.conns.Get(c.handle)
	if found && current == c {
		hub.conns.Delete(c.handle)
	}
	hub.mutex.Unlock()

	if !found || current != c {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := hub.store.SRem(ctx, hub.directory.NodeConnections(hub.node), c.handle.String()); err != nil {
		logger.Warningw("failed to remove connection record", "handle", c.handle, "error", err)
	}
}

func (hub *Hub) post(ctx context.Context, ev event) bool {
	select {
	case hub.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-hub.ctx.Done():
		return false
	}
}

func (hub *Hub) processEvents(group task.Group) error {
	defer close(hub.stopped)
	defer hub.closeAll()

	for {
		select {
		case <-group.Ctx().Done():
			return nil

		case ev := <-hub.inbox:
			hub.dispatch(group.Ctx(), ev)
		}
	}
}

// dispatch isolates each callback so a failure in one connection's handler
// leaves the loop running.
func (hub *Hub) dispatch(ctx context.Context, ev event) {
	defer func() {
		if err := recover(); err != nil {
			sentry.Recover(err, "handle "+string(ev.handle))
		}
	}()

	switch ev.kind {
	case eventOpen:
		hub.events.OnOpen(ctx, ev.handle)
	case eventMessage:
		hub.events.OnMessage(ctx, ev.handle, ev.data)
	case eventClose:
		hub.events.OnClose(ctx, ev.handle)
	}
}

func (hub *Hub) closeAll() {
	hub.mutex.Lock()
	conns := make([]*conn, 0, hub.conns.Len())
	for pair := hub.conns.Oldest(); pair != nil; pair = pair.Next() {
		conns = append(conns, pair.Value)
	}
	hub.mutex.Unlock()

	for _, c := range conns {
		c.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := hub.store.HDel(ctx, hub.directory.Nodes(), hub.node); err != nil {
		logger.Warningw("failed to remove node record", "node", hub.node, "error", err)
	}

	if err := hub.store.Del(ctx, hub.directory.NodeConnections(hub.node)); err != nil {
		logger.Warningw("failed to remove connection records", "node", hub.node, "error", err)
	}
}

func (hub *Hub) beat(ctx context.Context) error {
	now := strconv.FormatInt(hub.clock.Now().Unix(), 10)
	return hub.store.HSet(ctx, hub.directory.Nodes(), hub.node, now)
}

func (hub *Hub) heartbeat(group task.Group) error {
	ticker := hub.clock.Ticker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-group.Ctx().Done():
			return nil

		case <-ticker.C:
			if err := hub.beat(group.Ctx()); err != nil {
				logger.Warningw("node heartbeat failed", "node", hub.node, "error", err)
			}
		}
	}
}

// nodeAlive reports whether node has sent a heartbeat recently.
func (hub *Hub) nodeAlive(ctx context.Context, node string) bool {
	if node == hub.node {
		return true
	}

	value, err := hub.store.HGet(ctx, hub.directory.Nodes(), node)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warningw("failed to read node record", "node", node, "error", err)
		}
		return false
	}

	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}

	return hub.clock.Now().Sub(time.Unix(seconds, 0)) <= NodeExpiry
}

// remoteLive checks a connection owned by another node: the owner must be
// heartbeating and still list the handle among its open connections.
func (hub *Hub) remoteLive(ctx context.Context, handle Handle) error {
	node := handle.Node()
	if node == "" || !hub.nodeAlive(ctx, node) {
		return ErrNodeOffline
	}

	open, err := hub.store.SIsMember(ctx, hub.directory.NodeConnections(node), handle.String())
	if err != nil {
		logger.Warningw("failed to read connection record", "handle", handle, "error", err)
		return ErrNotLive.Wrap(err)
	}

	if !open {
		return ErrNotLive
	}

	return nil
}

func (hub *Hub) IsLive(ctx context.Context, handle Handle) bool {
	if handle.Node() == hub.node {
		c, found := hub.lookup(handle)
		return found && !c.isClosed()
	}

	return hub.remoteLive(ctx, handle) == nil
}

func (hub *Hub) Push(ctx context.Context, handle Handle, payload []byte) error {
	if handle.Node() == hub.node {
		c, found := hub.lookup(handle)
		if !found || !c.enqueue(payload) {
			return ErrNotLive
		}

		return nil
	}

	if err := hub.remoteLive(ctx, handle); err != nil {
		return err
	}

	msg, err := json.Marshal(forward{Handle: handle, Payload: payload})
	if err != nil {
		return err
	}

	received, err := hub.store.Publish(ctx, hub.directory.NodeChannel(handle.Node()), msg)
	if err != nil {
		return err
	}

	if received == 0 {
		return ErrNodeOffline
	}

	return nil
}

func (hub *Hub) receiveForward(ctx context.Context, msg []byte) {
	var fwd forward
	if err := json.Unmarshal(msg, &fwd); err != nil {
		logger.Warningw("dropping malformed forward", "node", hub.node, "error", err)
		return
	}

	c, found := hub.lookup(fwd.Handle)
	if found && c.enqueue(fwd.Payload) {
		return
	}

	// The sender believes this connection still exists; clean up after it.
	logger.Debugw("forward for unknown connection", "handle", fwd.Handle)
	hub.post(ctx, event{kind: eventClose, handle: fwd.Handle})
}
