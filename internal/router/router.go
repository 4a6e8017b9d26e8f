/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package router

import (
	"context"

	"github.com/Juice-Labs/gpu-relay/internal/metrics"
	"github.com/Juice-Labs/gpu-relay/internal/notify"
	"github.com/Juice-Labs/gpu-relay/internal/pending"
	"github.com/Juice-Labs/gpu-relay/internal/registry"
	"github.com/Juice-Labs/gpu-relay/internal/status"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

// request is one decoded frame together with what the store knows about
// its sender.
type request struct {
	handle transport.Handle
	frame  *protocol.Frame
	role   string
	tenant string
}

type handlerFn func(router *Router, ctx context.Context, req request) error

type route struct {
	handler handlerFn

	// open routes are served before the sender registers.
	open bool
	// tenant routes need a sender bound to a tenant and are dropped otherwise.
	tenant bool
}

var routes = map[string]route{
	protocol.TypePing:     {handler: (*Router).ping, open: true},
	protocol.TypeRegister: {handler: (*Router).register, open: true},

	protocol.TypeURL:          {handler: (*Router).url, tenant: true},
	protocol.TypeChatGLMVideo: {handler: (*Router).video, tenant: true},
	protocol.TypeJobSubmit:    {handler: (*Router).submit, tenant: true},
	protocol.TypeTask:         {handler: (*Router).submit, tenant: true},

	protocol.TypeJobResult:          {handler: (*Router).jobResult},
	protocol.TypeTaskResult:         {handler: (*Router).jobResult},
	protocol.TypeResult:             {handler: (*Router).result},
	protocol.TypeChatGLMVideoResult: {handler: (*Router).videoResult},

	protocol.TypePowerOnline:    {handler: (*Router).powerOnline},
	protocol.TypePowerBoot:      {handler: (*Router).powerBoot},
	protocol.TypeStatusQuery:    {handler: (*Router).statusQuery},
	protocol.TypeStatusResponse: {handler: (*Router).statusResponse},

	protocol.TypeMobileTask:       {handler: (*Router).mobileTask, tenant: true},
	protocol.TypeMobileTaskResult: {handler: (*Router).mobileTaskResult, tenant: true},
	protocol.TypeSync:             {handler: (*Router).sync, tenant: true},
}

// Router handles every event of this node's connections.
type Router struct {
	registry *registry.Registry
	queue    *pending.Queue
	tracker  *status.Tracker
	relay    *notify.Relay
}

func New(registry *registry.Registry, queue *pending.Queue, tracker *status.Tracker, relay *notify.Relay) *Router {
	return &Router{
		registry: registry,
		queue:    queue,
		tracker:  tracker,
		relay:    relay,
	}
}

func (router *Router) OnOpen(ctx context.Context, handle transport.Handle) {
	if err := router.registry.Connect(ctx, handle); err != nil {
		logger.Debugw("failed to acknowledge connection", "handle", handle, "error", err)
	}
}

func (router *Router) OnClose(ctx context.Context, handle transport.Handle) {
	if err := router.registry.Disconnect(ctx, handle); err != nil {
		logger.Warningw("failed to clean up connection", "handle", handle, "error", err)
	}
}

func (router *Router) OnMessage(ctx context.Context, handle transport.Handle, data []byte) {
	router.relay.Kick()

	frame, err := protocol.Decode(data)
	if err != nil {
		logger.Debugw("dropping frame", "handle", handle, "error", err)
		return
	}

	route, found := routes[frame.Type]
	if !found {
		metrics.Frames.WithLabelValues("unknown").Inc()
		logger.Debugw("dropping frame of unknown type", "handle", handle, "type", frame.Type)
		return
	}

	metrics.Frames.WithLabelValues(frame.Type).Inc()

	req := request{handle: handle, frame: frame}

	if frame.Type != protocol.TypePing {
		if req.role, err = router.registry.Role(ctx, handle); err != nil {
			logger.Errorw("failed to look up sender", "handle", handle, "type", frame.Type, "error", err)
			return
		}

		if req.tenant, err = router.registry.Tenant(ctx, handle); err != nil {
			logger.Errorw("failed to look up sender", "handle", handle, "type", frame.Type, "error", err)
			return
		}
	}

	switch {
	case req.role == "" && !route.open:
		logger.Debugw("ignoring frame from unregistered connection", "handle", handle, "type", frame.Type)
		return

	case route.tenant && req.tenant == "":
		logger.Debugw("ignoring frame without tenant", "handle", handle, "type", frame.Type)
		return
	}

	if err := route.handler(router, ctx, req); err != nil {
		logger.Errorw("failed to handle frame", "handle", handle, "type", frame.Type, "error", err)
	}
}

// reply sends v back to the frame's sender. A sender that went away is not
// an error.
func (router *Router) reply(ctx context.Context, req request, v any) error {
	err := router.registry.Send(ctx, req.handle, v)
	if errors.Is(err, transport.ErrNotLive) || errors.Is(err, transport.ErrNodeOffline) {
		logger.Debugw("sender went away before reply", "handle", req.handle)
		return nil
	}

	return err
}

func (router *Router) deny(ctx context.Context, req request, msg string) error {
	logger.Infow("frame denied", "handle", req.handle, "type", req.frame.Type, "role", req.role)

	return router.reply(ctx, req, protocol.Error{
		Type: protocol.TypeError,
		Msg:  msg,
	})
}

// toMonitors tells every live monitor about v. Failures only cost the
// notice.
func (router *Router) toMonitors(ctx context.Context, v any) {
	payload, err := protocol.Encode(v)
	if err != nil {
		logger.Errorw("failed to encode monitor notice", "error", err)
		return
	}

	if _, err := router.registry.ToMonitors(ctx, payload); err != nil {
		logger.Warningw("failed to notify monitors", "error", err)
	}
}

func (router *Router) ping(ctx context.Context, req request) error {
	return router.reply(ctx, req, protocol.Simple{Type: protocol.TypePong})
}

func (router *Router) register(ctx context.Context, req request) error {
	frame := req.frame

	switch {
	case frame.Role == protocol.RoleWorker:
		if err := router.registry.RegisterWorker(ctx, req.handle); err != nil {
			return err
		}

		return router.workerAvailable(ctx, req.handle,
			protocol.Field{Key: "source", Value: protocol.SourceWorker},
			protocol.Field{Key: "worker_fd", Value: string(req.handle)})

	case frame.Role == protocol.RoleMonitor:
		return router.registry.RegisterMonitor(ctx, req.handle)

	case frame.Key != "":
		_, err := router.registry.RegisterClient(ctx, req.handle, string(frame.Key), string(frame.DeviceType))
		return err
	}

	logger.Debugw("ignoring register without role or key", "handle", req.handle)
	return nil
}

// workerAvailable announces the worker to clients and hands it the backlog.
func (router *Router) workerAvailable(ctx context.Context, worker transport.Handle, extra ...protocol.Field) error {
	if _, err := router.registry.BroadcastPowerOnline(ctx, extra...); err != nil {
		logger.Warningw("failed to broadcast gpu online", "error", err)
	}

	_, err := router.queue.Flush(ctx, worker)
	return err
}
