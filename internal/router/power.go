/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package router

import (
	"context"
	"strings"

	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
)

// stateInitializing is the cloud vendor state of an instance still booting.
const stateInitializing = "Initializing"

func (router *Router) powerOnline(ctx context.Context, req request) error {
	worker, err := router.registry.IsWorker(ctx, req.handle)
	if err != nil {
		return err
	}

	monitor := false
	if !worker {
		if monitor, err = router.registry.IsMonitor(ctx, req.handle); err != nil {
			return err
		}
	}

	if !worker && !monitor {
		return router.deny(ctx, req, protocol.MsgPowerSourceOnly)
	}

	from := protocol.RoleMonitor
	if worker {
		from = protocol.RoleWorker
	}

	logger.Infow("gpu power online", "handle", req.handle, "from", from)

	extra := []protocol.Field{
		{Key: "status", Value: protocol.StatusOnline},
		{Key: "from", Value: from},
		{Key: "request_id", Value: string(req.frame.RequestID)},
	}

	if !worker {
		_, err := router.registry.BroadcastPowerOnline(ctx, extra...)
		return err
	}

	return router.workerAvailable(ctx, req.handle, extra...)
}

func (router *Router) powerBoot(ctx context.Context, req request) error {
	requestID := string(req.frame.RequestID)
	if requestID == "" {
		requestID = protocol.NewID("boot_")
	}

	msg := protocol.MsgBootRequested
	if req.frame.Msg != nil {
		msg = string(*req.frame.Msg)
	}

	logger.Infow("gpu boot requested", "handle", req.handle, "request_id", requestID)

	router.toMonitors(ctx, protocol.PowerBoot{
		Type:      protocol.TypePowerBoot,
		Source:    protocol.SourceClient,
		Fd:        string(req.handle),
		RequestID: requestID,
		Msg:       msg,
	})

	return nil
}

func (router *Router) statusQuery(ctx context.Context, req request) error {
	requestID := string(req.frame.RequestID)
	if requestID == "" {
		requestID = protocol.NewID("sq_")
	}

	router.toMonitors(ctx, protocol.StatusQuery{
		Type:      protocol.TypeStatusQuery,
		Source:    protocol.SourceClient,
		SenderFd:  string(req.handle),
		RequestID: requestID,
	})

	return nil
}

func (router *Router) statusResponse(ctx context.Context, req request) error {
	monitor, err := router.registry.IsMonitor(ctx, req.handle)
	if err != nil {
		return err
	}

	if !monitor {
		return router.deny(ctx, req, protocol.MsgMonitorOnly)
	}

	frame := req.frame

	state := frame.StateValue()
	current := string(frame.Status)
	if current == "" {
		current = protocol.StatusUnknown
	}

	if strings.EqualFold(state, stateInitializing) {
		current = protocol.StatusStarting
	}

	payload, err := protocol.Encode(protocol.StatusResponse{
		Type:      protocol.TypeStatusResponse,
		Status:    current,
		State:     state,
		RequestID: string(frame.RequestID),
		Fresh:     protocol.OrFalse(frame.Fresh),
	})
	if err != nil {
		return err
	}

	delivered, err := router.registry.ToAllTenants(ctx, payload)
	if err == nil {
		logger.Infow("gpu status relayed", "status", current, "request_id", frame.RequestID, "clients", delivered)
	}

	return err
}
