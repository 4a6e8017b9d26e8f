/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package router

import (
	"context"
	"fmt"

	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

func (router *Router) mobileTask(ctx context.Context, req request) error {
	if req.role != protocol.RoleMobile {
		return router.deny(ctx, req, protocol.MsgMobileOnly)
	}

	frame := req.frame
	taskType := string(frame.TaskType)

	requestID := string(frame.RequestID)
	if requestID == "" {
		requestID = protocol.NewID("mt_")
	}

	payload, err := protocol.Encode(protocol.MobileTask{
		Type:      protocol.TypeMobileTask,
		TaskType:  taskType,
		RequestID: requestID,
		Key:       req.tenant,
		SenderFd:  string(req.handle),
		Payload:   protocol.OrEmptyArray(frame.Payload),
	})
	if err != nil {
		return err
	}

	desktop, found, err := router.registry.DeviceSlot(ctx, req.tenant, protocol.RolePC)
	if err != nil {
		return err
	}

	if found && router.registry.Deliver(ctx, desktop, payload) {
		logger.Infow("mobile task forwarded", "tenant", req.tenant, "task_type", taskType, "desktop", desktop)

		return router.reply(ctx, req, protocol.Ack{
			Type:      protocol.TypeAck,
			RequestID: requestID,
			Msg:       fmt.Sprintf(protocol.MsgForwarded, taskType),
		})
	}

	if found {
		if err := router.registry.ReleaseDeviceSlot(ctx, req.tenant, protocol.RolePC, desktop); err != nil {
			logger.Warningw("failed to clear stale desktop slot", "tenant", req.tenant, "error", err)
		}
	}

	return router.reply(ctx, req, protocol.Error{
		Type:      protocol.TypeError,
		RequestID: requestID,
		Msg:       protocol.MsgDesktopOffline,
	})
}

func (router *Router) mobileTaskResult(ctx context.Context, req request) error {
	if req.role != protocol.RolePC {
		return router.deny(ctx, req, protocol.MsgDesktopOnly)
	}

	frame := req.frame

	result := protocol.MobileTaskResult{
		Type:      protocol.TypeMobileTaskResult,
		RequestID: string(frame.RequestID),
		TaskType:  string(frame.TaskType),
	}

	if frame.Error {
		result.Error = true
		result.ErrorMsg = errorMessage(frame.ErrorMsg, protocol.MsgUnknownError)
	} else {
		result.Result = protocol.OrEmptyArray(frame.Result)
	}

	payload, err := protocol.Encode(result)
	if err != nil {
		return err
	}

	if router.registry.Deliver(ctx, transport.Handle(frame.SenderFd), payload) {
		return nil
	}

	mobile, found, err := router.registry.DeviceSlot(ctx, req.tenant, protocol.RoleMobile)
	if err != nil || !found {
		return err
	}

	if !router.registry.Deliver(ctx, mobile, payload) {
		logger.Debugw("mobile task result undeliverable", "tenant", req.tenant, "request_id", result.RequestID)
	}

	return nil
}

// sync hands the frame, unchanged, to another device of the same tenant.
func (router *Router) sync(ctx context.Context, req request) error {
	target := string(req.frame.TargetDevice)
	if target == "" {
		return nil
	}

	handle, found, err := router.registry.DeviceSlot(ctx, req.tenant, target)
	if err != nil || !found {
		return err
	}

	if router.registry.Deliver(ctx, handle, req.frame.Raw) {
		logger.Debugw("sync forwarded", "tenant", req.tenant, "target", target, "handle", handle)
	}

	return nil
}
