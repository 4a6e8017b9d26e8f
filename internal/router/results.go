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

// fromWorker reports whether the sender is a registered worker, denying the
// frame when it is not.
func (router *Router) fromWorker(ctx context.Context, req request) (bool, error) {
	worker, err := router.registry.IsWorker(ctx, req.handle)
	if err != nil || worker {
		return worker, err
	}

	return false, router.deny(ctx, req, fmt.Sprintf(protocol.MsgWorkerOnly, req.frame.Type))
}

func errorMessage(msg *protocol.Text, fallback string) *string {
	if msg != nil {
		text := string(*msg)
		return &text
	}

	return &fallback
}

func (router *Router) jobResult(ctx context.Context, req request) error {
	if worker, err := router.fromWorker(ctx, req); !worker {
		return err
	}

	frame := req.frame
	tenant := string(frame.Key)
	taskType := string(frame.TaskType)
	sender := transport.Handle(frame.SenderFd)

	result := protocol.JobResult{
		Type:      protocol.TypeJobResult,
		TaskType:  taskType,
		RequestID: string(frame.RequestID),
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

	result.Type, _ = protocol.LegacyType(protocol.TypeJobResult)
	legacy, err := protocol.Encode(result)
	if err != nil {
		return err
	}

	for _, p := range [][]byte{payload, legacy} {
		if _, err := router.registry.Reply(ctx, tenant, sender, p); err != nil {
			return err
		}
	}

	if tenant != "" && taskType != "" {
		if err := router.tracker.Clear(ctx, tenant, taskType); err != nil {
			return err
		}
	}

	logger.Infow("gpu job finished", "tenant", tenant, "task_type", taskType, "request_id", result.RequestID, "error", result.Error)
	return nil
}

func (router *Router) result(ctx context.Context, req request) error {
	if worker, err := router.fromWorker(ctx, req); !worker {
		return err
	}

	tenant := string(req.frame.Key)

	payload, err := protocol.Encode(protocol.Result{
		Type:    protocol.TypeResult,
		Content: protocol.OrEmptyString(req.frame.Content),
		Error:   bool(req.frame.Error),
	})
	if err != nil {
		return err
	}

	delivered, err := router.registry.ToTenant(ctx, tenant, payload)
	if err != nil {
		return err
	}

	logger.Infow("transcript result relayed", "tenant", tenant, "connections", delivered, "error", bool(req.frame.Error))
	return nil
}

func (router *Router) videoResult(ctx context.Context, req request) error {
	if worker, err := router.fromWorker(ctx, req); !worker {
		return err
	}

	frame := req.frame
	tenant := string(frame.Key)

	result := protocol.VideoResult{
		Type:      protocol.TypeChatGLMVideoResult,
		RequestID: string(frame.RequestID),
	}

	if frame.Error {
		result.Error = true
		result.ErrorMsg = errorMessage(frame.ErrorMsg, "")
	} else {
		videoURL, coverURL := string(frame.VideoURL), string(frame.CoverURL)
		result.VideoURL = &videoURL
		result.CoverURL = &coverURL
	}

	payload, err := protocol.Encode(result)
	if err != nil {
		return err
	}

	_, err = router.registry.Reply(ctx, tenant, transport.Handle(frame.SenderFd), payload)
	if err == nil {
		logger.Infow("video result relayed", "tenant", tenant, "request_id", result.RequestID, "error", result.Error)
	}

	return err
}
