/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Juice-Labs/gpu-relay/internal/status"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/transport"
)

func (router *Router) url(ctx context.Context, req request) error {
	payload, err := protocol.Encode(protocol.URLTask{
		Type: protocol.TypeURL,
		URL:  string(req.frame.URL),
		Key:  req.tenant,
	})
	if err != nil {
		return err
	}

	_, queued, err := router.queue.Dispatch(ctx, req.tenant, payload)
	if err != nil {
		return err
	}

	router.toMonitors(ctx, protocol.MonitorNotice{Type: protocol.TypeURL, Key: req.tenant})

	if queued {
		return router.reply(ctx, req, protocol.OfflineNotice(router.registry.Clock().Now(), "", ""))
	}

	return router.reply(ctx, req, protocol.Ack{Type: protocol.TypeAck, Msg: protocol.MsgSubmitted})
}

func (router *Router) video(ctx context.Context, req request) error {
	requestID := string(req.frame.RequestID)

	payload, err := protocol.Encode(protocol.VideoTask{
		Type:      protocol.TypeChatGLMVideo,
		Content:   protocol.OrEmptyString(req.frame.Content),
		Key:       req.tenant,
		RequestID: requestID,
		SenderFd:  string(req.handle),
	})
	if err != nil {
		return err
	}

	_, queued, err := router.queue.Dispatch(ctx, req.tenant, payload)
	if err != nil {
		return err
	}

	router.toMonitors(ctx, protocol.MonitorNotice{Type: protocol.TypeChatGLMVideo, Key: req.tenant})

	if queued {
		return router.reply(ctx, req, protocol.OfflineNotice(router.registry.Clock().Now(), requestID, ""))
	}

	return router.reply(ctx, req, protocol.Ack{
		Type:      protocol.TypeAck,
		RequestID: requestID,
		Msg:       protocol.MsgSubmitted,
	})
}

// Submission is a GPU job offered by a client connection or by the HTTP
// ingress, which has no sender.
type Submission struct {
	Tenant    string
	TaskType  string
	RequestID string
	Payload   json.RawMessage
	Sender    transport.Handle
}

// Outcome reports what became of a Submission. Rejected submissions carry
// the decision naming the task still in flight.
type Outcome struct {
	RequestID string
	Status    string
	Rejected  bool
	Decision  status.Decision
}

// Submit admits a job through the status tracker and dispatches or queues
// it. It neither replies nor notifies monitors.
func (router *Router) Submit(ctx context.Context, submission Submission) (Outcome, error) {
	if submission.RequestID == "" {
		submission.RequestID = protocol.NewID("gt_")
	}

	outcome := Outcome{RequestID: submission.RequestID}

	decision, err := router.tracker.Admit(ctx, submission.Tenant, submission.TaskType, submission.RequestID)
	if err != nil {
		return outcome, err
	}

	outcome.Decision = decision
	if !decision.Accepted {
		outcome.Rejected = true
		return outcome, nil
	}

	if decision.Reason == status.ReasonReplaceQueued && decision.OldRequestID != "" {
		if _, err := router.queue.Remove(ctx, submission.Tenant, decision.OldRequestID); err != nil {
			logger.Warningw("failed to remove replaced task", "tenant", submission.Tenant, "request_id", decision.OldRequestID, "error", err)
		}
	}

	payload, err := protocol.Encode(protocol.JobSubmit{
		Type:      protocol.TypeJobSubmit,
		TaskType:  submission.TaskType,
		RequestID: submission.RequestID,
		Key:       submission.Tenant,
		SenderFd:  string(submission.Sender),
		Payload:   protocol.OrEmptyArray(submission.Payload),
	})
	if err != nil {
		return outcome, err
	}

	_, queued, err := router.queue.Dispatch(ctx, submission.Tenant, payload)
	if err != nil {
		if clearErr := router.tracker.Clear(ctx, submission.Tenant, submission.TaskType); clearErr != nil {
			logger.Warningw("failed to release task reservation", "tenant", submission.Tenant, "error", clearErr)
		}

		return outcome, err
	}

	outcome.Status = status.Processing
	if queued {
		outcome.Status = status.Queued
	}

	if err := router.tracker.Set(ctx, submission.Tenant, submission.TaskType, submission.RequestID, outcome.Status); err != nil {
		logger.Warningw("failed to record task status", "tenant", submission.Tenant, "request_id", submission.RequestID, "error", err)
	}

	logger.Infow("gpu job submitted",
		"tenant", submission.Tenant,
		"task_type", submission.TaskType,
		"request_id", submission.RequestID,
		"status", outcome.Status,
		"replaced", decision.OldRequestID)

	return outcome, nil
}

// RejectionMessage describes why a submission was turned away.
func RejectionMessage(taskType string, decision status.Decision) string {
	return fmt.Sprintf(protocol.MsgInFlight, taskType, int64(decision.Elapsed.Seconds()))
}

func (router *Router) submit(ctx context.Context, req request) error {
	taskType := string(req.frame.TaskType)

	outcome, err := router.Submit(ctx, Submission{
		Tenant:    req.tenant,
		TaskType:  taskType,
		RequestID: string(req.frame.RequestID),
		Payload:   req.frame.Payload,
		Sender:    req.handle,
	})
	if err != nil {
		return err
	}

	if outcome.Rejected {
		return router.reply(ctx, req, protocol.Error{
			Type:         protocol.TypeError,
			RequestID:    outcome.RequestID,
			TaskType:     taskType,
			Msg:          RejectionMessage(taskType, outcome.Decision),
			OldRequestID: outcome.Decision.OldRequestID,
		})
	}

	router.toMonitors(ctx, protocol.MonitorNotice{
		Type:     protocol.TypeJobSubmit,
		TaskType: taskType,
		Key:      req.tenant,
	})

	if outcome.Status == status.Queued {
		return router.reply(ctx, req, protocol.OfflineNotice(router.registry.Clock().Now(), outcome.RequestID, taskType))
	}

	return router.reply(ctx, req, protocol.Ack{
		Type:      protocol.TypeAck,
		RequestID: outcome.RequestID,
		TaskType:  taskType,
		Msg:       protocol.MsgSubmittedToGpu,
	})
}
