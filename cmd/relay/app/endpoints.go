/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package app

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Juice-Labs/gpu-relay/cmd/internal/build"
	"github.com/Juice-Labs/gpu-relay/internal/router"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	pkgnet "github.com/Juice-Labs/gpu-relay/pkg/net"
	"github.com/Juice-Labs/gpu-relay/pkg/protocol"
	"github.com/Juice-Labs/gpu-relay/pkg/restapi"
	"github.com/Juice-Labs/gpu-relay/pkg/server"
)

func (relay *Relay) initializeEndpoints(server *server.Server, authenticate func(http.Handler) http.Handler) {
	if authenticate == nil {
		authenticate = func(next http.Handler) http.Handler {
			return next
		}
	}

	server.AddEndpointHandler("GET", "/ws", relay.hub)
	server.AddEndpointFunc("GET", "/v1/status", relay.getStatusEp)
	server.AddEndpointHandler("POST", "/v1/tasks", authenticate(http.HandlerFunc(relay.submitTaskEp)))
	server.AddEndpointHandler("POST", "/v1/monitor/notify", authenticate(http.HandlerFunc(relay.notifyMonitorsEp)))
	server.AddEndpointHandler("GET", "/v1/pending/{key}", authenticate(http.HandlerFunc(relay.getBacklogEp)))
}

func respondWithError(w http.ResponseWriter, code int, err error) {
	err = errors.Join(err, pkgnet.RespondWithString(w, code, err.Error()))
	if code >= http.StatusInternalServerError {
		logger.Error(err)
	} else {
		logger.Debugw("rejected request", "code", code, "error", err)
	}
}

func respond[T any](w http.ResponseWriter, code int, obj T) {
	if err := pkgnet.Respond(w, code, obj); err != nil {
		logger.Error(err)
	}
}

func (relay *Relay) getStatusEp(w http.ResponseWriter, r *http.Request) {
	workers, monitors, err := relay.registry.Counts(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	notifications, err := relay.notify.Len(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	respond(w, http.StatusOK, restapi.Status{
		State:         restapi.StateActive,
		Version:       build.Version,
		Node:          relay.hub.Node(),
		Workers:       workers,
		Monitors:      monitors,
		Notifications: notifications,
		Connections:   relay.hub.Len(),
	})
}

func (relay *Relay) submitTaskEp(w http.ResponseWriter, r *http.Request) {
	submission, err := pkgnet.ReadRequestBody[restapi.SubmitTask](w, r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}

	if submission.TaskType == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("task_type is required"))
		return
	}

	if err := relay.tenants.Validate(r.Context(), submission.LicenseKey); err != nil {
		respondWithError(w, http.StatusForbidden, err)
		return
	}

	outcome, err := relay.router.Submit(r.Context(), router.Submission{
		Tenant:    submission.LicenseKey,
		TaskType:  submission.TaskType,
		RequestID: submission.RequestID,
		Payload:   submission.Payload,
	})
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	if outcome.Rejected {
		respond(w, http.StatusConflict, restapi.Conflict{
			Msg:          router.RejectionMessage(submission.TaskType, outcome.Decision),
			RequestID:    outcome.RequestID,
			OldRequestID: outcome.Decision.OldRequestID,
			Elapsed:      int64(outcome.Decision.Elapsed.Seconds()),
		})
		return
	}

	notice, err := protocol.Encode(protocol.MonitorNotice{
		Type:     protocol.TypeJobSubmit,
		TaskType: submission.TaskType,
		Key:      submission.LicenseKey,
	})
	if err == nil {
		err = relay.notify.Enqueue(r.Context(), notice)
	}
	if err != nil {
		logger.Warningw("failed to queue monitor notification", "tenant", submission.LicenseKey, "error", err)
	}

	respond(w, http.StatusOK, restapi.SubmitResult{
		RequestID: outcome.RequestID,
		Status:    outcome.Status,
	})
}

func (relay *Relay) notifyMonitorsEp(w http.ResponseWriter, r *http.Request) {
	notification, err := pkgnet.ReadRequestBody[json.RawMessage](w, r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, notification); err != nil || compact.Len() == 0 || compact.Bytes()[0] != '{' {
		respondWithError(w, http.StatusBadRequest, errors.New("notification must be a JSON object"))
		return
	}

	if err := relay.notify.Enqueue(r.Context(), compact.Bytes()); err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	pkgnet.RespondEmpty(w, http.StatusAccepted)
}

func (relay *Relay) getBacklogEp(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	depth, err := relay.queue.Len(r.Context(), key)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	respond(w, http.StatusOK, restapi.Backlog{
		Key:   key,
		Depth: depth,
	})
}
