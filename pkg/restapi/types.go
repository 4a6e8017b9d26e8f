/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package restapi

import (
	"encoding/json"
)

const (
	StateActive = "active"
)

// SubmitTask is the body of POST /v1/tasks.
type SubmitTask struct {
	LicenseKey string          `json:"license_key"`
	TaskType   string          `json:"task_type"`
	RequestID  string          `json:"request_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type SubmitResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Conflict is returned with 409 while a task of the same type is in flight.
type Conflict struct {
	Msg          string `json:"msg"`
	RequestID    string `json:"request_id"`
	OldRequestID string `json:"old_request_id"`
	Elapsed      int64  `json:"elapsed"`
}

type Status struct {
	State         string `json:"state"`
	Version       string `json:"version"`
	Node          string `json:"node"`
	Workers       int64  `json:"workers"`
	Monitors      int64  `json:"monitors"`
	Notifications int64  `json:"notifications"`
	Connections   int    `json:"connections"`
}

type Backlog struct {
	Key   string `json:"key"`
	Depth int64  `json:"depth"`
}
