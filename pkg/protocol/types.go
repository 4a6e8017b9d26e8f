/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package protocol

import "encoding/json"

const (
	TypePing       = "ping"
	TypePong       = "pong"
	TypeConnected  = "connected"
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeAck        = "ack"
	TypeError      = "error"

	TypeURL                = "url"
	TypeResult             = "result"
	TypeChatGLMVideo       = "chatglm_video"
	TypeChatGLMVideoResult = "chatglm_video_result"

	TypeJobSubmit  = "gpu.job.submit"
	TypeTask       = "gpu_task"
	TypeJobResult  = "gpu.job.result"
	TypeTaskResult = "gpu_task_result"

	TypePowerOnline    = "gpu.power.online"
	TypePowerOffline   = "gpu.power.offline"
	TypePowerBoot      = "gpu.power.boot"
	TypeStatusQuery    = "gpu.status.query"
	TypeStatusResponse = "gpu.status.response"

	TypeMobileTask       = "mobile_task"
	TypeMobileTaskResult = "mobile_task_result"
	TypeSync             = "sync"

	TypeLegacyOnline  = "gpu_online"
	TypeLegacyOffline = "gpu_offline"
)

const (
	RoleWorker  = "worker"
	RoleMonitor = "gpu_monitor"
	RolePC      = "pc"
	RoleMobile  = "mobile"
)

const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusStarting = "starting"
	StatusUnknown  = "unknown"
)

const (
	MsgQueued          = "GPU server is offline, the task has been queued and will run once the server starts (about 2 minutes)"
	MsgOnline          = "GPU server is online and ready to process tasks"
	MsgSubmitted       = "Submitted"
	MsgSubmittedToGpu  = "Submitted to the GPU server"
	MsgBootRequested   = "GPU boot requested"
	MsgUnknownError    = "Unknown error"
	MsgForwarded       = "Forwarded to the desktop client (task_type=%s)"
	MsgDesktopOffline  = "The desktop client is offline, please open the desktop application first"
	MsgMobileOnly      = "Only the mobile client may send mobile_task"
	MsgDesktopOnly     = "Only the desktop client may send mobile_task_result"
	MsgWorkerOnly      = "Only a registered worker may send %s"
	MsgPowerSourceOnly = "Only a worker or gpu_monitor may send gpu.power.online"
	MsgMonitorOnly     = "Only a registered gpu_monitor may send gpu.status.response"
	MsgInFlight        = "A %s task is still processing (elapsed %d s), please wait for it to finish"
)

var (
	emptyString = json.RawMessage(`""`)
	emptyArray  = json.RawMessage(`[]`)
	falseValue  = json.RawMessage(`false`)
)

// OrEmptyString keeps raw, or substitutes "" when it was absent.
func OrEmptyString(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyString
	}

	return raw
}

// OrEmptyArray keeps raw, or substitutes [] when it was absent.
func OrEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyArray
	}

	return raw
}

func OrFalse(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return falseValue
	}

	return raw
}

type Simple struct {
	Type string `json:"type"`
}

type Connected struct {
	Type string `json:"type"`
	Fd   string `json:"fd"`
}

type Registered struct {
	Type       string `json:"type"`
	Role       string `json:"role,omitempty"`
	Key        string `json:"key,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

type Ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
	Msg       string `json:"msg"`
}

type Error struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id,omitempty"`
	TaskType     string `json:"task_type,omitempty"`
	Msg          string `json:"msg"`
	OldRequestID string `json:"old_request_id,omitempty"`
}

// URLTask is forwarded to workers to extract a video transcript.
type URLTask struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Key  string `json:"key"`
}

type VideoTask struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Key       string          `json:"key"`
	RequestID string          `json:"request_id"`
	SenderFd  string          `json:"sender_fd"`
}

type JobSubmit struct {
	Type      string          `json:"type"`
	TaskType  string          `json:"task_type"`
	RequestID string          `json:"request_id"`
	Key       string          `json:"key"`
	SenderFd  string          `json:"sender_fd,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type JobResult struct {
	Type      string          `json:"type"`
	TaskType  string          `json:"task_type"`
	RequestID string          `json:"request_id"`
	Error     bool            `json:"error,omitempty"`
	ErrorMsg  *string         `json:"error_msg,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type Result struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Error   bool            `json:"error,omitempty"`
}

type VideoResult struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id,omitempty"`
	Error     bool    `json:"error,omitempty"`
	ErrorMsg  *string `json:"error_msg,omitempty"`
	VideoURL  *string `json:"video_url,omitempty"`
	CoverURL  *string `json:"cover_url,omitempty"`
}

type PowerBoot struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Fd        string `json:"fd"`
	RequestID string `json:"request_id"`
	Msg       string `json:"msg"`
}

type StatusQuery struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	SenderFd  string `json:"sender_fd"`
	RequestID string `json:"request_id"`
}

type StatusResponse struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	State     string          `json:"State"`
	RequestID string          `json:"request_id"`
	Fresh     json.RawMessage `json:"fresh"`
}

type MobileTask struct {
	Type      string          `json:"type"`
	TaskType  string          `json:"task_type"`
	RequestID string          `json:"request_id"`
	Key       string          `json:"key"`
	SenderFd  string          `json:"sender_fd"`
	Payload   json.RawMessage `json:"payload"`
}

type MobileTaskResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	TaskType  string          `json:"task_type"`
	Error     bool            `json:"error,omitempty"`
	ErrorMsg  *string         `json:"error_msg,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// MonitorNotice tells power agents that work is waiting for a GPU.
type MonitorNotice struct {
	Type     string `json:"type"`
	TaskType string `json:"task_type,omitempty"`
	Key      string `json:"key"`
}
