/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const Version = "1.0"

const (
	SourceAPI    = "api"
	SourceGPU    = "gpu"
	SourceClient = "client"
	SourceWorker = "worker"

	TargetClient = "client"
)

// Data keeps envelope payload fields in insertion order on the wire.
type Data = orderedmap.OrderedMap[string, any]

// Field is one key of an envelope's data section.
type Field struct {
	Key   string
	Value any
}

func NewData(fields ...Field) *Data {
	data := orderedmap.New[string, any]()
	for _, field := range fields {
		data.Set(field.Key, field.Value)
	}

	return data
}

// Envelope is the versioned message format. Legacy clients receive the flat
// shape produced by Legacy.
type Envelope struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id"`
	TaskType  string `json:"task_type,omitempty"`
	Msg       string `json:"msg,omitempty"`
	Data      *Data  `json:"data"`
}

type Legacy struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

var legacyTypes = map[string]string{
	TypePowerOnline:  TypeLegacyOnline,
	TypePowerOffline: TypeLegacyOffline,
	TypeJobResult:    TypeTaskResult,
}

// LegacyType maps a current message type to the type older clients expect.
func LegacyType(kind string) (string, bool) {
	legacy, found := legacyTypes[kind]
	return legacy, found
}

// Legacy derives the flat form of an envelope. The message is taken from the
// envelope, or from its data section when the envelope carries none.
func (envelope *Envelope) Legacy() (Legacy, bool) {
	kind, found := LegacyType(envelope.Type)
	if !found {
		return Legacy{}, false
	}

	msg := envelope.Msg
	if msg == "" && envelope.Data != nil {
		if value, present := envelope.Data.Get("msg"); present {
			if text, ok := value.(string); ok {
				msg = text
			}
		}
	}

	return Legacy{Type: kind, Msg: msg}, true
}

// NewID returns a unique id with the given prefix, for example gt_ or boot_.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func NewEnvelope(kind string, source string, target string, now time.Time) *Envelope {
	return &Envelope{
		Type:      kind,
		Version:   Version,
		Source:    source,
		Target:    target,
		Ts:        now.Unix(),
		RequestID: NewID(strings.ReplaceAll(kind, ".", "_") + "_"),
		TraceID:   NewID("trace_"),
		Data:      NewData(),
	}
}

// OfflineNotice tells a client its task was queued because no worker is
// reachable. An empty requestID gets a generated one.
func OfflineNotice(now time.Time, requestID string, taskType string) *Envelope {
	envelope := NewEnvelope(TypePowerOffline, SourceAPI, TargetClient, now)
	if requestID != "" {
		envelope.RequestID = requestID
	}

	envelope.TaskType = taskType
	envelope.Msg = MsgQueued
	envelope.Data.Set("status", StatusOffline)
	if taskType != "" {
		envelope.Data.Set("task_type", taskType)
	}

	return envelope
}

// PowerOnline announces that a GPU became available. extra is appended to
// the data section after status and msg.
func PowerOnline(now time.Time, extra ...Field) *Envelope {
	envelope := NewEnvelope(TypePowerOnline, SourceGPU, TargetClient, now)
	envelope.Data.Set("status", StatusOnline)
	envelope.Data.Set("msg", MsgOnline)
	for _, field := range extra {
		envelope.Data.Set(field.Key, field.Value)
	}

	return envelope
}

// Encode marshals v without escaping HTML characters, so links and non
// ASCII text reach clients unchanged.
func Encode(v any) ([]byte, error) {
	buffer := &bytes.Buffer{}

	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}
