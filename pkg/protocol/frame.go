/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
)

var (
	ErrNotObject = errors.New("protocol: frame is not a JSON object")
)

// Text accepts a JSON string, number or boolean. Clients are not consistent
// about quoting identifiers such as sender_fd or request_id.
type Text string

func (text *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		*text = ""

	case data[0] == '"':
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*text = Text(value)

	case data[0] == '{', data[0] == '[':
		*text = ""

	default:
		*text = Text(data)
	}

	return nil
}

func (text Text) String() string {
	return string(text)
}

// Flag follows loose truthiness: false, 0, "", "0", null and empty
// containers are false, anything else is true.
type Flag bool

func (flag *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		*flag = false

	case bytes.Equal(data, []byte("true")):
		*flag = true

	case data[0] == '"':
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*flag = value != "" && value != "0"

	case data[0] == '{':
		*flag = Flag(!bytes.Equal(bytes.Join(bytes.Fields(data), nil), []byte("{}")))

	case data[0] == '[':
		*flag = Flag(!bytes.Equal(bytes.Join(bytes.Fields(data), nil), []byte("[]")))

	default:
		number, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return err
		}
		*flag = number != 0
	}

	return nil
}

// Frame is the union of every inbound field the router reads.
type Frame struct {
	Type         string          `json:"type"`
	Role         Text            `json:"role"`
	Key          Text            `json:"key"`
	DeviceType   Text            `json:"device_type"`
	URL          Text            `json:"url"`
	Content      json.RawMessage `json:"content"`
	RequestID    Text            `json:"request_id"`
	TaskType     Text            `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result"`
	SenderFd     Text            `json:"sender_fd"`
	Error        Flag            `json:"error"`
	ErrorMsg     *Text           `json:"error_msg"`
	VideoURL     Text            `json:"video_url"`
	CoverURL     Text            `json:"cover_url"`
	Status       Text            `json:"status"`
	StateTitle   Text            `json:"State"`
	State        Text            `json:"state"`
	Fresh        json.RawMessage `json:"fresh"`
	Msg          *Text           `json:"msg"`
	TargetDevice Text            `json:"target_device"`

	// Raw is the frame as received, forwarded verbatim by sync.
	Raw []byte `json:"-"`
}

// IsURL reports whether text is a bare http or https link.
func IsURL(text string) bool {
	return strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://")
}

// Decode parses one inbound frame. A bare link is wrapped into a url
// message; anything else that is not a JSON object is rejected.
func Decode(raw []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 || trimmed[0] != '{' {
		text := string(trimmed)
		if IsURL(text) {
			return &Frame{
				Type: TypeURL,
				URL:  Text(text),
				Raw:  trimmed,
			}, nil
		}

		return nil, ErrNotObject
	}

	frame := &Frame{}
	if err := json.Unmarshal(trimmed, frame); err != nil {
		return nil, ErrNotObject.Wrap(err)
	}

	frame.Raw = trimmed
	return frame, nil
}

// StateValue prefers the capitalised State field some vendors send.
func (frame *Frame) StateValue() string {
	if frame.StateTitle != "" {
		return string(frame.StateTitle)
	}

	return string(frame.State)
}
