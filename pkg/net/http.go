/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package net

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
)

// MaxBodySize bounds request bodies read by ReadRequestBody.
const MaxBodySize = 1 << 20

var (
	ErrContentType = errors.New("net: expected Content-Type application/json")
	ErrStatus      = errors.New("net: unexpected status code")
)

// Marshal encodes obj as JSON without escaping HTML characters.
func Marshal(obj any) ([]byte, error) {
	var buffer bytes.Buffer

	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(obj); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}

func Respond[T any](w http.ResponseWriter, code int, obj T) error {
	data, err := Marshal(obj)
	if err == nil {
		w.Header().Add("Content-Type", "application/json")
		w.Header().Add("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(code)
		_, err = w.Write(data)
	}

	return err
}

func RespondWithString(w http.ResponseWriter, code int, msg string) error {
	w.Header().Add("Content-Type", "text/plain")
	w.Header().Add("Content-Length", fmt.Sprint(len(msg)))
	w.WriteHeader(code)
	_, err := io.WriteString(w, msg)
	return err
}

func RespondEmpty(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
}

func IsJson(header http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func ReadRequestBody[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var value T

	if !IsJson(r.Header) {
		return value, ErrContentType.Wrapf("received %q", r.Header.Get("Content-Type"))
	}

	msg, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		return value, err
	}

	err = json.Unmarshal(msg, &value)
	return value, err
}

// ReadResponseBody decodes a JSON response that carries one of the expected
// status codes. Any other status is returned as ErrStatus with the body
// text.
func ReadResponseBody[T any](r *http.Response, expected ...int) (T, error) {
	var value T

	msg, err := io.ReadAll(r.Body)
	if err != nil {
		return value, err
	}

	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}

	accepted := false
	for _, code := range expected {
		accepted = accepted || r.StatusCode == code
	}

	if !accepted {
		return value, ErrStatus.Wrapf("code %d: %s", r.StatusCode, bytes.TrimSpace(msg))
	}

	if !IsJson(r.Header) {
		return value, ErrContentType.Wrapf("received %q", r.Header.Get("Content-Type"))
	}

	err = json.Unmarshal(msg, &value)
	return value, err
}
