/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package restapi

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
)

var (
	ErrConflict = errors.New("restapi: a task of this type is still processing")
)

// Client calls the relay's HTTP ingress. Token, when set, is sent as a
// bearer token.
type Client struct {
	Client  *http.Client
	Scheme  string
	Address string
	Token   string
}

func (api Client) do(ctx context.Context, method string, path string, contentType string, body io.Reader) (*http.Response, error) {
	url := url.URL{
		Scheme: api.Scheme,
		Host:   api.Address,
		Path:   path,
	}

	request, err := http.NewRequestWithContext(ctx, method, url.String(), body)
	if err != nil {
		return nil, err
	}

	if body != nil {
		request.Header.Add("Content-Type", contentType)
	}

	if api.Token != "" {
		request.Header.Add("Authorization", "Bearer "+api.Token)
	}

	client := api.Client
	if client == nil {
		client = http.DefaultClient
	}

	return client.Do(request)
}

func (api Client) get(ctx context.Context, path string) (*http.Response, error) {
	return api.do(ctx, "GET", path, "", nil)
}

func (api Client) postWithJson(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	return api.do(ctx, "POST", path, "application/json", body)
}

func (api Client) Status() (Status, error) {
	return api.StatusWithContext(context.Background())
}

func (api Client) StatusWithContext(ctx context.Context) (Status, error) {
	response, err := api.get(ctx, "/v1/status")
	if err != nil {
		return Status{}, err
	}
	defer response.Body.Close()

	return parseJsonResponse[Status](response)
}

func (api Client) SubmitTask(task SubmitTask) (SubmitResult, error) {
	return api.SubmitTaskWithContext(context.Background(), task)
}

// SubmitTaskWithContext returns ErrConflict, wrapping the in-flight request
// id, when the relay rejects the submission.
func (api Client) SubmitTaskWithContext(ctx context.Context, task SubmitTask) (SubmitResult, error) {
	body, err := jsonReaderFromObject(task)
	if err != nil {
		return SubmitResult{}, err
	}

	response, err := api.postWithJson(ctx, "/v1/tasks", body)
	if err != nil {
		return SubmitResult{}, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusConflict {
		conflict, err := parseJsonResponse[Conflict](response, http.StatusConflict)
		if err != nil {
			return SubmitResult{}, err
		}

		return SubmitResult{}, ErrConflict.Wrapf("old_request_id %s: %s", conflict.OldRequestID, conflict.Msg)
	}

	return parseJsonResponse[SubmitResult](response)
}

func (api Client) Notify(notification any) error {
	return api.NotifyWithContext(context.Background(), notification)
}

func (api Client) NotifyWithContext(ctx context.Context, notification any) error {
	body, err := jsonReaderFromObject(notification)
	if err != nil {
		return err
	}

	response, err := api.postWithJson(ctx, "/v1/monitor/notify", body)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	return validateResponse(response, http.StatusAccepted)
}

func (api Client) Backlog(key string) (Backlog, error) {
	return api.BacklogWithContext(context.Background(), key)
}

func (api Client) BacklogWithContext(ctx context.Context, key string) (Backlog, error) {
	response, err := api.get(ctx, "/v1/pending/"+key)
	if err != nil {
		return Backlog{}, err
	}
	defer response.Body.Close()

	return parseJsonResponse[Backlog](response)
}

