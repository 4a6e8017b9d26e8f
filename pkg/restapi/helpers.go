/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package restapi

import (
	"bytes"
	"io"
	"net/http"

	pkgnet "github.com/Juice-Labs/gpu-relay/pkg/net"
)

func parseJsonResponse[T any](response *http.Response, expected ...int) (T, error) {
	return pkgnet.ReadResponseBody[T](response, expected...)
}

func validateResponse(response *http.Response, expected int) error {
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode != expected {
		return pkgnet.ErrStatus.Wrapf("code %d: %s", response.StatusCode, bytes.TrimSpace(body))
	}

	return nil
}

func jsonReaderFromObject[T any](object T) (io.Reader, error) {
	data, err := pkgnet.Marshal(object)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(data), nil
}
