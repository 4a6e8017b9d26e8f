/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package utilities

import (
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
)

var (
	ErrInvalidCast = errors.New("utilities: invalid cast")
)

// Cast converts an untyped value, such as a row returned by go-memdb.
func Cast[T any](value any) (T, error) {
	converted, ok := value.(T)
	if !ok {
		return converted, ErrInvalidCast.Wrapf("have %T, want %T", value, converted)
	}

	return converted, nil
}

// Require is Cast for values whose type is guaranteed by a schema. A
// mismatch is a programming error and panics.
func Require[T any](value any) T {
	result, err := Cast[T](value)
	if err != nil {
		logger.Panic(err)
	}

	return result
}
