/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package errors

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var nextId atomic.Uint64

// Error is a package level sentinel. Wrapping keeps the sentinel's identity,
// so Is matches a wrapped error against the sentinel it came from even when
// two sentinels share a message.
type Error struct {
	id      uint64
	Message string
	Cause   error
}

// New declares a sentinel. Every call yields a distinct identity.
func New(a ...any) *Error {
	return &Error{
		id:      nextId.Add(1),
		Message: fmt.Sprint(a...),
	}
}

func (err *Error) Wrap(cause error) *Error {
	return &Error{id: err.id, Message: err.Message, Cause: cause}
}

func (err *Error) Wrapf(format string, a ...any) *Error {
	return err.Wrap(fmt.Errorf(format, a...))
}

func (err *Error) Error() string {
	if err.Cause == nil {
		return err.Message
	}

	return err.Message + " caused by " + err.Cause.Error()
}

func (err *Error) Unwrap() error {
	return err.Cause
}

func (err *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	return ok && sentinel.id == err.id
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}

func Is(err error, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}
