// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// Sentinel errors for the step package.
var (
	// ErrStepNotRegistered is returned when no step implements a step kind.
	ErrStepNotRegistered = errors.New("step kind not registered")

	// ErrDuplicateStep is returned when registering a step kind twice.
	ErrDuplicateStep = errors.New("step kind already registered")

	// ErrNilStep is returned when registering a nil step.
	ErrNilStep = errors.New("step must not be nil")
)

// Error classifies a step failure.
//
// Steps wrap their errors with Transient or Permanent. Errors that carry no
// classification are treated as permanent.
type Error struct {
	Class datatypes.FailureClass
	Err   error
}

// Error returns the error message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: datatypes.FailureTransient, Err: err}
}

// Transientf formats a retryable error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: datatypes.FailurePermanent, Err: err}
}

// Permanentf formats a non-retryable error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify returns the failure class of err.
//
// A *Error decides for itself; a bare context.DeadlineExceeded is a
// timeout; everything else is permanent.
func Classify(err error) datatypes.FailureClass {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return datatypes.FailureTimeout
	}
	return datatypes.FailurePermanent
}

// reason returns the message recorded for a failure, without the class
// prefix added by *Error.
func reason(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
