// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrGPU is matched (with errors.Is) by every error returned by the engine.
var ErrGPU = errors.New("gpu error")

type gpuError string

func (e gpuError) Error() string        { return string(e) }
func (e gpuError) Is(target error) bool { return target == ErrGPU }

const (
	// ErrInvalidInput is returned for an input name that is not a model input.
	ErrInvalidInput = gpuError("invalid input")

	// ErrMissingInput is returned when a model input is not given.
	ErrMissingInput = gpuError("missing input")

	// ErrShapeMismatch is returned when the dimensions of an input differ from the compiled ones.
	ErrShapeMismatch = gpuError("input shape mismatch")

	// ErrDTypeMismatch is returned when the dtype of an input differs from the declared one.
	ErrDTypeMismatch = gpuError("input dtype mismatch")

	// ErrValueRange is returned for int64 input values that don't fit in a 32-bit device integer.
	ErrValueRange = gpuError("input value out of range")

	// ErrInvalidOutput is returned for a requested output that is not a model output.
	ErrInvalidOutput = gpuError("invalid output")

	// ErrDevice is returned when the device fails to create resources, execute or read back.
	ErrDevice = gpuError("device failure")
)

// deviceError matches ErrDevice, and unwraps to the error returned by the device.
type deviceError struct {
	op  string
	err error
}

func (e *deviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDevice, e.op, e.err)
}

func (e *deviceError) Unwrap() error { return e.err }

func (e *deviceError) Is(target error) bool { return target == ErrDevice || target == ErrGPU }

func deviceErrorf(err error, format string, args ...any) error {
	return &deviceError{op: fmt.Sprintf(format, args...), err: err}
}
