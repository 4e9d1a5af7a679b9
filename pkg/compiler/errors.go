// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import "github.com/pkg/errors"

// ErrCompile is matched (with errors.Is) by every error returned by Compile.
var ErrCompile = errors.New("compile error")

type compileError string

func (e compileError) Error() string        { return string(e) }
func (e compileError) Is(target error) bool { return target == ErrCompile }

// Specific compile errors, returned wrapped with the offending node, operator, dtype or limit.
var (
	// ErrUnsupportedOperator is returned for operators without a lowering, or whose lowering requires a newer
	// opset than the one of the model.
	ErrUnsupportedOperator error = compileError("unsupported operator")

	// ErrUnsupportedDType is returned for tensors whose dtype has no device representation, or int64 constants
	// that don't fit in 32 bits.
	ErrUnsupportedDType error = compileError("unsupported dtype")

	// ErrDeviceLimit is returned when a buffer, binding count or dispatch size exceeds the device limits.
	ErrDeviceLimit error = compileError("device limit exceeded")
)
