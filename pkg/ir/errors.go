// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "github.com/pkg/errors"

// ErrIR is matched (with errors.Is) by every error returned by this package.
var ErrIR = errors.New("IR error")

// irError is the kind of the specific errors below: errors.Is matches both the kind itself and ErrIR.
type irError string

func (e irError) Error() string { return string(e) }

func (e irError) Is(target error) bool { return target == ErrIR }

// Specific IR errors, returned wrapped with the offending node, tensor or attribute names.
var (
	ErrUndeclaredInput   error = irError("undeclared input")
	ErrMissingAttribute  error = irError("missing required attribute")
	ErrAttributeType     error = irError("attribute of the wrong type")
	ErrCycle             error = irError("graph is cyclic")
	ErrDuplicateProducer error = irError("tensor produced more than once")
	ErrUnresolvedOutput  error = irError("declared output is not produced")
	ErrShapeInference    error = irError("shape inference failed")
	ErrInvalidModel      error = irError("invalid model")
)
