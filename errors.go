// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuonnx

import (
	"fmt"

	"github.com/gomlx/gpuonnx/pkg/compiler"
	"github.com/gomlx/gpuonnx/pkg/engine"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/gomlx/gpuonnx/pkg/optimizer"
	"github.com/pkg/errors"
)

// ErrorKind classifies the failures of a Session. Each kind is also an error value: use it with errors.Is to
// test the kind of an error returned by this package.
type ErrorKind int

const (
	KindModelDeserialization ErrorKind = iota
	KindModelReading
	KindInvalidInput
	KindInvalidOutput
	KindDuplicateOnnxOpset
	KindUnknownOpset
	KindUnknownOnnxOpsetVersion
	KindIR
	KindOptimizer
	KindCompile
	KindGPU
)

var errorKindMessages = [...]string{
	KindModelDeserialization:    "could not deserialize model",
	KindModelReading:            "failed to read the model file",
	KindInvalidInput:            "invalid input name",
	KindInvalidOutput:           "invalid output name",
	KindDuplicateOnnxOpset:      "more than one ONNX opset version was specified",
	KindUnknownOpset:            "the model references an unknown opset",
	KindUnknownOnnxOpsetVersion: "the model did not reference a version of the ONNX opset",
	KindIR:                      "IR error",
	KindOptimizer:               "optimizer error",
	KindCompile:                 "error compiling model",
	KindGPU:                     "GPU model error",
}

// Error implements error.
func (k ErrorKind) Error() string {
	if k < 0 || int(k) >= len(errorKindMessages) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return errorKindMessages[k]
}

// Sentinel values of each error kind, for errors.Is.
var (
	ErrModelDeserialization    error = KindModelDeserialization
	ErrModelReading            error = KindModelReading
	ErrInvalidInput            error = KindInvalidInput
	ErrInvalidOutput           error = KindInvalidOutput
	ErrDuplicateOnnxOpset      error = KindDuplicateOnnxOpset
	ErrUnknownOpset            error = KindUnknownOpset
	ErrUnknownOnnxOpsetVersion error = KindUnknownOnnxOpsetVersion
	ErrIR                      error = KindIR
	ErrOptimizer               error = KindOptimizer
	ErrCompile                 error = KindCompile
	ErrGPU                     error = KindGPU
)

// SessionError is the type of every error returned by a Session. It unwraps to the error of the stage that
// failed, so errors.Is also matches the errors of the packages under pkg/ (e.g. compiler.ErrUnsupportedOperator).
type SessionError struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind.Error(), e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error { return e.Err }

// Is matches the ErrorKind of the error.
func (e *SessionError) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind
}

func newError(kind ErrorKind, err error) error {
	return &SessionError{Kind: kind, Err: err}
}

// classify wraps an error returned by one of the stages of the pipeline into a SessionError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return err
	}
	switch {
	case errors.Is(err, onnx.ErrMalformed):
		return newError(KindModelDeserialization, err)
	case errors.Is(err, ir.ErrIR):
		return newError(KindIR, err)
	case errors.Is(err, optimizer.ErrOptimizer):
		return newError(KindOptimizer, err)
	case errors.Is(err, compiler.ErrCompile):
		return newError(KindCompile, err)
	// A missing input is a wrong set of input names, like an unknown one. Shape, dtype and range mismatches
	// stay GPU errors, like any other failure of an inference call.
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrMissingInput):
		return newError(KindInvalidInput, err)
	case errors.Is(err, engine.ErrInvalidOutput):
		return newError(KindInvalidOutput, err)
	}
	return newError(KindGPU, err)
}
