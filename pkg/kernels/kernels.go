// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements in Go every compute shader the compiler generates.
//
// A Kernel is built for one IR node with concrete shapes. It is run as Invocations independent invocations, each
// computing one element (or, for Softmax, one row) of the output, exactly like the corresponding WGSL shader
// dispatched on a GPU. The Params of a Kernel are the static values (dimensions, strides, attributes) baked
// into both the Go implementation and the WGSL source.
//
// Kernels operate on the device representation of tensors (see tensors.DeviceDType): 32-bit floats and 32-bit
// integers. They are used to fold constants at compile time and by the CPU device.
package kernels

import (
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
)

// ErrUnsupported is returned by Build for a node that has no kernel for the given shapes or dtypes.
var ErrUnsupported = errors.New("no kernel")

// Kernel is the Go implementation of one compute shader.
type Kernel struct {
	// Name of the shader template implementing the kernel, e.g. "binary" or "conv".
	Name string

	// Invocations is the number of independent invocations: the compiler dispatches one GPU thread per invocation.
	Invocations int

	// Params holds the kernel specific static values, a pointer to one of the *Params structs of this package.
	Params any

	// Run executes invocation idx. args holds one Arg per present input, in order, followed by the output.
	Run func(args []Arg, idx int)
}

// Arg is a buffer of 32-bit words, viewed both as floats and as integers: all views share the same memory.
type Arg struct {
	Words []uint32
	F32   []float32
	I32   []int32
}

// NewArg creates the views of words.
func NewArg(words []uint32) Arg {
	if len(words) == 0 {
		return Arg{}
	}
	ptr := unsafe.Pointer(unsafe.SliceData(words))
	return Arg{
		Words: words,
		F32:   unsafe.Slice((*float32)(ptr), len(words)),
		I32:   unsafe.Slice((*int32)(ptr), len(words)),
	}
}

// Bytes returns the little-endian byte view of the argument (Go only supports little-endian platforms with WebGPU).
func (a Arg) Bytes() []byte {
	if len(a.Words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(a.Words))), 4*len(a.Words))
}

// RunAll executes all invocations of the kernel sequentially.
func (k *Kernel) RunAll(args []Arg) {
	for idx := range k.Invocations {
		k.Run(args, idx)
	}
}

// Build creates the kernel of the node, given the shapes of its present inputs and of its first output.
// opset is the version of the standard operator set, which changes the semantics of some operators.
//
// It returns an error wrapping ErrUnsupported if there is no kernel for the operator, shapes or dtypes.
func Build(node *ir.Node, inputs []shapes.Shape, output shapes.Shape, opset int64) (*Kernel, error) {
	all := append(slices.Clone(inputs), output)
	for _, shape := range all {
		if _, ok := deviceDType(shape.DType); !ok {
			return nil, errors.Wrapf(ErrUnsupported, "node %s: dtype %s has no device representation", node, shape.DType)
		}
	}
	requireFloat := func() error {
		for _, shape := range all {
			if shape.DType != dtypes.Float32 {
				return errors.Wrapf(ErrUnsupported, "node %s only supports Float32, got %s", node, shape)
			}
		}
		return nil
	}
	var k *Kernel
	var err error
	switch op := node.Op.(type) {
	case *ir.Elementwise:
		if err = requireFloat(); err == nil {
			k = newUnary([]ir.Elementwise{*op}, output)
		}
	case *ir.Fused:
		if err = requireFloat(); err == nil {
			k = newUnary(op.Chain, output)
		}
	case *ir.Binary:
		k, err = newBinary(op, inputs, output)
	case *ir.Cast:
		k = newCast(inputs[0], output)
	case *ir.Identity, *ir.Reshape, *ir.Flatten, *ir.Squeeze, *ir.Unsqueeze:
		k = NewCopy(output)
	case *ir.Transpose:
		k, err = newTranspose(op, inputs[0], output)
	case *ir.Concat:
		k, err = newConcat(op, inputs, output)
	case *ir.Gather:
		k, err = newGather(op, inputs, output)
	case *ir.MatMul:
		if err = requireFloat(); err == nil {
			k, err = newMatMul(inputs, output)
		}
	case *ir.Gemm:
		if err = requireFloat(); err == nil {
			k, err = newGemm(op, inputs, output)
		}
	case *ir.Conv:
		if err = requireFloat(); err == nil {
			k, err = newConv(op, inputs, output)
		}
	case *ir.Pool:
		if err = requireFloat(); err == nil {
			k, err = newPool(op, inputs[0], output)
		}
	case *ir.BatchNormalization:
		if err = requireFloat(); err == nil {
			k = newBatchNorm(op, inputs[0])
		}
	case *ir.Softmax:
		if err = requireFloat(); err == nil {
			k, err = newSoftmax(op, inputs[0], opset)
		}
	case *ir.Reduce:
		if err = requireFloat(); err == nil {
			k, err = newReduce(op, inputs[0], output)
		}
	default:
		err = errors.Wrapf(ErrUnsupported, "node %s", node)
	}
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			err = errors.Wrapf(ErrUnsupported, "node %s: %v", node, err)
		}
		return nil, err
	}
	return k, nil
}

// deviceDType is the same as tensors.DeviceDType, repeated here to keep this package free of tensor values.
func deviceDType(dtype dtypes.DType) (dtypes.DType, bool) {
	switch dtype {
	case dtypes.Float32:
		return dtypes.Float32, true
	case dtypes.Int32, dtypes.Int64:
		return dtypes.Int32, true
	}
	return dtypes.InvalidDType, false
}

// CopyParams of a kernel that copies its input element by element.
type CopyParams struct {
	Size int
}

// NewCopy returns a kernel copying a buffer with the given shape bit by bit. It is used for the operators that
// only change the shape (Reshape, Squeeze, ...) and to copy model inputs or constants to outputs.
func NewCopy(shape shapes.Shape) *Kernel {
	params := &CopyParams{Size: shape.Size()}
	return &Kernel{
		Name:        "copy",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			args[1].Words[idx] = args[0].Words[idx]
		},
	}
}

// unravel converts a flat index into the offset given by the strides of another tensor: coordinates are taken from
// the row-major strides of the indexed tensor (from) and multiplied by the corresponding strides of the target.
func unravel(idx int, from, to []int) int {
	offset := 0
	for axis, stride := range from {
		coord := idx / stride
		idx -= coord * stride
		offset += coord * to[axis]
	}
	return offset
}
