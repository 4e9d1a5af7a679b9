// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a shaped, typed flat view over host memory.
//
// Tensors are used both for the constants (initializers) of a model and for the inputs given at inference time.
// Tensors created from user slices (FromFlatDataAndDimensions, FromFlat) borrow the slice: the data is not copied
// until it is uploaded to a device, and the caller must not modify it while an inference is in progress.
//
// Besides its declared dtype, a tensor has a "device representation" used by the compiled programs: float32
// tensors are stored as 32-bit floats and every integer tensor is stored as 32-bit integers (WGSL has no 64-bit
// integers). See DeviceDType, Tensor.DeviceBytes and FromDeviceBytes.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/x448/float16"
)

// Supported lists the Go types a Tensor can hold.
type Supported interface {
	float32 | float64 | float16.Float16 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | bool
}

// Tensor is a shape plus a flat slice with its values in row-major order.
//
// The flat slice type matches the shape dtype: []float32 for Float32, []float16.Float16 for Float16, etc.
type Tensor struct {
	shape shapes.Shape
	flat  any
}

// DTypeOf returns the dtype corresponding to the Go type T.
func DTypeOf[T Supported]() dtypes.DType {
	var dummy T
	switch any(dummy).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case float16.Float16:
		return dtypes.Float16
	case int8:
		return dtypes.Int8
	case int16:
		return dtypes.Int16
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint8:
		return dtypes.Uint8
	case uint16:
		return dtypes.Uint16
	case uint32:
		return dtypes.Uint32
	case uint64:
		return dtypes.Uint64
	case bool:
		return dtypes.Bool
	}
	return dtypes.InvalidDType
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions that borrows data: it is not copied.
// The `DType` is inferred from the `data` type.
//
// It panics if len(data) doesn't match the product of the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(DTypeOf[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: data}
}

// FromFlat creates a rank-1 tensor that borrows data.
func FromFlat[T Supported](data []T) *Tensor {
	return FromFlatDataAndDimensions(data, len(data))
}

// FromScalar creates a scalar tensor.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromShape creates a zero-initialized tensor with the given shape.
// It panics for dtypes not listed in Supported.
func FromShape(shape shapes.Shape) *Tensor {
	n := shape.Size()
	var flat any
	switch shape.DType {
	case dtypes.Float32:
		flat = make([]float32, n)
	case dtypes.Float64:
		flat = make([]float64, n)
	case dtypes.Float16:
		flat = make([]float16.Float16, n)
	case dtypes.Int8:
		flat = make([]int8, n)
	case dtypes.Int16:
		flat = make([]int16, n)
	case dtypes.Int32:
		flat = make([]int32, n)
	case dtypes.Int64:
		flat = make([]int64, n)
	case dtypes.Uint8:
		flat = make([]uint8, n)
	case dtypes.Uint16:
		flat = make([]uint16, n)
	case dtypes.Uint32:
		flat = make([]uint32, n)
	case dtypes.Uint64:
		flat = make([]uint64, n)
	case dtypes.Bool:
		flat = make([]bool, n)
	default:
		exceptions.Panicf("tensors.FromShape(%s): dtype not supported", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: flat}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Flat returns the underlying flat slice, e.g. []float32 for a Float32 tensor.
// It is not a copy.
func (t *Tensor) Flat() any { return t.flat }

// Reshape returns a tensor sharing the same data with new dimensions.
// It panics if the number of elements differs.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(t.DType(), dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): tensor %s has %d elements", dimensions, t.shape, t.Size())
	}
	return &Tensor{shape: shape, flat: t.flat}
}

// CopyFlatData returns a copy of the flat data as []T, for a tensor of the matching dtype.
// It panics if T doesn't match the tensor dtype.
func CopyFlatData[T Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("CopyFlatData[%T]: tensor has dtype %s", *new(T), t.DType())
	}
	return append([]T(nil), flat...)
}

// String pretty-prints the shape and a few of the first values.
func (t *Tensor) String() string {
	const maxValues = 8
	values, err := t.Float64s()
	if err != nil {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	parts := make([]string, 0, min(len(values), maxValues)+1)
	for ii, v := range values {
		if ii == maxValues {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%g", v))
	}
	return fmt.Sprintf("Tensor%s{%s}", t.shape, strings.Join(parts, ", "))
}
