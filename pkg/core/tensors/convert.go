// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Float64s returns a copy of the tensor values converted to float64.
// Bool values are converted to 0 or 1.
func (t *Tensor) Float64s() ([]float64, error) {
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []float64:
		copy(out, flat)
	case []float16.Float16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []int8:
		convertInto(out, flat)
	case []int16:
		convertInto(out, flat)
	case []int32:
		convertInto(out, flat)
	case []int64:
		convertInto(out, flat)
	case []uint8:
		convertInto(out, flat)
	case []uint16:
		convertInto(out, flat)
	case []uint32:
		convertInto(out, flat)
	case []uint64:
		convertInto(out, flat)
	case []bool:
		for ii, v := range flat {
			if v {
				out[ii] = 1
			}
		}
	default:
		return nil, errors.Errorf("tensor %s: unsupported flat data type %T", t.shape, t.flat)
	}
	return out, nil
}

type integer interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

func convertInto[From integer](out []float64, flat []From) {
	for ii, v := range flat {
		out[ii] = float64(v)
	}
}

// Float32s returns a copy of the tensor values converted to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	if flat, ok := t.flat.([]float32); ok {
		return append([]float32(nil), flat...), nil
	}
	values, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = float32(v)
	}
	return out, nil
}

// Int64s returns a copy of the tensor values converted to int64.
// Float values are truncated towards zero.
func (t *Tensor) Int64s() ([]int64, error) {
	switch flat := t.flat.(type) {
	case []int64:
		return append([]int64(nil), flat...), nil
	case []int32:
		out := make([]int64, len(flat))
		for ii, v := range flat {
			out[ii] = int64(v)
		}
		return out, nil
	}
	values, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(values))
	for ii, v := range values {
		out[ii] = int64(v)
	}
	return out, nil
}

// Ints is like Int64s, but returns Go ints, convenient for dimensions and axes.
func (t *Tensor) Ints() ([]int, error) {
	values, err := t.Int64s()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(values))
	for ii, v := range values {
		out[ii] = int(v)
	}
	return out, nil
}

// ConvertTo returns a new tensor with the same dimensions and the values converted to dtype.
func (t *Tensor) ConvertTo(dtype dtypes.DType) (*Tensor, error) {
	if dtype == t.DType() {
		return t, nil
	}
	values, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	out := FromShape(t.shape.WithDType(dtype))
	switch flat := out.flat.(type) {
	case []float32:
		for ii, v := range values {
			flat[ii] = float32(v)
		}
	case []float64:
		copy(flat, values)
	case []float16.Float16:
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
	case []int8:
		convertFrom(flat, values)
	case []int16:
		convertFrom(flat, values)
	case []int32:
		convertFrom(flat, values)
	case []int64:
		convertFrom(flat, values)
	case []uint8:
		convertFrom(flat, values)
	case []uint16:
		convertFrom(flat, values)
	case []uint32:
		convertFrom(flat, values)
	case []uint64:
		convertFrom(flat, values)
	case []bool:
		for ii, v := range values {
			flat[ii] = v != 0
		}
	}
	return out, nil
}

func convertFrom[To integer](flat []To, values []float64) {
	for ii, v := range values {
		flat[ii] = To(v)
	}
}

// FromRaw decodes little-endian raw bytes (as stored in ONNX raw_data fields) into a new tensor of the given shape.
func FromRaw(shape shapes.Shape, raw []byte) (*Tensor, error) {
	elementSize := int(shape.DType.Memory())
	if shape.DType == dtypes.Bool {
		elementSize = 1
	}
	if elementSize == 0 {
		return nil, errors.Errorf("FromRaw(%s): unsupported dtype", shape)
	}
	if len(raw) != elementSize*shape.Size() {
		return nil, errors.Errorf("FromRaw(%s): expected %d bytes, got %d", shape, elementSize*shape.Size(), len(raw))
	}
	t := FromShape(shape)
	le := binary.LittleEndian
	switch flat := t.flat.(type) {
	case []float32:
		for ii := range flat {
			flat[ii] = math.Float32frombits(le.Uint32(raw[4*ii:]))
		}
	case []float64:
		for ii := range flat {
			flat[ii] = math.Float64frombits(le.Uint64(raw[8*ii:]))
		}
	case []float16.Float16:
		for ii := range flat {
			flat[ii] = float16.Frombits(le.Uint16(raw[2*ii:]))
		}
	case []int8:
		for ii := range flat {
			flat[ii] = int8(raw[ii])
		}
	case []int16:
		for ii := range flat {
			flat[ii] = int16(le.Uint16(raw[2*ii:]))
		}
	case []int32:
		for ii := range flat {
			flat[ii] = int32(le.Uint32(raw[4*ii:]))
		}
	case []int64:
		for ii := range flat {
			flat[ii] = int64(le.Uint64(raw[8*ii:]))
		}
	case []uint8:
		copy(flat, raw)
	case []uint16:
		for ii := range flat {
			flat[ii] = le.Uint16(raw[2*ii:])
		}
	case []uint32:
		for ii := range flat {
			flat[ii] = le.Uint32(raw[4*ii:])
		}
	case []uint64:
		for ii := range flat {
			flat[ii] = le.Uint64(raw[8*ii:])
		}
	case []bool:
		for ii := range flat {
			flat[ii] = raw[ii] != 0
		}
	}
	return t, nil
}

// DeviceDType returns the dtype used to store a tensor of the given dtype in device buffers:
// Float32 for Float32, Int32 for Int32 and Int64. Other dtypes have no device representation.
func DeviceDType(dtype dtypes.DType) (dtypes.DType, bool) {
	switch dtype {
	case dtypes.Float32:
		return dtypes.Float32, true
	case dtypes.Int32, dtypes.Int64:
		return dtypes.Int32, true
	}
	return dtypes.InvalidDType, false
}

// ErrOutOfRange is returned when an int64 value cannot be represented as a 32-bit device integer.
var ErrOutOfRange = errors.New("value out of int32 range")

// DeviceBytes returns the little-endian bytes of the device representation of the tensor (see DeviceDType).
// Int64 values are narrowed to int32: values out of range return an error wrapping ErrOutOfRange.
func (t *Tensor) DeviceBytes() ([]byte, error) {
	le := binary.LittleEndian
	switch flat := t.flat.(type) {
	case []float32:
		out := make([]byte, 4*len(flat))
		for ii, v := range flat {
			le.PutUint32(out[4*ii:], math.Float32bits(v))
		}
		return out, nil
	case []int32:
		out := make([]byte, 4*len(flat))
		for ii, v := range flat {
			le.PutUint32(out[4*ii:], uint32(v))
		}
		return out, nil
	case []int64:
		out := make([]byte, 4*len(flat))
		for ii, v := range flat {
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, errors.Wrapf(ErrOutOfRange, "tensor %s element %d is %d", t.shape, ii, v)
			}
			le.PutUint32(out[4*ii:], uint32(int32(v)))
		}
		return out, nil
	}
	return nil, errors.Errorf("tensor %s has no device representation", t.shape)
}

// FromDeviceBytes decodes the device representation (see DeviceDType) of a tensor of the given shape.
// The returned tensor has the dtype of shape, e.g. Int64 values are widened back from int32.
func FromDeviceBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	deviceDType, ok := DeviceDType(shape.DType)
	if !ok {
		return nil, errors.Errorf("shape %s has no device representation", shape)
	}
	if len(data) < 4*shape.Size() {
		return nil, errors.Errorf("FromDeviceBytes(%s): expected at least %d bytes, got %d", shape, 4*shape.Size(), len(data))
	}
	t, err := FromRaw(shape.WithDType(deviceDType), data[:4*shape.Size()])
	if err != nil {
		return nil, err
	}
	return t.ConvertTo(shape.DType)
}
