// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

var dataTypeToDType = map[DataType]dtypes.DType{
	DataTypeFloat:   dtypes.Float32,
	DataTypeUint8:   dtypes.Uint8,
	DataTypeInt8:    dtypes.Int8,
	DataTypeUint16:  dtypes.Uint16,
	DataTypeInt16:   dtypes.Int16,
	DataTypeInt32:   dtypes.Int32,
	DataTypeInt64:   dtypes.Int64,
	DataTypeBool:    dtypes.Bool,
	DataTypeFloat16: dtypes.Float16,
	DataTypeDouble:  dtypes.Float64,
	DataTypeUint32:  dtypes.Uint32,
	DataTypeUint64:  dtypes.Uint64,
}

// DType converts an ONNX data type to the corresponding dtype.
// Strings, complex numbers and bfloat16 are not supported.
func (dt DataType) DType() (dtypes.DType, error) {
	dtype, found := dataTypeToDType[dt]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("ONNX data type %d not supported", dt)
	}
	return dtype, nil
}

// DataTypeFor converts a dtype to the ONNX data type.
func DataTypeFor(dtype dtypes.DType) (DataType, error) {
	for dt, candidate := range dataTypeToDType {
		if candidate == dtype {
			return dt, nil
		}
	}
	return DataTypeUndefined, errors.Errorf("dtype %s has no ONNX data type", dtype)
}

// ToTensor converts a TensorProto to a tensor, decoding either RawData or the typed data fields.
func (tp *TensorProto) ToTensor() (*tensors.Tensor, error) {
	if tp.DataLocation == 1 {
		return nil, errors.Errorf("tensor %q uses external data, which is not supported", tp.Name)
	}
	dtype, err := tp.DataType.DType()
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", tp.Name)
	}
	dims := make([]int, len(tp.Dims))
	for ii, d := range tp.Dims {
		if d < 0 {
			return nil, errors.Errorf("tensor %q has negative dimension %d", tp.Name, d)
		}
		dims[ii] = int(d)
	}
	shape := shapes.Make(dtype, dims...)
	if len(tp.RawData) > 0 || shape.Size() == 0 {
		t, err := tensors.FromRaw(shape, tp.RawData)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", tp.Name)
		}
		return t, nil
	}

	var values *tensors.Tensor
	switch dtype {
	case dtypes.Float32:
		values = tensors.FromFlat(tp.FloatData)
	case dtypes.Float64:
		values = tensors.FromFlat(tp.DoubleData)
	case dtypes.Int64:
		values = tensors.FromFlat(tp.Int64Data)
	case dtypes.Uint32, dtypes.Uint64:
		values = tensors.FromFlat(tp.Uint64Data)
	case dtypes.Float16:
		// Float16 values are stored as their bits in int32_data.
		halves := make([]float16.Float16, len(tp.Int32Data))
		for ii, v := range tp.Int32Data {
			halves[ii] = float16.Frombits(uint16(v))
		}
		values = tensors.FromFlat(halves)
	default:
		// Int32, Int16, Int8, Uint16, Uint8 and Bool use int32_data.
		values = tensors.FromFlat(tp.Int32Data)
	}
	if values.Size() != shape.Size() {
		return nil, errors.Errorf("tensor %q with shape %s has %d values", tp.Name, shape, values.Size())
	}
	converted, err := values.ConvertTo(dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", tp.Name)
	}
	return converted.Reshape(dims...), nil
}

// TensorProtoFrom creates a TensorProto holding the tensor's values as raw data.
func TensorProtoFrom(name string, t *tensors.Tensor) (*TensorProto, error) {
	dt, err := DataTypeFor(t.DType())
	if err != nil {
		return nil, err
	}
	tp := &TensorProto{Name: name, DataType: dt}
	for _, d := range t.Shape().Dimensions {
		tp.Dims = append(tp.Dims, int64(d))
	}
	// Typed fields are used for the dtypes commonly stored that way, raw data for the others.
	switch flat := t.Flat().(type) {
	case []float32:
		tp.FloatData = append([]float32(nil), flat...)
	case []int64:
		tp.Int64Data = append([]int64(nil), flat...)
	case []int32:
		tp.Int32Data = append([]int32(nil), flat...)
	case []float16.Float16:
		for _, v := range flat {
			tp.Int32Data = append(tp.Int32Data, int32(v.Bits()))
		}
	case []float64:
		tp.DoubleData = append([]float64(nil), flat...)
	default:
		return nil, errors.Errorf("TensorProtoFrom(%q): dtype %s not supported", name, t.DType())
	}
	return tp, nil
}

// Shape returns the static shape described by the value info.
// Dimensions that are symbolic or unknown are returned as -1, and static is false.
func (vi *ValueInfoProto) Shape() (dtype dtypes.DType, dims []int, static bool, err error) {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return dtypes.InvalidDType, nil, false, errors.Errorf("value %q is not a tensor", vi.Name)
	}
	dtype, err = vi.Type.TensorType.ElemType.DType()
	if err != nil {
		return dtypes.InvalidDType, nil, false, errors.WithMessagef(err, "value %q", vi.Name)
	}
	if vi.Type.TensorType.Shape == nil {
		return dtype, nil, false, nil
	}
	static = true
	dims = make([]int, len(vi.Type.TensorType.Shape.Dim))
	for ii, dim := range vi.Type.TensorType.Shape.Dim {
		if dim.HasValue && dim.DimValue >= 0 {
			dims[ii] = int(dim.DimValue)
		} else {
			dims[ii] = -1
			static = false
		}
	}
	return dtype, dims, static, nil
}
