// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tensor := FromFlatDataAndDimensions(data, 2, 3)
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	require.Equal(t, 6, tensor.Size())

	// Borrowed: changes to the original slice are visible.
	data[0] = 10
	require.Equal(t, float32(10), tensor.Flat().([]float32)[0])

	require.Panics(t, func() { FromFlatDataAndDimensions(data, 4, 2) })
	require.Equal(t, 0, FromScalar(int64(3)).Rank())
	require.Equal(t, []int{3}, FromFlat([]int32{1, 2, 3}).Shape().Dimensions)
}

func TestConversions(t *testing.T) {
	tensor := FromFlat([]int64{-2, 0, 7})
	f32, err := tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{-2, 0, 7}, f32)

	converted, err := FromFlat([]float32{1.5, -2.5}).ConvertTo(dtypes.Int32)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, -2}, converted.Flat())

	ints, err := FromFlat([]int32{4, 5}).Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, ints)

	half, err := FromFlat([]float32{0.5, 2}).ConvertTo(dtypes.Float16)
	require.NoError(t, err)
	assert.Equal(t, float16.Fromfloat32(0.5), half.Flat().([]float16.Float16)[0])
}

func TestFromRaw(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(1.25))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-3))
	tensor, err := FromRaw(shapes.Make(dtypes.Float32, 2), raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.25, -3}, tensor.Flat())

	halfRaw := make([]byte, 4)
	binary.LittleEndian.PutUint16(halfRaw, float16.Fromfloat32(1).Bits())
	binary.LittleEndian.PutUint16(halfRaw[2:], float16.Fromfloat32(-0.5).Bits())
	tensor, err = FromRaw(shapes.Make(dtypes.Float16, 2), halfRaw)
	require.NoError(t, err)
	values, err := tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -0.5}, values)

	_, err = FromRaw(shapes.Make(dtypes.Float32, 3), raw)
	require.Error(t, err)
}

func TestDeviceBytes(t *testing.T) {
	tensor := FromFlat([]int64{1, -1, 1 << 20})
	data, err := tensor.DeviceBytes()
	require.NoError(t, err)
	require.Len(t, data, 12)

	back, err := FromDeviceBytes(tensor.Shape(), data)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -1, 1 << 20}, back.Flat())

	_, err = FromFlat([]int64{1 << 40}).DeviceBytes()
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = FromFlat([]float64{1}).DeviceBytes()
	require.Error(t, err)

	deviceDType, ok := DeviceDType(dtypes.Int64)
	require.True(t, ok)
	require.Equal(t, dtypes.Int32, deviceDType)
	_, ok = DeviceDType(dtypes.Bool)
	require.False(t, ok)
}
