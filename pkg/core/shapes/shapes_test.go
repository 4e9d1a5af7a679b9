// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 24, shape1.Size())
	require.Equal(t, 4*24, int(shape1.Memory()))
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
	require.Panics(t, func() { _ = shape1.Dim(3) })

	shape2 := shape1.Clone()
	shape2.Dimensions[0] = 5
	require.False(t, shape1.Equal(shape2))
	require.Equal(t, 4, shape1.Dimensions[0])
	require.True(t, shape1.EqualDimensions(shape1.WithDType(dtypes.Int64)))
	require.False(t, shape1.Equal(shape1.WithDType(dtypes.Int64)))
}

func TestZeroDimensions(t *testing.T) {
	s := Make(dtypes.Int64, 0)
	require.True(t, s.Ok())
	require.Equal(t, 0, s.Size())
	require.Equal(t, 0, int(s.Memory()))
	require.Panics(t, func() { Make(dtypes.Float32, 2, -1) })
}

func TestAdjustAxis(t *testing.T) {
	axis, err := AdjustAxis(-1, 4)
	require.NoError(t, err)
	require.Equal(t, 3, axis)
	axis, err = AdjustAxis(2, 4)
	require.NoError(t, err)
	require.Equal(t, 2, axis)
	_, err = AdjustAxis(4, 4)
	require.Error(t, err)
	_, err = AdjustAxis(-5, 4)
	require.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	got, err := Broadcast(Make(dtypes.Float32, 2, 1, 3), Make(dtypes.Float32, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, got.Dimensions)

	got, err = Broadcast(Make(dtypes.Float32), Make(dtypes.Float32, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{5}, got.Dimensions)

	_, err = Broadcast(Make(dtypes.Float32, 2, 3), Make(dtypes.Float32, 4))
	require.Error(t, err)
	_, err = Broadcast(Make(dtypes.Float32, 2), Make(dtypes.Int64, 2))
	require.Error(t, err)

	strides := BroadcastStrides(Make(dtypes.Float32, 4, 1), Make(dtypes.Float32, 2, 4, 3))
	assert.Equal(t, []int{0, 1, 0}, strides)
}
