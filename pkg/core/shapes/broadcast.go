// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// Broadcast returns the shape resulting from multidirectional (numpy style) broadcasting of the given shapes.
//
// Shapes are aligned on their trailing axes; each pair of dimensions must be equal or one of them must be 1.
// The dtype of the result is the one of the first shape, and all shapes must share it.
func Broadcast(shapes ...Shape) (Shape, error) {
	if len(shapes) == 0 {
		return Invalid(), errors.New("Broadcast requires at least one shape")
	}
	rank := 0
	for _, s := range shapes {
		if s.DType != shapes[0].DType {
			return Invalid(), errors.Errorf("cannot broadcast shapes with different dtypes %s and %s", shapes[0], s)
		}
		rank = max(rank, s.Rank())
	}
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	for _, s := range shapes {
		offset := rank - s.Rank()
		for axis, dim := range s.Dimensions {
			current := dims[offset+axis]
			switch {
			case dim == current:
			case current == 1:
				dims[offset+axis] = dim
			case dim == 1:
			default:
				return Invalid(), errors.Errorf("shapes %v cannot be broadcast: axis %d has dimensions %d and %d",
					shapes, offset+axis, current, dim)
			}
		}
	}
	return Shape{DType: shapes[0].DType, Dimensions: dims}, nil
}

// BroadcastStrides returns, for a shape being broadcast to target, the stride (in elements) to use for each axis of
// the target: axes where the operand has dimension 1 (or that it doesn't have) get stride 0.
//
// It assumes target was obtained with Broadcast, that is operand is broadcast-compatible with target.
func BroadcastStrides(operand, target Shape) []int {
	strides := make([]int, target.Rank())
	operandStrides := operand.Strides()
	offset := target.Rank() - operand.Rank()
	for axis := range operand.Dimensions {
		if operand.Dimensions[axis] != 1 {
			strides[offset+axis] = operandStrides[axis]
		}
	}
	return strides
}
