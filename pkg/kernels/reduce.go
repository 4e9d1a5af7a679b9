// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"
	"slices"

	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
)

// ReduceParams of a reduction kernel: one invocation per output element.
//
// KeptStrides are the row-major strides of the input shape with the reduced axes set to 1 (the output with
// keepdims), and InStrides the input strides for the same axes (0 for the reduced ones). ReducedDims and
// ReducedStrides describe the reduced sub-tensor iterated by each invocation.
type ReduceParams struct {
	Fn                          ir.ReduceFn
	Size, ReducedSize           int
	KeptStrides, InStrides      []int
	ReducedDims, ReducedStrides []int
}

func newReduce(op *ir.Reduce, input, output shapes.Shape) (*Kernel, error) {
	axes, err := op.ReducedAxes(input.Rank())
	if err != nil {
		return nil, err
	}
	if len(axes) == 0 {
		return NewCopy(output), nil
	}
	inputStrides := input.Strides()
	kept := input.Clone()
	p := &ReduceParams{
		Fn:          op.Fn,
		Size:        output.Size(),
		ReducedSize: 1,
		InStrides:   slices.Clone(inputStrides),
	}
	for _, axis := range axes {
		kept.Dimensions[axis] = 1
		p.InStrides[axis] = 0
		p.ReducedDims = append(p.ReducedDims, input.Dimensions[axis])
		p.ReducedStrides = append(p.ReducedStrides, inputStrides[axis])
		p.ReducedSize *= input.Dimensions[axis]
	}
	p.KeptStrides = kept.Strides()
	return &Kernel{
		Name:        "reduce",
		Invocations: p.Size,
		Params:      p,
		Run: func(args []Arg, idx int) {
			x := args[0].F32
			base := unravel(idx, p.KeptStrides, p.InStrides)
			var acc float32
			switch p.Fn {
			case ir.ReduceMax:
				acc = LowestFloat32
			case ir.ReduceMin:
				acc = math.MaxFloat32
			}
			for r := range p.ReducedSize {
				offset, rem := base, r
				for ii := len(p.ReducedDims) - 1; ii >= 0; ii-- {
					offset += (rem % p.ReducedDims[ii]) * p.ReducedStrides[ii]
					rem /= p.ReducedDims[ii]
				}
				v := x[offset]
				switch p.Fn {
				case ir.ReduceSum, ir.ReduceMean:
					acc += v
				case ir.ReduceMax:
					acc = max(acc, v)
				case ir.ReduceMin:
					acc = min(acc, v)
				}
			}
			if p.Fn == ir.ReduceMean && p.ReducedSize > 0 {
				acc /= float32(p.ReducedSize)
			}
			args[1].F32[idx] = acc
		},
	}, nil
}

// SoftmaxParams of a softmax kernel: one invocation per row.
// The input is seen as [Outer, AxisDim, Inner]: row r covers the elements (r/Inner)*AxisDim*Inner + r%Inner + i*Inner
// for i in [0, AxisDim).
type SoftmaxParams struct {
	Rows, AxisDim, Inner int
	Log                  bool
}

func newSoftmax(op *ir.Softmax, input shapes.Shape, opset int64) (*Kernel, error) {
	axis, legacy, err := op.SoftmaxAxis(input.Rank(), opset)
	if err != nil {
		return nil, err
	}
	p := &SoftmaxParams{Log: op.Log, Inner: 1, AxisDim: 1}
	if input.Rank() > 0 {
		if legacy {
			p.AxisDim = shapes.Make(input.DType, input.Dimensions[axis:]...).Size()
		} else {
			p.AxisDim = input.Dimensions[axis]
			p.Inner = shapes.Make(input.DType, input.Dimensions[axis+1:]...).Size()
		}
	}
	if p.AxisDim > 0 {
		p.Rows = input.Size() / p.AxisDim
	}
	return &Kernel{
		Name:        "softmax",
		Invocations: p.Rows,
		Params:      p,
		Run: func(args []Arg, idx int) {
			x, out := args[0].F32, args[1].F32
			base := (idx/p.Inner)*p.AxisDim*p.Inner + idx%p.Inner
			maxValue := float32(LowestFloat32)
			for i := range p.AxisDim {
				maxValue = max(maxValue, x[base+i*p.Inner])
			}
			var sum float32
			for i := range p.AxisDim {
				sum += float32(math.Exp(float64(x[base+i*p.Inner] - maxValue)))
			}
			for i := range p.AxisDim {
				pos := base + i*p.Inner
				if p.Log {
					out[pos] = x[pos] - maxValue - float32(math.Log(float64(sum)))
				} else {
					out[pos] = float32(math.Exp(float64(x[pos]-maxValue))) / sum
				}
			}
		},
	}, nil
}
