// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
)

// TransposeParams of a kernel permuting axes: InStrides[i] is the input stride of the i-th output axis.
type TransposeParams struct {
	Size                  int
	OutStrides, InStrides []int
}

func newTranspose(op *ir.Transpose, input, output shapes.Shape) (*Kernel, error) {
	perm, err := op.Permutation(input.Rank())
	if err != nil {
		return nil, err
	}
	inputStrides := input.Strides()
	params := &TransposeParams{
		Size:       output.Size(),
		OutStrides: output.Strides(),
		InStrides:  make([]int, len(perm)),
	}
	for ii, axis := range perm {
		params.InStrides[ii] = inputStrides[axis]
	}
	return &Kernel{
		Name:        "transpose",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			args[1].Words[idx] = args[0].Words[unravel(idx, params.OutStrides, params.InStrides)]
		},
	}, nil
}

// ConcatParams of a kernel concatenating the inputs along an axis.
// The output is seen as [Outer, AxisDim, Inner], and input i covers the axis range [Offsets[i], Offsets[i+1]).
type ConcatParams struct {
	Size, AxisDim, Inner int
	Offsets              []int
}

func newConcat(op *ir.Concat, inputs []shapes.Shape, output shapes.Shape) (*Kernel, error) {
	axis, err := shapes.AdjustAxis(op.Axis, output.Rank())
	if err != nil {
		return nil, err
	}
	params := &ConcatParams{
		Size:    output.Size(),
		AxisDim: output.Dimensions[axis],
		Inner:   shapes.Make(output.DType, output.Dimensions[axis+1:]...).Size(),
		Offsets: make([]int, len(inputs)+1),
	}
	for ii, input := range inputs {
		params.Offsets[ii+1] = params.Offsets[ii] + input.Dimensions[axis]
	}
	numInputs := len(inputs)
	return &Kernel{
		Name:        "concat",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			outer := idx / (params.AxisDim * params.Inner)
			pos := (idx / params.Inner) % params.AxisDim
			inner := idx % params.Inner
			for ii := range numInputs {
				if pos < params.Offsets[ii+1] {
					dim := params.Offsets[ii+1] - params.Offsets[ii]
					args[numInputs].Words[idx] = args[ii].Words[(outer*dim+pos-params.Offsets[ii])*params.Inner+inner]
					return
				}
			}
		},
	}, nil
}

// GatherParams of a kernel gathering slices of the data along an axis.
// The data is seen as [Outer, AxisDim, Inner]. Indices are clamped to [-AxisDim, AxisDim-1].
type GatherParams struct {
	Size, AxisDim, Inner, NumIndices int
}

func newGather(op *ir.Gather, inputs []shapes.Shape, output shapes.Shape) (*Kernel, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("Gather requires 2 operands, got %d", len(inputs))
	}
	data := inputs[0]
	axis, err := shapes.AdjustAxis(op.Axis, data.Rank())
	if err != nil {
		return nil, err
	}
	params := &GatherParams{
		Size:       output.Size(),
		AxisDim:    data.Dimensions[axis],
		Inner:      shapes.Make(data.DType, data.Dimensions[axis+1:]...).Size(),
		NumIndices: inputs[1].Size(),
	}
	if params.AxisDim == 0 && params.Size > 0 {
		return nil, errors.Errorf("Gather from empty axis %d of %s", axis, data)
	}
	return &Kernel{
		Name:        "gather",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			outer := idx / (params.NumIndices * params.Inner)
			j := (idx / params.Inner) % params.NumIndices
			inner := idx % params.Inner
			k := int(args[1].I32[j])
			if k < 0 {
				k += params.AxisDim
			}
			k = min(max(k, 0), params.AxisDim-1)
			args[2].Words[idx] = args[0].Words[(outer*params.AxisDim+k)*params.Inner+inner]
		},
	}, nil
}
