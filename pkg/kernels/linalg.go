// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
)

// MatMulParams of a batched matrix multiplication kernel: one invocation per output element.
// BatchStrides are the row-major strides of the broadcast batch axes.
type MatMulParams struct {
	Size, M, K, N                                  int
	BatchStrides, LhsBatchStrides, RhsBatchStrides []int
}

func newMatMul(inputs []shapes.Shape, output shapes.Shape) (*Kernel, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("MatMul requires 2 operands, got %d", len(inputs))
	}
	dims, err := ir.MatMulDimensions(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	params := &MatMulParams{
		Size:            output.Size(),
		M:               dims.M,
		K:               dims.K,
		N:               dims.N,
		BatchStrides:    shapes.Make(output.DType, dims.Batch...).Strides(),
		LhsBatchStrides: dims.LhsBatchStrides,
		RhsBatchStrides: dims.RhsBatchStrides,
	}
	for ii := range params.BatchStrides {
		params.BatchStrides[ii] *= dims.M * dims.N
	}
	return &Kernel{
		Name:        "matmul",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			lhs, rhs, out := args[0].F32, args[1].F32, args[2].F32
			batchIdx := idx - idx%(params.M*params.N)
			lhsOffset := unravel(batchIdx, params.BatchStrides, params.LhsBatchStrides)
			rhsOffset := unravel(batchIdx, params.BatchStrides, params.RhsBatchStrides)
			row := (idx / params.N) % params.M
			col := idx % params.N
			lhsOffset += row * params.K
			rhsOffset += col
			var acc float32
			for k := range params.K {
				acc += lhs[lhsOffset+k] * rhs[rhsOffset+k*params.N]
			}
			out[idx] = acc
		},
	}, nil
}

// GemmParams of a Gemm kernel: one invocation per output element of the [M, N] result.
// The strides of A and B already account for the transpositions. BiasStrides (when HasBias) are the strides of
// C broadcast to [M, N].
type GemmParams struct {
	M, N, K                         int
	Alpha, Beta                     float32
	AStrides, BStrides, BiasStrides [2]int
	HasBias                         bool
}

func newGemm(op *ir.Gemm, inputs []shapes.Shape, output shapes.Shape) (*Kernel, error) {
	if len(inputs) < 2 {
		return nil, errors.Errorf("Gemm requires at least 2 operands, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	params := &GemmParams{
		M:        output.Dimensions[0],
		N:        output.Dimensions[1],
		Alpha:    op.Alpha,
		Beta:     op.Beta,
		AStrides: [2]int{a.Dimensions[1], 1},
		BStrides: [2]int{b.Dimensions[1], 1},
	}
	params.K = a.Dimensions[1]
	if op.TransA {
		params.K = a.Dimensions[0]
		params.AStrides = [2]int{1, a.Dimensions[1]}
	}
	if op.TransB {
		params.BStrides = [2]int{1, b.Dimensions[1]}
	}
	if len(inputs) > 2 {
		params.HasBias = true
		copy(params.BiasStrides[:], shapes.BroadcastStrides(inputs[2], output))
	}
	return &Kernel{
		Name:        "gemm",
		Invocations: params.M * params.N,
		Params:      params,
		Run: func(args []Arg, idx int) {
			row, col := idx/params.N, idx%params.N
			lhs, rhs := args[0].F32, args[1].F32
			var acc float32
			for k := range params.K {
				acc += lhs[row*params.AStrides[0]+k*params.AStrides[1]] * rhs[k*params.BStrides[0]+col*params.BStrides[1]]
			}
			acc *= params.Alpha
			out := args[2]
			if params.HasBias {
				bias := args[2].F32[row*params.BiasStrides[0]+col*params.BiasStrides[1]]
				acc += params.Beta * bias
				out = args[3]
			}
			out.F32[idx] = acc
		},
	}, nil
}
