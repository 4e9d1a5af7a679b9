// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
)

// UnaryParams of a kernel applying a chain of elementwise functions.
type UnaryParams struct {
	Size  int
	Chain []ir.Elementwise
}

func newUnary(chain []ir.Elementwise, output shapes.Shape) *Kernel {
	params := &UnaryParams{Size: output.Size(), Chain: chain}
	return &Kernel{
		Name:        "unary",
		Invocations: params.Size,
		Params:      params,
		Run: func(args []Arg, idx int) {
			args[1].F32[idx] = ApplyChain(chain, args[0].F32[idx])
		},
	}
}

// ApplyChain applies the elementwise functions in order.
func ApplyChain(chain []ir.Elementwise, x float32) float32 {
	for _, e := range chain {
		x = Apply(e, x)
	}
	return x
}

// Apply computes the elementwise function e of x.
func Apply(e ir.Elementwise, x float32) float32 {
	v := float64(x)
	switch e.Fn {
	case ir.UnaryAbs:
		return float32(math.Abs(v))
	case ir.UnaryNeg:
		return -x
	case ir.UnaryRelu:
		return max(x, 0)
	case ir.UnaryLeakyRelu:
		if x < 0 {
			return e.Alpha * x
		}
		return x
	case ir.UnaryElu:
		if x < 0 {
			return e.Alpha * float32(math.Exp(v)-1)
		}
		return x
	case ir.UnarySelu:
		if x > 0 {
			return e.Beta * x
		}
		return e.Beta * (e.Alpha*float32(math.Exp(v)) - e.Alpha)
	case ir.UnarySigmoid:
		return float32(1 / (1 + math.Exp(-v)))
	case ir.UnaryHardSigmoid:
		return max(0, min(1, e.Alpha*x+e.Beta))
	case ir.UnaryTanh:
		return float32(math.Tanh(v))
	case ir.UnaryExp:
		return float32(math.Exp(v))
	case ir.UnaryLog:
		return float32(math.Log(v))
	case ir.UnarySqrt:
		return float32(math.Sqrt(v))
	case ir.UnaryReciprocal:
		return 1 / x
	case ir.UnaryFloor:
		return float32(math.Floor(v))
	case ir.UnaryCeil:
		return float32(math.Ceil(v))
	case ir.UnarySoftplus:
		return float32(math.Log(math.Exp(v) + 1))
	case ir.UnarySoftsign:
		return x / (1 + float32(math.Abs(v)))
	case ir.UnarySin:
		return float32(math.Sin(v))
	case ir.UnaryCos:
		return float32(math.Cos(v))
	case ir.UnaryClip:
		return min(max(x, e.Alpha), e.Beta)
	}
	panic(errors.Errorf("elementwise function %s not implemented", e.Fn))
}

// BinaryParams of a kernel applying a binary function with broadcasting.
//
// OutStrides are the row-major strides of the output, LhsStrides and RhsStrides the strides of the operands
// for each output axis (0 for broadcast axes).
type BinaryParams struct {
	Fn                                 ir.BinaryFn
	Size                               int
	Float                              bool
	OutStrides, LhsStrides, RhsStrides []int
}

func newBinary(op *ir.Binary, inputs []shapes.Shape, output shapes.Shape) (*Kernel, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("%s requires 2 operands, got %d", op.Fn, len(inputs))
	}
	params := &BinaryParams{
		Fn:         op.Fn,
		Size:       output.Size(),
		Float:      output.DType == dtypes.Float32,
		OutStrides: output.Strides(),
		LhsStrides: shapes.BroadcastStrides(inputs[0], output),
		RhsStrides: shapes.BroadcastStrides(inputs[1], output),
	}
	if inputs[0].DType != inputs[1].DType {
		return nil, errors.Errorf("%s operands have different dtypes: %s and %s", op.Fn, inputs[0], inputs[1])
	}
	if !params.Float && (op.Fn == ir.BinaryPow || op.Fn == ir.BinaryPRelu) {
		return nil, errors.Wrapf(ErrUnsupported, "%s only supports Float32, got %s", op.Fn, output.DType)
	}
	k := &Kernel{Name: "binary", Invocations: params.Size, Params: params}
	if params.Float {
		k.Run = func(args []Arg, idx int) {
			lhs := args[0].F32[unravel(idx, params.OutStrides, params.LhsStrides)]
			rhs := args[1].F32[unravel(idx, params.OutStrides, params.RhsStrides)]
			args[2].F32[idx] = binaryFloat(params.Fn, lhs, rhs)
		}
	} else {
		k.Run = func(args []Arg, idx int) {
			lhs := args[0].I32[unravel(idx, params.OutStrides, params.LhsStrides)]
			rhs := args[1].I32[unravel(idx, params.OutStrides, params.RhsStrides)]
			args[2].I32[idx] = binaryInt(params.Fn, lhs, rhs)
		}
	}
	return k, nil
}

func binaryFloat(fn ir.BinaryFn, lhs, rhs float32) float32 {
	switch fn {
	case ir.BinaryAdd:
		return lhs + rhs
	case ir.BinarySub:
		return lhs - rhs
	case ir.BinaryMul:
		return lhs * rhs
	case ir.BinaryDiv:
		return lhs / rhs
	case ir.BinaryPow:
		return float32(math.Pow(float64(lhs), float64(rhs)))
	case ir.BinaryMax:
		return max(lhs, rhs)
	case ir.BinaryMin:
		return min(lhs, rhs)
	case ir.BinaryPRelu:
		if lhs < 0 {
			return lhs * rhs
		}
		return lhs
	}
	panic(errors.Errorf("binary function %s not implemented", fn))
}

// binaryInt follows the WGSL integer semantics: division by zero (or overflowing) returns the dividend.
func binaryInt(fn ir.BinaryFn, lhs, rhs int32) int32 {
	switch fn {
	case ir.BinaryAdd:
		return lhs + rhs
	case ir.BinarySub:
		return lhs - rhs
	case ir.BinaryMul:
		return lhs * rhs
	case ir.BinaryDiv:
		if rhs == 0 || (lhs == math.MinInt32 && rhs == -1) {
			return lhs
		}
		return lhs / rhs
	case ir.BinaryMax:
		return max(lhs, rhs)
	case ir.BinaryMin:
		return min(lhs, rhs)
	}
	panic(errors.Errorf("binary function %s not implemented for integers", fn))
}

// CastParams of a kernel converting between the device types.
type CastParams struct {
	Size               int
	FromFloat, ToFloat bool
}

func newCast(input, output shapes.Shape) *Kernel {
	params := &CastParams{
		Size:      output.Size(),
		FromFloat: input.DType == dtypes.Float32,
		ToFloat:   output.DType == dtypes.Float32,
	}
	k := &Kernel{Name: "cast", Invocations: params.Size, Params: params}
	switch {
	case params.FromFloat == params.ToFloat:
		k.Name = "copy"
		k.Params = &CopyParams{Size: params.Size}
		k.Run = func(args []Arg, idx int) { args[1].Words[idx] = args[0].Words[idx] }
	case params.FromFloat:
		k.Run = func(args []Arg, idx int) { args[1].I32[idx] = FloatToInt(args[0].F32[idx]) }
	default:
		k.Run = func(args []Arg, idx int) { args[1].F32[idx] = float32(args[0].I32[idx]) }
	}
	return k
}

// FloatToInt converts truncating towards zero and saturating at the int32 limits, like the WGSL i32() conversion.
// NaN converts to 0.
func FloatToInt(x float32) int32 {
	switch {
	case x != x:
		return 0
	case x >= math.MaxInt32:
		return math.MaxInt32
	case x <= math.MinInt32:
		return math.MinInt32
	}
	return int32(x)
}
