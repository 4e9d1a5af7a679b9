// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
)

// Op is the operator of a Node: a closed set of types, one per supported operator family, each carrying the
// operator's statically known attributes.
//
// Code dispatching on operators uses a type switch whose default case handles Unsupported (and any operator
// it doesn't know about).
type Op interface {
	// Type returns the operator name, as used by ONNX where there is an equivalent, e.g. "Conv" or "Relu".
	Type() string

	isOp()
}

// UnaryFn enumerates the elementwise functions of Elementwise.
type UnaryFn int

const (
	UnaryAbs UnaryFn = iota
	UnaryNeg
	UnaryRelu
	UnaryLeakyRelu
	UnaryElu
	UnarySelu
	UnarySigmoid
	UnaryHardSigmoid
	UnaryTanh
	UnaryExp
	UnaryLog
	UnarySqrt
	UnaryReciprocal
	UnaryFloor
	UnaryCeil
	UnarySoftplus
	UnarySoftsign
	UnarySin
	UnaryCos
	UnaryClip
)

var unaryNames = [...]string{
	UnaryAbs:         "Abs",
	UnaryNeg:         "Neg",
	UnaryRelu:        "Relu",
	UnaryLeakyRelu:   "LeakyRelu",
	UnaryElu:         "Elu",
	UnarySelu:        "Selu",
	UnarySigmoid:     "Sigmoid",
	UnaryHardSigmoid: "HardSigmoid",
	UnaryTanh:        "Tanh",
	UnaryExp:         "Exp",
	UnaryLog:         "Log",
	UnarySqrt:        "Sqrt",
	UnaryReciprocal:  "Reciprocal",
	UnaryFloor:       "Floor",
	UnaryCeil:        "Ceil",
	UnarySoftplus:    "Softplus",
	UnarySoftsign:    "Softsign",
	UnarySin:         "Sin",
	UnaryCos:         "Cos",
	UnaryClip:        "Clip",
}

func (fn UnaryFn) String() string {
	if fn < 0 || int(fn) >= len(unaryNames) {
		return fmt.Sprintf("UnaryFn(%d)", int(fn))
	}
	return unaryNames[fn]
}

// BinaryFn enumerates the functions of Binary.
type BinaryFn int

const (
	BinaryAdd BinaryFn = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryPow
	BinaryMax
	BinaryMin
	BinaryPRelu
)

var binaryNames = [...]string{
	BinaryAdd:   "Add",
	BinarySub:   "Sub",
	BinaryMul:   "Mul",
	BinaryDiv:   "Div",
	BinaryPow:   "Pow",
	BinaryMax:   "Max",
	BinaryMin:   "Min",
	BinaryPRelu: "PRelu",
}

func (fn BinaryFn) String() string {
	if fn < 0 || int(fn) >= len(binaryNames) {
		return fmt.Sprintf("BinaryFn(%d)", int(fn))
	}
	return binaryNames[fn]
}

// ReduceFn enumerates the reductions of Reduce.
type ReduceFn int

const (
	ReduceSum ReduceFn = iota
	ReduceMean
	ReduceMax
	ReduceMin
)

var reduceNames = [...]string{
	ReduceSum:  "ReduceSum",
	ReduceMean: "ReduceMean",
	ReduceMax:  "ReduceMax",
	ReduceMin:  "ReduceMin",
}

func (fn ReduceFn) String() string {
	if fn < 0 || int(fn) >= len(reduceNames) {
		return fmt.Sprintf("ReduceFn(%d)", int(fn))
	}
	return reduceNames[fn]
}

// PoolKind enumerates the pooling operators of Pool.
type PoolKind int

const (
	PoolMax PoolKind = iota
	PoolAverage
	PoolGlobalMax
	PoolGlobalAverage
)

var poolNames = [...]string{
	PoolMax:           "MaxPool",
	PoolAverage:       "AveragePool",
	PoolGlobalMax:     "GlobalMaxPool",
	PoolGlobalAverage: "GlobalAveragePool",
}

func (k PoolKind) String() string {
	if k < 0 || int(k) >= len(poolNames) {
		return fmt.Sprintf("PoolKind(%d)", int(k))
	}
	return poolNames[k]
}

// IsGlobal returns whether the pooling covers all spatial axes.
func (k PoolKind) IsGlobal() bool { return k == PoolGlobalMax || k == PoolGlobalAverage }

// Elementwise applies a unary function to every element.
//
// Alpha and Beta are the function parameters: LeakyRelu, Elu and HardSigmoid use Alpha (and HardSigmoid Beta),
// Selu uses Alpha and Beta as gamma, and Clip uses Alpha as min and Beta as max.
type Elementwise struct {
	Fn          UnaryFn
	Alpha, Beta float32
}

// Binary applies a binary function with multidirectional broadcasting.
type Binary struct {
	Fn BinaryFn
}

// Cast converts the input to another dtype.
type Cast struct {
	To dtypes.DType
}

// MatMul is the numpy-style matrix product, with broadcasting batch axes.
type MatMul struct{}

// Gemm computes Alpha*A'*B' + Beta*C, where A' and B' are optionally transposed.
type Gemm struct {
	Alpha, Beta    float32
	TransA, TransB bool
}

// Conv is a grouped convolution. Pads lists the begin paddings for every spatial axis followed by the end paddings.
// When AutoPad is set (SAME_UPPER, SAME_LOWER or VALID) Pads is ignored: use EffectivePads.
//
// Activation is a chain of elementwise functions applied to the result: it is only set by fusion.
type Conv struct {
	KernelShape []int
	Strides     []int
	Pads        []int
	Dilations   []int
	Group       int
	AutoPad     string
	Activation  []Elementwise
}

// Pool is a max or average pooling. See Conv for the meaning of Pads and AutoPad.
type Pool struct {
	Kind            PoolKind
	KernelShape     []int
	Strides         []int
	Pads            []int
	Dilations       []int
	AutoPad         string
	CeilMode        bool
	CountIncludePad bool
}

// BatchNormalization in inference mode: inputs are X, scale, bias, mean and variance.
type BatchNormalization struct {
	Epsilon float32
}

// Softmax (or LogSoftmax if Log is set). The semantics of Axis depend on the opset version: before opset 13 the
// input is flattened to 2D at Axis (default 1), from 13 on the softmax is computed along Axis (default -1).
// HasAxis tells whether the attribute was given.
type Softmax struct {
	Axis    int
	HasAxis bool
	Log     bool
}

// Reshape to the target Shape, taken from its constant operand: 0 copies the input dimension (unless AllowZero) and
// -1 is inferred.
type Reshape struct {
	Shape     []int
	AllowZero bool
}

// Flatten reshapes into 2D, splitting at Axis.
type Flatten struct {
	Axis int
}

// Squeeze removes the given axes of dimension 1, or all of them if Axes is empty.
type Squeeze struct {
	Axes []int
}

// Unsqueeze inserts axes of dimension 1 at the given positions of the output.
type Unsqueeze struct {
	Axes []int
}

// Transpose permutes the axes; an empty Perm reverses them.
type Transpose struct {
	Perm []int
}

// Concat concatenates all inputs along Axis.
type Concat struct {
	Axis int
}

// Gather takes slices of data (first input) along Axis at the indices given by the second input.
type Gather struct {
	Axis int
}

// Reduce reduces the given axes (all if empty, unless NoopWithEmptyAxes).
type Reduce struct {
	Fn                ReduceFn
	Axes              []int
	KeepDims          bool
	NoopWithEmptyAxes bool
}

// Shape outputs the dimensions of its input as an int64 tensor, sliced by [Start, End).
// End is exclusive and, if HasEnd is false, defaults to the rank.
type Shape struct {
	Start  int
	End    int
	HasEnd bool
}

// ConstantOfShape creates a tensor of the given shape filled with Value (a one-element tensor).
type ConstantOfShape struct {
	Shape []int
	Value *tensors.Tensor
}

// Identity copies its input. Dropout in inference mode is also represented by Identity.
type Identity struct{}

// Fused is a chain of elementwise functions applied in order, created by fusion.
type Fused struct {
	Chain []Elementwise
}

// Unsupported represents an operator without an implementation. It is kept in the IR so the compiler can report it.
type Unsupported struct {
	OpType string
	Domain string
}

func (op *Elementwise) Type() string        { return op.Fn.String() }
func (op *Binary) Type() string             { return op.Fn.String() }
func (op *Cast) Type() string               { return "Cast" }
func (op *MatMul) Type() string             { return "MatMul" }
func (op *Gemm) Type() string               { return "Gemm" }
func (op *Conv) Type() string               { return "Conv" }
func (op *Pool) Type() string               { return op.Kind.String() }
func (op *BatchNormalization) Type() string { return "BatchNormalization" }
func (op *Reshape) Type() string            { return "Reshape" }
func (op *Flatten) Type() string            { return "Flatten" }
func (op *Squeeze) Type() string            { return "Squeeze" }
func (op *Unsqueeze) Type() string          { return "Unsqueeze" }
func (op *Transpose) Type() string          { return "Transpose" }
func (op *Concat) Type() string             { return "Concat" }
func (op *Gather) Type() string             { return "Gather" }
func (op *Reduce) Type() string             { return op.Fn.String() }
func (op *Shape) Type() string              { return "Shape" }
func (op *ConstantOfShape) Type() string    { return "ConstantOfShape" }
func (op *Identity) Type() string           { return "Identity" }

func (op *Softmax) Type() string {
	if op.Log {
		return "LogSoftmax"
	}
	return "Softmax"
}

func (op *Fused) Type() string {
	names := make([]string, len(op.Chain))
	for ii, e := range op.Chain {
		names[ii] = e.Fn.String()
	}
	return "Fused(" + strings.Join(names, "+") + ")"
}

func (op *Unsupported) Type() string {
	if op.Domain != "" {
		return op.Domain + "." + op.OpType
	}
	return op.OpType
}

func (*Elementwise) isOp()        {}
func (*Binary) isOp()             {}
func (*Cast) isOp()               {}
func (*MatMul) isOp()             {}
func (*Gemm) isOp()               {}
func (*Conv) isOp()               {}
func (*Pool) isOp()               {}
func (*BatchNormalization) isOp() {}
func (*Softmax) isOp()            {}
func (*Reshape) isOp()            {}
func (*Flatten) isOp()            {}
func (*Squeeze) isOp()            {}
func (*Unsqueeze) isOp()          {}
func (*Transpose) isOp()          {}
func (*Concat) isOp()             {}
func (*Gather) isOp()             {}
func (*Reduce) isOp()             {}
func (*Shape) isOp()              {}
func (*ConstantOfShape) isOp()    {}
func (*Identity) isOp()           {}
func (*Fused) isOp()              {}
func (*Unsupported) isOp()        {}
