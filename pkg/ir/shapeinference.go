// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// inferShapes visits the nodes in topological order and records the shapes of their outputs.
//
// Outputs of unsupported operators without a declared shape, and extra outputs without a declared shape, are
// unresolved: so are the outputs of every node reading an unresolved tensor. Any other unknown shape is an error.
func (g *Graph) inferShapes() error {
	for _, nodeIdx := range g.order {
		node := g.Nodes[nodeIdx]
		inputs := g.InputShapes(node)
		if _, isUnsupported := node.Op.(*Unsupported); !isUnsupported {
			dependsOnUnresolved := false
			for ii, input := range node.Inputs {
				if input == "" || inputs[ii].Ok() {
					continue
				}
				if !g.unresolved.Has(input) {
					return errors.Wrapf(ErrShapeInference, "node %s: shape of input %q is unknown", node, input)
				}
				dependsOnUnresolved = true
			}
			if dependsOnUnresolved {
				for _, output := range node.Outputs {
					if output != "" {
						g.shapes[output] = shapes.Invalid()
						g.unresolved.Insert(output)
					}
				}
				continue
			}
		}
		outputs, err := g.inferNodeShapes(node, inputs)
		if err != nil {
			return errors.Wrapf(ErrShapeInference, "node %s: %v", node, err)
		}
		for ii, output := range node.Outputs {
			if output == "" {
				continue
			}
			shape := shapes.Invalid()
			if ii < len(outputs) {
				shape = outputs[ii]
			} else if hint, found := g.hints[output]; found {
				shape = hint
			}
			g.shapes[output] = shape
			if !shape.Ok() {
				g.unresolved.Insert(output)
			}
		}
	}
	return nil
}

// inferNodeShapes returns the output shapes of node, given its input shapes.
// Only the first output is defined for most operators.
func (g *Graph) inferNodeShapes(node *Node, inputs []shapes.Shape) ([]shapes.Shape, error) {
	requireInputs := func(minInputs int) error {
		if len(inputs) < minInputs {
			return errors.Errorf("expected at least %d inputs, got %d", minInputs, len(inputs))
		}
		for ii := range minInputs {
			if !inputs[ii].Ok() {
				return errors.Errorf("required input #%d is missing", ii)
			}
		}
		return nil
	}
	single := func(shape shapes.Shape, err error) ([]shapes.Shape, error) {
		if err != nil {
			return nil, err
		}
		return []shapes.Shape{shape}, nil
	}

	if _, isUnsupported := node.Op.(*Unsupported); isUnsupported {
		outputs := make([]shapes.Shape, len(node.Outputs))
		for ii, output := range node.Outputs {
			outputs[ii] = shapes.Invalid()
			if hint, found := g.hints[output]; found {
				outputs[ii] = hint
			}
		}
		return outputs, nil
	}

	// Every other operator takes at least one input, except ConstantOfShape.
	if _, isConstantOfShape := node.Op.(*ConstantOfShape); !isConstantOfShape {
		if err := requireInputs(1); err != nil {
			return nil, err
		}
	}
	switch op := node.Op.(type) {
	case *Elementwise, *Identity, *Fused, *Softmax:
		return single(inputs[0].Clone(), nil)

	case *BatchNormalization:
		if err := requireInputs(5); err != nil {
			return nil, err
		}
		channels := 1
		if inputs[0].Rank() > 1 {
			channels = inputs[0].Dimensions[1]
		}
		for ii := 1; ii < 5; ii++ {
			if inputs[ii].Size() != channels {
				return nil, errors.Errorf("operand #%d has shape %s, expected %d elements (channels)", ii, inputs[ii], channels)
			}
		}
		return single(inputs[0].Clone(), nil)

	case *Binary:
		if err := requireInputs(2); err != nil {
			return nil, err
		}
		if op.Fn == BinaryPRelu {
			out, err := shapes.Broadcast(inputs[0], inputs[1])
			if err == nil && !out.Equal(inputs[0]) {
				err = errors.Errorf("slope %s is not broadcastable to input %s", inputs[1], inputs[0])
			}
			return single(out, err)
		}
		return single(shapes.Broadcast(inputs[0], inputs[1]))

	case *Cast:
		return single(inputs[0].WithDType(op.To), nil)

	case *MatMul:
		if err := requireInputs(2); err != nil {
			return nil, err
		}
		dims, err := MatMulDimensions(inputs[0], inputs[1])
		if err != nil {
			return nil, err
		}
		return single(dims.Output, nil)

	case *Gemm:
		if err := requireInputs(2); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		if a.Rank() != 2 || b.Rank() != 2 || a.DType != b.DType {
			return nil, errors.Errorf("Gemm requires two matrices of the same dtype, got %s and %s", a, b)
		}
		m, k := a.Dimensions[0], a.Dimensions[1]
		if op.TransA {
			m, k = k, m
		}
		kb, n := b.Dimensions[0], b.Dimensions[1]
		if op.TransB {
			kb, n = n, kb
		}
		if k != kb {
			return nil, errors.Errorf("Gemm contracting dimensions differ: %s and %s", a, b)
		}
		out := shapes.Make(a.DType, m, n)
		if len(inputs) > 2 && inputs[2].Ok() {
			broadcast, err := shapes.Broadcast(out, inputs[2])
			if err != nil || !broadcast.Equal(out) {
				return nil, errors.Errorf("Gemm bias %s is not broadcastable to %s", inputs[2], out)
			}
		}
		return single(out, nil)

	case *Conv:
		if err := requireInputs(2); err != nil {
			return nil, err
		}
		window, err := op.Window(inputs[0], inputs[1])
		if err != nil {
			return nil, err
		}
		outDims := append([]int{inputs[0].Dimensions[0], inputs[1].Dimensions[0]}, window.Output...)
		if len(inputs) > 2 && inputs[2].Ok() && inputs[2].Size() != inputs[1].Dimensions[0] {
			return nil, errors.Errorf("Conv bias %s doesn't match the %d output channels", inputs[2], inputs[1].Dimensions[0])
		}
		return single(shapes.Make(inputs[0].DType, outDims...), nil)

	case *Pool:
		window, err := op.Window(inputs[0])
		if err != nil {
			return nil, err
		}
		outDims := append([]int{inputs[0].Dimensions[0], inputs[0].Dimensions[1]}, window.Output...)
		return single(shapes.Make(inputs[0].DType, outDims...), nil)

	case *Reshape:
		return single(ReshapeTarget(inputs[0], op.Shape, op.AllowZero))

	case *Flatten:
		rank := inputs[0].Rank()
		axis := op.Axis
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis > rank {
			return nil, errors.Errorf("Flatten axis %d out-of-bounds for rank %d", op.Axis, rank)
		}
		outer := shapes.Make(inputs[0].DType, inputs[0].Dimensions[:axis]...).Size()
		inner := shapes.Make(inputs[0].DType, inputs[0].Dimensions[axis:]...).Size()
		return single(shapes.Make(inputs[0].DType, outer, inner), nil)

	case *Squeeze:
		return single(SqueezeShape(inputs[0], op.Axes))

	case *Unsqueeze:
		return single(UnsqueezeShape(inputs[0], op.Axes))

	case *Transpose:
		perm, err := op.Permutation(inputs[0].Rank())
		if err != nil {
			return nil, err
		}
		dims := make([]int, len(perm))
		for ii, axis := range perm {
			dims[ii] = inputs[0].Dimensions[axis]
		}
		return single(shapes.Make(inputs[0].DType, dims...), nil)

	case *Concat:
		axis, err := shapes.AdjustAxis(op.Axis, inputs[0].Rank())
		if err != nil {
			return nil, err
		}
		out := inputs[0].Clone()
		for _, operand := range inputs[1:] {
			if operand.DType != out.DType || operand.Rank() != out.Rank() {
				return nil, errors.Errorf("cannot concatenate %s and %s", inputs[0], operand)
			}
			for ii, dim := range operand.Dimensions {
				if ii != axis && dim != out.Dimensions[ii] {
					return nil, errors.Errorf("cannot concatenate %s and %s on axis %d", inputs[0], operand, axis)
				}
			}
			out.Dimensions[axis] += operand.Dimensions[axis]
		}
		return single(out, nil)

	case *Gather:
		if err := requireInputs(2); err != nil {
			return nil, err
		}
		data, indices := inputs[0], inputs[1]
		if indices.DType != dtypes.Int64 && indices.DType != dtypes.Int32 {
			return nil, errors.Errorf("Gather indices must be integers, got %s", indices)
		}
		axis, err := shapes.AdjustAxis(op.Axis, data.Rank())
		if err != nil {
			return nil, err
		}
		dims := slices.Concat(data.Dimensions[:axis], indices.Dimensions, data.Dimensions[axis+1:])
		return single(shapes.Make(data.DType, dims...), nil)

	case *Reduce:
		axes, err := op.ReducedAxes(inputs[0].Rank())
		if err != nil {
			return nil, err
		}
		var dims []int
		for axis, dim := range inputs[0].Dimensions {
			switch {
			case !slices.Contains(axes, axis):
				dims = append(dims, dim)
			case op.KeepDims:
				dims = append(dims, 1)
			}
		}
		return single(shapes.Make(inputs[0].DType, dims...), nil)

	case *Shape:
		start, end := op.Range(inputs[0].Rank())
		return single(shapes.Make(dtypes.Int64, end-start), nil)

	case *ConstantOfShape:
		dtype := dtypes.Float32
		if op.Value != nil {
			dtype = op.Value.DType()
		}
		for _, dim := range op.Shape {
			if dim < 0 {
				return nil, errors.Errorf("ConstantOfShape with negative dimension in %v", op.Shape)
			}
		}
		return single(shapes.Make(dtype, op.Shape...), nil)
	}
	return nil, errors.Errorf("no shape inference for operator %s", node.Op.Type())
}

// MatMulDims holds the dimensions of a MatMul: the result has dimensions Batch + [M, N] (with the M or N axis
// removed if the corresponding operand was 1D).
type MatMulDims struct {
	Batch   []int
	M, K, N int
	Output  shapes.Shape

	// LhsBatchStrides and RhsBatchStrides are the strides (in elements) of each batch axis in the operands,
	// 0 for broadcast axes.
	LhsBatchStrides, RhsBatchStrides []int
}

// MatMulDimensions computes the dimensions of a numpy-style matrix multiplication.
func MatMulDimensions(lhs, rhs shapes.Shape) (MatMulDims, error) {
	var dims MatMulDims
	if lhs.DType != rhs.DType {
		return dims, errors.Errorf("MatMul operands have different dtypes: %s and %s", lhs, rhs)
	}
	if lhs.Rank() == 0 || rhs.Rank() == 0 {
		return dims, errors.Errorf("MatMul operands can't be scalars: %s and %s", lhs, rhs)
	}
	lhsMatrix, rhsMatrix := lhs, rhs
	if lhs.Rank() == 1 {
		lhsMatrix = shapes.Make(lhs.DType, 1, lhs.Dimensions[0])
	}
	if rhs.Rank() == 1 {
		rhsMatrix = shapes.Make(rhs.DType, rhs.Dimensions[0], 1)
	}
	dims.M = lhsMatrix.Dim(-2)
	dims.K = lhsMatrix.Dim(-1)
	dims.N = rhsMatrix.Dim(-1)
	if rhsMatrix.Dim(-2) != dims.K {
		return dims, errors.Errorf("MatMul contracting dimensions differ: %s and %s", lhs, rhs)
	}
	lhsBatch := shapes.Make(lhs.DType, lhsMatrix.Dimensions[:lhsMatrix.Rank()-2]...)
	rhsBatch := shapes.Make(lhs.DType, rhsMatrix.Dimensions[:rhsMatrix.Rank()-2]...)
	batch, err := shapes.Broadcast(lhsBatch, rhsBatch)
	if err != nil {
		return dims, errors.WithMessage(err, "MatMul batch axes")
	}
	dims.Batch = batch.Dimensions
	dims.LhsBatchStrides = scaleStrides(shapes.BroadcastStrides(lhsBatch, batch), dims.M*dims.K)
	dims.RhsBatchStrides = scaleStrides(shapes.BroadcastStrides(rhsBatch, batch), dims.K*dims.N)
	outDims := slices.Clone(dims.Batch)
	if lhs.Rank() > 1 {
		outDims = append(outDims, dims.M)
	}
	if rhs.Rank() > 1 {
		outDims = append(outDims, dims.N)
	}
	dims.Output = shapes.Make(lhs.DType, outDims...)
	return dims, nil
}

func scaleStrides(strides []int, factor int) []int {
	for ii := range strides {
		strides[ii] *= factor
	}
	return strides
}

// ReshapeTarget resolves the target dimensions of a Reshape: 0 copies the input dimension (unless allowZero)
// and -1 is inferred from the remaining dimensions.
func ReshapeTarget(input shapes.Shape, target []int, allowZero bool) (shapes.Shape, error) {
	dims := slices.Clone(target)
	inferredAxis := -1
	known := 1
	for ii, dim := range dims {
		switch {
		case dim == -1:
			if inferredAxis >= 0 {
				return shapes.Invalid(), errors.Errorf("Reshape target %v has more than one -1", target)
			}
			inferredAxis = ii
			continue
		case dim == 0 && !allowZero:
			if ii >= input.Rank() {
				return shapes.Invalid(), errors.Errorf("Reshape target %v copies axis %d of %s", target, ii, input)
			}
			dims[ii] = input.Dimensions[ii]
		case dim < 0:
			return shapes.Invalid(), errors.Errorf("Reshape target %v has invalid dimension %d", target, dim)
		}
		known *= dims[ii]
	}
	if inferredAxis >= 0 {
		if known == 0 || input.Size()%known != 0 {
			return shapes.Invalid(), errors.Errorf("Reshape of %s to %v: can't infer the -1 dimension", input, target)
		}
		dims[inferredAxis] = input.Size() / known
	}
	out := shapes.Make(input.DType, dims...)
	if out.Size() != input.Size() {
		return shapes.Invalid(), errors.Errorf("Reshape of %s (%d elements) to %v (%d elements)", input, input.Size(), target, out.Size())
	}
	return out, nil
}

// SqueezeShape removes the given axes (or every axis of dimension 1 if axes is empty).
func SqueezeShape(input shapes.Shape, axes []int) (shapes.Shape, error) {
	remove := make([]bool, input.Rank())
	if len(axes) == 0 {
		for axis, dim := range input.Dimensions {
			remove[axis] = dim == 1
		}
	}
	for _, axis := range axes {
		adjusted, err := shapes.AdjustAxis(axis, input.Rank())
		if err != nil {
			return shapes.Invalid(), err
		}
		if input.Dimensions[adjusted] != 1 {
			return shapes.Invalid(), errors.Errorf("can't squeeze axis %d of %s", axis, input)
		}
		remove[adjusted] = true
	}
	var dims []int
	for axis, dim := range input.Dimensions {
		if !remove[axis] {
			dims = append(dims, dim)
		}
	}
	return shapes.Make(input.DType, dims...), nil
}

// UnsqueezeShape inserts axes of dimension 1 at the given positions of the output.
func UnsqueezeShape(input shapes.Shape, axes []int) (shapes.Shape, error) {
	rank := input.Rank() + len(axes)
	insert := make([]bool, rank)
	for _, axis := range axes {
		adjusted, err := shapes.AdjustAxis(axis, rank)
		if err != nil {
			return shapes.Invalid(), err
		}
		if insert[adjusted] {
			return shapes.Invalid(), errors.Errorf("Unsqueeze axes %v repeat axis %d", axes, axis)
		}
		insert[adjusted] = true
	}
	dims := make([]int, 0, rank)
	next := 0
	for axis := range rank {
		if insert[axis] {
			dims = append(dims, 1)
		} else {
			dims = append(dims, input.Dimensions[next])
			next++
		}
	}
	return shapes.Make(input.DType, dims...), nil
}

// Permutation returns the permutation of the axes for the given rank.
func (op *Transpose) Permutation(rank int) ([]int, error) {
	if len(op.Perm) == 0 {
		perm := make([]int, rank)
		for ii := range perm {
			perm[ii] = rank - 1 - ii
		}
		return perm, nil
	}
	if len(op.Perm) != rank {
		return nil, errors.Errorf("Transpose permutation %v for rank %d", op.Perm, rank)
	}
	seen := make([]bool, rank)
	for _, axis := range op.Perm {
		if axis < 0 || axis >= rank || seen[axis] {
			return nil, errors.Errorf("invalid Transpose permutation %v", op.Perm)
		}
		seen[axis] = true
	}
	return op.Perm, nil
}

// ReducedAxes returns the sorted, non-negative list of axes to reduce. It is empty if the reduction is a no-op.
func (op *Reduce) ReducedAxes(rank int) ([]int, error) {
	if len(op.Axes) == 0 {
		if op.NoopWithEmptyAxes {
			return nil, nil
		}
		axes := make([]int, rank)
		for ii := range axes {
			axes[ii] = ii
		}
		return axes, nil
	}
	axes := make([]int, 0, len(op.Axes))
	for _, axis := range op.Axes {
		adjusted, err := shapes.AdjustAxis(axis, rank)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(axes, adjusted) {
			axes = append(axes, adjusted)
		}
	}
	slices.Sort(axes)
	return axes, nil
}

// Range returns the [start, end) range of axes output by Shape, clamped to the rank.
func (op *Shape) Range(rank int) (start, end int) {
	clamp := func(axis int) int {
		if axis < 0 {
			axis += rank
		}
		return min(max(axis, 0), rank)
	}
	start = clamp(op.Start)
	end = rank
	if op.HasEnd {
		end = clamp(op.End)
	}
	if end < start {
		end = start
	}
	return
}

// SoftmaxAxis returns the normalized axis and whether the legacy (before opset 13) semantics apply: in legacy
// mode the input is flattened to 2D at the axis and the softmax is computed over all the trailing axes.
func (op *Softmax) SoftmaxAxis(rank int, opset int64) (axis int, legacy bool, err error) {
	legacy = opset < 13
	axis = op.Axis
	if !op.HasAxis {
		axis = -1
		if legacy {
			axis = 1
		}
	}
	if legacy && rank == 0 {
		return 0, legacy, nil
	}
	axis, err = shapes.AdjustAxis(axis, max(rank, 1))
	return axis, legacy, err
}
