// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"encoding/binary"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/pkg/errors"
)

// ArgFromTensor copies the device representation of t into a new Arg. Buffers have at least one word.
func ArgFromTensor(t *tensors.Tensor) (Arg, error) {
	data, err := t.DeviceBytes()
	if err != nil {
		return Arg{}, err
	}
	words := make([]uint32, max(len(data)/4, 1))
	for ii := range len(data) / 4 {
		words[ii] = binary.LittleEndian.Uint32(data[4*ii:])
	}
	return NewArg(words), nil
}

// Evaluate computes the first output of node on the host, given the values of its present inputs.
// The result has the dtype of output (e.g. Int64 values are widened back from their 32-bit device representation).
//
// It returns an error wrapping ErrUnsupported if there is no kernel for the node.
func Evaluate(node *ir.Node, inputs []*tensors.Tensor, output shapes.Shape, opset int64) (*tensors.Tensor, error) {
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.Shape()
	}
	k, err := Build(node, inputShapes, output, opset)
	if err != nil {
		return nil, err
	}
	args := make([]Arg, len(inputs)+1)
	for ii, input := range inputs {
		args[ii], err = ArgFromTensor(input)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupported, "node %s input #%d: %v", node, ii, err)
		}
	}
	args[len(inputs)] = NewArg(make([]uint32, max(output.Size(), 1)))
	k.RunAll(args)
	return tensors.FromDeviceBytes(output, args[len(inputs)].Bytes())
}

// StaticValue returns the output of the operators that only depend on static shapes: Shape and ConstantOfShape.
// It returns nil for every other operator. inputs are the shapes of the present inputs of the node.
func StaticValue(node *ir.Node, inputs []shapes.Shape) (*tensors.Tensor, error) {
	switch op := node.Op.(type) {
	case *ir.Shape:
		if len(inputs) != 1 {
			return nil, errors.Errorf("node %s requires 1 operand, got %d", node, len(inputs))
		}
		start, end := op.Range(inputs[0].Rank())
		dims := make([]int64, end-start)
		for ii := range dims {
			dims[ii] = int64(inputs[0].Dimensions[start+ii])
		}
		return tensors.FromFlat(dims), nil
	case *ir.ConstantOfShape:
		value := op.Value
		if value == nil {
			value = tensors.FromScalar(float32(0))
		}
		values, err := value.Float64s()
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupported, "node %s value: %v", node, err)
		}
		filled := make([]float64, shapes.Make(dtypes.Float64, op.Shape...).Size())
		for ii := range filled {
			filled[ii] = values[0]
		}
		return tensors.FromFlatDataAndDimensions(filled, op.Shape...).ConvertTo(value.DType())
	}
	return nil, nil
}
