// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxtest builds small ONNX models programmatically, for tests and examples.
//
// Example:
//
//	model := onnxtest.NewModel(13).
//		Input("x", onnx.DataTypeFloat, 2).
//		Node("Relu", []string{"x"}, []string{"y"}).
//		Output("y", onnx.DataTypeFloat, 2).
//		Model()
package onnxtest

import (
	"fmt"

	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/janpfeifer/must"
)

// Builder accumulates the graph of a model.
type Builder struct {
	model *onnx.ModelProto
}

// NewModel creates a builder for a model importing the standard operator set at the given version.
// Use opset <= 0 to not import any operator set.
func NewModel(opset int64) *Builder {
	b := &Builder{model: &onnx.ModelProto{
		IrVersion:    8,
		ProducerName: "onnxtest",
		Graph:        &onnx.GraphProto{Name: "test"},
	}}
	if opset > 0 {
		b.model.OpsetImport = []*onnx.OperatorSetIdProto{{Version: opset}}
	}
	return b
}

// Opset appends an operator set import.
func (b *Builder) Opset(domain string, version int64) *Builder {
	b.model.OpsetImport = append(b.model.OpsetImport, &onnx.OperatorSetIdProto{Domain: domain, Version: version})
	return b
}

// ValueInfo creates a tensor value info with static dimensions.
func ValueInfo(name string, dtype onnx.DataType, dims ...int) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range dims {
		shape.Dim = append(shape.Dim, &onnx.TensorShapeProtoDimension{DimValue: int64(d), HasValue: true})
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TypeProtoTensor{ElemType: dtype, Shape: shape}},
	}
}

// Input declares a graph input with static dimensions.
func (b *Builder) Input(name string, dtype onnx.DataType, dims ...int) *Builder {
	b.model.Graph.Input = append(b.model.Graph.Input, ValueInfo(name, dtype, dims...))
	return b
}

// SymbolicInput declares a graph input whose dimensions are given by name (e.g. "batch") when the string is not
// empty, or statically otherwise.
func (b *Builder) SymbolicInput(name string, dtype onnx.DataType, dims []int, params []string) *Builder {
	vi := ValueInfo(name, dtype, dims...)
	for ii, param := range params {
		if param != "" {
			vi.Type.TensorType.Shape.Dim[ii] = &onnx.TensorShapeProtoDimension{DimParam: param}
		}
	}
	b.model.Graph.Input = append(b.model.Graph.Input, vi)
	return b
}

// Output declares a graph output with static dimensions.
func (b *Builder) Output(name string, dtype onnx.DataType, dims ...int) *Builder {
	b.model.Graph.Output = append(b.model.Graph.Output, ValueInfo(name, dtype, dims...))
	return b
}

// OutputNoShape declares a graph output without shape information.
func (b *Builder) OutputNoShape(name string, dtype onnx.DataType) *Builder {
	b.model.Graph.Output = append(b.model.Graph.Output, &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TypeProtoTensor{ElemType: dtype}},
	})
	return b
}

// Initializer adds a constant. It panics if the tensor dtype has no ONNX equivalent.
func (b *Builder) Initializer(name string, t *tensors.Tensor) *Builder {
	b.model.Graph.Initializer = append(b.model.Graph.Initializer, must.M1(onnx.TensorProtoFrom(name, t)))
	return b
}

// Node appends a node. The node name is generated from its position.
func (b *Builder) Node(opType string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *Builder {
	b.model.Graph.Node = append(b.model.Graph.Node, &onnx.NodeProto{
		Name:      fmt.Sprintf("%s_%d", opType, len(b.model.Graph.Node)),
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	})
	return b
}

// Model returns the built model.
func (b *Builder) Model() *onnx.ModelProto {
	return b.model
}

// Bytes returns the serialized model.
func (b *Builder) Bytes() []byte {
	return onnx.Marshal(b.model)
}

// AttrInt creates an INT attribute.
func AttrInt(name string, v int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeTypeInt, I: v}
}

// AttrInts creates an INTS attribute.
func AttrInts(name string, values ...int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeTypeInts, Ints: values}
}

// AttrFloat creates a FLOAT attribute.
func AttrFloat(name string, v float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeTypeFloat, F: v}
}

// AttrFloats creates a FLOATS attribute.
func AttrFloats(name string, values ...float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeTypeFloats, Floats: values}
}

// AttrString creates a STRING attribute.
func AttrString(name, v string) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeTypeString, S: []byte(v)}
}

// AttrTensor creates a TENSOR attribute.
func AttrTensor(name string, t *tensors.Tensor) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeTypeTensor, T: must.M1(onnx.TensorProtoFrom("", t))}
}
