// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes the model in the Protocol Buffers wire format, the same produced by the official ONNX
// tooling: repeated numeric fields are packed and zero-valued scalar fields are omitted.
func Marshal(model *ModelProto) []byte {
	var b []byte
	b = appendInt64(b, 1, model.IrVersion)
	b = appendString(b, 2, model.ProducerName)
	b = appendString(b, 3, model.ProducerVersion)
	b = appendString(b, 4, model.Domain)
	b = appendInt64(b, 5, model.ModelVersion)
	b = appendString(b, 6, model.DocString)
	if model.Graph != nil {
		b = appendMessage(b, 7, marshalGraph(model.Graph))
	}
	for _, opset := range model.OpsetImport {
		var sub []byte
		sub = appendString(sub, 1, opset.Domain)
		sub = appendInt64(sub, 2, opset.Version)
		b = appendMessage(b, 8, sub)
	}
	return b
}

func marshalGraph(graph *GraphProto) []byte {
	var b []byte
	for _, node := range graph.Node {
		b = appendMessage(b, 1, marshalNode(node))
	}
	b = appendString(b, 2, graph.Name)
	for _, tensor := range graph.Initializer {
		b = appendMessage(b, 5, marshalTensor(tensor))
	}
	b = appendString(b, 10, graph.DocString)
	for _, vi := range graph.Input {
		b = appendMessage(b, 11, marshalValueInfo(vi))
	}
	for _, vi := range graph.Output {
		b = appendMessage(b, 12, marshalValueInfo(vi))
	}
	for _, vi := range graph.ValueInfo {
		b = appendMessage(b, 13, marshalValueInfo(vi))
	}
	return b
}

func marshalNode(node *NodeProto) []byte {
	var b []byte
	// Repeated strings are always emitted, even if empty: empty names mark absent optional inputs/outputs.
	for _, input := range node.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	for _, output := range node.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, output)
	}
	b = appendString(b, 3, node.Name)
	b = appendString(b, 4, node.OpType)
	for _, attr := range node.Attribute {
		b = appendMessage(b, 5, marshalAttribute(attr))
	}
	b = appendString(b, 6, node.DocString)
	b = appendString(b, 7, node.Domain)
	return b
}

func marshalAttribute(attr *AttributeProto) []byte {
	var b []byte
	b = appendString(b, 1, attr.Name)
	switch attr.Type {
	case AttributeTypeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(attr.F))
	case AttributeTypeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(attr.I))
	case AttributeTypeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, attr.S)
	case AttributeTypeTensor:
		if attr.T != nil {
			b = appendMessage(b, 5, marshalTensor(attr.T))
		}
	case AttributeTypeFloats:
		b = appendPackedFloat32s(b, 7, attr.Floats)
	case AttributeTypeInts:
		b = appendPackedInt64s(b, 8, attr.Ints)
	case AttributeTypeStrings:
		for _, s := range attr.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	b = appendString(b, 13, attr.DocString)
	b = appendInt64(b, 20, int64(attr.Type))
	return b
}

func marshalTensor(tensor *TensorProto) []byte {
	var b []byte
	b = appendPackedInt64s(b, 1, tensor.Dims)
	b = appendInt64(b, 2, int64(tensor.DataType))
	b = appendPackedFloat32s(b, 4, tensor.FloatData)
	if len(tensor.Int32Data) > 0 {
		var packed []byte
		for _, v := range tensor.Int32Data {
			packed = protowire.AppendVarint(packed, uint64(int64(v)))
		}
		b = appendMessage(b, 5, packed)
	}
	for _, s := range tensor.StringData {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	b = appendPackedInt64s(b, 7, tensor.Int64Data)
	b = appendString(b, 8, tensor.Name)
	if len(tensor.RawData) > 0 {
		b = appendMessage(b, 9, tensor.RawData)
	}
	if len(tensor.DoubleData) > 0 {
		var packed []byte
		for _, v := range tensor.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendMessage(b, 10, packed)
	}
	if len(tensor.Uint64Data) > 0 {
		var packed []byte
		for _, v := range tensor.Uint64Data {
			packed = protowire.AppendVarint(packed, v)
		}
		b = appendMessage(b, 11, packed)
	}
	b = appendString(b, 12, tensor.DocString)
	b = appendInt64(b, 14, int64(tensor.DataLocation))
	return b
}

func marshalValueInfo(vi *ValueInfoProto) []byte {
	var b []byte
	b = appendString(b, 1, vi.Name)
	if vi.Type != nil && vi.Type.TensorType != nil {
		var tensorType []byte
		tensorType = appendInt64(tensorType, 1, int64(vi.Type.TensorType.ElemType))
		if shape := vi.Type.TensorType.Shape; shape != nil {
			var shapeBytes []byte
			for _, dim := range shape.Dim {
				var dimBytes []byte
				if dim.HasValue {
					dimBytes = protowire.AppendTag(dimBytes, 1, protowire.VarintType)
					dimBytes = protowire.AppendVarint(dimBytes, uint64(dim.DimValue))
				}
				dimBytes = appendString(dimBytes, 2, dim.DimParam)
				shapeBytes = appendMessage(shapeBytes, 1, dimBytes)
			}
			tensorType = appendMessage(tensorType, 2, shapeBytes)
		}
		var typeBytes []byte
		typeBytes = appendMessage(typeBytes, 1, tensorType)
		b = appendMessage(b, 2, typeBytes)
	}
	b = appendString(b, 3, vi.DocString)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// appendMessage appends a length-delimited field; sub may be empty (an empty message is still present).
func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendPackedInt64s(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloat32s(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}
