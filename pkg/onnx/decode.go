// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is wrapped by every decoding error.
var ErrMalformed = errors.New("malformed ONNX model")

// ReadFile reads and decodes an ONNX model file.
// I/O errors are returned as is; decoding errors wrap ErrMalformed.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model from %q", path)
	}
	model, err := Unmarshal(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding %q", path)
	}
	return model, nil
}

// Unmarshal decodes a serialized ModelProto.
func Unmarshal(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	err := parseMessage(data, "ModelProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return parseInt64(typ, b, &model.IrVersion)
		case 2:
			return parseString(typ, b, &model.ProducerName)
		case 3:
			return parseString(typ, b, &model.ProducerVersion)
		case 4:
			return parseString(typ, b, &model.Domain)
		case 5:
			return parseInt64(typ, b, &model.ModelVersion)
		case 6:
			return parseString(typ, b, &model.DocString)
		case 7:
			return parseSubMessage(typ, b, func(sub []byte) (err error) {
				model.Graph, err = unmarshalGraph(sub)
				return
			})
		case 8:
			return parseSubMessage(typ, b, func(sub []byte) error {
				opset, err := unmarshalOperatorSetID(sub)
				if err == nil {
					model.OpsetImport = append(model.OpsetImport, opset)
				}
				return err
			})
		}
		return skipField, nil
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}

func unmarshalOperatorSetID(data []byte) (*OperatorSetIdProto, error) {
	opset := &OperatorSetIdProto{}
	err := parseMessage(data, "OperatorSetIdProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return parseString(typ, b, &opset.Domain)
		case 2:
			return parseInt64(typ, b, &opset.Version)
		}
		return skipField, nil
	})
	return opset, err
}

func unmarshalGraph(data []byte) (*GraphProto, error) {
	graph := &GraphProto{}
	appendValueInfo := func(list *[]*ValueInfoProto) func(sub []byte) error {
		return func(sub []byte) error {
			vi, err := unmarshalValueInfo(sub)
			if err == nil {
				*list = append(*list, vi)
			}
			return err
		}
	}
	err := parseMessage(data, "GraphProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return parseSubMessage(typ, b, func(sub []byte) error {
				node, err := unmarshalNode(sub)
				if err == nil {
					graph.Node = append(graph.Node, node)
				}
				return err
			})
		case 2:
			return parseString(typ, b, &graph.Name)
		case 5:
			return parseSubMessage(typ, b, func(sub []byte) error {
				tensor, err := unmarshalTensor(sub)
				if err == nil {
					graph.Initializer = append(graph.Initializer, tensor)
				}
				return err
			})
		case 10:
			return parseString(typ, b, &graph.DocString)
		case 11:
			return parseSubMessage(typ, b, appendValueInfo(&graph.Input))
		case 12:
			return parseSubMessage(typ, b, appendValueInfo(&graph.Output))
		case 13:
			return parseSubMessage(typ, b, appendValueInfo(&graph.ValueInfo))
		}
		return skipField, nil
	})
	return graph, err
}

func unmarshalNode(data []byte) (*NodeProto, error) {
	node := &NodeProto{}
	err := parseMessage(data, "NodeProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var input string
			n, err := parseString(typ, b, &input)
			node.Input = append(node.Input, input)
			return n, err
		case 2:
			var output string
			n, err := parseString(typ, b, &output)
			node.Output = append(node.Output, output)
			return n, err
		case 3:
			return parseString(typ, b, &node.Name)
		case 4:
			return parseString(typ, b, &node.OpType)
		case 5:
			return parseSubMessage(typ, b, func(sub []byte) error {
				attr, err := unmarshalAttribute(sub)
				if err == nil {
					node.Attribute = append(node.Attribute, attr)
				}
				return err
			})
		case 6:
			return parseString(typ, b, &node.DocString)
		case 7:
			return parseString(typ, b, &node.Domain)
		}
		return skipField, nil
	})
	return node, err
}

func unmarshalAttribute(data []byte) (*AttributeProto, error) {
	attr := &AttributeProto{}
	err := parseMessage(data, "AttributeProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return parseString(typ, b, &attr.Name)
		case 2:
			return parseFloat32s(typ, b, func(v float32) { attr.F = v })
		case 3:
			return parseInt64(typ, b, &attr.I)
		case 4:
			return parseBytes(typ, b, func(v []byte) { attr.S = v })
		case 5:
			return parseSubMessage(typ, b, func(sub []byte) (err error) {
				attr.T, err = unmarshalTensor(sub)
				return
			})
		case 7:
			return parseFloat32s(typ, b, func(v float32) { attr.Floats = append(attr.Floats, v) })
		case 8:
			return parseVarints(typ, b, func(v uint64) { attr.Ints = append(attr.Ints, int64(v)) })
		case 9:
			return parseBytes(typ, b, func(v []byte) { attr.Strings = append(attr.Strings, v) })
		case 13:
			return parseString(typ, b, &attr.DocString)
		case 20:
			return parseVarints(typ, b, func(v uint64) { attr.Type = AttributeType(v) })
		}
		return skipField, nil
	})
	return attr, err
}

func unmarshalTensor(data []byte) (*TensorProto, error) {
	tensor := &TensorProto{}
	err := parseMessage(data, "TensorProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return parseVarints(typ, b, func(v uint64) { tensor.Dims = append(tensor.Dims, int64(v)) })
		case 2:
			return parseVarints(typ, b, func(v uint64) { tensor.DataType = DataType(v) })
		case 4:
			return parseFloat32s(typ, b, func(v float32) { tensor.FloatData = append(tensor.FloatData, v) })
		case 5:
			return parseVarints(typ, b, func(v uint64) { tensor.Int32Data = append(tensor.Int32Data, int32(v)) })
		case 6:
			return parseBytes(typ, b, func(v []byte) { tensor.StringData = append(tensor.StringData, v) })
		case 7:
			return parseVarints(typ, b, func(v uint64) { tensor.Int64Data = append(tensor.Int64Data, int64(v)) })
		case 8:
			return parseString(typ, b, &tensor.Name)
		case 9:
			return parseBytes(typ, b, func(v []byte) { tensor.RawData = v })
		case 10:
			return parseFixed64s(typ, b, func(v uint64) { tensor.DoubleData = append(tensor.DoubleData, math.Float64frombits(v)) })
		case 11:
			return parseVarints(typ, b, func(v uint64) { tensor.Uint64Data = append(tensor.Uint64Data, v) })
		case 12:
			return parseString(typ, b, &tensor.DocString)
		case 14:
			return parseVarints(typ, b, func(v uint64) { tensor.DataLocation = int32(v) })
		}
		return skipField, nil
	})
	return tensor, err
}

func unmarshalValueInfo(data []byte) (*ValueInfoProto, error) {
	vi := &ValueInfoProto{}
	err := parseMessage(data, "ValueInfoProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return parseString(typ, b, &vi.Name)
		case 2:
			return parseSubMessage(typ, b, func(sub []byte) (err error) {
				vi.Type, err = unmarshalType(sub)
				return
			})
		case 3:
			return parseString(typ, b, &vi.DocString)
		}
		return skipField, nil
	})
	return vi, err
}

func unmarshalType(data []byte) (*TypeProto, error) {
	tp := &TypeProto{}
	err := parseMessage(data, "TypeProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		tp.TensorType = &TypeProtoTensor{}
		return parseSubMessage(typ, b, func(sub []byte) error {
			return parseMessage(sub, "TypeProto.Tensor", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return parseVarints(typ, b, func(v uint64) { tp.TensorType.ElemType = DataType(v) })
				case 2:
					return parseSubMessage(typ, b, func(sub []byte) (err error) {
						tp.TensorType.Shape, err = unmarshalTensorShape(sub)
						return
					})
				}
				return skipField, nil
			})
		})
	})
	return tp, err
}

func unmarshalTensorShape(data []byte) (*TensorShapeProto, error) {
	shape := &TensorShapeProto{}
	err := parseMessage(data, "TensorShapeProto", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField, nil
		}
		dim := &TensorShapeProtoDimension{}
		shape.Dim = append(shape.Dim, dim)
		return parseSubMessage(typ, b, func(sub []byte) error {
			return parseMessage(sub, "TensorShapeProto.Dimension", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					dim.HasValue = true
					return parseInt64(typ, b, &dim.DimValue)
				case 2:
					return parseString(typ, b, &dim.DimParam)
				}
				return skipField, nil
			})
		})
	})
	return shape, err
}

// skipField is returned by field parsers for fields that should be skipped.
const skipField = -1

type fieldParser func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// parseMessage iterates over the fields of a message, calling parse for each of them with the bytes following the tag.
func parseMessage(data []byte, msgName string, parse fieldParser) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "%s: invalid tag: %v", msgName, protowire.ParseError(n))
		}
		data = data[n:]
		n, err := parse(num, typ, data)
		if err != nil {
			return errors.WithMessagef(err, "%s field #%d", msgName, num)
		}
		if n == skipField {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "%s field #%d: %v", msgName, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return nil
}

func wrongType(typ protowire.Type) error {
	return errors.Wrapf(ErrMalformed, "unexpected wire type %d", typ)
}

func parseError(n int) error {
	return errors.Wrapf(ErrMalformed, "%v", protowire.ParseError(n))
}

func parseString(typ protowire.Type, b []byte, out *string) (int, error) {
	return parseBytes(typ, b, func(v []byte) { *out = string(v) })
}

func parseBytes(typ protowire.Type, b []byte, set func([]byte)) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, parseError(n)
	}
	set(v)
	return n, nil
}

func parseSubMessage(typ protowire.Type, b []byte, parse func(sub []byte) error) (int, error) {
	var sub []byte
	n, err := parseBytes(typ, b, func(v []byte) { sub = v })
	if err != nil {
		return 0, err
	}
	return n, parse(sub)
}

func parseInt64(typ protowire.Type, b []byte, out *int64) (int, error) {
	return parseVarints(typ, b, func(v uint64) { *out = int64(v) })
}

// parseVarints parses one varint or a packed list of varints.
func parseVarints(typ protowire.Type, b []byte, add func(uint64)) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, parseError(n)
		}
		add(v)
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, parseError(n)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, parseError(m)
			}
			add(v)
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, wrongType(typ)
}

// parseFloat32s parses one fixed32 float or a packed list of them.
func parseFloat32s(typ protowire.Type, b []byte, add func(float32)) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, parseError(n)
		}
		add(math.Float32frombits(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, parseError(n)
		}
		if len(packed)%4 != 0 {
			return 0, errors.Wrapf(ErrMalformed, "packed float field with %d bytes", len(packed))
		}
		for ii := 0; ii < len(packed); ii += 4 {
			v, _ := protowire.ConsumeFixed32(packed[ii:])
			add(math.Float32frombits(v))
		}
		return n, nil
	}
	return 0, wrongType(typ)
}

// parseFixed64s parses one fixed64 value or a packed list of them.
func parseFixed64s(typ protowire.Type, b []byte, add func(uint64)) (int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, parseError(n)
		}
		add(v)
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, parseError(n)
		}
		if len(packed)%8 != 0 {
			return 0, errors.Wrapf(ErrMalformed, "packed fixed64 field with %d bytes", len(packed))
		}
		for ii := 0; ii < len(packed); ii += 8 {
			v, _ := protowire.ConsumeFixed64(packed[ii:])
			add(v)
		}
		return n, nil
	}
	return 0, wrongType(typ)
}
