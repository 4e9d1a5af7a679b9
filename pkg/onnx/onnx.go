// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnx holds the subset of the ONNX model descriptor (the onnx.proto messages) needed to run inference,
// and its Protocol Buffers wire format codec (Unmarshal and Marshal).
//
// Field names follow the .proto definitions, so the structures read like the generated bindings would.
// Fields irrelevant for inference (training info, functions, sparse initializers, metadata) are skipped
// while decoding.
package onnx

// DataType enumerates the tensor element types, as in TensorProto.DataType.
type DataType int32

const (
	DataTypeUndefined  DataType = 0
	DataTypeFloat      DataType = 1
	DataTypeUint8      DataType = 2
	DataTypeInt8       DataType = 3
	DataTypeUint16     DataType = 4
	DataTypeInt16      DataType = 5
	DataTypeInt32      DataType = 6
	DataTypeInt64      DataType = 7
	DataTypeString     DataType = 8
	DataTypeBool       DataType = 9
	DataTypeFloat16    DataType = 10
	DataTypeDouble     DataType = 11
	DataTypeUint32     DataType = 12
	DataTypeUint64     DataType = 13
	DataTypeComplex64  DataType = 14
	DataTypeComplex128 DataType = 15
	DataTypeBFloat16   DataType = 16
)

// AttributeType enumerates the types of AttributeProto values.
type AttributeType int32

const (
	AttributeTypeUndefined AttributeType = 0
	AttributeTypeFloat     AttributeType = 1
	AttributeTypeInt       AttributeType = 2
	AttributeTypeString    AttributeType = 3
	AttributeTypeTensor    AttributeType = 4
	AttributeTypeGraph     AttributeType = 5
	AttributeTypeFloats    AttributeType = 6
	AttributeTypeInts      AttributeType = 7
	AttributeTypeStrings   AttributeType = 8
	AttributeTypeTensors   AttributeType = 9
	AttributeTypeGraphs    AttributeType = 10
)

var attributeTypeNames = map[AttributeType]string{
	AttributeTypeUndefined: "UNDEFINED",
	AttributeTypeFloat:     "FLOAT",
	AttributeTypeInt:       "INT",
	AttributeTypeString:    "STRING",
	AttributeTypeTensor:    "TENSOR",
	AttributeTypeGraph:     "GRAPH",
	AttributeTypeFloats:    "FLOATS",
	AttributeTypeInts:      "INTS",
	AttributeTypeStrings:   "STRINGS",
	AttributeTypeTensors:   "TENSORS",
	AttributeTypeGraphs:    "GRAPHS",
}

func (t AttributeType) String() string {
	if name, found := attributeTypeNames[t]; found {
		return name
	}
	return "UNKNOWN"
}

// ModelProto is the top-level ONNX message.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
}

// OperatorSetIdProto declares the version of an operator set (domain) used by the model.
// The empty domain (or "ai.onnx") is the standard ONNX operator set.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// GraphProto is a list of nodes plus initializers (constants) and declared inputs and outputs.
type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

// AttributeProto is a named attribute of a node. Type tells which of the value fields is set.
type AttributeProto struct {
	Name      string
	Type      AttributeType
	F         float32
	I         int64
	S         []byte
	T         *TensorProto
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	DocString string
}

// TensorProto holds a tensor value: either in the typed repeated fields or in RawData (little-endian).
type TensorProto struct {
	Dims       []int64
	DataType   DataType
	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	Name       string
	RawData    []byte
	DoubleData []float64
	Uint64Data []uint64
	DocString  string
	// DataLocation is 1 (EXTERNAL) when the data lives in a separate file, which is not supported.
	DataLocation int32
}

// ValueInfoProto describes a named value: its element type and shape.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto only supports tensor types.
type TypeProto struct {
	TensorType *TypeProtoTensor
}

// TypeProtoTensor is the type of a tensor value.
type TypeProtoTensor struct {
	ElemType DataType
	Shape    *TensorShapeProto
}

// TensorShapeProto lists the dimensions of a tensor type.
type TensorShapeProto struct {
	Dim []*TensorShapeProtoDimension
}

// TensorShapeProtoDimension is either a static value (HasValue) or a symbolic parameter (DimParam).
// A dimension with neither is unknown.
type TensorShapeProtoDimension struct {
	DimValue int64
	DimParam string
	HasValue bool
}

// StandardDomain reports whether domain refers to the standard ONNX operator set.
func StandardDomain(domain string) bool {
	return domain == "" || domain == "ai.onnx"
}
