// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/pkg/errors"
)

// BuildOption configures Build.
type BuildOption func(cfg *buildConfig)

type buildConfig struct {
	inputShapes map[string][]int
}

// WithInputShape sets the dimensions of an input, overriding its declared ones.
// It is required for inputs with symbolic dimensions (e.g. a "batch" axis).
func WithInputShape(name string, dims ...int) BuildOption {
	return func(cfg *buildConfig) {
		cfg.inputShapes[name] = slices.Clone(dims)
	}
}

// StandardOpset returns the version of the standard operator set imported by the model, or 0 if none.
// If more than one is imported, the first is returned: the validation of the imports is left to the caller.
func StandardOpset(model *onnx.ModelProto) int64 {
	for _, opset := range model.OpsetImport {
		if onnx.StandardDomain(opset.Domain) {
			return opset.Version
		}
	}
	return 0
}

// Build creates the Graph of the model.
//
// Initializers and Constant nodes become constants; the node order is preserved, and the graph is validated
// (see NewGraph). All errors match ErrIR.
func Build(model *onnx.ModelProto, opts ...BuildOption) (*Graph, error) {
	cfg := &buildConfig{inputShapes: make(map[string][]int)}
	for _, opt := range opts {
		opt(cfg)
	}
	if model == nil || model.Graph == nil {
		return nil, errors.Wrap(ErrInvalidModel, "model has no graph")
	}
	proto := model.Graph
	opset := StandardOpset(model)

	constants := make(map[string]*tensors.Tensor, len(proto.Initializer))
	for _, initializer := range proto.Initializer {
		t, err := initializer.ToTensor()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidModel, "initializer %q: %v", initializer.Name, err)
		}
		constants[initializer.Name] = t
	}

	var inputs []Value
	for _, vi := range proto.Input {
		if _, isInitializer := constants[vi.Name]; isInitializer {
			// Before IR version 4 initializers were also listed as inputs.
			continue
		}
		dtype, dims, static, err := vi.Shape()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidModel, "input: %v", err)
		}
		if override, found := cfg.inputShapes[vi.Name]; found {
			if dims != nil && len(dims) != len(override) {
				return nil, errors.Wrapf(ErrShapeInference, "input %q has rank %d, but shape %v was given",
					vi.Name, len(dims), override)
			}
			dims, static = override, true
		}
		if !static {
			return nil, errors.Wrapf(ErrShapeInference, "input %q has non-static dimensions %v: bind them with WithInputShape",
				vi.Name, dims)
		}
		inputs = append(inputs, Value{Name: vi.Name, Shape: shapes.Make(dtype, dims...)})
	}

	hints := make(map[string]shapes.Shape)
	addHint := func(vi *onnx.ValueInfoProto) {
		dtype, dims, static, err := vi.Shape()
		if err == nil && static {
			hints[vi.Name] = shapes.Make(dtype, dims...)
		}
	}
	for _, vi := range proto.ValueInfo {
		addHint(vi)
	}
	outputs := make([]Value, len(proto.Output))
	for ii, vi := range proto.Output {
		addHint(vi)
		outputs[ii] = Value{Name: vi.Name, Shape: shapes.Invalid()}
		if hint, found := hints[vi.Name]; found {
			outputs[ii].Shape = hint
		}
	}

	var nodes []*Node
	err := exceptions.TryCatch[error](func() {
		// Constant nodes first, so they can be used as static operands of any node.
		for _, node := range proto.Node {
			if node.OpType == "Constant" && onnx.StandardDomain(node.Domain) {
				if len(node.Output) != 1 {
					panic(errors.Wrapf(ErrInvalidModel, "ONNX %s must have one output", nodeToString(node)))
				}
				if _, found := constants[node.Output[0]]; found {
					panic(errors.Wrapf(ErrDuplicateProducer, "ONNX %s output %q is already an initializer or constant",
						nodeToString(node), node.Output[0]))
				}
				constants[node.Output[0]] = constantNodeValue(node)
			}
		}
		for nodeIdx, node := range proto.Node {
			if node.OpType == "Constant" && onnx.StandardDomain(node.Domain) {
				continue
			}
			b := &nodeBuilder{proto: node, constants: constants, opset: opset, name: node.Name}
			if b.name == "" {
				b.name = fmt.Sprintf("%s_%d", node.OpType, nodeIdx)
			}
			nodes = append(nodes, b.build()...)
		}
	})
	if err != nil {
		return nil, err
	}
	return NewGraph(proto.Name, opset, inputs, outputs, constants, nodes, hints)
}

func constantNodeValue(node *onnx.NodeProto) *tensors.Tensor {
	if t := getTensorAttrOr(node, "value"); t != nil {
		return t
	}
	if attr := getNodeAttr(node, "value_float", false); attr != nil {
		return tensors.FromScalar(getFloatAttrOr(node, "value_float", 0))
	}
	if attr := getNodeAttr(node, "value_int", false); attr != nil {
		return tensors.FromScalar(int64(getIntAttrOr(node, "value_int", 0)))
	}
	if values := getFloatsAttrOr(node, "value_floats", nil); values != nil {
		return tensors.FromFlat(values)
	}
	if values := getIntsAttrOr(node, "value_ints", nil); values != nil {
		ints := make([]int64, len(values))
		for ii, v := range values {
			ints[ii] = int64(v)
		}
		return tensors.FromFlat(ints)
	}
	panic(errors.Wrapf(ErrMissingAttribute, "ONNX %s has no supported value attribute", nodeToString(node)))
}

// nodeBuilder converts one NodeProto into one or more IR nodes.
type nodeBuilder struct {
	proto     *onnx.NodeProto
	constants map[string]*tensors.Tensor
	opset     int64
	name      string
}

var unaryOps = map[string]UnaryFn{
	"Abs": UnaryAbs, "Neg": UnaryNeg, "Relu": UnaryRelu, "LeakyRelu": UnaryLeakyRelu, "Elu": UnaryElu,
	"Selu": UnarySelu, "Sigmoid": UnarySigmoid, "HardSigmoid": UnaryHardSigmoid, "Tanh": UnaryTanh,
	"Exp": UnaryExp, "Log": UnaryLog, "Sqrt": UnarySqrt, "Reciprocal": UnaryReciprocal, "Floor": UnaryFloor,
	"Ceil": UnaryCeil, "Softplus": UnarySoftplus, "Softsign": UnarySoftsign, "Sin": UnarySin, "Cos": UnaryCos,
}

var binaryOps = map[string]BinaryFn{
	"Add": BinaryAdd, "Sub": BinarySub, "Mul": BinaryMul, "Div": BinaryDiv, "Pow": BinaryPow, "PRelu": BinaryPRelu,
}

// variadicOps can take any number of inputs, and are converted to a chain of binary nodes.
var variadicOps = map[string]BinaryFn{
	"Sum": BinaryAdd, "Max": BinaryMax, "Min": BinaryMin,
}

var reduceOps = map[string]ReduceFn{
	"ReduceSum": ReduceSum, "ReduceMean": ReduceMean, "ReduceMax": ReduceMax, "ReduceMin": ReduceMin,
}

var poolOps = map[string]PoolKind{
	"MaxPool": PoolMax, "AveragePool": PoolAverage, "GlobalMaxPool": PoolGlobalMax, "GlobalAveragePool": PoolGlobalAverage,
}

// node creates an IR node with the given op and inputs, and all the outputs of the proto. Only the first output
// is computed: the compiler rejects models that use the others (e.g. the mask of a Dropout).
func (b *nodeBuilder) node(op Op, inputs ...string) *Node {
	return &Node{Name: b.name, Op: op, Inputs: inputs, Outputs: slices.Clone(b.proto.Output), ONNXOp: b.proto.OpType}
}

func (b *nodeBuilder) input(idx int) string {
	if idx < len(b.proto.Input) {
		return b.proto.Input[idx]
	}
	return ""
}

// constantOperand returns the constant value of the idx-th input, or nil if the input is absent.
// It panics if the input is given but isn't a constant.
func (b *nodeBuilder) constantOperand(idx int) *tensors.Tensor {
	name := b.input(idx)
	if name == "" {
		return nil
	}
	t, found := b.constants[name]
	if !found {
		panic(errors.Wrapf(ErrShapeInference, "ONNX %s: operand %q must be a constant", nodeToString(b.proto), name))
	}
	return t
}

func (b *nodeBuilder) constantInts(idx int) []int {
	t := b.constantOperand(idx)
	if t == nil {
		return nil
	}
	values, err := t.Ints()
	if err != nil {
		panic(errors.Wrapf(ErrAttributeType, "ONNX %s: operand %q: %v", nodeToString(b.proto), b.input(idx), err))
	}
	return values
}

func (b *nodeBuilder) constantFloat(idx int, defaultValue float32) float32 {
	t := b.constantOperand(idx)
	if t == nil {
		return defaultValue
	}
	values, err := t.Float32s()
	if err != nil || len(values) != 1 {
		panic(errors.Wrapf(ErrAttributeType, "ONNX %s: operand %q must be a scalar", nodeToString(b.proto), b.input(idx)))
	}
	return values[0]
}

func (b *nodeBuilder) build() []*Node {
	node := b.proto
	if !onnx.StandardDomain(node.Domain) {
		return []*Node{b.unsupported()}
	}
	opType := node.OpType
	x := b.input(0)

	if fn, found := unaryOps[opType]; found {
		op := &Elementwise{Fn: fn}
		switch fn {
		case UnaryLeakyRelu:
			op.Alpha = getFloatAttrOr(node, "alpha", 0.01)
		case UnaryElu:
			op.Alpha = getFloatAttrOr(node, "alpha", 1.0)
		case UnarySelu:
			op.Alpha = getFloatAttrOr(node, "alpha", 1.67326319217681884765625)
			op.Beta = getFloatAttrOr(node, "gamma", 1.05070102214813232421875)
		case UnaryHardSigmoid:
			op.Alpha = getFloatAttrOr(node, "alpha", 0.2)
			op.Beta = getFloatAttrOr(node, "beta", 0.5)
		}
		return []*Node{b.node(op, x)}
	}
	if fn, found := binaryOps[opType]; found {
		return []*Node{b.node(&Binary{Fn: fn}, x, b.input(1))}
	}
	if fn, found := variadicOps[opType]; found {
		return b.variadic(fn)
	}
	if fn, found := reduceOps[opType]; found {
		axes := getIntsAttrOr(node, "axes", nil)
		if axes == nil {
			axes = b.constantInts(1)
		}
		return []*Node{b.node(&Reduce{
			Fn:                fn,
			Axes:              axes,
			KeepDims:          getBoolAttrOr(node, "keepdims", true),
			NoopWithEmptyAxes: getBoolAttrOr(node, "noop_with_empty_axes", false),
		}, x)}
	}
	if kind, found := poolOps[opType]; found {
		op := &Pool{Kind: kind}
		if !kind.IsGlobal() {
			op.KernelShape = getIntsAttrOr(node, "kernel_shape", nil)
			if op.KernelShape == nil {
				getNodeAttr(node, "kernel_shape", true)
			}
			op.Strides = getIntsAttrOr(node, "strides", nil)
			op.Pads = getIntsAttrOr(node, "pads", nil)
			op.Dilations = getIntsAttrOr(node, "dilations", nil)
			op.AutoPad = getStringAttrOr(node, "auto_pad", "NOTSET")
			op.CeilMode = getBoolAttrOr(node, "ceil_mode", false)
			op.CountIncludePad = getBoolAttrOr(node, "count_include_pad", false)
		}
		return []*Node{b.node(op, x)}
	}

	switch opType {
	case "Clip":
		op := &Elementwise{Fn: UnaryClip, Alpha: -math.MaxFloat32, Beta: math.MaxFloat32}
		if b.opset > 0 && b.opset < 11 {
			op.Alpha = getFloatAttrOr(node, "min", op.Alpha)
			op.Beta = getFloatAttrOr(node, "max", op.Beta)
		} else {
			op.Alpha = b.constantFloat(1, op.Alpha)
			op.Beta = b.constantFloat(2, op.Beta)
		}
		return []*Node{b.node(op, x)}
	case "Identity", "Dropout":
		return []*Node{b.node(&Identity{}, x)}
	case "Cast":
		return []*Node{b.node(&Cast{To: mustGetDTypeAttr(node, "to")}, x)}
	case "MatMul":
		return []*Node{b.node(&MatMul{}, x, b.input(1))}
	case "Gemm":
		op := &Gemm{
			Alpha:  getFloatAttrOr(node, "alpha", 1),
			Beta:   getFloatAttrOr(node, "beta", 1),
			TransA: getBoolAttrOr(node, "transA", false),
			TransB: getBoolAttrOr(node, "transB", false),
		}
		inputs := []string{x, b.input(1)}
		if c := b.input(2); c != "" {
			inputs = append(inputs, c)
		}
		return []*Node{b.node(op, inputs...)}
	case "Conv":
		op := &Conv{
			KernelShape: getIntsAttrOr(node, "kernel_shape", nil),
			Strides:     getIntsAttrOr(node, "strides", nil),
			Pads:        getIntsAttrOr(node, "pads", nil),
			Dilations:   getIntsAttrOr(node, "dilations", nil),
			Group:       getIntAttrOr(node, "group", 1),
			AutoPad:     getStringAttrOr(node, "auto_pad", "NOTSET"),
		}
		inputs := []string{x, b.input(1)}
		if bias := b.input(2); bias != "" {
			inputs = append(inputs, bias)
		}
		return []*Node{b.node(op, inputs...)}
	case "BatchNormalization":
		op := &BatchNormalization{Epsilon: getFloatAttrOr(node, "epsilon", 1e-5)}
		return []*Node{b.node(op, x, b.input(1), b.input(2), b.input(3), b.input(4))}
	case "Softmax", "LogSoftmax":
		attr := getNodeAttr(node, "axis", false)
		op := &Softmax{Log: opType == "LogSoftmax", HasAxis: attr != nil}
		if attr != nil {
			op.Axis = getIntAttrOr(node, "axis", 0)
		}
		return []*Node{b.node(op, x)}
	case "Reshape":
		if b.input(1) == "" {
			panic(errors.Wrapf(ErrMissingAttribute, "ONNX %s requires the shape operand", nodeToString(node)))
		}
		return []*Node{b.node(&Reshape{
			Shape:     b.constantInts(1),
			AllowZero: getBoolAttrOr(node, "allowzero", false),
		}, x)}
	case "Flatten":
		return []*Node{b.node(&Flatten{Axis: getIntAttrOr(node, "axis", 1)}, x)}
	case "Squeeze", "Unsqueeze":
		axes := getIntsAttrOr(node, "axes", nil)
		if axes == nil {
			axes = b.constantInts(1)
		}
		if opType == "Squeeze" {
			return []*Node{b.node(&Squeeze{Axes: axes}, x)}
		}
		if len(axes) == 0 {
			getNodeAttr(node, "axes", true)
		}
		return []*Node{b.node(&Unsqueeze{Axes: axes}, x)}
	case "Transpose":
		return []*Node{b.node(&Transpose{Perm: getIntsAttrOr(node, "perm", nil)}, x)}
	case "Concat":
		return []*Node{b.node(&Concat{Axis: mustGetIntAttr(node, "axis")}, node.Input...)}
	case "Gather":
		return []*Node{b.node(&Gather{Axis: getIntAttrOr(node, "axis", 0)}, x, b.input(1))}
	case "Shape":
		attr := getNodeAttr(node, "end", false)
		return []*Node{b.node(&Shape{
			Start:  getIntAttrOr(node, "start", 0),
			End:    getIntAttrOr(node, "end", 0),
			HasEnd: attr != nil,
		}, x)}
	case "ConstantOfShape":
		value := getTensorAttrOr(node, "value")
		if value == nil {
			value = tensors.FromFlat([]float32{0})
		}
		if value.Size() != 1 {
			panic(errors.Wrapf(ErrAttributeType, "ONNX %s value must have one element", nodeToString(node)))
		}
		dims := b.constantInts(0)
		if dims == nil {
			panic(errors.Wrapf(ErrMissingAttribute, "ONNX %s requires the shape operand", nodeToString(node)))
		}
		return []*Node{b.node(&ConstantOfShape{Shape: dims, Value: value})}
	}
	return []*Node{b.unsupported()}
}

// unsupported keeps all inputs and outputs of the proto.
func (b *nodeBuilder) unsupported() *Node {
	return &Node{
		Name:    b.name,
		Op:      &Unsupported{OpType: b.proto.OpType, Domain: b.proto.Domain},
		Inputs:  slices.Clone(b.proto.Input),
		Outputs: slices.Clone(b.proto.Output),
	}
}

// variadic converts an operator with n inputs into a chain of n-1 binary nodes (or an Identity for one input).
func (b *nodeBuilder) variadic(fn BinaryFn) []*Node {
	inputs := b.proto.Input
	if len(inputs) == 0 {
		panic(errors.Wrapf(ErrInvalidModel, "ONNX %s requires at least one input", nodeToString(b.proto)))
	}
	if len(inputs) == 1 {
		return []*Node{b.node(&Identity{}, inputs[0])}
	}
	var nodes []*Node
	current := inputs[0]
	for ii, operand := range inputs[1:] {
		node := b.node(&Binary{Fn: fn}, current, operand)
		if ii < len(inputs)-2 {
			node.Name = fmt.Sprintf("%s/%d", b.name, ii)
			node.Outputs = []string{fmt.Sprintf("%s/partial_%d", b.name, ii)}
		}
		nodes = append(nodes, node)
		current = node.Outputs[0]
	}
	return nodes
}
