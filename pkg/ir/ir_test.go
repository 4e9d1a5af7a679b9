// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/gomlx/gpuonnx/pkg/onnx/onnxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSimple(t *testing.T) {
	model := onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 2).
		Node("Relu", []string{"x"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 2).
		Model()
	g, err := Build(model)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, int64(13), g.Opset)
	assert.Equal(t, "Relu", g.Nodes[0].Op.Type())
	assert.Equal(t, []Value{{Name: "x", Shape: shapes.Make(dtypes.Float32, 2)}}, g.Inputs)
	assert.Equal(t, "y", g.Outputs[0].Name)
	assert.True(t, g.Outputs[0].Shape.Equal(shapes.Make(dtypes.Float32, 2)))
	assert.True(t, g.IsInput("x"))
	assert.True(t, g.IsOutput("y"))
	idx, found := g.Producer("y")
	require.True(t, found)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []int{0}, g.Consumers("x"))
}

func TestBuildPreservesDeclarationOrder(t *testing.T) {
	// Nodes declared out of topological order.
	model := onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 3).
		Node("Exp", []string{"b"}, []string{"c"}).
		Node("Neg", []string{"x"}, []string{"a"}).
		Node("Abs", []string{"x"}, []string{"d"}).
		Node("Sigmoid", []string{"a"}, []string{"b"}).
		Node("Add", []string{"c", "d"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 3).
		Model()
	g, err := Build(model)
	require.NoError(t, err)
	types := make([]string, len(g.Nodes))
	for ii, node := range g.Nodes {
		types[ii] = node.Op.Type()
	}
	assert.Equal(t, []string{"Exp", "Neg", "Abs", "Sigmoid", "Add"}, types)
	// Kahn's algorithm with the lowest declaration index first: Neg(1), Abs(2), Sigmoid(3), Exp(0), Add(4).
	assert.Equal(t, []int{1, 2, 3, 0, 4}, g.Order())
}

func TestBuildErrors(t *testing.T) {
	t.Run("undeclared input", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Add", []string{"x", "missing"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrUndeclaredInput)
		require.ErrorIs(t, err, ErrIR)
		require.Contains(t, err.Error(), "missing")
	})
	t.Run("missing attribute", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Concat", []string{"x", "x"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 4).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrMissingAttribute)
		require.ErrorIs(t, err, ErrIR)
	})
	t.Run("wrong attribute type", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("LeakyRelu", []string{"x"}, []string{"y"}, onnxtest.AttrInt("alpha", 1)).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrAttributeType)
	})
	t.Run("cycle", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Add", []string{"x", "b"}, []string{"a"}).
			Node("Relu", []string{"a"}, []string{"b"}).
			Output("b", onnx.DataTypeFloat, 2).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrCycle)
	})
	t.Run("unresolved output", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Relu", []string{"x"}, []string{"y"}).
			Output("z", onnx.DataTypeFloat, 2).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrUnresolvedOutput)
	})
	t.Run("duplicate producer", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Relu", []string{"x"}, []string{"y"}).
			Node("Neg", []string{"x"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrDuplicateProducer)
	})
	t.Run("constant overwriting an initializer", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Initializer("w", tensors.FromFlat([]float32{1, 2})).
			Node("Constant", nil, []string{"w"}, onnxtest.AttrTensor("value", tensors.FromFlat([]float32{3, 4}))).
			Node("Add", []string{"x", "w"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrDuplicateProducer)
		require.Contains(t, err.Error(), `"w"`)

		// Two Constant nodes with the same output.
		model = onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Constant", nil, []string{"w"}, onnxtest.AttrTensor("value", tensors.FromFlat([]float32{1, 2}))).
			Node("Constant", nil, []string{"w"}, onnxtest.AttrTensor("value", tensors.FromFlat([]float32{3, 4}))).
			Node("Add", []string{"x", "w"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		_, err = Build(model)
		require.ErrorIs(t, err, ErrDuplicateProducer)
	})
	t.Run("output shape mismatch", func(t *testing.T) {
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Relu", []string{"x"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 3).
			Model()
		_, err := Build(model)
		require.ErrorIs(t, err, ErrShapeInference)
	})
	t.Run("no graph", func(t *testing.T) {
		_, err := Build(&onnx.ModelProto{})
		require.ErrorIs(t, err, ErrIR)
	})
}

func TestBuildSymbolicInput(t *testing.T) {
	builder := onnxtest.NewModel(13).
		SymbolicInput("x", onnx.DataTypeFloat, []int{0, 4}, []string{"batch", ""}).
		Node("Relu", []string{"x"}, []string{"y"}).
		OutputNoShape("y", onnx.DataTypeFloat)
	_, err := Build(builder.Model())
	require.ErrorIs(t, err, ErrShapeInference)

	g, err := Build(builder.Model(), WithInputShape("x", 3, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, g.Outputs[0].Shape.Dimensions)
}

func TestBuildStaticOperandsAndConstants(t *testing.T) {
	model := onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 2, 3, 4).
		Initializer("shape", tensors.FromFlat([]int64{0, -1})).
		Node("Constant", nil, []string{"axes"}, onnxtest.AttrTensor("value", tensors.FromFlat([]int64{0}))).
		Node("Reshape", []string{"x", "shape"}, []string{"r"}).
		Node("Unsqueeze", []string{"r", "axes"}, []string{"u"}).
		Node("Clip", []string{"u", "", "max"}, []string{"y"}).
		Initializer("max", tensors.FromScalar(float32(6))).
		Output("y", onnx.DataTypeFloat, 1, 2, 12).
		Model()
	g, err := Build(model)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)

	reshape := g.Nodes[0]
	assert.Equal(t, []string{"x"}, reshape.Inputs)
	assert.Equal(t, []int{0, -1}, reshape.Op.(*Reshape).Shape)
	shape, _ := g.Shape("r")
	assert.Equal(t, []int{2, 12}, shape.Dimensions)

	assert.Equal(t, []int{0}, g.Nodes[1].Op.(*Unsqueeze).Axes)
	clip := g.Nodes[2].Op.(*Elementwise)
	assert.Equal(t, UnaryClip, clip.Fn)
	assert.Equal(t, float32(6), clip.Beta)
	assert.True(t, g.IsConstant("axes"))
}

func TestBuildVariadicAndUnsupported(t *testing.T) {
	model := onnxtest.NewModel(13).
		Input("a", onnx.DataTypeFloat, 2).
		Input("b", onnx.DataTypeFloat, 2).
		Input("c", onnx.DataTypeFloat, 2).
		Node("Sum", []string{"a", "b", "c"}, []string{"s"}).
		Node("Mystery", []string{"s"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 2).
		Model()
	g, err := Build(model)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "Add", g.Nodes[0].Op.Type())
	assert.Equal(t, "Add", g.Nodes[1].Op.Type())
	assert.Equal(t, g.Nodes[0].Outputs[0], g.Nodes[1].Inputs[0])
	assert.Equal(t, []string{"s"}, g.Nodes[1].Outputs)
	assert.Equal(t, &Unsupported{OpType: "Mystery"}, g.Nodes[2].Op)

	// Without a declared shape, the shapes of the nodes depending on an unsupported operator are left unresolved,
	// and the operator is reported by the compiler.
	model = onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 2).
		Node("Mystery", []string{"x"}, []string{"m"}).
		Node("Relu", []string{"m"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 2).
		Model()
	g, err = Build(model)
	require.NoError(t, err)
	for _, name := range []string{"m", "y"} {
		shape, found := g.Shape(name)
		require.True(t, found, name)
		assert.False(t, shape.Ok(), name)
	}
}

func TestBuildExtraOutputs(t *testing.T) {
	model := onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 2).
		Node("Dropout", []string{"x"}, []string{"y", "mask"}).
		Output("y", onnx.DataTypeFloat, 2).
		OutputNoShape("mask", onnx.DataTypeBool).
		Model()
	g, err := Build(model)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	dropout := g.Nodes[0]
	assert.Equal(t, "Identity", dropout.Op.Type())
	assert.Equal(t, "Dropout", dropout.ONNXOp)
	assert.Equal(t, []string{"y", "mask"}, dropout.Outputs)
	assert.Contains(t, dropout.String(), "ONNX Dropout")
	idx, found := g.Producer("mask")
	require.True(t, found)
	assert.Equal(t, 0, idx)
	shape, _ := g.Shape("mask")
	assert.False(t, shape.Ok())
	shape, _ = g.Shape("y")
	assert.True(t, shape.Equal(shapes.Make(dtypes.Float32, 2)))

	// Operators mapped to themselves don't repeat their ONNX type.
	g, err = Build(onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 2).
		Node("Relu", []string{"x"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 2).
		Model())
	require.NoError(t, err)
	assert.NotContains(t, g.Nodes[0].String(), "ONNX")
}

func TestShapeInference(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	testCases := []struct {
		name   string
		op     Op
		inputs []shapes.Shape
		want   []int
	}{
		{"broadcast", &Binary{Fn: BinaryAdd}, []shapes.Shape{f32(2, 1, 3), f32(4, 1)}, []int{2, 4, 3}},
		{"matmul", &MatMul{}, []shapes.Shape{f32(5, 2, 3), f32(3, 4)}, []int{5, 2, 4}},
		{"matmul vector", &MatMul{}, []shapes.Shape{f32(3), f32(3, 4)}, []int{4}},
		{"gemm transposed", &Gemm{TransA: true, TransB: true}, []shapes.Shape{f32(3, 2), f32(4, 3)}, []int{2, 4}},
		{"conv same", &Conv{AutoPad: "SAME_UPPER", Strides: []int{2, 2}}, []shapes.Shape{f32(1, 3, 7, 7), f32(8, 3, 3, 3)}, []int{1, 8, 4, 4}},
		{"conv pads", &Conv{Pads: []int{2, 2, 2, 2}}, []shapes.Shape{f32(1, 1, 28, 28), f32(8, 1, 5, 5)}, []int{1, 8, 28, 28}},
		{"conv groups", &Conv{Group: 2}, []shapes.Shape{f32(1, 4, 5, 5), f32(6, 2, 3, 3)}, []int{1, 6, 3, 3}},
		{"maxpool", &Pool{Kind: PoolMax, KernelShape: []int{2, 2}, Strides: []int{2, 2}}, []shapes.Shape{f32(1, 8, 28, 28)}, []int{1, 8, 14, 14}},
		{"maxpool ceil", &Pool{Kind: PoolMax, KernelShape: []int{2, 2}, Strides: []int{2, 2}, CeilMode: true}, []shapes.Shape{f32(1, 1, 5, 5)}, []int{1, 1, 3, 3}},
		{"global", &Pool{Kind: PoolGlobalAverage}, []shapes.Shape{f32(2, 3, 5, 5)}, []int{2, 3, 1, 1}},
		{"flatten", &Flatten{Axis: 1}, []shapes.Shape{f32(2, 3, 4)}, []int{2, 12}},
		{"flatten 0", &Flatten{Axis: 0}, []shapes.Shape{f32(2, 3)}, []int{1, 6}},
		{"squeeze", &Squeeze{}, []shapes.Shape{f32(1, 3, 1)}, []int{3}},
		{"unsqueeze", &Unsqueeze{Axes: []int{0, -1}}, []shapes.Shape{f32(3)}, []int{1, 3, 1}},
		{"transpose", &Transpose{Perm: []int{0, 2, 1}}, []shapes.Shape{f32(2, 3, 4)}, []int{2, 4, 3}},
		{"concat", &Concat{Axis: -1}, []shapes.Shape{f32(2, 3), f32(2, 5)}, []int{2, 8}},
		{"gather", &Gather{Axis: 1}, []shapes.Shape{f32(2, 3, 4), shapes.Make(dtypes.Int64, 5)}, []int{2, 5, 4}},
		{"reduce", &Reduce{Fn: ReduceMean, Axes: []int{1}, KeepDims: true}, []shapes.Shape{f32(2, 3, 4)}, []int{2, 1, 4}},
		{"reduce all", &Reduce{Fn: ReduceSum, KeepDims: true}, []shapes.Shape{f32(2, 3)}, []int{1, 1}},
		{"shape", &Shape{Start: 1}, []shapes.Shape{f32(2, 3, 4)}, []int{2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			names := make([]string, len(tc.inputs))
			inputs := make([]Value, len(tc.inputs))
			for ii, shape := range tc.inputs {
				names[ii] = string(rune('a' + ii))
				inputs[ii] = Value{Name: names[ii], Shape: shape}
			}
			node := &Node{Name: tc.name, Op: tc.op, Inputs: names, Outputs: []string{"y"}}
			g, err := NewGraph("test", 13, inputs, []Value{{Name: "y", Shape: shapes.Invalid()}}, nil, []*Node{node}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, g.Outputs[0].Shape.Dimensions)
		})
	}
}

func TestShapeInferenceErrors(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	testCases := []struct {
		name   string
		op     Op
		inputs []shapes.Shape
	}{
		{"broadcast", &Binary{Fn: BinaryAdd}, []shapes.Shape{f32(2, 3), f32(4)}},
		{"matmul", &MatMul{}, []shapes.Shape{f32(2, 3), f32(4, 5)}},
		{"reshape", &Reshape{Shape: []int{5, -1}}, []shapes.Shape{f32(2, 3)}},
		{"squeeze", &Squeeze{Axes: []int{0}}, []shapes.Shape{f32(2, 3)}},
		{"transpose", &Transpose{Perm: []int{0, 0}}, []shapes.Shape{f32(2, 3)}},
		{"conv channels", &Conv{}, []shapes.Shape{f32(1, 3, 5, 5), f32(4, 2, 3, 3)}},
		{"gather float indices", &Gather{}, []shapes.Shape{f32(3), f32(2)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			names := make([]string, len(tc.inputs))
			inputs := make([]Value, len(tc.inputs))
			for ii, shape := range tc.inputs {
				names[ii] = string(rune('a' + ii))
				inputs[ii] = Value{Name: names[ii], Shape: shape}
			}
			node := &Node{Name: tc.name, Op: tc.op, Inputs: names, Outputs: []string{"y"}}
			_, err := NewGraph("test", 13, inputs, []Value{{Name: "y", Shape: shapes.Invalid()}}, nil, []*Node{node}, nil)
			require.ErrorIs(t, err, ErrShapeInference)
		})
	}
}

func TestSoftmaxAxis(t *testing.T) {
	op := &Softmax{}
	axis, legacy, err := op.SoftmaxAxis(3, 12)
	require.NoError(t, err)
	assert.True(t, legacy)
	assert.Equal(t, 1, axis)

	axis, legacy, err = op.SoftmaxAxis(3, 13)
	require.NoError(t, err)
	assert.False(t, legacy)
	assert.Equal(t, 2, axis)

	_, _, err = (&Softmax{Axis: 5, HasAxis: true}).SoftmaxAxis(3, 13)
	require.Error(t, err)
}
