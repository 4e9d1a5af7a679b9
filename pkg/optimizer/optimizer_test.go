// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func node(name string, op ir.Op, inputs []string, outputs ...string) *ir.Node {
	return &ir.Node{Name: name, Op: op, Inputs: inputs, Outputs: outputs}
}

func opTypes(g *ir.Graph) []string {
	types := make([]string, len(g.Nodes))
	for ii, n := range g.Nodes {
		types[ii] = n.Op.Type()
	}
	return types
}

func TestIdentityElimination(t *testing.T) {
	g := must.M1(ir.NewGraph("identity", 13,
		[]ir.Value{{Name: "x", Shape: f32(2)}},
		[]ir.Value{{Name: "y", Shape: f32(2)}, {Name: "z", Shape: f32(2)}},
		nil, []*ir.Node{
			node("id0", &ir.Identity{}, []string{"x"}, "a"),
			node("id1", &ir.Identity{}, []string{"a"}, "b"),
			node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"b"}, "y"),
			node("id2", &ir.Identity{}, []string{"b"}, "z"),
		}, nil))
	out, changed, err := IdentityElimination{}.Apply(g)
	require.NoError(t, err)
	require.True(t, changed)
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, []string{"x"}, out.Nodes[0].Inputs)
	// The identity producing a graph output is kept, and rewired.
	assert.Equal(t, "id2", out.Nodes[1].Name)
	assert.Equal(t, []string{"x"}, out.Nodes[1].Inputs)

	// Input graph is not modified.
	require.Len(t, g.Nodes, 4)
	assert.Equal(t, []string{"b"}, g.Nodes[2].Inputs)

	_, changed, err = IdentityElimination{}.Apply(out)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestConstantFolding(t *testing.T) {
	constants := map[string]*tensors.Tensor{
		"c1": tensors.FromFlat([]float32{1, 2}),
		"c2": tensors.FromFlat([]float32{3, 4}),
	}
	g := must.M1(ir.NewGraph("folding", 13,
		[]ir.Value{{Name: "x", Shape: f32(2)}},
		[]ir.Value{{Name: "y", Shape: f32(2)}, {Name: "dims", Shape: shapes.Invalid()}},
		constants, []*ir.Node{
			node("add", &ir.Binary{Fn: ir.BinaryAdd}, []string{"c1", "c2"}, "s"),
			node("mul", &ir.Binary{Fn: ir.BinaryMul}, []string{"x", "s"}, "y"),
			node("shape", &ir.Shape{}, []string{"x"}, "dims"),
		}, nil))
	out, err := New().Optimize(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mul"}, opTypes(out))
	require.True(t, out.IsConstant("s"))
	assert.Equal(t, []float32{4, 6}, must.M1(out.Constants["s"].Float32s()))
	assert.Equal(t, []int64{2}, must.M1(out.Constants["dims"].Int64s()))
	assert.Equal(t, dtypes.Int64, out.Outputs[1].Shape.DType)

	// Unused constants are removed.
	assert.False(t, out.IsConstant("c1"))
	assert.False(t, out.IsConstant("c2"))
	assert.Len(t, g.Constants, 2)
}

func TestConstantOfShapeFolding(t *testing.T) {
	g := must.M1(ir.NewGraph("constantOfShape", 13,
		[]ir.Value{{Name: "x", Shape: f32(2, 2)}},
		[]ir.Value{{Name: "y", Shape: f32(2, 2)}},
		nil, []*ir.Node{
			node("fill", &ir.ConstantOfShape{Shape: []int{2, 2}, Value: tensors.FromFlat([]float32{3})}, nil, "c"),
			node("add", &ir.Binary{Fn: ir.BinaryAdd}, []string{"x", "c"}, "y"),
		}, nil))
	out, err := New().Optimize(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Add"}, opTypes(out))
	assert.Equal(t, []float32{3, 3, 3, 3}, must.M1(out.Constants["c"].Float32s()))
}

func TestFusion(t *testing.T) {
	t.Run("elementwise chain", func(t *testing.T) {
		g := must.M1(ir.NewGraph("chain", 13,
			[]ir.Value{{Name: "x", Shape: f32(3)}},
			[]ir.Value{{Name: "y", Shape: f32(3)}},
			nil, []*ir.Node{
				node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"x"}, "a"),
				node("sigmoid", &ir.Elementwise{Fn: ir.UnarySigmoid}, []string{"a"}, "b"),
				node("neg", &ir.Elementwise{Fn: ir.UnaryNeg}, []string{"b"}, "y"),
			}, nil))
		out, changed, err := Fusion{}.Apply(g)
		require.NoError(t, err)
		require.True(t, changed)
		require.Len(t, out.Nodes, 1)
		assert.Equal(t, "Fused(Relu+Sigmoid+Neg)", out.Nodes[0].Op.Type())
		assert.Equal(t, []string{"x"}, out.Nodes[0].Inputs)
		assert.Equal(t, []string{"y"}, out.Nodes[0].Outputs)
		assert.Equal(t, "relu+sigmoid+neg", out.Nodes[0].Name)
	})

	t.Run("graph output not fused", func(t *testing.T) {
		g := must.M1(ir.NewGraph("outputs", 13,
			[]ir.Value{{Name: "x", Shape: f32(3)}},
			[]ir.Value{{Name: "a", Shape: f32(3)}, {Name: "y", Shape: f32(3)}},
			nil, []*ir.Node{
				node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"x"}, "a"),
				node("neg", &ir.Elementwise{Fn: ir.UnaryNeg}, []string{"a"}, "y"),
			}, nil))
		_, changed, err := Fusion{}.Apply(g)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("conv activation", func(t *testing.T) {
		constants := map[string]*tensors.Tensor{"w": tensors.FromShape(f32(4, 1, 3, 3))}
		g := must.M1(ir.NewGraph("conv", 13,
			[]ir.Value{{Name: "x", Shape: f32(1, 1, 5, 5)}},
			[]ir.Value{{Name: "y", Shape: f32(1, 4, 3, 3)}},
			constants, []*ir.Node{
				node("conv", &ir.Conv{}, []string{"x", "w"}, "c"),
				node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"c"}, "y"),
			}, nil))
		out, err := New().Optimize(g)
		require.NoError(t, err)
		require.Len(t, out.Nodes, 1)
		conv, ok := out.Nodes[0].Op.(*ir.Conv)
		require.True(t, ok)
		assert.Equal(t, []ir.Elementwise{{Fn: ir.UnaryRelu}}, conv.Activation)
		// Original op untouched.
		assert.Empty(t, g.Nodes[0].Op.(*ir.Conv).Activation)
	})

	t.Run("matmul bias", func(t *testing.T) {
		constants := map[string]*tensors.Tensor{
			"w":    tensors.FromShape(f32(3, 4)),
			"bias": tensors.FromShape(f32(4)),
		}
		g := must.M1(ir.NewGraph("dense", 13,
			[]ir.Value{{Name: "x", Shape: f32(2, 3)}},
			[]ir.Value{{Name: "y", Shape: f32(2, 4)}},
			constants, []*ir.Node{
				node("matmul", &ir.MatMul{}, []string{"x", "w"}, "m"),
				node("add", &ir.Binary{Fn: ir.BinaryAdd}, []string{"bias", "m"}, "y"),
			}, nil))
		out, changed, err := Fusion{}.Apply(g)
		require.NoError(t, err)
		require.True(t, changed)
		require.Len(t, out.Nodes, 1)
		assert.Equal(t, &ir.Gemm{Alpha: 1, Beta: 1}, out.Nodes[0].Op)
		assert.Equal(t, []string{"x", "w", "bias"}, out.Nodes[0].Inputs)
	})
}

func TestDeadNodeElimination(t *testing.T) {
	constants := map[string]*tensors.Tensor{"unused": tensors.FromFlat([]float32{1})}
	g := must.M1(ir.NewGraph("dead", 13,
		[]ir.Value{{Name: "x", Shape: f32(2)}},
		[]ir.Value{{Name: "y", Shape: f32(2)}},
		constants, []*ir.Node{
			node("dead0", &ir.Elementwise{Fn: ir.UnaryExp}, []string{"x"}, "d0"),
			node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"x"}, "y"),
			node("dead1", &ir.Binary{Fn: ir.BinaryAdd}, []string{"d0", "unused"}, "d1"),
		}, nil))
	out, changed, err := DeadNodeElimination{}.Apply(g)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []string{"Relu"}, opTypes(out))
	assert.Empty(t, out.Constants)
	assert.Len(t, g.Nodes, 3)
}

func TestUnusedOutputsElimination(t *testing.T) {
	// Dropout is an Identity with an extra mask output.
	g := must.M1(ir.NewGraph("dropout", 13,
		[]ir.Value{{Name: "x", Shape: f32(2)}},
		[]ir.Value{{Name: "y", Shape: f32(2)}},
		nil, []*ir.Node{
			node("dropout", &ir.Identity{}, []string{"x"}, "d", "mask"),
			node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"d"}, "y"),
		}, nil))
	out, changed, err := DeadNodeElimination{}.Apply(g)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []string{"d"}, out.Nodes[0].Outputs)
	assert.Equal(t, []string{"d", "mask"}, g.Nodes[0].Outputs)
	_, found := out.Producer("mask")
	assert.False(t, found)

	// Once trimmed, the Identity is removed too.
	out, err = New().Optimize(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Relu"}, opTypes(out))
	assert.Equal(t, []string{"x"}, out.Nodes[0].Inputs)

	// Interior unused outputs are blanked, trailing ones dropped.
	needed := sets.MakeWith("a", "c")
	multi := node("multi", &ir.Unsupported{OpType: "Multi"}, []string{"x"}, "a", "b", "c", "d")
	assert.Equal(t, []string{"a", "", "c"}, trimOutputs(multi, needed).Outputs)
	assert.Equal(t, []string{"a", "b", "c", "d"}, multi.Outputs)
	assert.Nil(t, trimOutputs(node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"x"}, "a"), needed))
	assert.Nil(t, trimOutputs(node("pair", &ir.Unsupported{OpType: "Pair"}, []string{"x"}, "a", "c"), needed))
}

// alwaysChanging is a pass that reports a change every time.
type alwaysChanging struct{}

func (alwaysChanging) Name() string { return "alwaysChanging" }

func (alwaysChanging) Apply(g *ir.Graph) (*ir.Graph, bool, error) {
	newGraph, err := g.With(g.Nodes, g.Constants)
	return newGraph, true, err
}

// dangling produces a graph with a reference to a tensor that doesn't exist.
type dangling struct{}

func (dangling) Name() string { return "dangling" }

func (dangling) Apply(g *ir.Graph) (*ir.Graph, bool, error) {
	nodes := append([]*ir.Node{}, g.Nodes...)
	nodes = append(nodes, node("broken", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"nowhere"}, "broken_out"))
	newGraph, err := g.With(nodes, g.Constants)
	return newGraph, true, err
}

func TestOptimizeErrors(t *testing.T) {
	g := must.M1(ir.NewGraph("simple", 13,
		[]ir.Value{{Name: "x", Shape: f32(2)}},
		[]ir.Value{{Name: "y", Shape: f32(2)}},
		nil, []*ir.Node{node("relu", &ir.Elementwise{Fn: ir.UnaryRelu}, []string{"x"}, "y")}, nil))

	_, err := New(WithPasses(alwaysChanging{}), WithMaxIterations(3)).Optimize(g)
	require.ErrorIs(t, err, ErrIterationLimit)
	require.ErrorIs(t, err, ErrOptimizer)

	_, err = New(WithPasses(dangling{})).Optimize(g)
	require.ErrorIs(t, err, ErrInvalidGraph)
	require.ErrorIs(t, err, ErrOptimizer)
	require.ErrorIs(t, err, ir.ErrUndeclaredInput)
	require.Contains(t, err.Error(), "dangling")

	// No passes: the graph is returned as is.
	out, err := New(WithPasses()).Optimize(g)
	require.NoError(t, err)
	assert.Same(t, g, out)
}
