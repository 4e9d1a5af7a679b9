// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func node(name string, op ir.Op, inputs []string, outputs ...string) *ir.Node {
	return &ir.Node{Name: name, Op: op, Inputs: inputs, Outputs: outputs}
}

func unary(fn ir.UnaryFn) ir.Op { return &ir.Elementwise{Fn: fn} }

// chainGraph is x -> relu -> neg -> sigmoid -> abs -> exp -> y.
func chainGraph(t *testing.T, size int) *ir.Graph {
	return must.M1(ir.NewGraph("chain", 13,
		[]ir.Value{{Name: "x", Shape: f32(size)}},
		[]ir.Value{{Name: "y", Shape: f32(size)}},
		nil, []*ir.Node{
			node("relu", unary(ir.UnaryRelu), []string{"x"}, "a"),
			node("neg", unary(ir.UnaryNeg), []string{"a"}, "b"),
			node("sigmoid", unary(ir.UnarySigmoid), []string{"b"}, "c"),
			node("abs", unary(ir.UnaryAbs), []string{"c"}, "d"),
			node("exp", unary(ir.UnaryExp), []string{"d"}, "y"),
		}, nil))
}

// checkBufferContents simulates the program, tracking which tensor each buffer holds, and verifies that every
// step reads the tensors its node expects: that is, reused buffers never overwrite a live tensor.
func checkBufferContents(t *testing.T, g *ir.Graph, p *Program) {
	holds := make(map[int]string)
	for _, b := range p.Buffers {
		if b.Kind == KindInput || b.Kind == KindConstant {
			holds[b.Index] = b.Tensors[0]
		}
	}
	nodes := make(map[string]*ir.Node)
	for _, n := range g.Nodes {
		nodes[n.Name] = n
	}
	for ii, step := range p.Steps {
		out := step.Bindings[len(step.Bindings)-1]
		assert.Equal(t, gpu.ReadWrite, out.Access, "step #%d", ii)
		n, found := nodes[step.Node]
		if !found {
			// Copy of an input or constant to an output.
			holds[out.Buffer] = strings.TrimPrefix(step.Node, "copy/")
			continue
		}
		var inputs []string
		for _, input := range n.Inputs {
			if input != "" {
				inputs = append(inputs, input)
			}
		}
		if step.Shader.Label == "copy" {
			inputs = inputs[:1]
		}
		require.Len(t, step.Bindings, len(inputs)+1, "step #%d", ii)
		for jj, input := range inputs {
			assert.Equal(t, gpu.ReadOnly, step.Bindings[jj].Access)
			assert.NotEqual(t, out.Buffer, step.Bindings[jj].Buffer, "step #%d aliases its output with an input", ii)
			assert.Equal(t, input, holds[step.Bindings[jj].Buffer], "step #%d (%s) reads buffer #%d",
				ii, step.Node, step.Bindings[jj].Buffer)
		}
		holds[out.Buffer] = n.Outputs[0]
	}
	for _, output := range p.Outputs {
		assert.Equal(t, KindOutput, p.Buffers[output.Buffer].Kind)
		assert.Equal(t, output.Name, holds[output.Buffer])
	}
}

func TestCompileBufferReuse(t *testing.T) {
	g := chainGraph(t, 4)
	p, err := Compile(g, gpu.DefaultLimits, 13)
	require.NoError(t, err)
	require.Len(t, p.Steps, 5)
	checkBufferContents(t, g, p)

	var intermediates []BufferSpec
	for _, b := range p.Buffers {
		if b.Kind == KindIntermediate {
			intermediates = append(intermediates, b)
		}
	}
	require.Len(t, intermediates, 2)
	assert.Equal(t, []string{"a", "c"}, intermediates[0].Tensors)
	assert.Equal(t, []string{"b", "d"}, intermediates[1].Tensors)
	assert.Equal(t, uint64(16), intermediates[0].Size)

	memory := p.Memory()
	assert.Equal(t, uint64(32), memory[KindIntermediate])
	assert.Equal(t, uint64(16), memory[KindInput])
	assert.Equal(t, uint64(16), memory[KindOutput])
	assert.Contains(t, p.String(), "5 steps")
}

func TestCompileDiamond(t *testing.T) {
	g := must.M1(ir.NewGraph("diamond", 13,
		[]ir.Value{{Name: "x", Shape: f32(2, 3)}},
		[]ir.Value{{Name: "y", Shape: f32(2, 3)}, {Name: "z", Shape: f32(2, 3)}},
		map[string]*tensors.Tensor{"bias": tensors.FromFlat([]float32{1, 2, 3})},
		[]*ir.Node{
			node("relu", unary(ir.UnaryRelu), []string{"x"}, "a"),
			node("neg", unary(ir.UnaryNeg), []string{"a"}, "b"),
			node("add", &ir.Binary{Fn: ir.BinaryAdd}, []string{"a", "b"}, "c"),
			node("bias", &ir.Binary{Fn: ir.BinaryAdd}, []string{"c", "bias"}, "y"),
			node("tanh", unary(ir.UnaryTanh), []string{"c"}, "z"),
		}, nil))
	p, err := Compile(g, gpu.DefaultLimits, 13)
	require.NoError(t, err)
	checkBufferContents(t, g, p)

	// Constants are uploaded once, with their device representation.
	var constants []BufferSpec
	for _, b := range p.Buffers {
		if b.Kind == KindConstant {
			constants = append(constants, b)
		}
	}
	require.Len(t, constants, 1)
	assert.Equal(t, []string{"bias"}, constants[0].Tensors)
	assert.Equal(t, must.M1(tensors.FromFlat([]float32{1, 2, 3}).DeviceBytes()), constants[0].Init)

	// Broadcasting is baked into the shader.
	addBias := p.Steps[3]
	require.Equal(t, "bias", addBias.Node)
	assert.Contains(t, addBias.Shader.Source, "let rhs = in1[(i % 3)];")
	assert.Contains(t, addBias.Shader.Source, "out[i] = lhs + rhs;")

	tensor, found := p.Output("z")
	require.True(t, found)
	assert.True(t, tensor.Shape.Equal(f32(2, 3)))
	_, found = p.Output("c")
	assert.False(t, found)
}

func TestCompileWGSL(t *testing.T) {
	p, err := Compile(chainGraph(t, 4), gpu.DefaultLimits, 13)
	require.NoError(t, err)
	relu := p.Steps[0]
	assert.Equal(t, "Relu", relu.OpType)
	assert.Equal(t, EntryPoint, relu.Shader.EntryPoint)
	assert.Equal(t, [3]uint32{1, 1, 1}, relu.Workgroups)
	src := relu.Shader.Source
	for _, want := range []string{
		"@group(0) @binding(0) var<storage, read> in0: array<f32>;",
		"@group(0) @binding(1) var<storage, read_write> out: array<f32>;",
		"@compute @workgroup_size(256)",
		"if (idx >= 4u) {",
		"x = max(x, 0.0);",
		"out[i] = x;",
	} {
		assert.Contains(t, src, want)
	}

	// Steps with the same kernel and parameters share the same source.
	p2, err := Compile(chainGraph(t, 4), gpu.DefaultLimits, 13)
	require.NoError(t, err)
	for ii := range p.Steps {
		assert.Equal(t, p.Steps[ii].Shader, p2.Steps[ii].Shader)
	}
}

func TestCompileDeterminism(t *testing.T) {
	g := chainGraph(t, 1000)
	first := must.M1(Compile(g, gpu.DefaultLimits, 13))
	for range 5 {
		p := must.M1(Compile(g, gpu.DefaultLimits, 13))
		assert.Equal(t, first.String(), p.String())
		assert.Equal(t, first.Buffers, p.Buffers)
		for ii := range p.Steps {
			assert.Equal(t, first.Steps[ii].Shader.Source, p.Steps[ii].Shader.Source)
			assert.Equal(t, first.Steps[ii].Bindings, p.Steps[ii].Bindings)
		}
	}
}

func TestCompileOutputs(t *testing.T) {
	// An output that is also an input is copied to its own buffer.
	g := must.M1(ir.NewGraph("passthrough", 13,
		[]ir.Value{{Name: "x", Shape: f32(3)}},
		[]ir.Value{{Name: "x", Shape: f32(3)}},
		nil, nil, nil))
	p, err := Compile(g, gpu.DefaultLimits, 13)
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "copy", p.Steps[0].Shader.Label)
	assert.Equal(t, []Binding{{Buffer: 0, Access: gpu.ReadOnly}, {Buffer: 1, Access: gpu.ReadWrite}}, p.Steps[0].Bindings)
	checkBufferContents(t, g, p)

	// Shape is computed at compile time.
	g = must.M1(ir.NewGraph("shape", 13,
		[]ir.Value{{Name: "x", Shape: f32(2, 3)}},
		[]ir.Value{{Name: "dims", Shape: shapes.Make(dtypes.Int64, 2)}},
		nil, []*ir.Node{node("shape", &ir.Shape{}, []string{"x"}, "dims")}, nil))
	p, err = Compile(g, gpu.DefaultLimits, 13)
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "copy/dims", p.Steps[0].Node)
	require.Len(t, p.Buffers, 3)
	assert.Equal(t, KindConstant, p.Buffers[1].Kind)
	assert.Equal(t, dtypes.Int32, p.Buffers[1].DType)
	assert.Equal(t, []byte{2, 0, 0, 0, 3, 0, 0, 0}, p.Buffers[1].Init)
	output, found := p.Output("dims")
	require.True(t, found)
	assert.Equal(t, 2, output.Buffer)
	assert.Equal(t, dtypes.Int64, output.Shape.DType)
}

func TestCompileWorkgroups(t *testing.T) {
	limits := gpu.DefaultLimits
	limits.MaxComputeWorkgroupsPerDimension = 4
	p, err := Compile(chainGraph(t, 5*gpu.WorkgroupSize), limits, 13)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{4, 2, 1}, p.Steps[0].Workgroups)

	limits.MaxComputeWorkgroupsPerDimension = 2
	_, err = Compile(chainGraph(t, 5*gpu.WorkgroupSize), limits, 13)
	require.ErrorIs(t, err, ErrDeviceLimit)
	require.ErrorIs(t, err, ErrCompile)

	g := must.M1(ir.NewGraph("empty", 13,
		[]ir.Value{{Name: "x", Shape: f32(0)}},
		[]ir.Value{{Name: "y", Shape: f32(0)}},
		nil, []*ir.Node{node("relu", unary(ir.UnaryRelu), []string{"x"}, "y")}, nil))
	p, err = Compile(g, gpu.DefaultLimits, 13)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{0, 1, 1}, p.Steps[0].Workgroups)
	assert.Equal(t, uint64(4), p.Buffers[0].Size)
}

func TestCompileErrors(t *testing.T) {
	t.Run("UnsupportedOperator", func(t *testing.T) {
		g := must.M1(ir.NewGraph("unsupported", 13,
			[]ir.Value{{Name: "x", Shape: f32(2)}},
			[]ir.Value{{Name: "y", Shape: f32(2)}},
			nil, []*ir.Node{node("foo", &ir.Unsupported{OpType: "Foo"}, []string{"x"}, "y")},
			map[string]shapes.Shape{"y": f32(2)}))
		_, err := Compile(g, gpu.DefaultLimits, 13)
		require.ErrorIs(t, err, ErrUnsupportedOperator)
		require.ErrorIs(t, err, ErrCompile)
		assert.Contains(t, err.Error(), "Foo")
	})

	t.Run("Opset", func(t *testing.T) {
		g := must.M1(ir.NewGraph("cast", 5,
			[]ir.Value{{Name: "x", Shape: f32(2)}},
			[]ir.Value{{Name: "y", Shape: shapes.Make(dtypes.Int32, 2)}},
			nil, []*ir.Node{node("cast", &ir.Cast{To: dtypes.Int32}, []string{"x"}, "y")}, nil))
		_, err := Compile(g, gpu.DefaultLimits, 5)
		require.ErrorIs(t, err, ErrUnsupportedOperator)
		_, err = Compile(g, gpu.DefaultLimits, 6)
		require.NoError(t, err)
		_, err = Compile(g, gpu.DefaultLimits, 0)
		require.ErrorIs(t, err, ErrCompile)
	})

	t.Run("DType", func(t *testing.T) {
		g := must.M1(ir.NewGraph("float64", 13,
			[]ir.Value{{Name: "x", Shape: shapes.Make(dtypes.Float64, 2)}},
			[]ir.Value{{Name: "y", Shape: shapes.Make(dtypes.Float64, 2)}},
			nil, []*ir.Node{node("relu", unary(ir.UnaryRelu), []string{"x"}, "y")}, nil))
		_, err := Compile(g, gpu.DefaultLimits, 13)
		require.ErrorIs(t, err, ErrUnsupportedDType)
	})

	t.Run("Int64Range", func(t *testing.T) {
		g := must.M1(ir.NewGraph("int64", 13,
			[]ir.Value{{Name: "x", Shape: shapes.Make(dtypes.Int64, 1)}},
			[]ir.Value{{Name: "y", Shape: shapes.Make(dtypes.Int64, 1)}},
			map[string]*tensors.Tensor{"big": tensors.FromFlat([]int64{1 << 40})},
			[]*ir.Node{node("add", &ir.Binary{Fn: ir.BinaryAdd}, []string{"x", "big"}, "y")}, nil))
		_, err := Compile(g, gpu.DefaultLimits, 13)
		require.ErrorIs(t, err, ErrUnsupportedDType)
	})

	t.Run("BufferSize", func(t *testing.T) {
		limits := gpu.DefaultLimits
		limits.MaxStorageBufferBindingSize = 64
		_, err := Compile(chainGraph(t, 100), limits, 13)
		require.ErrorIs(t, err, ErrDeviceLimit)
		_, err = Compile(chainGraph(t, 16), limits, 13)
		require.NoError(t, err)
	})

	t.Run("Bindings", func(t *testing.T) {
		limits := gpu.DefaultLimits
		limits.MaxStorageBuffersPerShaderStage = 2
		g := must.M1(ir.NewGraph("add", 13,
			[]ir.Value{{Name: "x", Shape: f32(2)}, {Name: "y", Shape: f32(2)}},
			[]ir.Value{{Name: "z", Shape: f32(2)}},
			nil, []*ir.Node{node("add", &ir.Binary{Fn: ir.BinaryAdd}, []string{"x", "y"}, "z")}, nil))
		_, err := Compile(g, limits, 13)
		require.ErrorIs(t, err, ErrDeviceLimit)
	})
}

func TestCompileReshapeSkipsShapeOperand(t *testing.T) {
	g := must.M1(ir.NewGraph("reshape", 13,
		[]ir.Value{{Name: "x", Shape: f32(2, 3)}},
		[]ir.Value{{Name: "y", Shape: f32(3, 2)}},
		map[string]*tensors.Tensor{"shape": tensors.FromFlatDataAndDimensions([]int64{3, 2}, 2)},
		[]*ir.Node{
			node("relu", unary(ir.UnaryRelu), []string{"x"}, "a"),
			node("reshape", &ir.Reshape{Shape: []int{3, 2}}, []string{"a", "shape"}, "y"),
		}, nil))
	p := must.M1(Compile(g, gpu.DefaultLimits, 13))
	require.Len(t, p.Steps, 2)
	assert.Len(t, p.Steps[1].Bindings, 2)
	for _, b := range p.Buffers {
		assert.NotEqual(t, KindConstant, b.Kind, "the shape operand should not be uploaded")
	}
	checkBufferContents(t, g, p)
}
