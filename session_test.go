// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuonnx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gpuonnx/pkg/compiler"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/engine"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/gpu/cpu"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/gomlx/gpuonnx/pkg/onnx/onnxtest"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reluModel(opset int64) *onnxtest.Builder {
	return onnxtest.NewModel(opset).
		Input("x", onnx.DataTypeFloat, 2).
		Node("Relu", []string{"x"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 2)
}

func filled(value float32, n int) []float32 {
	data := make([]float32, n)
	for ii := range data {
		data[ii] = value
	}
	return data
}

// mnistLikeModel is a small convolutional classifier with the structure of mnist-8:
// Conv -> Relu -> MaxPool -> Reshape -> MatMul -> Add.
func mnistLikeModel() *onnxtest.Builder {
	convBias := make([]float32, 8)
	for ii := range convBias {
		convBias[ii] = float32(ii)*0.1 - 0.3
	}
	denseBias := make([]float32, 10)
	for ii := range denseBias {
		denseBias[ii] = float32(ii)
	}
	return onnxtest.NewModel(8).
		Input("Input3", onnx.DataTypeFloat, 1, 1, 28, 28).
		Initializer("conv_w", tensors.FromFlatDataAndDimensions(filled(0.5, 8*5*5), 8, 1, 5, 5)).
		Initializer("conv_b", tensors.FromFlat(convBias)).
		Initializer("shape", tensors.FromFlat([]int64{1, 8 * 14 * 14})).
		Initializer("dense_w", tensors.FromFlatDataAndDimensions(filled(0.01, 8*14*14*10), 8*14*14, 10)).
		Initializer("dense_b", tensors.FromFlatDataAndDimensions(denseBias, 1, 10)).
		Node("Conv", []string{"Input3", "conv_w", "conv_b"}, []string{"conv"},
			onnxtest.AttrInts("kernel_shape", 5, 5), onnxtest.AttrInts("pads", 2, 2, 2, 2)).
		Node("Relu", []string{"conv"}, []string{"relu"}).
		Node("MaxPool", []string{"relu"}, []string{"pool"},
			onnxtest.AttrInts("kernel_shape", 2, 2), onnxtest.AttrInts("strides", 2, 2)).
		Node("Reshape", []string{"pool", "shape"}, []string{"flat"}).
		Node("MatMul", []string{"flat", "dense_w"}, []string{"dense"}).
		Node("Add", []string{"dense", "dense_b"}, []string{"Plus214_Output_0"}).
		Output("Plus214_Output_0", onnx.DataTypeFloat, 1, 10)
}

func TestRelu(t *testing.T) {
	ctx := context.Background()
	session, err := FromBytes(ctx, reluModel(13).Bytes())
	require.NoError(t, err)
	defer func() { require.NoError(t, session.Close()) }()

	outputs, err := session.Run(ctx, map[string]*tensors.Tensor{"x": tensors.FromFlat([]float32{-1, 1})})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"y": {0, 1}}, outputs)
	assert.Equal(t, int64(13), session.Opset())
	require.Len(t, session.Inputs(), 1)
	assert.Equal(t, "x", session.Inputs()[0].Name)
	require.Len(t, session.Outputs(), 1)
	assert.Equal(t, "y", session.Outputs()[0].Name)
}

func TestMNISTLike(t *testing.T) {
	ctx := context.Background()
	model := mnistLikeModel().Model()
	session, err := New(ctx, model)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	input := tensors.FromFlatDataAndDimensions(make([]float32, 28*28), 1, 1, 28, 28)
	outputs, err := session.Run(ctx, map[string]*tensors.Tensor{"Input3": input})
	require.NoError(t, err)
	logits := outputs["Plus214_Output_0"]
	require.Len(t, logits, 10)
	// With a zero input the convolution returns its bias: only the 4 positive channels survive the Relu, and
	// their sum (1.0) is spread over 14x14 positions weighted by 0.01.
	for ii, v := range logits {
		assert.InDelta(t, 1.96+float64(ii), v, 1e-3, "logit #%d", ii)
	}

	// Disabling the optimizer doesn't change the results.
	unoptimized, err := New(ctx, model, WithOptimizations(false))
	require.NoError(t, err)
	defer func() { _ = unoptimized.Close() }()
	pixels := make([]float32, 28*28)
	for ii := range pixels {
		pixels[ii] = float32(ii%17) / 17
	}
	input = tensors.FromFlatDataAndDimensions(pixels, 1, 1, 28, 28)
	want := must.M1(unoptimized.Run(ctx, map[string]*tensors.Tensor{"Input3": input}))["Plus214_Output_0"]
	got := must.M1(session.Run(ctx, map[string]*tensors.Tensor{"Input3": input}))["Plus214_Output_0"]
	assert.InDeltaSlice(t, want, got, 1e-3)
	assert.LessOrEqual(t, len(session.Program().Steps), len(unoptimized.Program().Steps))
}

func TestDeterministicCompilation(t *testing.T) {
	ctx := context.Background()
	data := mnistLikeModel().Bytes()
	first := must.M1(FromBytes(ctx, data))
	defer func() { _ = first.Close() }()
	second := must.M1(FromBytes(ctx, data))
	defer func() { _ = second.Close() }()
	assert.NotEqual(t, first.ID(), second.ID())

	p1, p2 := first.Program(), second.Program()
	assert.Equal(t, p1.String(), p2.String())
	require.Len(t, p2.Steps, len(p1.Steps))
	for ii := range p1.Steps {
		assert.Equal(t, p1.Steps[ii].Shader, p2.Steps[ii].Shader)
		assert.Equal(t, p1.Steps[ii].Bindings, p2.Steps[ii].Bindings)
	}
	assert.Equal(t, p1.Buffers, p2.Buffers)
}

func TestDeadNodesAreNotCompiled(t *testing.T) {
	ctx := context.Background()
	model := reluModel(13).
		Node("Sigmoid", []string{"x"}, []string{"unused"}).
		Model()
	session, err := New(ctx, model)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()
	for _, step := range session.Program().Steps {
		assert.NotEqual(t, "Sigmoid", step.OpType)
	}
	outputs := must.M1(session.Run(ctx, map[string]*tensors.Tensor{"x": tensors.FromFlat([]float32{-2, 3})}))
	assert.Equal(t, []float32{0, 3}, outputs["y"])
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()
	session := must.M1(FromBytes(ctx, reluModel(13).Bytes()))
	defer func() { _ = session.Close() }()
	x := tensors.FromFlat([]float32{-1, 1})

	_, err := session.Run(ctx, map[string]*tensors.Tensor{"x": x, "input": x})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	var sessionErr *SessionError
	require.ErrorAs(t, err, &sessionErr)
	assert.Equal(t, KindInvalidInput, sessionErr.Kind)

	// A missing input is reported like an unknown one.
	_, err = session.Run(ctx, map[string]*tensors.Tensor{})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorIs(t, err, engine.ErrMissingInput)
	require.ErrorAs(t, err, &sessionErr)
	assert.Equal(t, KindInvalidInput, sessionErr.Kind)
	assert.NotErrorIs(t, err, ErrGPU)

	_, err = session.RunOutputs(ctx, map[string]*tensors.Tensor{"x": x}, "z")
	require.ErrorIs(t, err, ErrInvalidOutput)

	_, err = session.Run(ctx, map[string]*tensors.Tensor{"x": tensors.FromFlat([]float32{1, 2, 3})})
	require.ErrorIs(t, err, ErrGPU)
	require.ErrorIs(t, err, engine.ErrShapeMismatch)

	outputs, err := session.RunOutputs(ctx, map[string]*tensors.Tensor{"x": x}, "y")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, outputs["y"])
}

func TestOnnxOpsetVersion(t *testing.T) {
	version, err := OnnxOpsetVersion(reluModel(13).Model())
	require.NoError(t, err)
	assert.Equal(t, int64(13), version)

	// Repeated identical versions, and the explicit "ai.onnx" domain, are accepted.
	version, err = OnnxOpsetVersion(reluModel(13).Opset("ai.onnx", 13).Opset("", 13).Model())
	require.NoError(t, err)
	assert.Equal(t, int64(13), version)

	_, err = OnnxOpsetVersion(reluModel(13).Opset("", 12).Model())
	require.ErrorIs(t, err, ErrDuplicateOnnxOpset)
	assert.Contains(t, err.Error(), "13")
	assert.Contains(t, err.Error(), "12")

	_, err = OnnxOpsetVersion(reluModel(13).Opset("com.microsoft", 1).Model())
	require.ErrorIs(t, err, ErrUnknownOpset)
	assert.Contains(t, err.Error(), "com.microsoft")

	_, err = OnnxOpsetVersion(reluModel(0).Model())
	require.ErrorIs(t, err, ErrUnknownOnnxOpsetVersion)

	// Errors are reported by the constructors too.
	_, err = FromBytes(context.Background(), reluModel(0).Bytes())
	require.ErrorIs(t, err, ErrUnknownOnnxOpsetVersion)
}

func TestConstructionErrors(t *testing.T) {
	ctx := context.Background()

	_, err := FromBytes(ctx, []byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrModelDeserialization)
	require.ErrorIs(t, err, onnx.ErrMalformed)

	_, err = FromPath(ctx, filepath.Join(t.TempDir(), "missing.onnx"))
	require.ErrorIs(t, err, ErrModelReading)
	require.ErrorIs(t, err, os.ErrNotExist)

	model := onnxtest.NewModel(13).
		Input("x", onnx.DataTypeFloat, 2).
		Node("FancyOp", []string{"x"}, []string{"y"}).
		Output("y", onnx.DataTypeFloat, 2).
		Model()
	_, err = New(ctx, model)
	require.ErrorIs(t, err, ErrCompile)
	require.ErrorIs(t, err, compiler.ErrUnsupportedOperator)
	assert.Contains(t, err.Error(), "FancyOp")

	model = onnxtest.NewModel(13).
		SymbolicInput("x", onnx.DataTypeFloat, []int{0, 3}, []string{"batch", ""}).
		Node("Relu", []string{"x"}, []string{"y"}).
		OutputNoShape("y", onnx.DataTypeFloat).
		Model()
	_, err = New(ctx, model)
	require.ErrorIs(t, err, ErrIR)

	session, err := New(ctx, model, WithInputShape("x", 2, 3))
	require.NoError(t, err)
	defer func() { _ = session.Close() }()
	x := tensors.FromFlatDataAndDimensions([]float32{-1, 2, -3, 4, -5, 6}, 2, 3)
	outputs := must.M1(session.Run(ctx, map[string]*tensors.Tensor{"x": x}))
	assert.Equal(t, []float32{0, 2, 0, 4, 0, 6}, outputs["y"])

	_, err = New(ctx, reluModel(13).Model(), WithDeviceConfig("tpu"))
	require.ErrorIs(t, err, ErrGPU)
	require.ErrorIs(t, err, gpu.ErrDevice)
}

func TestUnsupportedOperators(t *testing.T) {
	ctx := context.Background()
	x := map[string]*tensors.Tensor{"x": tensors.FromFlat([]float32{-1, 1})}
	for _, optimize := range []bool{true, false} {
		// The shapes after an unsupported operator are unknown: the operator is still reported.
		model := onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("FancyOp", []string{"x"}, []string{"t"}).
			Node("Relu", []string{"t"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		_, err := New(ctx, model, WithOptimizations(optimize))
		require.ErrorIs(t, err, ErrCompile, "optimize=%v", optimize)
		require.ErrorIs(t, err, compiler.ErrUnsupportedOperator)
		assert.Contains(t, err.Error(), "FancyOp")

		// Only the first output of Dropout is computed.
		model = onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Dropout", []string{"x"}, []string{"y", "mask"}).
			Output("y", onnx.DataTypeFloat, 2).
			OutputNoShape("mask", onnx.DataTypeBool).
			Model()
		_, err = New(ctx, model, WithOptimizations(optimize))
		require.ErrorIs(t, err, ErrCompile, "optimize=%v", optimize)
		require.ErrorIs(t, err, compiler.ErrUnsupportedOperator)
		assert.Contains(t, err.Error(), "Dropout")
		assert.Contains(t, err.Error(), `"mask"`)

		// An unused mask is fine.
		model = onnxtest.NewModel(13).
			Input("x", onnx.DataTypeFloat, 2).
			Node("Dropout", []string{"x"}, []string{"d", "mask"}).
			Node("Relu", []string{"d"}, []string{"y"}).
			Output("y", onnx.DataTypeFloat, 2).
			Model()
		session, err := New(ctx, model, WithOptimizations(optimize))
		require.NoError(t, err, "optimize=%v", optimize)
		outputs := must.M1(session.Run(ctx, x))
		assert.Equal(t, []float32{0, 1}, outputs["y"])
		require.NoError(t, session.Close())
	}

	// A dead unsupported operator is removed by the optimizer.
	model := reluModel(13).
		Node("FancyOp", []string{"x"}, []string{"unused"}).
		Model()
	_, err := New(ctx, model, WithOptimizations(false))
	require.ErrorIs(t, err, compiler.ErrUnsupportedOperator)
	session, err := New(ctx, model)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()
	outputs := must.M1(session.Run(ctx, x))
	assert.Equal(t, []float32{0, 1}, outputs["y"])
}

func TestDevices(t *testing.T) {
	ctx := context.Background()

	t.Setenv(gpu.GPUONNX_DEVICE, "cpu:workers=3")
	session := must.M1(FromBytes(ctx, reluModel(13).Bytes()))
	device, ok := session.Device().(*cpu.Device)
	require.True(t, ok)
	assert.Equal(t, 3, device.Workers())
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	session = must.M1(FromBytes(ctx, reluModel(13).Bytes(), WithDeviceConfig("cpu:workers=2")))
	assert.Equal(t, 2, session.Device().(*cpu.Device).Workers())
	require.NoError(t, session.Close())

	// A shared device is not closed by the sessions using it.
	shared := must.M1(cpu.New(ctx, ""))
	defer func() { _ = shared.Close() }()
	first := must.M1(FromBytes(ctx, reluModel(13).Bytes(), WithDevice(shared)))
	second := must.M1(FromBytes(ctx, mnistLikeModel().Bytes(), WithDevice(shared)))
	require.NoError(t, first.Close())
	input := tensors.FromFlatDataAndDimensions(make([]float32, 28*28), 1, 1, 28, 28)
	_, err := second.Run(ctx, map[string]*tensors.Tensor{"Input3": input})
	require.NoError(t, err)
	require.NoError(t, second.Close())
	assert.Zero(t, shared.Allocated())
}

func TestSessionErrorMessages(t *testing.T) {
	err := &SessionError{Kind: KindCompile, Err: compiler.ErrUnsupportedOperator}
	assert.True(t, strings.HasPrefix(err.Error(), "error compiling model: "))
	assert.Equal(t, "the model did not reference a version of the ONNX opset", KindUnknownOnnxOpsetVersion.Error())
	assert.ErrorIs(t, err, ErrCompile)
	assert.NotErrorIs(t, err, ErrGPU)
}
