// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpuonnx runs ONNX models on GPUs through WebGPU compute shaders.
//
// A Session compiles a model once, when it is created, and then runs it many times:
//
//	session, err := gpuonnx.FromPath(ctx, "mnist-8.onnx")
//	if err != nil {
//		return err
//	}
//	defer session.Close()
//	outputs, err := session.Run(ctx, map[string]*tensors.Tensor{
//		"Input3": tensors.FromFlatDataAndDimensions(pixels, 1, 1, 28, 28),
//	})
//
// Creating a session goes through the following stages, each in its own package:
//
//   - pkg/onnx decodes the model protobuf.
//   - pkg/ir builds the graph of operators, validates it and infers the shape of every tensor.
//   - pkg/optimizer folds constants, removes identities and dead nodes, and fuses elementwise operators.
//   - pkg/compiler generates one WGSL compute shader per node, and plans the buffers.
//   - pkg/engine creates the buffers, pipelines and bind groups on a gpu.Device, and runs inferences.
//
// The device is selected with the GPUONNX_DEVICE environment variable (see gpu.New), or with the WithDevice and
// WithDeviceConfig options. The "cpu" device, which runs a Go version of every shader, is always available. The
// WebGPU device requires building with the "wgpu" tag and importing github.com/gomlx/gpuonnx/pkg/gpu/wgpu.
//
// Every error returned by this package is a *SessionError, whose kind can be tested with errors.Is, for instance
// errors.Is(err, gpuonnx.ErrCompile).
package gpuonnx
