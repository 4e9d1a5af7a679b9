// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wgpu implements a gpu.Device on WebGPU, using github.com/cogentcore/webgpu (wgpu-native).
//
// It requires cgo and the "wgpu" build tag: without it the package is empty. Import it for its side effect of
// registering the "wgpu" device:
//
//	import _ "github.com/gomlx/gpuonnx/pkg/gpu/wgpu"
//
// and select it with GPUONNX_DEVICE=wgpu (or gpuonnx.WithDeviceConfig("wgpu")). The configuration selects the
// adapter power preference: "low-power" or "high-performance" (the default).
package wgpu
