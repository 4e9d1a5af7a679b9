// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpu defines the device capability used to execute compiled programs: a Device creates storage
// buffers, compute pipelines and bind groups, and submits dispatches to its queue.
//
// Implementations register themselves with Register, usually in an init function, and are created with New or
// NewWithConfig. The default implementation is the "cpu" device (package github.com/gomlx/gpuonnx/pkg/gpu/cpu),
// which executes the Go version of every shader. The WebGPU device lives in github.com/gomlx/gpuonnx/pkg/gpu/wgpu
// and requires the "wgpu" build tag.
//
// Devices are safe to be shared by independent compiled programs. A single program must not submit work
// concurrently with itself.
package gpu

import (
	"context"
	"fmt"

	"github.com/gomlx/gpuonnx/pkg/kernels"
	"github.com/pkg/errors"
)

// WorkgroupSize is the number of invocations of each workgroup of every shader (the x dimension of
// @workgroup_size).
const WorkgroupSize = 256

// ErrDevice is matched by the errors returned by devices.
var ErrDevice = errors.New("gpu device error")

// Access mode of a buffer binding.
type Access int

const (
	// ReadOnly bindings are declared as var<storage, read>.
	ReadOnly Access = iota

	// ReadWrite bindings are declared as var<storage, read_write>.
	ReadWrite
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read"
	case ReadWrite:
		return "read_write"
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

// Limits of a device relevant to compiling programs.
type Limits struct {
	// MaxStorageBufferBindingSize is the largest buffer, in bytes, that can be bound to a shader.
	MaxStorageBufferBindingSize uint64

	// MaxBufferSize is the largest buffer, in bytes, that can be created.
	MaxBufferSize uint64

	// MaxStorageBuffersPerShaderStage is the maximum number of storage buffers bound to one shader.
	MaxStorageBuffersPerShaderStage int

	// MaxComputeWorkgroupsPerDimension is the maximum workgroup count of each dimension of a dispatch.
	MaxComputeWorkgroupsPerDimension uint32
}

// DefaultLimits are the minimum limits every WebGPU implementation supports.
var DefaultLimits = Limits{
	MaxStorageBufferBindingSize:      128 << 20,
	MaxBufferSize:                    256 << 20,
	MaxStorageBuffersPerShaderStage:  8,
	MaxComputeWorkgroupsPerDimension: 65535,
}

// Buffer is a device storage buffer. Its contents are 32-bit words.
type Buffer interface {
	// Size in bytes.
	Size() uint64

	// Release frees the device memory. The buffer must not be used afterwards.
	Release()
}

// Pipeline is a compiled compute shader.
type Pipeline interface {
	Release()
}

// BindGroup associates buffers to the bindings of a Pipeline.
type BindGroup interface {
	Release()
}

// PipelineSpec describes one compute shader.
type PipelineSpec struct {
	// Label used in device diagnostics.
	Label string

	// Source of the shader in WGSL and its entry point.
	Source, EntryPoint string

	// Kernel is the Go implementation of the shader, used by devices that can't run WGSL.
	Kernel *kernels.Kernel

	// Access of each binding, in binding order.
	Access []Access
}

// Dispatch is the execution of one pipeline over a grid of workgroups.
type Dispatch struct {
	Pipeline   Pipeline
	BindGroup  BindGroup
	Workgroups [3]uint32
}

// Device is the capability of creating resources and running work on one GPU (or a substitute).
//
// Blocking methods take a context: devices check it before starting work, and return an error wrapping
// context.Cause(ctx) if it is done.
type Device interface {
	// Name of the device, e.g. "cpu" or the adapter name for WebGPU devices.
	Name() string

	// Limits of the device.
	Limits() Limits

	// CreateBuffer creates a zero-initialized storage buffer of size bytes (a multiple of 4).
	CreateBuffer(label string, size uint64) (Buffer, error)

	// WriteBuffer copies data to the start of the buffer. len(data) must be a multiple of 4 and not larger than
	// the buffer.
	WriteBuffer(ctx context.Context, buffer Buffer, data []byte) error

	// ReadBuffer waits for all submitted work and returns a copy of the buffer contents.
	ReadBuffer(ctx context.Context, buffer Buffer) ([]byte, error)

	// CreatePipeline compiles a compute shader.
	CreatePipeline(spec PipelineSpec) (Pipeline, error)

	// CreateBindGroup binds buffers, in binding order, to the pipeline.
	CreateBindGroup(label string, pipeline Pipeline, buffers []Buffer) (BindGroup, error)

	// Submit queues the dispatches, which are executed in order, each one seeing the writes of the previous ones.
	Submit(ctx context.Context, dispatches []Dispatch) error

	// Close releases the device. Resources created by the device must not be used afterwards.
	Close() error
}
