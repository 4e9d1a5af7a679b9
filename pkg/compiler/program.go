// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/kernels"
)

// BufferKind classifies the buffers of a program.
type BufferKind int

const (
	// KindInput buffers receive a model input at every inference.
	KindInput BufferKind = iota

	// KindOutput buffers hold a model output, read back after every inference.
	KindOutput

	// KindIntermediate buffers hold tensors passed between steps. They may be shared by several tensors whose
	// live ranges don't overlap.
	KindIntermediate

	// KindConstant buffers are initialized once, with BufferSpec.Init.
	KindConstant
)

var bufferKindNames = [...]string{
	KindInput:        "input",
	KindOutput:       "output",
	KindIntermediate: "intermediate",
	KindConstant:     "constant",
}

// String implements fmt.Stringer.
func (k BufferKind) String() string {
	if k < 0 || int(k) >= len(bufferKindNames) {
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
	return bufferKindNames[k]
}

// BufferSpec describes one device buffer of a program.
type BufferSpec struct {
	Index int
	Kind  BufferKind

	// Size in bytes: a multiple of 4, and at least 4 (zero-sized bindings are invalid).
	Size uint64

	// DType is the device dtype of the data (Float32 or Int32) of the first tensor stored.
	DType dtypes.DType

	// Tensors stored in the buffer, in the order they are written.
	Tensors []string

	// Init holds the initial contents of constant buffers.
	Init []byte
}

// Label used for the device buffer.
func (b *BufferSpec) Label() string {
	if len(b.Tensors) == 1 {
		return fmt.Sprintf("#%d %s %s", b.Index, b.Kind, b.Tensors[0])
	}
	return fmt.Sprintf("#%d %s", b.Index, b.Kind)
}

// Binding of a buffer to a shader, in binding order.
type Binding struct {
	Buffer int
	Access gpu.Access
}

// Shader is a generated WGSL compute shader.
type Shader struct {
	Label      string
	Source     string
	EntryPoint string
}

// Step is one dispatch of a program.
type Step struct {
	// Node is the name of the IR node computed by the step, and OpType its operator type.
	Node, OpType string

	Shader Shader

	// Kernel is the Go version of the shader, used by devices that don't run WGSL.
	Kernel *kernels.Kernel

	// Bindings lists the present inputs (read-only) followed by the output (read-write).
	Bindings []Binding

	// Workgroups is the dispatch size.
	Workgroups [3]uint32
}

// Access returns the access mode of each binding.
func (s *Step) Access() []gpu.Access {
	access := make([]gpu.Access, len(s.Bindings))
	for ii, b := range s.Bindings {
		access[ii] = b.Access
	}
	return access
}

// Tensor is a model input or output of a program.
type Tensor struct {
	Name   string
	Shape  shapes.Shape
	Buffer int
}

// Program is the result of compiling an IR graph: the buffers to allocate and the steps to dispatch, in order.
//
// Every buffer a step reads is a model input, a constant, or written by an earlier step.
type Program struct {
	Name    string
	Opset   int64
	Buffers []BufferSpec
	Steps   []Step
	Inputs  []Tensor
	Outputs []Tensor
}

// Input returns the model input with the given name.
func (p *Program) Input(name string) (Tensor, bool) {
	for _, t := range p.Inputs {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Output returns the model output with the given name.
func (p *Program) Output(name string) (Tensor, bool) {
	for _, t := range p.Outputs {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Memory returns the total size in bytes of the buffers of each kind.
func (p *Program) Memory() map[BufferKind]uint64 {
	memory := make(map[BufferKind]uint64, len(bufferKindNames))
	for _, b := range p.Buffers {
		memory[b.Kind] += b.Size
	}
	return memory
}

// String returns a multi-line description of the program.
func (p *Program) String() string {
	var sb strings.Builder
	memory := p.Memory()
	var total uint64
	for _, size := range memory {
		total += size
	}
	fmt.Fprintf(&sb, "Program %q (opset %d): %d steps, %d buffers, %s\n", p.Name, p.Opset, len(p.Steps),
		len(p.Buffers), humanize.IBytes(total))
	for ii, step := range p.Steps {
		buffers := make([]string, len(step.Bindings))
		for jj, b := range step.Bindings {
			buffers[jj] = fmt.Sprintf("#%d", b.Buffer)
		}
		fmt.Fprintf(&sb, "  %3d: %-20s %-24s [%s] workgroups=%v\n", ii, step.Shader.Label, step.Node,
			strings.Join(buffers, " "), step.Workgroups)
	}
	return sb.String()
}
