// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler translates an optimized IR graph into a Program: the buffers to allocate, and one Step
// (a generated WGSL compute shader, its bindings and its dispatch size) per node, in the topological order of
// the graph.
//
// Intermediate tensors share buffers when their live ranges don't overlap: a buffer is released after the step
// of the last reader of its tensor, and reused by a later tensor (best fit: the smallest free buffer large enough,
// lowest index on ties). Model inputs, outputs and constants have dedicated buffers.
//
// Compilation is deterministic: the same graph always produces the same program.
package compiler

import (
	"math"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/gomlx/gpuonnx/pkg/core/shapes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/gpu"
	"github.com/gomlx/gpuonnx/pkg/ir"
	"github.com/gomlx/gpuonnx/pkg/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinOpset lists, for operator types whose semantics changed in incompatible ways, the first opset version
// implemented by their lowering.
var MinOpset = map[string]int64{
	"BatchNormalization": 7,
	"Cast":               6,
	"Concat":             4,
	"ConstantOfShape":    9,
	"Gemm":               7,
	"LogSoftmax":         1,
	"Reshape":            5,
	"Softmax":            1,
}

// Option configures Compile.
type Option func(c *compiler)

// WithLogger sets the logger used to report the generated program.
func WithLogger(logger klog.Logger) Option {
	return func(c *compiler) {
		c.logger = logger
	}
}

type compiler struct {
	g       *ir.Graph
	limits  gpu.Limits
	opset   int64
	logger  klog.Logger
	program *Program

	// tensorBuffer maps tensor names to the index of the buffer holding them.
	tensorBuffer map[string]int

	// free lists the intermediate buffers available for reuse.
	free []int

	// lastUse is the position, in topological order, of the last node reading each tensor.
	lastUse map[string]int
}

// Compile creates the program computing the graph g on a device with the given limits. opset is the version of
// the standard operator set declared by the model.
//
// Errors wrap ErrCompile, and usually one of ErrUnsupportedOperator, ErrUnsupportedDType or ErrDeviceLimit.
func Compile(g *ir.Graph, limits gpu.Limits, opset int64, opts ...Option) (*Program, error) {
	c := &compiler{
		g:            g,
		limits:       limits,
		opset:        opset,
		logger:       logr.Discard(),
		program:      &Program{Name: g.Name, Opset: opset},
		tensorBuffer: make(map[string]int),
		lastUse:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limits.MaxComputeWorkgroupsPerDimension == 0 {
		c.limits.MaxComputeWorkgroupsPerDimension = gpu.DefaultLimits.MaxComputeWorkgroupsPerDimension
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	if c.logger.V(1).Enabled() {
		memory := c.program.Memory()
		c.logger.V(1).Info("compiled program", "graph", g.Name, "opset", opset, "steps", len(c.program.Steps),
			"buffers", len(c.program.Buffers),
			"intermediate", humanize.IBytes(memory[KindIntermediate]),
			"constants", humanize.IBytes(memory[KindConstant]))
	}
	return c.program, nil
}

func (c *compiler) compile() error {
	if c.opset < 1 {
		return errors.Wrapf(ErrCompile, "invalid opset version %d", c.opset)
	}
	for _, input := range c.g.Inputs {
		if err := c.checkShape(input.Name, input.Shape); err != nil {
			return err
		}
		idx, err := c.newBuffer(KindInput, input.Name, input.Shape)
		if err != nil {
			return err
		}
		c.program.Inputs = append(c.program.Inputs, Tensor{Name: input.Name, Shape: input.Shape, Buffer: idx})
	}

	order := c.g.Order()
	for pos, nodeIdx := range order {
		for _, input := range c.g.Nodes[nodeIdx].Inputs {
			if input != "" {
				c.lastUse[input] = pos
			}
		}
	}
	for pos, nodeIdx := range order {
		if err := c.compileNode(pos, c.g.Nodes[nodeIdx]); err != nil {
			return err
		}
	}

	for _, output := range c.g.Outputs {
		if _, found := c.program.Output(output.Name); found {
			continue
		}
		if err := c.compileOutput(output); err != nil {
			return err
		}
	}

	// Outputs are listed in declaration order.
	outputs := make([]Tensor, 0, len(c.program.Outputs))
	for _, output := range c.g.Outputs {
		if t, found := c.program.Output(output.Name); found && !slices.ContainsFunc(outputs, func(o Tensor) bool {
			return o.Name == output.Name
		}) {
			outputs = append(outputs, t)
		}
	}
	c.program.Outputs = outputs
	return nil
}

// checkShape verifies the shape is static and has a device representation.
func (c *compiler) checkShape(name string, shape shapes.Shape) error {
	if _, ok := tensors.DeviceDType(shape.DType); !ok {
		return errors.Wrapf(ErrUnsupportedDType, "tensor %q has dtype %s, only Float32, Int32 and Int64 are supported",
			name, shape.DType)
	}
	for _, dim := range shape.Dimensions {
		if dim < 0 {
			return errors.Wrapf(ErrCompile, "tensor %q has a dynamic shape %s", name, shape)
		}
	}
	return nil
}

// bufferSize in bytes of a tensor: zero-sized tensors still take 4 bytes.
func bufferSize(shape shapes.Shape) uint64 {
	return 4 * uint64(max(shape.Size(), 1))
}

func (c *compiler) checkSize(name string, size uint64) error {
	limit := min(c.limits.MaxStorageBufferBindingSize, c.limits.MaxBufferSize)
	if size > limit {
		return errors.Wrapf(ErrDeviceLimit, "tensor %q requires a buffer of %s, the device limit is %s",
			name, humanize.IBytes(size), humanize.IBytes(limit))
	}
	return nil
}

// newBuffer appends a buffer for the tensor.
func (c *compiler) newBuffer(kind BufferKind, name string, shape shapes.Shape) (int, error) {
	size := bufferSize(shape)
	if err := c.checkSize(name, size); err != nil {
		return 0, err
	}
	deviceDType, _ := tensors.DeviceDType(shape.DType)
	idx := len(c.program.Buffers)
	c.program.Buffers = append(c.program.Buffers, BufferSpec{
		Index:   idx,
		Kind:    kind,
		Size:    size,
		DType:   deviceDType,
		Tensors: []string{name},
	})
	c.tensorBuffer[name] = idx
	return idx, nil
}

// constantBuffer returns the buffer of a constant tensor, creating it on first use.
func (c *compiler) constantBuffer(name string, value *tensors.Tensor) (int, error) {
	if idx, found := c.tensorBuffer[name]; found {
		return idx, nil
	}
	if err := c.checkShape(name, value.Shape()); err != nil {
		return 0, err
	}
	data, err := value.DeviceBytes()
	if err != nil {
		return 0, errors.Wrapf(ErrUnsupportedDType, "constant %q: %v", name, err)
	}
	idx, err := c.newBuffer(KindConstant, name, value.Shape())
	if err != nil {
		return 0, err
	}
	if size := int(c.program.Buffers[idx].Size); len(data) < size {
		data = append(data, make([]byte, size-len(data))...)
	}
	c.program.Buffers[idx].Init = data
	return idx, nil
}

// bufferOf returns the buffer holding the tensor, which must be an input, a constant or computed by an earlier node.
func (c *compiler) bufferOf(name string) (int, error) {
	if idx, found := c.tensorBuffer[name]; found {
		return idx, nil
	}
	if value, found := c.g.Constants[name]; found {
		return c.constantBuffer(name, value)
	}
	return 0, errors.Wrapf(ErrCompile, "tensor %q is read before being computed", name)
}

// allocate an intermediate buffer for the tensor: the smallest free buffer large enough, or a new one.
func (c *compiler) allocate(name string, shape shapes.Shape) (int, error) {
	size := bufferSize(shape)
	best := -1
	for pos, idx := range c.free {
		candidate := c.program.Buffers[idx].Size
		if candidate < size {
			continue
		}
		if best < 0 {
			best = pos
			continue
		}
		bestIdx := c.free[best]
		bestSize := c.program.Buffers[bestIdx].Size
		if candidate < bestSize || (candidate == bestSize && idx < bestIdx) {
			best = pos
		}
	}
	if best < 0 {
		return c.newBuffer(KindIntermediate, name, shape)
	}
	idx := c.free[best]
	c.free = slices.Delete(c.free, best, best+1)
	c.program.Buffers[idx].Tensors = append(c.program.Buffers[idx].Tensors, name)
	c.tensorBuffer[name] = idx
	return idx, nil
}

// release returns the buffer of an intermediate tensor to the free list.
func (c *compiler) release(name string) {
	idx, found := c.tensorBuffer[name]
	if !found || c.program.Buffers[idx].Kind != KindIntermediate || slices.Contains(c.free, idx) {
		return
	}
	c.free = append(c.free, idx)
}

// workgroups returns the dispatch size for n invocations: beyond the per-dimension limit, workgroups spill into
// the y dimension.
func (c *compiler) workgroups(name string, n int) ([3]uint32, error) {
	if n > math.MaxInt32 {
		return [3]uint32{}, errors.Wrapf(ErrDeviceLimit, "node %q requires %d invocations", name, n)
	}
	total := uint64((n + gpu.WorkgroupSize - 1) / gpu.WorkgroupSize)
	maxDim := uint64(c.limits.MaxComputeWorkgroupsPerDimension)
	if total <= maxDim {
		return [3]uint32{uint32(total), 1, 1}, nil
	}
	y := (total + maxDim - 1) / maxDim
	if y > maxDim {
		return [3]uint32{}, errors.Wrapf(ErrDeviceLimit, "node %q requires %d workgroups, the device supports %d per dimension",
			name, total, maxDim)
	}
	return [3]uint32{uint32(maxDim), uint32(y), 1}, nil
}

// addStep generates the shader of the kernel and appends the step.
func (c *compiler) addStep(node *ir.Node, k *kernels.Kernel, operands []shapes.Shape, buffers []int) error {
	if limit := c.limits.MaxStorageBuffersPerShaderStage; limit > 0 && len(buffers) > limit {
		return errors.Wrapf(ErrDeviceLimit, "node %s binds %d buffers, the device supports %d", node, len(buffers), limit)
	}
	workgroups, err := c.workgroups(node.Name, k.Invocations)
	if err != nil {
		return err
	}
	shader, err := generateShader(k, operands)
	if err != nil {
		return errors.Wrapf(ErrUnsupportedOperator, "node %s: %v", node, err)
	}
	step := Step{
		Node:       node.Name,
		OpType:     node.Op.Type(),
		Shader:     shader,
		Kernel:     k,
		Bindings:   make([]Binding, len(buffers)),
		Workgroups: workgroups,
	}
	for ii, idx := range buffers {
		step.Bindings[ii] = Binding{Buffer: idx, Access: gpu.ReadOnly}
	}
	step.Bindings[len(buffers)-1].Access = gpu.ReadWrite
	c.program.Steps = append(c.program.Steps, step)
	c.logger.V(2).Info("compiled step", "step", len(c.program.Steps)-1, "node", node.Name, "kernel", k.Name,
		"buffers", buffers, "workgroups", workgroups)
	return nil
}

func (c *compiler) compileNode(pos int, node *ir.Node) error {
	if op, isUnsupported := node.Op.(*ir.Unsupported); isUnsupported {
		return errors.Wrapf(ErrUnsupportedOperator, "operator %s (domain %q) of node %q", op.OpType, op.Domain, node.Name)
	}
	opType := node.Op.Type()
	if minOpset, found := MinOpset[opType]; found && c.opset < minOpset {
		return errors.Wrapf(ErrUnsupportedOperator, "node %s requires opset >= %d, the model uses opset %d",
			node, minOpset, c.opset)
	}
	for _, extra := range node.Outputs[min(1, len(node.Outputs)):] {
		if extra != "" && (len(c.g.Consumers(extra)) > 0 || c.g.IsOutput(extra)) {
			return errors.Wrapf(ErrUnsupportedOperator, "node %s: only the first output is supported, %q is used", node, extra)
		}
	}
	if len(node.Outputs) == 0 || node.Outputs[0] == "" {
		return nil
	}
	output := node.Outputs[0]
	outShape, _ := c.g.Shape(output)
	if err := c.checkShape(output, outShape); err != nil {
		return errors.WithMessagef(err, "node %s", node)
	}

	var inputShapes []shapes.Shape
	var inputBuffers []int
	for _, input := range node.Inputs {
		if input == "" {
			continue
		}
		shape, _ := c.g.Shape(input)
		if err := c.checkShape(input, shape); err != nil {
			return errors.WithMessagef(err, "node %s", node)
		}
		inputShapes = append(inputShapes, shape)
	}

	// Shape and ConstantOfShape only depend on static shapes: their output is a constant.
	value, err := kernels.StaticValue(node, inputShapes)
	if err != nil {
		return errors.Wrapf(ErrUnsupportedOperator, "node %s: %v", node, err)
	}
	if value != nil {
		if _, err = c.constantBuffer(output, value); err != nil {
			return err
		}
		c.releaseInputs(pos, node)
		return nil
	}

	k, err := kernels.Build(node, inputShapes, outShape, c.opset)
	if err != nil {
		return errors.Wrapf(ErrUnsupportedOperator, "opset %d: %v", c.opset, err)
	}
	if k.Name == "copy" {
		// Shape operands (Reshape, Squeeze and Unsqueeze axes) are not read by the shader.
		inputShapes = inputShapes[:1]
	}
	for _, input := range node.Inputs {
		if input == "" {
			continue
		}
		if len(inputBuffers) == len(inputShapes) {
			break
		}
		idx, err := c.bufferOf(input)
		if err != nil {
			return errors.WithMessagef(err, "node %s", node)
		}
		inputBuffers = append(inputBuffers, idx)
	}

	var outIdx int
	if c.g.IsOutput(output) {
		outIdx, err = c.newBuffer(KindOutput, output, outShape)
		if err == nil {
			c.program.Outputs = append(c.program.Outputs, Tensor{Name: output, Shape: outShape, Buffer: outIdx})
		}
	} else {
		outIdx, err = c.allocate(output, outShape)
	}
	if err != nil {
		return errors.WithMessagef(err, "node %s", node)
	}
	if err := c.addStep(node, k, append(inputShapes, outShape), append(inputBuffers, outIdx)); err != nil {
		return err
	}

	c.releaseInputs(pos, node)
	if len(c.g.Consumers(output)) == 0 {
		c.release(output)
	}
	return nil
}

// releaseInputs releases the buffers of the inputs whose last reader is the node at position pos.
func (c *compiler) releaseInputs(pos int, node *ir.Node) {
	for _, input := range node.Inputs {
		if input != "" && c.lastUse[input] == pos {
			c.release(input)
		}
	}
}

// compileOutput adds the copy of a declared output that isn't computed by any step: a model input or a constant.
func (c *compiler) compileOutput(output ir.Value) error {
	src, err := c.bufferOf(output.Name)
	if err != nil {
		return err
	}
	if err := c.checkShape(output.Name, output.Shape); err != nil {
		return err
	}
	dst, err := c.newBuffer(KindOutput, output.Name, output.Shape)
	if err != nil {
		return err
	}
	// The output tensor name now refers to the output buffer.
	c.program.Outputs = append(c.program.Outputs, Tensor{Name: output.Name, Shape: output.Shape, Buffer: dst})
	node := &ir.Node{Name: "copy/" + output.Name, Op: &ir.Identity{}, Inputs: []string{output.Name}, Outputs: []string{output.Name}}
	return c.addStep(node, kernels.NewCopy(output.Shape), []shapes.Shape{output.Shape, output.Shape}, []int{src, dst})
}
